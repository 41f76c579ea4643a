package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Framing constants.
const (
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4

	// DefaultMaxFrameSize is the default maximum frame size (64 KB).
	DefaultMaxFrameSize = 65536

	// MinFrameSize is the minimum valid frame size.
	MinFrameSize = 1
)

// Framing errors.
var (
	// ErrFrameTooLarge indicates the frame exceeds the maximum size.
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrFrameEmpty indicates an empty frame.
	ErrFrameEmpty = errors.New("frame is empty")
)

// FrameWriter writes length-prefixed frames to an underlying writer.
// Safe for concurrent use.
type FrameWriter struct {
	w            io.Writer
	maxFrameSize uint32
	mu           sync.Mutex
}

// NewFrameWriter creates a frame writer with the default maximum size.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w, maxFrameSize: DefaultMaxFrameSize}
}

// WriteFrame writes one length-prefixed frame.
func (fw *FrameWriter) WriteFrame(data []byte) error {
	if len(data) == 0 {
		return ErrFrameEmpty
	}
	if uint32(len(data)) > fw.maxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), fw.maxFrameSize)
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	var lengthBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(data)))

	if _, err := fw.w.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := fw.w.Write(data); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	return nil
}

// FrameReader reads length-prefixed frames from an underlying reader.
// Not safe for concurrent use; a channel has a single reader goroutine.
type FrameReader struct {
	r            io.Reader
	maxFrameSize uint32
}

// NewFrameReader creates a frame reader with the default maximum size.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r, maxFrameSize: DefaultMaxFrameSize}
}

// ReadFrame reads one length-prefixed frame.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(fr.r, lengthBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length < MinFrameSize {
		return nil, ErrFrameEmpty
	}
	if length > fr.maxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, fr.maxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(fr.r, data); err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return data, nil
}
