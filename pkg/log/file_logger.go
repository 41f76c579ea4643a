package log

import (
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// FileLogger captures protocol trace events in an append-only CBOR file,
// one encoded Event per record. Safe for concurrent use.
type FileLogger struct {
	mu   sync.Mutex
	file *os.File
	enc  *cbor.Encoder
}

// NewFileLogger opens path for appending, creating it with mode 0644 when
// it does not exist. Events from earlier runs are preserved.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{file: f, enc: NewEncoder(f)}, nil
}

// Log appends one event. Encoding errors are dropped; capture must not
// disrupt the protocol.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enc == nil {
		return
	}
	_ = l.enc.Encode(event)
}

// Close closes the capture file. Later Log calls are silently ignored and
// closing twice is a no-op.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enc == nil {
		return nil
	}
	l.enc = nil
	return l.file.Close()
}

// Compile-time interface satisfaction check.
var _ Logger = (*FileLogger)(nil)
