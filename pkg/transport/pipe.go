package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
)

// Pipe errors.
var (
	ErrChannelClosed  = errors.New("channel closed")
	ErrListenerClosed = errors.New("listener closed")
	ErrWrongKey       = errors.New("key material mismatch")
)

// pipeBuffer is the per-direction frame buffer size.
const pipeBuffer = 16

// pipeChannel is one end of an in-process channel pair.
type pipeChannel struct {
	identity string
	send     chan []byte
	recv     chan []byte

	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
	peer   *pipeChannel
}

// Pipe returns a connected channel pair: the node end and the server end.
// Frames written to one end are received on the other.
func Pipe(identity string) (node Channel, server ServerChannel) {
	a := &pipeChannel{
		identity: identity,
		send:     make(chan []byte, pipeBuffer),
		recv:     make(chan []byte, pipeBuffer),
		closed:   make(chan struct{}),
	}
	b := &pipeChannel{
		identity: identity,
		send:     a.recv,
		recv:     a.send,
		closed:   make(chan struct{}),
	}
	a.peer, b.peer = b, a
	return a, b
}

// Identity returns the dialer's PSK identity hint.
func (c *pipeChannel) Identity() string {
	return c.identity
}

// Send transmits one frame to the peer.
func (c *pipeChannel) Send(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case <-c.closed:
		return ErrChannelClosed
	case <-c.peer.closed:
		return ErrChannelClosed
	case c.send <- buf:
		return nil
	}
}

// Receive blocks until a frame arrives or the channel closes.
func (c *pipeChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.recv:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrChannelClosed
	case <-c.peer.closed:
		// Drain frames already in flight before reporting closure.
		select {
		case data := <-c.recv:
			return data, nil
		default:
			return nil, ErrChannelClosed
		}
	}
}

// Close closes this end of the pair.
func (c *pipeChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// PipeNetwork is an in-process transport for tests and simulations. It is
// both a Dialer and a Listener: dialing hands the server end of a fresh
// pipe to the accept queue, after checking the PSK against the listener's
// key function.
type PipeNetwork struct {
	mu      sync.Mutex
	keyFn   KeyFunc
	accepts chan ServerChannel
	closed  chan struct{}
	once    sync.Once
}

// NewPipeNetwork creates a pipe network. The key function provides the
// expected PSK per identity hint; a nil key function accepts any key.
func NewPipeNetwork(keyFn KeyFunc) *PipeNetwork {
	return &PipeNetwork{
		keyFn:   keyFn,
		accepts: make(chan ServerChannel, pipeBuffer),
		closed:  make(chan struct{}),
	}
}

// Dial connects a node end to the network, verifying the PSK the way a
// real PSK handshake would.
func (n *PipeNetwork) Dial(ctx context.Context, identity string, psk []byte) (Channel, error) {
	if n.keyFn != nil {
		expected, err := n.keyFn(identity)
		if err != nil {
			return nil, fmt.Errorf("key lookup for %q: %w", identity, err)
		}
		if !bytes.Equal(expected, psk) {
			return nil, fmt.Errorf("%w for identity %q", ErrWrongKey, identity)
		}
	}

	node, server := Pipe(identity)
	select {
	case n.accepts <- server:
		return node, nil
	case <-n.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept returns the server end of the next dialed channel.
func (n *PipeNetwork) Accept(ctx context.Context) (ServerChannel, error) {
	select {
	case ch := <-n.accepts:
		return ch, nil
	case <-n.closed:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the network. Pending Accept and Dial calls return an error.
func (n *PipeNetwork) Close() error {
	n.once.Do(func() { close(n.closed) })
	return nil
}
