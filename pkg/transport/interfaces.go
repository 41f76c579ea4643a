package transport

import (
	"context"
)

// Channel is a secured, message-oriented channel between a node and a
// server. Implementations are keyed with a single PSK for their whole
// lifetime; a key epoch change requires closing the channel and dialing a
// new one.
type Channel interface {
	// Send transmits one encoded frame.
	Send(data []byte) error

	// Receive blocks until a frame arrives, the context is done, or the
	// channel is closed.
	Receive(ctx context.Context) ([]byte, error)

	// Close closes the channel. Pending Receive calls return an error.
	Close() error
}

// ServerChannel is the server-side view of an accepted channel. The
// identity hint names the node so the server can select the expected key
// material before any frame is processed.
type ServerChannel interface {
	Channel

	// Identity returns the PSK identity hint presented by the dialer.
	Identity() string
}

// Dialer opens a secured channel to a server using the given PSK.
// The identity hint is presented to the server for key selection, like a
// TLS-PSK identity.
type Dialer interface {
	Dial(ctx context.Context, identity string, psk []byte) (Channel, error)
}

// Listener accepts secured channels from nodes.
type Listener interface {
	// Accept blocks until a node connects, the context is done, or the
	// listener is closed.
	Accept(ctx context.Context) (ServerChannel, error)

	// Close stops the listener.
	Close() error
}

// KeyFunc returns the PSK a listener expects for an identity hint.
// It is how listeners consult the security selector without depending on it.
type KeyFunc func(identity string) ([]byte, error)

// Compile-time interface satisfaction checks.
var (
	_ Channel       = (*pipeChannel)(nil)
	_ ServerChannel = (*pipeChannel)(nil)
	_ Dialer        = (*PipeNetwork)(nil)
	_ Listener      = (*PipeNetwork)(nil)
	_ Dialer        = (*TCPDialer)(nil)
	_ Listener      = (*TCPListener)(nil)
	_ ServerChannel = (*tcpChannel)(nil)
	_ Channel       = (*tcpChannel)(nil)
)
