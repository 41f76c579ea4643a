package transport

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// helloTimeout bounds the identity exchange after connect.
const helloTimeout = 10 * time.Second

// ErrHelloRejected indicates the listener rejected the dialer's identity
// or key fingerprint.
var ErrHelloRejected = errors.New("hello rejected")

// tcpHello is exchanged once after connect, before any protocol frame.
// The fingerprint proves knowledge of the PSK without sending it; this
// transport is a development stand-in, so no further channel security is
// applied.
type tcpHello struct {
	Identity    string `json:"identity"`
	Fingerprint []byte `json:"fingerprint"`
}

// tcpHelloReply accepts or rejects the hello.
type tcpHelloReply struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// pskFingerprint is an HMAC of a fixed label under the PSK.
func pskFingerprint(psk []byte) []byte {
	mac := hmac.New(sha256.New, psk)
	mac.Write([]byte("prpr-transport-hello"))
	return mac.Sum(nil)
}

// tcpChannel is a stream channel over TCP with length-prefixed framing.
type tcpChannel struct {
	conn     net.Conn
	identity string
	fw       *FrameWriter

	recv    chan []byte
	readErr error
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func newTCPChannel(conn net.Conn, identity string) *tcpChannel {
	c := &tcpChannel{
		conn:     conn,
		identity: identity,
		fw:       NewFrameWriter(conn),
		recv:     make(chan []byte, pipeBuffer),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *tcpChannel) readLoop() {
	fr := NewFrameReader(c.conn)
	for {
		data, err := fr.ReadFrame()
		if err != nil {
			c.readErr = err
			close(c.done)
			return
		}
		select {
		case c.recv <- data:
		case <-c.done:
			return
		}
	}
}

// Identity returns the PSK identity hint presented by the dialer.
func (c *tcpChannel) Identity() string {
	return c.identity
}

// Send transmits one frame.
func (c *tcpChannel) Send(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	return c.fw.WriteFrame(data)
}

// Receive blocks until a frame arrives, the context is done, or the
// connection fails.
func (c *tcpChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.recv:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		select {
		case data := <-c.recv:
			return data, nil
		default:
		}
		if c.readErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrChannelClosed, c.readErr)
		}
		return nil, ErrChannelClosed
	}
}

// Close closes the connection.
func (c *tcpChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// TCPDialer dials the development TCP transport.
type TCPDialer struct {
	// Addr is the server address (host:port).
	Addr string
}

// Dial connects, performs the hello exchange, and returns the channel.
func (d *TCPDialer) Dial(ctx context.Context, identity string, psk []byte) (Channel, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", d.Addr, err)
	}

	_ = conn.SetDeadline(time.Now().Add(helloTimeout))

	fw := NewFrameWriter(conn)
	hello, err := json.Marshal(&tcpHello{
		Identity:    identity,
		Fingerprint: pskFingerprint(psk),
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := fw.WriteFrame(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send hello: %w", err)
	}

	replyData, err := NewFrameReader(conn).ReadFrame()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read hello reply: %w", err)
	}
	var reply tcpHelloReply
	if err := json.Unmarshal(replyData, &reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("invalid hello reply: %w", err)
	}
	if !reply.OK {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrHelloRejected, reply.Reason)
	}

	_ = conn.SetDeadline(time.Time{})
	return newTCPChannel(conn, identity), nil
}

// TCPListener accepts development TCP transport channels.
type TCPListener struct {
	ln    net.Listener
	keyFn KeyFunc
}

// ListenTCP starts listening on addr. The key function provides the
// expected PSK per identity hint.
func ListenTCP(addr string, keyFn KeyFunc) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &TCPListener{ln: ln, keyFn: keyFn}, nil
}

// Addr returns the listen address.
func (l *TCPListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept blocks until a node completes the hello exchange. Connections
// with a bad identity or fingerprint are rejected and Accept keeps waiting.
func (l *TCPListener) Accept(ctx context.Context) (ServerChannel, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := l.ln.Accept()
		if err != nil {
			return nil, err
		}

		ch, err := l.handshake(conn)
		if err != nil {
			conn.Close()
			continue
		}
		return ch, nil
	}
}

func (l *TCPListener) handshake(conn net.Conn) (ServerChannel, error) {
	_ = conn.SetDeadline(time.Now().Add(helloTimeout))

	helloData, err := NewFrameReader(conn).ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("failed to read hello: %w", err)
	}
	var hello tcpHello
	if err := json.Unmarshal(helloData, &hello); err != nil {
		return nil, fmt.Errorf("invalid hello: %w", err)
	}

	fw := NewFrameWriter(conn)
	reject := func(reason string) error {
		reply, _ := json.Marshal(&tcpHelloReply{OK: false, Reason: reason})
		_ = fw.WriteFrame(reply)
		return fmt.Errorf("%w: %s", ErrHelloRejected, reason)
	}

	if l.keyFn != nil {
		psk, err := l.keyFn(hello.Identity)
		if err != nil {
			return nil, reject("unknown identity")
		}
		if !hmac.Equal(pskFingerprint(psk), hello.Fingerprint) {
			return nil, reject("key mismatch")
		}
	}

	reply, err := json.Marshal(&tcpHelloReply{OK: true})
	if err != nil {
		return nil, err
	}
	if err := fw.WriteFrame(reply); err != nil {
		return nil, fmt.Errorf("failed to send hello reply: %w", err)
	}

	_ = conn.SetDeadline(time.Time{})
	return newTCPChannel(conn, hello.Identity), nil
}

// Close stops the listener.
func (l *TCPListener) Close() error {
	return l.ln.Close()
}
