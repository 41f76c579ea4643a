package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/proper-automation/proper-go/pkg/log"
	"github.com/proper-automation/proper-go/pkg/transport"
	"github.com/proper-automation/proper-go/pkg/version"
	"github.com/proper-automation/proper-go/pkg/wire"
)

// Server binds a Manager to a transport listener. Each accepted channel is
// served by its own goroutine; all protocol state lives in the Manager, so
// a node reconnecting on a new channel continues where it left off.
type Server struct {
	mgr    *Manager
	codec  wire.Codec
	logger *slog.Logger
	trace  log.Logger
}

// NewServer creates a server around a manager. The codec defaults to
// wire.Msgpack.
func NewServer(mgr *Manager, codec wire.Codec) *Server {
	if codec == nil {
		codec = wire.Msgpack
	}
	return &Server{
		mgr:    mgr,
		codec:  codec,
		logger: mgr.logger,
		trace:  mgr.trace,
	}
}

// Manager returns the underlying session manager.
func (s *Server) Manager() *Manager {
	return s.mgr
}

// Serve accepts channels until the context is cancelled or the listener
// fails.
func (s *Server) Serve(ctx context.Context, lis transport.Listener) error {
	for {
		ch, err := lis.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.serveChannel(ctx, ch)
	}
}

// serveChannel runs the request/answer loop for one node channel.
func (s *Server) serveChannel(ctx context.Context, ch transport.ServerChannel) {
	defer ch.Close()

	s.logger.Debug("channel accepted", "identity", ch.Identity())
	s.traceChannel(ch.Identity(), "", "ACCEPTED")
	defer s.traceChannel(ch.Identity(), "ACCEPTED", "CLOSED")

	for {
		raw, err := ch.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				s.logger.Debug("channel closed", "identity", ch.Identity(), "error", err)
			}
			return
		}

		frame, err := s.codec.Decode(raw)
		if err != nil {
			s.logger.Warn("malformed frame", "identity", ch.Identity(), "error", err)
			s.answerMalformed(ch)
			continue
		}

		resp, err := s.mgr.Receive(frame)
		if err != nil {
			s.logger.Warn("frame rejected", "identity", ch.Identity(), "error", err)
			s.answerMalformed(ch)
			continue
		}
		if resp == nil {
			continue
		}

		data, err := s.codec.Encode(resp)
		if err != nil {
			s.logger.Error("failed to encode response", "error", err)
			continue
		}
		if err := ch.Send(data); err != nil {
			s.logger.Debug("failed to send response", "identity", ch.Identity(), "error", err)
			return
		}
	}
}

// answerMalformed answers a frame that could not be decoded or dispatched.
// There is no usable message id to acknowledge, so RMID is zero.
func (s *Server) answerMalformed(ch transport.ServerChannel) {
	id, err := wire.ParseNodeID(ch.Identity())
	if err != nil {
		return
	}
	frame := &wire.Frame{
		Src: wire.ServerID,
		Dst: id,
		Ver: version.Current,
		MID: 1,
		Msg: &wire.AckStatus{RMID: 0, Code: wire.StatusBadMalformed},
	}
	data, err := s.codec.Encode(frame)
	if err != nil {
		return
	}
	ch.Send(data)
}

func (s *Server) traceChannel(identity, oldState, newState string) {
	s.trace.Log(log.Event{
		Timestamp: time.Now(),
		Role:      log.RoleServer,
		NodeID:    identity,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityChannel,
			OldState: oldState,
			NewState: newState,
		},
	})
}
