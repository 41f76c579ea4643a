package wire

import (
	"encoding/json"
	"fmt"

	"github.com/proper-automation/proper-go/pkg/version"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes frames for a secured channel. The MessagePack codec is
// intended for compact datagram channels, the JSON codec for textual stream
// channels. Both round-trip the same logical fields.
type Codec interface {
	// Name returns the codec name ("msgpack" or "json").
	Name() string

	// Encode serializes a frame. The frame is validated first.
	Encode(f *Frame) ([]byte, error)

	// Decode deserializes and validates a frame.
	Decode(data []byte) (*Frame, error)
}

// Msgpack is the MessagePack codec.
var Msgpack Codec = msgpackCodec{}

// JSON is the JSON codec.
var JSON Codec = jsonCodec{}

// msgpackFrame is the MessagePack wire form of a frame. The payload is kept
// raw so it can be decoded into the concrete type selected by the kind.
type msgpackFrame struct {
	Src     NodeID             `msgpack:"src"`
	Dst     NodeID             `msgpack:"dst"`
	Ver     version.Version    `msgpack:"ver"`
	MID     uint64             `msgpack:"mid"`
	Pending bool               `msgpack:"pnd"`
	Ack     []uint64           `msgpack:"ack,omitempty"`
	Kind    MessageKind        `msgpack:"typ"`
	Msg     msgpack.RawMessage `msgpack:"msg,omitempty"`
}

type msgpackCodec struct{}

func (msgpackCodec) Name() string { return "msgpack" }

func (msgpackCodec) Encode(f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	payload, err := msgpack.Marshal(f.Msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", f.Msg.Kind(), err)
	}
	return msgpack.Marshal(&msgpackFrame{
		Src:     f.Src,
		Dst:     f.Dst,
		Ver:     f.Ver,
		MID:     f.MID,
		Pending: f.Pending,
		Ack:     f.Ack,
		Kind:    f.Msg.Kind(),
		Msg:     payload,
	})
}

func (msgpackCodec) Decode(data []byte) (*Frame, error) {
	var wf msgpackFrame
	if err := msgpack.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	msg, err := newMessage(wf.Kind)
	if err != nil {
		return nil, err
	}
	if len(wf.Msg) > 0 {
		if err := msgpack.Unmarshal(wf.Msg, msg); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", wf.Kind, err)
		}
	}
	f := &Frame{
		Src:     wf.Src,
		Dst:     wf.Dst,
		Ver:     wf.Ver,
		MID:     wf.MID,
		Pending: wf.Pending,
		Ack:     wf.Ack,
		Msg:     msg,
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	return f, nil
}

// jsonFrame is the JSON wire form of a frame.
type jsonFrame struct {
	Src     NodeID          `json:"src"`
	Dst     NodeID          `json:"dst"`
	Ver     version.Version `json:"ver"`
	MID     uint64          `json:"mid"`
	Pending bool            `json:"pnd"`
	Ack     []uint64        `json:"ack,omitempty"`
	Kind    MessageKind     `json:"typ"`
	Msg     json.RawMessage `json:"msg,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Encode(f *Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	payload, err := json.Marshal(f.Msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", f.Msg.Kind(), err)
	}
	return json.Marshal(&jsonFrame{
		Src:     f.Src,
		Dst:     f.Dst,
		Ver:     f.Ver,
		MID:     f.MID,
		Pending: f.Pending,
		Ack:     f.Ack,
		Kind:    f.Msg.Kind(),
		Msg:     payload,
	})
}

func (jsonCodec) Decode(data []byte) (*Frame, error) {
	var wf jsonFrame
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	msg, err := newMessage(wf.Kind)
	if err != nil {
		return nil, err
	}
	if len(wf.Msg) > 0 {
		if err := json.Unmarshal(wf.Msg, msg); err != nil {
			return nil, fmt.Errorf("failed to decode %s payload: %w", wf.Kind, err)
		}
	}
	f := &Frame{
		Src:     wf.Src,
		Dst:     wf.Dst,
		Ver:     wf.Ver,
		MID:     wf.MID,
		Pending: wf.Pending,
		Ack:     wf.Ack,
		Msg:     msg,
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	return f, nil
}
