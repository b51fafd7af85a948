package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	NameJSON    = "json"
	NameMsgpack = "msgpack"
)

var (
	ErrUnknownCodec = errors.New("unknown codec")
)

// Codec encodes signaling envelopes into websocket frames.
type Codec interface {
	Name() string
	FrameType() int
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte, v any) error
}

// ByName resolves a codec, an empty name selects JSON.
func ByName(name string) (Codec, error) {
	switch name {
	case "", NameJSON:
		return JSON{}, nil
	case NameMsgpack:
		return Msgpack{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// ForFrame picks the codec matching an inbound websocket frame type, so a
// peer may mix text and binary frames on one connection.
func ForFrame(frameType int) (Codec, error) {
	switch frameType {
	case websocket.TextMessage:
		return JSON{}, nil
	case websocket.BinaryMessage:
		return Msgpack{}, nil
	}
	return nil, fmt.Errorf("%w: frame type %d", ErrUnknownCodec, frameType)
}

type JSON struct{}

func (JSON) Name() string   { return NameJSON }
func (JSON) FrameType() int { return websocket.TextMessage }

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(b []byte, v any) error {
	return json.Unmarshal(b, v)
}

// Msgpack reuses the json struct tags so both codecs share one envelope type.
type Msgpack struct{}

func (Msgpack) Name() string   { return NameMsgpack }
func (Msgpack) FrameType() int { return websocket.BinaryMessage }

func (Msgpack) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Msgpack) Unmarshal(b []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
