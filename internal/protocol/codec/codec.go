// Package codec serializes envelopes for the relay transports.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/relaychat/internal/protocol/envelope"
	"github.com/fxamacker/cbor/v2"
)

const (
	NameJSON = "json"
	NameCBOR = "cbor"
)

var (
	ErrUnknownCodec = errors.New("codec: unknown codec")
	ErrDecode       = errors.New("codec: decode failed")
)

// Codec converts envelopes to and from wire bytes. Binary reports whether the
// encoding needs a binary-safe channel (websocket binary frames).
type Codec interface {
	Name() string
	Binary() bool
	Marshal(env envelope.Envelope) ([]byte, error)
	Unmarshal(data []byte) (envelope.Envelope, error)
}

// ByName resolves a configured codec name. Empty selects JSON.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameJSON:
		return JSON{}, nil
	case NameCBOR:
		return NewCBOR(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

type JSON struct{}

func (JSON) Name() string { return NameJSON }
func (JSON) Binary() bool { return false }

func (JSON) Marshal(env envelope.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSON) Unmarshal(data []byte) (envelope.Envelope, error) {
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return env, nil
}

// CBOR is the compact binary encoding. Timestamps are written as RFC3339 with
// nanoseconds so SentAt survives a round trip unchanged.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBOR() CBOR {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor enc mode: %v", err))
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("codec: cbor dec mode: %v", err))
	}
	return CBOR{enc: enc, dec: dec}
}

func (CBOR) Name() string { return NameCBOR }
func (CBOR) Binary() bool { return true }

func (c CBOR) Marshal(env envelope.Envelope) ([]byte, error) {
	return c.enc.Marshal(env)
}

func (c CBOR) Unmarshal(data []byte) (envelope.Envelope, error) {
	var env envelope.Envelope
	if err := c.dec.Unmarshal(data, &env); err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return env, nil
}
