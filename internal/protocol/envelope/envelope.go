// Package envelope defines the unit exchanged between session endpoints and
// the relay.
//
// An Envelope carries exactly one payload matching its Kind. Message
// envelopes are durable (queued while disconnected); every other kind is an
// ephemeral signal with no retry value once its moment has passed.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Broadcast is the recipient sentinel for fan-out envelopes (presence).
const Broadcast = "*"

var ErrInvalidEnvelope = errors.New("envelope: invalid envelope")

// Kind identifies the event an envelope carries.
type Kind string

const (
	KindMessage         Kind = "message"
	KindTyping          Kind = "typing"
	KindPresence        Kind = "presence"
	KindDeliveryReceipt Kind = "delivery_receipt"
	KindReadReceipt     Kind = "read_receipt"
)

// Kinds lists every known kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindMessage, KindTyping, KindPresence, KindDeliveryReceipt, KindReadReceipt}
}

func (k Kind) Valid() bool {
	switch k {
	case KindMessage, KindTyping, KindPresence, KindDeliveryReceipt, KindReadReceipt:
		return true
	default:
		return false
	}
}

// Durable reports whether envelopes of this kind survive disconnection.
func (k Kind) Durable() bool {
	return k == KindMessage
}

// Subtype is the content class of a message payload.
type Subtype string

const (
	SubtypeText  Subtype = "text"
	SubtypeFile  Subtype = "file"
	SubtypeImage Subtype = "image"
)

// PresenceStatus is the advertised availability of an endpoint.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	default:
		return false
	}
}

// FileDescriptor points at out-of-band file content referenced by a message.
type FileDescriptor struct {
	URL         string `json:"url" cbor:"url"`
	Name        string `json:"name" cbor:"name"`
	Size        int64  `json:"size" cbor:"size"`
	ContentType string `json:"content_type" cbor:"content_type"`
}

type MessagePayload struct {
	Ciphertext []byte          `json:"ciphertext" cbor:"ciphertext"`
	Nonce      []byte          `json:"nonce" cbor:"nonce"`
	Subtype    Subtype         `json:"subtype" cbor:"subtype"`
	File       *FileDescriptor `json:"file,omitempty" cbor:"file,omitempty"`
}

type TypingPayload struct {
	Typing bool `json:"typing" cbor:"typing"`
}

type PresencePayload struct {
	Status   PresenceStatus `json:"status" cbor:"status"`
	LastSeen time.Time      `json:"last_seen" cbor:"last_seen"`
	Device   string         `json:"device,omitempty" cbor:"device,omitempty"`
}

// ReceiptPayload is shared by delivery and read receipts.
type ReceiptPayload struct {
	EnvelopeID string    `json:"envelope_id" cbor:"envelope_id"`
	At         time.Time `json:"at" cbor:"at"`
}

// Envelope is the wire unit. Exactly one payload pointer is set and it must
// match Kind.
type Envelope struct {
	ID        string           `json:"id" cbor:"id"`
	Kind      Kind             `json:"kind" cbor:"kind"`
	From      string           `json:"from" cbor:"from"`
	To        string           `json:"to" cbor:"to"`
	SentAt    time.Time        `json:"sent_at" cbor:"sent_at"`
	Signature []byte           `json:"signature,omitempty" cbor:"signature,omitempty"`
	Message   *MessagePayload  `json:"message,omitempty" cbor:"message,omitempty"`
	Typing    *TypingPayload   `json:"typing,omitempty" cbor:"typing,omitempty"`
	Presence  *PresencePayload `json:"presence,omitempty" cbor:"presence,omitempty"`
	Receipt   *ReceiptPayload  `json:"receipt,omitempty" cbor:"receipt,omitempty"`
}

// NewID returns a fresh random (v4) envelope id.
func NewID() string {
	return uuid.NewString()
}

// Validate checks structural consistency. It does not require ID or From,
// which the transport assigns on send.
func (e Envelope) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, e.Kind)
	}
	to := strings.TrimSpace(e.To)
	if to == "" {
		return fmt.Errorf("%w: missing to", ErrInvalidEnvelope)
	}
	if to == Broadcast && e.Kind != KindPresence {
		return fmt.Errorf("%w: broadcast only allowed for presence", ErrInvalidEnvelope)
	}
	if n := e.payloadCount(); n != 1 {
		return fmt.Errorf("%w: expected exactly one payload, got %d", ErrInvalidEnvelope, n)
	}
	switch e.Kind {
	case KindMessage:
		if e.Message == nil {
			return fmt.Errorf("%w: message kind without message payload", ErrInvalidEnvelope)
		}
		return e.Message.validate()
	case KindTyping:
		if e.Typing == nil {
			return fmt.Errorf("%w: typing kind without typing payload", ErrInvalidEnvelope)
		}
	case KindPresence:
		if e.Presence == nil {
			return fmt.Errorf("%w: presence kind without presence payload", ErrInvalidEnvelope)
		}
		if !e.Presence.Status.Valid() {
			return fmt.Errorf("%w: invalid presence status %q", ErrInvalidEnvelope, e.Presence.Status)
		}
	case KindDeliveryReceipt, KindReadReceipt:
		if e.Receipt == nil {
			return fmt.Errorf("%w: %s kind without receipt payload", ErrInvalidEnvelope, e.Kind)
		}
		if strings.TrimSpace(e.Receipt.EnvelopeID) == "" {
			return fmt.Errorf("%w: receipt missing envelope_id", ErrInvalidEnvelope)
		}
	}
	return nil
}

// ValidateWire additionally requires the fields assigned before transmission.
func (e Envelope) ValidateWire() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(e.From) == "" {
		return fmt.Errorf("%w: missing from", ErrInvalidEnvelope)
	}
	return e.Validate()
}

func (m MessagePayload) validate() error {
	switch m.Subtype {
	case SubtypeText, SubtypeFile, SubtypeImage:
	default:
		return fmt.Errorf("%w: invalid message subtype %q", ErrInvalidEnvelope, m.Subtype)
	}
	if len(m.Ciphertext) == 0 {
		return fmt.Errorf("%w: message missing ciphertext", ErrInvalidEnvelope)
	}
	if len(m.Nonce) == 0 {
		return fmt.Errorf("%w: message missing nonce", ErrInvalidEnvelope)
	}
	if m.Subtype != SubtypeText && m.File == nil {
		return fmt.Errorf("%w: %s message missing file descriptor", ErrInvalidEnvelope, m.Subtype)
	}
	return nil
}

func (e Envelope) payloadCount() int {
	n := 0
	if e.Message != nil {
		n++
	}
	if e.Typing != nil {
		n++
	}
	if e.Presence != nil {
		n++
	}
	if e.Receipt != nil {
		n++
	}
	return n
}

// SigningBytes returns the canonical byte form covered by Signature.
func (e Envelope) SigningBytes() ([]byte, error) {
	e.Signature = nil
	e.SentAt = e.SentAt.UTC()
	return json.Marshal(e)
}

// Clone returns a deep copy so queued envelopes are not aliased by callers.
func (e Envelope) Clone() Envelope {
	out := e
	if e.Signature != nil {
		out.Signature = append([]byte(nil), e.Signature...)
	}
	if e.Message != nil {
		m := *e.Message
		m.Ciphertext = append([]byte(nil), e.Message.Ciphertext...)
		m.Nonce = append([]byte(nil), e.Message.Nonce...)
		if e.Message.File != nil {
			f := *e.Message.File
			m.File = &f
		}
		out.Message = &m
	}
	if e.Typing != nil {
		v := *e.Typing
		out.Typing = &v
	}
	if e.Presence != nil {
		v := *e.Presence
		out.Presence = &v
	}
	if e.Receipt != nil {
		v := *e.Receipt
		out.Receipt = &v
	}
	return out
}
