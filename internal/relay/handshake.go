package relay

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/relaychat/internal/protocol/frame"
)

const (
	AckStatusAccepted = "accepted"
	AckStatusRejected = "rejected"

	CodeInvalidHello     uint32 = 1001
	CodeUnauthorized     uint32 = 1002
	CodeUnsupportedCodec uint32 = 1003

	ProtocolVersion = 1
)

var (
	ErrInvalidHello    = errors.New("relay: invalid hello")
	ErrInvalidHelloAck = errors.New("relay: invalid hello ack")
	ErrRejected        = errors.New("relay: session rejected")
)

// Hello opens a relay session. On framed TCP links the token travels in the
// frame auth bytes instead of the payload.
type Hello struct {
	Identity string `json:"identity"`
	Token    string `json:"token,omitempty"`
	Codec    string `json:"codec,omitempty"`
	Client   string `json:"client,omitempty"`
	Version  int    `json:"version"`
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.Identity) == "" {
		return fmt.Errorf("%w: missing identity", ErrInvalidHello)
	}
	if h.Version != ProtocolVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidHello, h.Version)
	}
	return nil
}

// HelloAck answers a Hello. SessionID is set only when accepted.
type HelloAck struct {
	Status      string `json:"status"`
	Code        uint32 `json:"code"`
	Message     string `json:"message"`
	Identity    string `json:"identity"`
	SessionID   string `json:"session_id,omitempty"`
	Codec       string `json:"codec,omitempty"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

func (a HelloAck) Validate() error {
	status := strings.TrimSpace(a.Status)
	if status != AckStatusAccepted && status != AckStatusRejected {
		return fmt.Errorf("%w: invalid status", ErrInvalidHelloAck)
	}
	if strings.TrimSpace(a.Identity) == "" {
		return fmt.Errorf("%w: missing identity", ErrInvalidHelloAck)
	}
	if status == AckStatusAccepted && strings.TrimSpace(a.SessionID) == "" {
		return fmt.Errorf("%w: missing session_id", ErrInvalidHelloAck)
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("%w: missing timestamp_ms", ErrInvalidHelloAck)
	}
	return nil
}

func (a HelloAck) Accepted() bool {
	return a.Status == AckStatusAccepted
}

// Err returns nil for an accepted ack and an ErrRejected wrap otherwise.
func (a HelloAck) Err() error {
	if a.Accepted() {
		return nil
	}
	return fmt.Errorf("%w: code=%d %s", ErrRejected, a.Code, a.Message)
}

func DecodeHello(data []byte) (Hello, error) {
	var h Hello
	if err := json.Unmarshal(data, &h); err != nil {
		return Hello{}, fmt.Errorf("%w: %v", ErrInvalidHello, err)
	}
	if err := h.Validate(); err != nil {
		return Hello{}, err
	}
	return h, nil
}

func DecodeHelloAck(data []byte) (HelloAck, error) {
	var a HelloAck
	if err := json.Unmarshal(data, &a); err != nil {
		return HelloAck{}, fmt.Errorf("%w: %v", ErrInvalidHelloAck, err)
	}
	if err := a.Validate(); err != nil {
		return HelloAck{}, err
	}
	return a, nil
}

// WriteHelloFrame writes h as a hello frame with the token moved to auth.
func WriteHelloFrame(w io.Writer, h Hello) error {
	if err := h.Validate(); err != nil {
		return err
	}
	token := h.Token
	h.Token = ""
	payload, err := json.Marshal(h)
	if err != nil {
		return err
	}
	f := frame.New(0, frame.TypeHello, 0, payload)
	f.Auth = []byte(token)
	return frame.WriteFrame(w, f, frame.DefaultLimits())
}

func ReadHelloFrame(r *bufio.Reader) (Hello, error) {
	f, err := frame.ReadFrame(r, frame.DefaultLimits())
	if err != nil {
		return Hello{}, err
	}
	if f.Header.MessageType != frame.TypeHello {
		return Hello{}, fmt.Errorf("%w: %w: %d", ErrInvalidHello, frame.ErrUnexpectedFrameType, f.Header.MessageType)
	}
	h, err := DecodeHello(f.Payload)
	if err != nil {
		return Hello{}, err
	}
	h.Token = string(f.Auth)
	return h, nil
}

func WriteHelloAckFrame(w io.Writer, a HelloAck) error {
	if err := a.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	var flags uint32
	if !a.Accepted() {
		flags = frame.FlagIsError
	}
	return frame.WriteFrame(w, frame.New(0, frame.TypeHelloAck, flags, payload), frame.DefaultLimits())
}

func ReadHelloAckFrame(r *bufio.Reader) (HelloAck, error) {
	f, err := frame.ReadFrame(r, frame.DefaultLimits())
	if err != nil {
		return HelloAck{}, err
	}
	if f.Header.MessageType != frame.TypeHelloAck {
		return HelloAck{}, fmt.Errorf("%w: %w: %d", ErrInvalidHelloAck, frame.ErrUnexpectedFrameType, f.Header.MessageType)
	}
	return DecodeHelloAck(f.Payload)
}
