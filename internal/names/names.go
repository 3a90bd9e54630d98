// Package names turns recipient input ("@alice", "alice.chat" or a raw
// endpoint id) into an endpoint id. Lookups that find nothing and inputs that
// are malformed are reported as typed results, not errors; errors are kept
// for directory failures.
package names

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/relaychat/internal/identity"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSuffix  = "chat"
	MinHandleLen   = 3
	MaxHandleLen   = 32
	handleAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789_-"
)

var (
	ErrNotFound      = errors.New("names: not found")
	ErrInvalidHandle = errors.New("names: invalid handle")
	ErrEmptyInput    = errors.New("names: empty input")
)

type Status int

const (
	StatusResolved Status = iota
	StatusNotFound
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusResolved:
		return "resolved"
	case StatusNotFound:
		return "not_found"
	case StatusInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Result is the outcome of resolving one recipient input. Handle is set when
// known, ID only when Status is StatusResolved, Reason only otherwise.
type Result struct {
	Status Status
	Input  string
	Handle string
	ID     string
	Reason string
}

func (r Result) Resolved() bool {
	return r.Status == StatusResolved
}

// Directory maps handles to endpoint ids and back. Both directions return
// ErrNotFound when nothing is registered.
type Directory interface {
	Lookup(ctx context.Context, handle string) (string, error)
	Reverse(ctx context.Context, id string) (string, error)
}

type InputKind int

const (
	InputHandle InputKind = iota
	InputID
)

// Parsed is a syntactically valid recipient input.
type Parsed struct {
	Kind  InputKind
	Value string
}

// ValidateHandle checks a bare, already lowercased handle.
func ValidateHandle(handle string) error {
	if n := len(handle); n < MinHandleLen || n > MaxHandleLen {
		return fmt.Errorf("%w: length must be %d-%d", ErrInvalidHandle, MinHandleLen, MaxHandleLen)
	}
	for _, r := range handle {
		if !strings.ContainsRune(handleAlphabet, r) {
			return fmt.Errorf("%w: unexpected character %q", ErrInvalidHandle, r)
		}
	}
	if strings.HasPrefix(handle, "-") || strings.HasSuffix(handle, "-") {
		return fmt.Errorf("%w: cannot start or end with '-'", ErrInvalidHandle)
	}
	return nil
}

// NormalizeHandle strips "@" and the suffix and lowercases.
func NormalizeHandle(input, suffix string) string {
	h := strings.ToLower(strings.TrimSpace(input))
	h = strings.TrimPrefix(h, "@")
	if suffix != "" {
		h = strings.TrimSuffix(h, "."+strings.ToLower(suffix))
	}
	return h
}

// ParseInput classifies input. Raw ids are recognized first; anything else
// must be a handle, optionally written "@handle" or "handle.<suffix>".
func ParseInput(input, suffix string) (Parsed, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return Parsed{}, ErrEmptyInput
	}
	if identity.ValidID(trimmed) {
		return Parsed{Kind: InputID, Value: strings.ToLower(trimmed)}, nil
	}
	lower := strings.ToLower(trimmed)
	if dot := strings.LastIndexByte(lower, '.'); dot >= 0 && !strings.HasPrefix(lower, "@") {
		if suffix == "" || lower[dot+1:] != strings.ToLower(suffix) {
			return Parsed{}, fmt.Errorf("%w: unsupported suffix %q", ErrInvalidHandle, lower[dot+1:])
		}
	}
	handle := NormalizeHandle(trimmed, suffix)
	if err := ValidateHandle(handle); err != nil {
		return Parsed{}, err
	}
	return Parsed{Kind: InputHandle, Value: handle}, nil
}

type Resolver struct {
	dir    Directory
	suffix string
}

func NewResolver(dir Directory, suffix string) *Resolver {
	if strings.TrimSpace(suffix) == "" {
		suffix = DefaultSuffix
	}
	return &Resolver{dir: dir, suffix: strings.ToLower(strings.TrimSpace(suffix))}
}

func (r *Resolver) Suffix() string {
	return r.suffix
}

// Resolve never reports a missing or malformed recipient as an error.
func (r *Resolver) Resolve(ctx context.Context, input string) (Result, error) {
	res := Result{Input: input}
	parsed, err := ParseInput(input, r.suffix)
	if err != nil {
		res.Status = StatusInvalid
		res.Reason = err.Error()
		return res, nil
	}

	if parsed.Kind == InputID {
		res.Status = StatusResolved
		res.ID = parsed.Value
		if handle, err := r.dir.Reverse(ctx, parsed.Value); err == nil {
			res.Handle = handle
		} else if !errors.Is(err, ErrNotFound) {
			log.Debug().Err(err).Str("id", parsed.Value).Msg("names.Resolver.resolve reverse lookup failed")
		}
		return res, nil
	}

	res.Handle = parsed.Value
	id, err := r.dir.Lookup(ctx, parsed.Value)
	switch {
	case err == nil:
		res.Status = StatusResolved
		res.ID = id
		return res, nil
	case errors.Is(err, ErrNotFound):
		res.Status = StatusNotFound
		res.Reason = fmt.Sprintf("no endpoint registered for %s.%s", parsed.Value, r.suffix)
		return res, nil
	default:
		return Result{}, fmt.Errorf("names: lookup %q: %w", parsed.Value, err)
	}
}

// Handle returns the display form "handle.suffix" for id, if registered.
func (r *Resolver) Handle(ctx context.Context, id string) (string, bool) {
	handle, err := r.dir.Reverse(ctx, id)
	if err != nil {
		return "", false
	}
	return handle + "." + r.suffix, true
}
