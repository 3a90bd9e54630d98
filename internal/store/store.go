// Package store persists the small records a chat client keeps: its own and
// peers' profiles, and per-peer nicknames. Records are keyed by endpoint id;
// profiles are also indexed by handle.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("store: not found")
	ErrHandleTaken = errors.New("store: handle already taken")
	ErrInvalid     = errors.New("store: invalid record")
	ErrClosed      = errors.New("store: closed")
)

type Profile struct {
	ID          string    `cbor:"id"`
	Handle      string    `cbor:"handle"`
	DisplayName string    `cbor:"display_name"`
	Avatar      string    `cbor:"avatar,omitempty"`
	BoxKey      []byte    `cbor:"box_key,omitempty"`
	UpdatedAt   time.Time `cbor:"updated_at"`
}

func (p Profile) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: profile missing id", ErrInvalid)
	}
	if len(p.BoxKey) != 0 && len(p.BoxKey) != 32 {
		return fmt.Errorf("%w: box key must be 32 bytes", ErrInvalid)
	}
	return nil
}

// Peer is the local view of another endpoint.
type Peer struct {
	ID        string    `cbor:"id"`
	Nickname  string    `cbor:"nickname"`
	Handle    string    `cbor:"handle,omitempty"`
	AddedAt   time.Time `cbor:"added_at"`
	UpdatedAt time.Time `cbor:"updated_at"`
}

func (p Peer) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: peer missing id", ErrInvalid)
	}
	return nil
}

// Store is implemented by Memory and Badger.
type Store interface {
	LoadProfile(ctx context.Context, id string) (Profile, error)
	// SaveProfile upserts p and moves its handle index entry.
	SaveProfile(ctx context.Context, p Profile) error
	ProfileByHandle(ctx context.Context, handle string) (Profile, error)
	LoadPeer(ctx context.Context, id string) (Peer, error)
	SavePeer(ctx context.Context, p Peer) error
	DeletePeer(ctx context.Context, id string) error
	// ListPeers returns peers ordered by id.
	ListPeers(ctx context.Context) ([]Peer, error)
	Close() error
}

// NormalizeHandle lowercases and strips a leading "@".
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}
