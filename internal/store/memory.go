package store

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"
)

type Memory struct {
	mu       sync.RWMutex
	closed   bool
	profiles map[string]Profile
	handles  map[string]string
	peers    map[string]Peer
}

func NewMemory() *Memory {
	return &Memory{
		profiles: make(map[string]Profile),
		handles:  make(map[string]string),
		peers:    make(map[string]Peer),
	}
}

func (m *Memory) LoadProfile(_ context.Context, id string) (Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Profile{}, ErrClosed
	}
	p, ok := m.profiles[id]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return cloneProfile(p), nil
}

func (m *Memory) SaveProfile(_ context.Context, p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p.Handle = NormalizeHandle(p.Handle)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if p.Handle != "" {
		if owner, ok := m.handles[p.Handle]; ok && owner != p.ID {
			return ErrHandleTaken
		}
	}
	if prev, ok := m.profiles[p.ID]; ok && prev.Handle != "" && prev.Handle != p.Handle {
		delete(m.handles, prev.Handle)
	}
	if p.Handle != "" {
		m.handles[p.Handle] = p.ID
	}
	m.profiles[p.ID] = cloneProfile(p)
	return nil
}

func (m *Memory) ProfileByHandle(ctx context.Context, handle string) (Profile, error) {
	m.mu.RLock()
	id, ok := m.handles[NormalizeHandle(handle)]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return Profile{}, ErrClosed
	}
	if !ok {
		return Profile{}, ErrNotFound
	}
	return m.LoadProfile(ctx, id)
}

func (m *Memory) LoadPeer(_ context.Context, id string) (Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Peer{}, ErrClosed
	}
	p, ok := m.peers[id]
	if !ok {
		return Peer{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) SavePeer(_ context.Context, p Peer) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.peers[p.ID] = p
	return nil
}

func (m *Memory) DeletePeer(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.peers[id]; !ok {
		return ErrNotFound
	}
	delete(m.peers, id)
	return nil
}

func (m *Memory) ListPeers(_ context.Context) ([]Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := lo.Values(m.peers)
	slices.SortFunc(out, func(a, b Peer) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func cloneProfile(p Profile) Profile {
	p.BoxKey = slices.Clone(p.BoxKey)
	return p
}
