// Package relay is the reference relay: a Hub routing envelopes between
// attached sessions, websocket and framed TCP front ends for it, and the
// client-side dialers (websocket, TCP, NATS) used by session.Transport.
package relay

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/relaychat/internal/observability"
	"github.com/danmuck/relaychat/internal/protocol/envelope"
	"github.com/danmuck/relaychat/internal/protocol/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

const DefaultSendBuffer = 256

var (
	ErrSpoofedSender = errors.New("relay: sender does not match session identity")
	ErrOffline       = errors.New("relay: recipient offline")
	ErrHubClosed     = errors.New("relay: hub closed")
	ErrSessionClosed = errors.New("relay: session closed")
)

type HubConfig struct {
	Node       string
	SendBuffer int
	// Verifier, when set, rejects envelopes whose signature does not check.
	Verifier session.Verifier
	Now      func() time.Time
}

// Hub owns the set of live sessions, at most one per identity. A newer
// session for an identity replaces the older one.
type Hub struct {
	cfg HubConfig

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if strings.TrimSpace(cfg.Node) == "" {
		cfg.Node = "relay"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hub{cfg: cfg, sessions: make(map[string]*Session)}
}

// Session is one attached relay link. Front ends drain Outbound until Done.
type Session struct {
	hub       *Hub
	id        string
	identity  string
	transport string
	since     time.Time

	out       chan envelope.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Session) ID() string { return s.id }
func (s *Session) Identity() string { return s.identity }
func (s *Session) Outbound() <-chan envelope.Envelope { return s.out }
func (s *Session) Done() <-chan struct{} { return s.done }

// Submit routes an envelope received on this session.
func (s *Session) Submit(env envelope.Envelope) error {
	return s.hub.route(s, env)
}

// Close detaches the session. Idempotent.
func (s *Session) Close() {
	s.hub.detach(s)
}

type SessionInfo struct {
	ID        string    `json:"session_id"`
	Identity  string    `json:"identity"`
	Transport string    `json:"transport"`
	Since     time.Time `json:"since"`
}

func (h *Hub) Attach(identity, transport string) (*Session, error) {
	s := &Session{
		hub:       h,
		id:        uuid.NewString(),
		identity:  identity,
		transport: transport,
		since:     h.cfg.Now().UTC(),
		out:       make(chan envelope.Envelope, h.cfg.SendBuffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	prev := h.sessions[identity]
	h.sessions[identity] = s
	h.mu.Unlock()

	if prev != nil {
		prev.closeOnce.Do(func() { close(prev.done) })
		observability.RecordRelaySessions(h.cfg.Node, prev.transport, -1)
		log.Info().Str("identity", identity).Str("replaced", prev.id).Msg("relay.Hub.attach session replaced")
	}
	observability.RecordRelaySessions(h.cfg.Node, transport, 1)
	log.Info().Str("identity", identity).Str("session", s.id).Str("transport", transport).Msg("relay.Hub.attach session attached")
	return s, nil
}

func (h *Hub) detach(s *Session) {
	h.mu.Lock()
	current := h.sessions[s.identity] == s
	if current {
		delete(h.sessions, s.identity)
	}
	h.mu.Unlock()

	closed := false
	s.closeOnce.Do(func() {
		close(s.done)
		closed = true
	})
	if !current {
		return
	}
	if closed {
		observability.RecordRelaySessions(h.cfg.Node, s.transport, -1)
	}
	log.Info().Str("identity", s.identity).Str("session", s.id).Msg("relay.Hub.detach session detached")

	now := h.cfg.Now().UTC()
	offline := envelope.NewPresence(envelope.PresenceOffline, now, "")
	offline.ID = envelope.NewID()
	offline.From = s.identity
	offline.SentAt = now
	h.fanout(s.identity, offline)
}

// route validates env on behalf of from and forwards it. Undeliverable
// envelopes are dropped and counted; the sender is not told.
func (h *Hub) route(from *Session, env envelope.Envelope) error {
	select {
	case <-from.done:
		return ErrSessionClosed
	default:
	}
	if env.From == "" {
		env.From = from.identity
	}
	if env.From != from.identity {
		observability.RecordRelayEnvelope(h.cfg.Node, string(env.Kind), "spoofed")
		return fmt.Errorf("%w: %q", ErrSpoofedSender, env.From)
	}
	if err := env.ValidateWire(); err != nil {
		observability.RecordRelayEnvelope(h.cfg.Node, string(env.Kind), "invalid")
		return err
	}
	if h.cfg.Verifier != nil {
		if err := h.cfg.Verifier.Verify(env); err != nil {
			observability.RecordRelayEnvelope(h.cfg.Node, string(env.Kind), "unverified")
			return err
		}
	}

	if env.To == envelope.Broadcast {
		h.fanout(from.identity, env)
		return nil
	}

	h.mu.RLock()
	target := h.sessions[env.To]
	h.mu.RUnlock()
	if target == nil {
		observability.RecordRelayEnvelope(h.cfg.Node, string(env.Kind), "undeliverable")
		return fmt.Errorf("%w: %s", ErrOffline, env.To)
	}
	h.deliver(target, env)
	return nil
}

func (h *Hub) fanout(except string, env envelope.Envelope) {
	h.mu.RLock()
	targets := lo.Filter(lo.Values(h.sessions), func(s *Session, _ int) bool {
		return s.identity != except
	})
	h.mu.RUnlock()
	for _, s := range targets {
		h.deliver(s, env)
	}
}

// deliver never blocks: a session whose buffer is full loses the envelope.
func (h *Hub) deliver(s *Session, env envelope.Envelope) {
	select {
	case <-s.done:
		observability.RecordRelayEnvelope(h.cfg.Node, string(env.Kind), "undeliverable")
	case s.out <- env:
		observability.RecordRelayEnvelope(h.cfg.Node, string(env.Kind), "forwarded")
	default:
		observability.RecordRelayEnvelope(h.cfg.Node, string(env.Kind), "dropped_slow")
		log.Warn().Str("identity", s.identity).Str("envelope", env.ID).Msg("relay.Hub.deliver send buffer full, dropped")
	}
}

func (h *Hub) Online(identity string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sessions[identity]
	return ok
}

// Sessions lists live sessions ordered by identity.
func (h *Hub) Sessions() []SessionInfo {
	h.mu.RLock()
	out := lo.MapToSlice(h.sessions, func(_ string, s *Session) SessionInfo {
		return SessionInfo{ID: s.id, Identity: s.identity, Transport: s.transport, Since: s.since}
	})
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Close detaches every session and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	all := lo.Values(h.sessions)
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()
	for _, s := range all {
		s.closeOnce.Do(func() { close(s.done) })
		observability.RecordRelaySessions(h.cfg.Node, s.transport, -1)
	}
}
