package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/relaychat/internal/observability"
	"github.com/danmuck/relaychat/internal/protocol/envelope"
	"github.com/rs/zerolog/log"
)

var (
	ErrIdentityRequired = errors.New("session: identity required")
	ErrDialerRequired   = errors.New("session: dialer required")
	ErrNotMessage       = errors.New("session: send requires a message envelope")
	ErrTokenUnavailable = errors.New("session: token unavailable")
	ErrSignFailed       = errors.New("session: signing failed")
)

// Conn is one established relay connection. Close may be called while Send
// or Receive are blocked and must unblock them.
type Conn interface {
	Send(ctx context.Context, env envelope.Envelope) error
	Receive(ctx context.Context) (envelope.Envelope, error)
	Close() error
}

// Dialer performs the transport handshake for identity.
type Dialer interface {
	Dial(ctx context.Context, identity, token string) (Conn, error)
}

// Signer produces Envelope.Signature over envelope.SigningBytes.
type Signer interface {
	Sign(env envelope.Envelope) ([]byte, error)
}

// Verifier rejects inbound envelopes whose signature does not check out.
type Verifier interface {
	Verify(env envelope.Envelope) error
}

type Option func(*Transport)

func WithScheduler(s Scheduler) Option {
	return func(t *Transport) {
		if s != nil {
			t.sched = s
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		if now != nil {
			t.now = now
		}
	}
}

func WithSigner(s Signer) Option {
	return func(t *Transport) { t.signer = s }
}

func WithVerifier(v Verifier) Option {
	return func(t *Transport) { t.verifier = v }
}

// TokenSource mints the handshake token for identity on every dial attempt,
// reconnects included.
type TokenSource func(ctx context.Context, identity string) (string, error)

// WithTokenSource replaces the static Connect token for relays whose tokens
// expire, such as signed proofs.
func WithTokenSource(src TokenSource) Option {
	return func(t *Transport) { t.tokens = src }
}

// WithRand seeds backoff jitter.
func WithRand(r *rand.Rand) Option {
	return func(t *Transport) { t.rng = r }
}

type listeners struct {
	message  func(envelope.Envelope)
	typing   func(envelope.Envelope)
	presence func(envelope.Envelope)
	delivery func(envelope.Envelope)
	read     func(envelope.Envelope)
	status   func(Status)
}

// Transport owns one logical connection to a relay. All state transitions
// happen under mu; listener callbacks run after mu is released, in the order
// the transitions and arrivals happened.
type Transport struct {
	dialer   Dialer
	cfg      Config
	sched    Scheduler
	now      func() time.Time
	signer   Signer
	verifier Verifier
	tokens   TokenSource
	rng      *rand.Rand

	mu         sync.Mutex
	state      State
	identity   string
	token      string
	generation uint64
	attempts   int
	outbox     *Outbox
	link       *link
	dialCancel context.CancelFunc
	retry      Timer
	heartbeat  Timer
	on         listeners

	dispatch dispatcher
}

func New(dialer Dialer, cfg Config, opts ...Option) (*Transport, error) {
	if dialer == nil {
		return nil, ErrDialerRequired
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Transport{
		dialer: dialer,
		cfg:    cfg,
		sched:  RealScheduler(),
		now:    time.Now,
		outbox: NewOutbox(cfg.QueueLimit),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	if t.rng == nil && cfg.Backoff.Jitter {
		t.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	observability.RecordTransportState(cfg.Name, StateDisconnected.String())
	return t, nil
}

// Connect starts a session for identity. Handshake failures never surface
// here; they become status notifications and a scheduled reconnect. A live
// session is torn down first. Queued messages survive a reconnect under the
// same identity and are discarded when the identity changes.
func (t *Transport) Connect(ctx context.Context, identity, token string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return ErrIdentityRequired
	}
	if ctx == nil {
		ctx = context.Background()
	}

	t.mu.Lock()
	stale := t.resetLocked()
	if t.identity != "" && t.identity != identity {
		if n := t.outbox.Clear(); n > 0 {
			log.Warn().
				Str("previous", t.identity).
				Str("identity", identity).
				Int("dropped", n).
				Msg("session.Transport.connect identity changed, queue discarded")
		}
	}
	t.identity = identity
	t.token = token
	t.attempts = 0
	gen := t.generation
	t.setStateLocked(StateConnecting, nil, false)
	t.mu.Unlock()

	closeConn(stale)
	t.dispatch.flush()
	t.dial(ctx, gen)
	return nil
}

// Disconnect destroys the session: pending reconnects, the heartbeat and any
// in-flight handshake are canceled, the link is closed and the outbound queue
// is discarded. Calling it again is a no-op.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	stale := t.resetLocked()
	cleared := t.outbox.Clear()
	identity := t.identity
	t.attempts = 0
	t.setStateLocked(StateDisconnected, nil, false)
	t.identity = ""
	t.token = ""
	t.mu.Unlock()

	closeConn(stale)
	observability.RecordTransportQueueDepth(t.cfg.Name, 0)
	if cleared > 0 {
		log.Info().Str("identity", identity).Int("dropped", cleared).Msg("session.Transport.disconnect queue discarded")
	}
	t.dispatch.flush()
}

// Close implements io.Closer.
func (t *Transport) Close() error {
	t.Disconnect()
	return nil
}

// Send assigns a fresh id and timestamp and transmits env, or queues it while
// not connected. It only fails for envelopes that could never be sent. A
// signer failure at write time resets the link with the message still queued.
func (t *Transport) Send(env envelope.Envelope) (string, error) {
	if env.Kind != envelope.KindMessage {
		return "", fmt.Errorf("%w: got %q", ErrNotMessage, env.Kind)
	}
	if err := env.Validate(); err != nil {
		return "", err
	}
	env = t.stamp(env.Clone())

	t.mu.Lock()
	if t.state == StateConnected && t.link != nil {
		t.link.enqueue(env)
		t.mu.Unlock()
		return env.ID, nil
	}
	evicted, overflow := t.outbox.Push(env)
	depth := t.outbox.Len()
	t.mu.Unlock()

	observability.RecordTransportEnvelope(t.cfg.Name, "out", string(env.Kind), "queued")
	observability.RecordTransportQueueDepth(t.cfg.Name, depth)
	if overflow {
		observability.RecordTransportEnvelope(t.cfg.Name, "out", string(evicted.Kind), "evicted")
		log.Warn().Str("envelope", evicted.ID).Int("limit", t.cfg.QueueLimit).Msg("session.Transport.send queue full, oldest evicted")
	}
	return env.ID, nil
}

func (t *Transport) SendTyping(to string, typing bool) {
	t.sendEphemeral(envelope.NewTyping(to, typing))
}

// UpdatePresence broadcasts status to every session on the relay.
func (t *Transport) UpdatePresence(status envelope.PresenceStatus) {
	t.sendEphemeral(envelope.NewPresence(status, t.now(), t.cfg.Device))
}

func (t *Transport) SendDeliveryReceipt(envelopeID, to string) {
	t.sendEphemeral(envelope.NewDeliveryReceipt(envelopeID, to, t.now()))
}

func (t *Transport) SendReadReceipt(envelopeID, to string) {
	t.sendEphemeral(envelope.NewReadReceipt(envelopeID, to, t.now()))
}

// Ephemeral signals are transmitted only on a live link; otherwise dropped.
func (t *Transport) sendEphemeral(env envelope.Envelope) {
	if err := env.Validate(); err != nil {
		log.Warn().Err(err).Str("kind", string(env.Kind)).Msg("session.Transport.signal rejected")
		return
	}
	env = t.stamp(env)

	t.mu.Lock()
	if t.state != StateConnected || t.link == nil {
		state := t.state
		t.mu.Unlock()
		observability.RecordTransportEnvelope(t.cfg.Name, "out", string(env.Kind), "dropped_offline")
		log.Debug().Str("kind", string(env.Kind)).Str("state", state.String()).Msg("session.Transport.signal dropped while offline")
		return
	}
	t.link.enqueue(env)
	t.mu.Unlock()
}

func (t *Transport) OnMessage(fn func(envelope.Envelope)) {
	t.mu.Lock()
	t.on.message = fn
	t.mu.Unlock()
}

func (t *Transport) OnTyping(fn func(envelope.Envelope)) {
	t.mu.Lock()
	t.on.typing = fn
	t.mu.Unlock()
}

func (t *Transport) OnPresence(fn func(envelope.Envelope)) {
	t.mu.Lock()
	t.on.presence = fn
	t.mu.Unlock()
}

func (t *Transport) OnDelivery(fn func(envelope.Envelope)) {
	t.mu.Lock()
	t.on.delivery = fn
	t.mu.Unlock()
}

func (t *Transport) OnRead(fn func(envelope.Envelope)) {
	t.mu.Lock()
	t.on.read = fn
	t.mu.Unlock()
}

func (t *Transport) OnConnectionStatus(fn func(Status)) {
	t.mu.Lock()
	t.on.status = fn
	t.mu.Unlock()
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Identity() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.identity
}

// Attempts is the number of reconnects scheduled since the last successful
// connect.
func (t *Transport) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Pending returns a copy of the outbound queue in send order.
func (t *Transport) Pending() []envelope.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outbox.Snapshot()
}

func (t *Transport) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outbox.Len()
}

func (t *Transport) stamp(env envelope.Envelope) envelope.Envelope {
	env.ID = envelope.NewID()
	env.SentAt = t.now()
	return env
}

func (t *Transport) dial(ctx context.Context, gen uint64) {
	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		return
	}
	identity, token := t.identity, t.token
	var dialCtx context.Context
	var cancel context.CancelFunc
	if t.cfg.ConnectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	} else {
		dialCtx, cancel = context.WithCancel(ctx)
	}
	t.dialCancel = cancel
	src := t.tokens
	t.mu.Unlock()

	var conn Conn
	var err error
	if src != nil {
		token, err = src(dialCtx, identity)
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrTokenUnavailable, err)
		}
	}
	if err == nil {
		conn, err = t.dialer.Dial(dialCtx, identity, token)
	}
	cancel()

	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		closeConn(conn)
		log.Debug().Str("identity", identity).Uint64("generation", gen).Msg("session.Transport.dial stale attempt ignored")
		return
	}
	t.dialCancel = nil
	if err == nil && conn == nil {
		err = errors.New("session: dialer returned nil conn")
	}
	if err != nil {
		log.Warn().Err(err).Str("identity", identity).Int("attempt", t.attempts).Msg("session.Transport.dial failed")
		t.failLocked(err)
		t.mu.Unlock()
		t.dispatch.flush()
		return
	}
	t.attachLocked(conn)
	t.mu.Unlock()
	log.Info().Str("identity", identity).Msg("session.Transport.dial connected")
	t.dispatch.flush()
}

func (t *Transport) reconnect(gen uint64) {
	t.mu.Lock()
	if gen != t.generation || t.link != nil || t.state != StateDisconnected {
		t.mu.Unlock()
		return
	}
	t.retry = nil
	t.setStateLocked(StateReconnecting, nil, false)
	t.mu.Unlock()
	t.dispatch.flush()
	t.dial(context.Background(), gen)
}

// attachLocked promotes conn to the live link. The offline queue becomes the
// head of the link's write queue so it drains before anything sent later.
func (t *Transport) attachLocked(conn Conn) {
	l := newLink(conn, t.identity)
	l.pending = t.outbox.Drain()
	t.link = l
	t.attempts = 0
	t.setStateLocked(StateConnected, nil, false)
	if len(l.pending) > 0 {
		log.Debug().Str("identity", t.identity).Int("queued", len(l.pending)).Msg("session.Transport.attach draining queue")
		l.signal()
	}
	observability.RecordTransportQueueDepth(t.cfg.Name, 0)
	t.scheduleHeartbeatLocked(l)
	go t.writeLoop(l)
	go t.readLoop(l)
}

// detachLocked drops the live link, moving its unsent envelopes back to the
// front of the outbox. The caller closes the returned conn after unlocking.
func (t *Transport) detachLocked() Conn {
	l := t.link
	if l == nil {
		return nil
	}
	t.link = nil
	l.cancel()
	if dropped := t.outbox.Requeue(l.take()); dropped > 0 {
		observability.RecordTransportEnvelope(t.cfg.Name, "out", "mixed", "dropped_on_teardown")
		log.Debug().Int("dropped", dropped).Msg("session.Transport.detach ephemeral envelopes dropped")
	}
	observability.RecordTransportQueueDepth(t.cfg.Name, t.outbox.Len())
	return l.conn
}

// resetLocked invalidates every callback of the current generation.
func (t *Transport) resetLocked() Conn {
	t.generation++
	if t.dialCancel != nil {
		t.dialCancel()
		t.dialCancel = nil
	}
	t.stopTimersLocked()
	return t.detachLocked()
}

func (t *Transport) stopTimersLocked() {
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	if t.heartbeat != nil {
		t.heartbeat.Stop()
		t.heartbeat = nil
	}
}

// failLocked records a failed handshake or dropped link and schedules the
// next reconnect, or settles terminally once retries are exhausted.
func (t *Transport) failLocked(cause error) {
	if RetriesExhausted(t.cfg.Backoff, t.attempts) {
		t.setStateLocked(StateDisconnected, cause, true)
		observability.RecordTransportReconnect(t.cfg.Name, "exhausted")
		log.Warn().Err(cause).Str("identity", t.identity).Int("attempts", t.attempts).Msg("session.Transport.reconnect retries exhausted")
		return
	}
	t.attempts++
	delay := NextBackoffDelay(t.cfg.Backoff, t.attempts, t.rng)
	t.setStateLocked(StateDisconnected, cause, false)
	gen := t.generation
	t.retry = t.sched.AfterFunc(delay, func() { t.reconnect(gen) })
	observability.RecordTransportReconnect(t.cfg.Name, "scheduled")
	log.Info().Str("identity", t.identity).Int("attempt", t.attempts).Dur("delay", delay).Msg("session.Transport.reconnect scheduled")
}

func (t *Transport) linkFailed(l *link, cause error) {
	t.mu.Lock()
	if t.link != l {
		t.mu.Unlock()
		return
	}
	conn := t.detachLocked()
	if t.heartbeat != nil {
		t.heartbeat.Stop()
		t.heartbeat = nil
	}
	log.Warn().Err(cause).Str("identity", t.identity).Int("requeued", t.outbox.Len()).Msg("session.Transport.link failed")
	t.failLocked(cause)
	t.mu.Unlock()
	closeConn(conn)
	t.dispatch.flush()
}

func (t *Transport) setStateLocked(next State, cause error, terminal bool) {
	if t.state == next && !terminal {
		return
	}
	t.state = next
	observability.RecordTransportState(t.cfg.Name, next.String())
	status := Status{
		State:    next,
		Identity: t.identity,
		Attempt:  t.attempts,
		Terminal: terminal,
		Err:      cause,
	}
	if fn := t.on.status; fn != nil {
		t.dispatch.push(func() { fn(status) })
	}
}

func (t *Transport) scheduleHeartbeatLocked(l *link) {
	if t.cfg.HeartbeatInterval <= 0 {
		return
	}
	t.heartbeat = t.sched.AfterFunc(t.cfg.HeartbeatInterval, func() { t.beat(l) })
}

func (t *Transport) beat(l *link) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.link != l || t.state != StateConnected {
		return
	}
	l.enqueue(t.stamp(envelope.NewPresence(envelope.PresenceOnline, t.now(), t.cfg.Device)))
	t.scheduleHeartbeatLocked(l)
}

func (t *Transport) writeLoop(l *link) {
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.wake:
		}
		for {
			t.mu.Lock()
			if t.link != l {
				t.mu.Unlock()
				return
			}
			if len(l.pending) == 0 {
				t.mu.Unlock()
				break
			}
			env := l.pending[0]
			l.pending[0] = envelope.Envelope{}
			l.pending = l.pending[1:]
			l.inflight = &env
			t.mu.Unlock()

			if !t.transmit(l, env) {
				return
			}
		}
	}
}

// transmit writes one envelope and reports whether the link is still usable.
func (t *Transport) transmit(l *link, env envelope.Envelope) bool {
	wire, err := t.prepare(env, l.identity)
	if err != nil {
		observability.RecordTransportEnvelope(t.cfg.Name, "out", string(env.Kind), "sign_failed")
		if env.Kind.Durable() {
			// Requeued with the link's backlog; the reconnect cycle retries
			// signing and settles terminal if the signer never recovers.
			log.Error().Err(err).Str("envelope", env.ID).Msg("session.Transport.write signing failed, link reset")
			t.linkFailed(l, fmt.Errorf("%w: %v", ErrSignFailed, err))
			return false
		}
		t.mu.Lock()
		if t.link == l {
			l.inflight = nil
		}
		t.mu.Unlock()
		log.Warn().Err(err).Str("envelope", env.ID).Msg("session.Transport.write signal dropped")
		return true
	}

	ctx := l.ctx
	if t.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(l.ctx, t.cfg.WriteTimeout)
		defer cancel()
	}
	err = l.conn.Send(ctx, wire)

	t.mu.Lock()
	if t.link != l {
		// Torn down mid-write; detach already requeued the in-flight copy.
		if err == nil {
			t.outbox.Remove(env.ID)
		}
		t.mu.Unlock()
		return false
	}
	if err != nil {
		t.mu.Unlock()
		t.linkFailed(l, err)
		return false
	}
	l.inflight = nil
	t.mu.Unlock()

	observability.RecordTransportEnvelope(t.cfg.Name, "out", string(env.Kind), "sent")
	log.Debug().Str("envelope", env.ID).Str("kind", string(env.Kind)).Str("to", env.To).Msg("session.Transport.write sent")
	return true
}

func (t *Transport) prepare(env envelope.Envelope, identity string) (envelope.Envelope, error) {
	if strings.TrimSpace(env.From) == "" {
		env.From = identity
	}
	if t.signer == nil {
		return env, nil
	}
	sig, err := t.signer.Sign(env)
	if err != nil {
		return envelope.Envelope{}, err
	}
	env.Signature = sig
	return env, nil
}

func (t *Transport) readLoop(l *link) {
	for {
		env, err := l.conn.Receive(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			t.linkFailed(l, err)
			return
		}
		t.deliver(l, env)
	}
}

func (t *Transport) deliver(l *link, env envelope.Envelope) {
	if err := env.ValidateWire(); err != nil {
		observability.RecordTransportEnvelope(t.cfg.Name, "in", string(env.Kind), "invalid")
		log.Warn().Err(err).Msg("session.Transport.read invalid envelope dropped")
		return
	}
	if t.verifier != nil {
		if err := t.verifier.Verify(env); err != nil {
			observability.RecordTransportEnvelope(t.cfg.Name, "in", string(env.Kind), "unverified")
			log.Warn().Err(err).Str("from", env.From).Str("envelope", env.ID).Msg("session.Transport.read signature rejected")
			return
		}
	}

	t.mu.Lock()
	if t.link != l {
		t.mu.Unlock()
		return
	}
	if fn := t.handlerLocked(env.Kind); fn != nil {
		t.dispatch.push(func() { fn(env) })
	}
	t.mu.Unlock()

	observability.RecordTransportEnvelope(t.cfg.Name, "in", string(env.Kind), "received")
	t.dispatch.flush()
}

func (t *Transport) handlerLocked(kind envelope.Kind) func(envelope.Envelope) {
	switch kind {
	case envelope.KindMessage:
		return t.on.message
	case envelope.KindTyping:
		return t.on.typing
	case envelope.KindPresence:
		return t.on.presence
	case envelope.KindDeliveryReceipt:
		return t.on.delivery
	case envelope.KindReadReceipt:
		return t.on.read
	default:
		return nil
	}
}

func closeConn(conn Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		log.Debug().Err(err).Msg("session.Transport.close conn close error")
	}
}
