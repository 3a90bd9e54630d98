// Package relaytest provides scripted relay connections and a manual clock
// for exercising session.Transport without a network.
package relaytest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/relaychat/internal/protocol/envelope"
	"github.com/danmuck/relaychat/internal/protocol/session"
)

var (
	ErrClosed     = errors.New("relaytest: conn closed")
	ErrDialFailed = errors.New("relaytest: dial failed")
)

// Step scripts the outcome of one Dial call.
type Step struct {
	Err error
	// Wait blocks the dial until closed.
	Wait <-chan struct{}
	// IgnoreCancel keeps waiting on Wait even after the dial context ends,
	// modeling a handshake that completes after its caller gave up.
	IgnoreCancel bool
}

// Fail is a shorthand for a step that returns ErrDialFailed.
func Fail() Step {
	return Step{Err: ErrDialFailed}
}

type Call struct {
	Identity string
	Token    string
}

// Dialer replays scripted steps; unscripted dials succeed with a fresh Conn.
// Admit, when set, runs relay admission on every dial before the script.
type Dialer struct {
	Admit func(identity, token string) error

	mu     sync.Mutex
	script []Step
	calls  []Call
	conns  []*Conn
}

func NewDialer(steps ...Step) *Dialer {
	return &Dialer{script: steps}
}

func (d *Dialer) Script(steps ...Step) {
	d.mu.Lock()
	d.script = append(d.script, steps...)
	d.mu.Unlock()
}

func (d *Dialer) Dial(ctx context.Context, identity, token string) (session.Conn, error) {
	d.mu.Lock()
	d.calls = append(d.calls, Call{Identity: identity, Token: token})
	var step Step
	if len(d.script) > 0 {
		step = d.script[0]
		d.script = d.script[1:]
	}
	d.mu.Unlock()

	if d.Admit != nil {
		if err := d.Admit(identity, token); err != nil {
			return nil, err
		}
	}
	if step.Wait != nil {
		if step.IgnoreCancel {
			<-step.Wait
		} else {
			select {
			case <-step.Wait:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	conn := NewConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *Dialer) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// LastConn returns the most recently established conn, or nil.
func (d *Dialer) LastConn() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Conn records every envelope written to it and replays injected inbound
// envelopes.
type Conn struct {
	mu       sync.Mutex
	sent     []envelope.Envelope
	sendErrs []error
	changed  chan struct{}
	inbound  chan envelope.Envelope
	recvErr  chan error
	closed   chan struct{}
	closeMu  sync.Once
}

func NewConn() *Conn {
	return &Conn{
		changed: make(chan struct{}),
		inbound: make(chan envelope.Envelope, 256),
		recvErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

// FailSends makes the next len(errs) Send calls return those errors.
func (c *Conn) FailSends(errs ...error) {
	c.mu.Lock()
	c.sendErrs = append(c.sendErrs, errs...)
	c.mu.Unlock()
}

func (c *Conn) Send(ctx context.Context, env envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if len(c.sendErrs) > 0 {
		err := c.sendErrs[0]
		c.sendErrs = c.sendErrs[1:]
		return err
	}
	c.sent = append(c.sent, env)
	close(c.changed)
	c.changed = make(chan struct{})
	return nil
}

func (c *Conn) Receive(ctx context.Context) (envelope.Envelope, error) {
	select {
	case env := <-c.inbound:
		return env, nil
	case err := <-c.recvErr:
		return envelope.Envelope{}, err
	case <-c.closed:
		return envelope.Envelope{}, ErrClosed
	case <-ctx.Done():
		return envelope.Envelope{}, ctx.Err()
	}
}

func (c *Conn) Close() error {
	c.closeMu.Do(func() { close(c.closed) })
	return nil
}

// Deliver injects inbound envelopes in order.
func (c *Conn) Deliver(envs ...envelope.Envelope) {
	for _, env := range envs {
		c.inbound <- env
	}
}

// Drop makes the pending Receive fail with err, as when the relay goes away.
func (c *Conn) Drop(err error) {
	select {
	case c.recvErr <- err:
	default:
	}
}

func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) Sent() []envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]envelope.Envelope(nil), c.sent...)
}

// WaitSent blocks until at least n envelopes were written or timeout passes.
func (c *Conn) WaitSent(n int, timeout time.Duration) ([]envelope.Envelope, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		c.mu.Lock()
		if len(c.sent) >= n {
			out := append([]envelope.Envelope(nil), c.sent...)
			c.mu.Unlock()
			return out, true
		}
		changed := c.changed
		c.mu.Unlock()
		select {
		case <-changed:
		case <-deadline.C:
			return c.Sent(), false
		}
	}
}

// Scheduler is a manual clock implementing session.Scheduler. Timers fire
// synchronously on the goroutine that advances the clock.
type Scheduler struct {
	mu      sync.Mutex
	now     time.Duration
	seq     int
	timers  []*Timer
	history []time.Duration
}

type Timer struct {
	s       *Scheduler
	seq     int
	at      time.Duration
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

func (s *Scheduler) AfterFunc(d time.Duration, f func()) session.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &Timer{s: s, seq: s.seq, at: s.now + d, delay: d, fn: f}
	s.timers = append(s.timers, t)
	s.history = append(s.history, d)
	return t
}

func (t *Timer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Delays lists every delay ever scheduled, in scheduling order.
func (s *Scheduler) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.history...)
}

// Active lists the delays of timers that have neither fired nor stopped.
func (s *Scheduler) Active() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []time.Duration
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.delay)
		}
	}
	return out
}

// FireNext advances the clock to the earliest active timer and runs it.
func (s *Scheduler) FireNext() bool {
	s.mu.Lock()
	next := s.nextLocked()
	if next == nil {
		s.mu.Unlock()
		return false
	}
	if next.at > s.now {
		s.now = next.at
	}
	next.fired = true
	s.mu.Unlock()
	next.fn()
	return true
}

// Advance moves the clock forward by d, firing due timers in deadline order.
func (s *Scheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()
	for {
		s.mu.Lock()
		next := s.nextLocked()
		if next == nil || next.at > target {
			s.now = target
			s.mu.Unlock()
			return
		}
		s.now = next.at
		next.fired = true
		s.mu.Unlock()
		next.fn()
	}
}

func (s *Scheduler) nextLocked() *Timer {
	active := make([]*Timer, 0, len(s.timers))
	for _, t := range s.timers {
		if !t.stopped && !t.fired {
			active = append(active, t)
		}
	}
	s.timers = active
	if len(active) == 0 {
		return nil
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].at == active[j].at {
			return active[i].seq < active[j].seq
		}
		return active[i].at < active[j].at
	})
	return active[0]
}
