package session

import (
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/relaychat/internal/protocol/envelope"
	"github.com/danmuck/relaychat/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().Backoff
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second}
	for i, w := range want {
		if got := NextBackoffDelay(cfg, i+1, nil); got != w {
			t.Fatalf("attempt%d got=%v want=%v", i+1, got, w)
		}
	}
}

func TestNextBackoffDelayMonotoneAndBounded(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 250 * time.Millisecond, Multiplier: 3, MaxDelay: 7 * time.Second}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		got := NextBackoffDelay(cfg, attempt, nil)
		if got < prev {
			t.Fatalf("attempt%d decreased: %v < %v", attempt, got, prev)
		}
		if got > cfg.MaxDelay {
			t.Fatalf("attempt%d exceeded max: %v", attempt, got)
		}
		prev = got
	}
}

func TestNextBackoffDelayJitterStaysBoundedAndMonotone(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second, Jitter: true}
	for _, seed := range []int64{1, 7, 42, 1337} {
		rng := rand.New(rand.NewSource(seed))
		prev := time.Duration(0)
		for attempt := 1; attempt <= 12; attempt++ {
			got := NextBackoffDelay(cfg, attempt, rng)
			if got <= 0 || got > cfg.MaxDelay {
				t.Fatalf("seed%d attempt%d jittered delay out of range: %v", seed, attempt, got)
			}
			if got < prev {
				t.Fatalf("seed%d attempt%d decreased: %v < %v", seed, attempt, got, prev)
			}
			if floor := NextBackoffDelay(BackoffConfig{InitialDelay: cfg.InitialDelay, Multiplier: cfg.Multiplier, MaxDelay: cfg.MaxDelay}, attempt, nil); got < floor {
				t.Fatalf("seed%d attempt%d below unjittered delay: %v < %v", seed, attempt, got, floor)
			}
			prev = got
		}
	}
}

func TestRetriesExhausted(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{MaxAttempts: 5}
	if RetriesExhausted(cfg, 4) {
		t.Fatalf("4 attempts should not exhaust")
	}
	if !RetriesExhausted(cfg, 5) {
		t.Fatalf("5 attempts should exhaust")
	}
	if RetriesExhausted(BackoffConfig{MaxAttempts: UnlimitedAttempts}, 1000) {
		t.Fatalf("unlimited attempts should never exhaust")
	}
}

func msg(to string) envelope.Envelope {
	return envelope.NewMessage(to, envelope.MessagePayload{
		Ciphertext: []byte("c"),
		Nonce:      []byte("n"),
		Subtype:    envelope.SubtypeText,
	})
}

func withID(env envelope.Envelope, id string) envelope.Envelope {
	env.ID = id
	return env
}

func ids(envs []envelope.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.ID)
	}
	return out
}

func TestOutboxFIFOAndLimit(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox(2)
	o.Push(withID(msg("bob"), "a"))
	o.Push(withID(msg("bob"), "b"))
	evicted, ok := o.Push(withID(msg("bob"), "c"))
	if !ok || evicted.ID != "a" {
		t.Fatalf("expected oldest eviction, got ok=%v id=%q", ok, evicted.ID)
	}
	if got := ids(o.Snapshot()); len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("unexpected queue: %v", got)
	}
	drained := o.Drain()
	if len(drained) != 2 || o.Len() != 0 {
		t.Fatalf("drain left %d items", o.Len())
	}
}

func TestOutboxRequeueFrontDropsEphemeral(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox(0)
	o.Push(withID(msg("bob"), "later"))
	typing := withID(envelope.NewTyping("bob", true), "typing")
	dropped := o.Requeue([]envelope.Envelope{withID(msg("bob"), "first"), typing, withID(msg("bob"), "second")})
	if dropped != 1 {
		t.Fatalf("dropped got=%d", dropped)
	}
	got := ids(o.Snapshot())
	want := []string{"first", "second", "later"}
	if len(got) != len(want) {
		t.Fatalf("queue got=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue got=%v want=%v", got, want)
		}
	}
	if !o.Remove("second") || o.Remove("second") {
		t.Fatalf("remove should succeed exactly once")
	}
	if o.Clear() != 2 || o.Len() != 0 {
		t.Fatalf("clear did not empty the outbox")
	}
}

func TestDispatcherKeepsOrderOnReentry(t *testing.T) {
	testlog.Start(t)
	var d dispatcher
	var order []int
	d.push(func() {
		order = append(order, 1)
		d.push(func() { order = append(order, 3) })
		d.flush()
		order = append(order, 2)
	})
	d.flush()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestConfigDefaultsAndValidation(t *testing.T) {
	testlog.Start(t)
	cfg := Config{QueueLimit: 10}.WithDefaults()
	if cfg.HeartbeatInterval != 30*time.Second || cfg.Backoff.InitialDelay != time.Second || cfg.Backoff.MaxDelay != 30*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Backoff.MaxAttempts != 5 {
		t.Fatalf("zero max attempts should take the default: %d", cfg.Backoff.MaxAttempts)
	}
	unlimited := Config{Backoff: BackoffConfig{MaxAttempts: UnlimitedAttempts}}.WithDefaults()
	if unlimited.Backoff.MaxAttempts != UnlimitedAttempts {
		t.Fatalf("unlimited max attempts overwritten: %d", unlimited.Backoff.MaxAttempts)
	}
	if err := unlimited.Validate(); err != nil {
		t.Fatalf("validate unlimited: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	bad := DefaultConfig()
	bad.QueueLimit = -1
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected negative queue limit to fail")
	}
	bad = DefaultConfig()
	bad.Backoff.MaxAttempts = -2
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected max attempts below unlimited to fail")
	}
	bad = DefaultConfig()
	bad.Backoff.MaxDelay = 100 * time.Millisecond
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected max below initial to fail")
	}
}

func TestStateString(t *testing.T) {
	testlog.Start(t)
	if StateReconnecting.String() != "reconnecting" || State(42).String() != "unknown" {
		t.Fatalf("unexpected state names")
	}
}
