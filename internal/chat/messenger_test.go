package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/relaychat/internal/cipher"
	"github.com/danmuck/relaychat/internal/identity"
	"github.com/danmuck/relaychat/internal/names"
	"github.com/danmuck/relaychat/internal/protocol/envelope"
	"github.com/danmuck/relaychat/internal/protocol/session"
	"github.com/danmuck/relaychat/internal/relay/relaytest"
	"github.com/danmuck/relaychat/internal/store"
	"github.com/danmuck/relaychat/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type fixture struct {
	alice, bob *identity.Identity
	store      store.Store
	conn       *relaytest.Conn
	tr         *session.Transport
	m          *Messenger
	bobSealer  *cipher.BoxSealer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	alice, err := identity.Generate()
	require.NoError(t, err)
	bob, err := identity.Generate()
	require.NoError(t, err)

	st := store.NewMemory()
	_, err = SetupProfile(ctx, st, alice, "alice", "Alice")
	require.NoError(t, err)
	_, err = SetupProfile(ctx, st, bob, "@Bob", "")
	require.NoError(t, err)

	dialer := relaytest.NewDialer()
	tr, err := session.New(dialer, session.DefaultConfig(), session.WithScheduler(relaytest.NewScheduler()))
	require.NoError(t, err)
	t.Cleanup(tr.Disconnect)

	resolver := names.NewResolver(names.StoreDirectory{Store: st}, "")
	m := NewMessenger(tr, cipher.NewBoxSealer(alice.BoxSecretKey(), StoreKeys{Store: st}), resolver, st, alice.ID(), Options{HistoryLimit: 3})

	require.NoError(t, tr.Connect(ctx, alice.ID(), "token"))
	require.Equal(t, session.StateConnected, tr.State())

	return &fixture{
		alice:     alice,
		bob:       bob,
		store:     st,
		conn:      dialer.LastConn(),
		tr:        tr,
		m:         m,
		bobSealer: cipher.NewBoxSealer(bob.BoxSecretKey(), StoreKeys{Store: st}),
	}
}

func (f *fixture) inboundText(t *testing.T, id, text string) envelope.Envelope {
	t.Helper()
	ct, nonce, err := f.bobSealer.Seal(context.Background(), []byte(text), f.alice.ID())
	require.NoError(t, err)
	env := envelope.NewMessage(f.alice.ID(), envelope.MessagePayload{Ciphertext: ct, Nonce: nonce, Subtype: envelope.SubtypeText})
	env.ID = id
	env.From = f.bob.ID()
	env.SentAt = time.Now().UTC()
	return env
}

func receipt(kind envelope.Kind, from, to, id string) envelope.Envelope {
	env := envelope.NewDeliveryReceipt(id, to, time.Now())
	env.Kind = kind
	env.ID = envelope.NewID()
	env.From = from
	return env
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendTextSealsForRecipient(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	msg, err := f.m.SendText(context.Background(), "bob.chat", "hello bob")
	require.NoError(t, err)
	assert.Equal(t, f.bob.ID(), msg.Peer)
	assert.Equal(t, StatusSent, msg.Status)

	sent, ok := f.conn.WaitSent(1, waitTimeout)
	require.True(t, ok)
	env := sent[0]
	assert.Equal(t, msg.ID, env.ID)
	assert.Equal(t, f.bob.ID(), env.To)
	assert.Equal(t, f.alice.ID(), env.From)
	assert.NotContains(t, string(env.Message.Ciphertext), "hello bob")

	plain, err := f.bobSealer.Open(context.Background(), env.Message.Ciphertext, env.Message.Nonce, f.alice.ID())
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(plain))
}

func TestSendFileUsesImageSubtype(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	file := envelope.FileDescriptor{URL: "https://files.example/cat.png", Name: "cat.png", Size: 2048, ContentType: "image/png"}
	msg, err := f.m.SendFile(context.Background(), "@bob", file, "")
	require.NoError(t, err)
	assert.Equal(t, envelope.SubtypeImage, msg.Subtype)
	assert.Equal(t, "cat.png", msg.Text)

	sent, ok := f.conn.WaitSent(1, waitTimeout)
	require.True(t, ok)
	require.NotNil(t, sent[0].Message.File)
	assert.Equal(t, file.URL, sent[0].Message.File.URL)

	_, err = f.m.SendFile(context.Background(), "@bob", envelope.FileDescriptor{Name: "x"}, "")
	assert.ErrorIs(t, err, ErrInvalidFile)
}

func TestSendRejectsUnresolvedRecipient(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.m.SendText(ctx, "@nobody", "hi")
	assert.ErrorIs(t, err, ErrRecipient)
	_, err = f.m.SendText(ctx, "bad handle!", "hi")
	assert.ErrorIs(t, err, ErrRecipient)
	_, err = f.m.SendText(ctx, "@bob", "   ")
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.Empty(t, f.conn.Sent())
}

func TestSendWithoutPeerKeyIsEncryptionFailure(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	stranger, err := identity.Generate()
	require.NoError(t, err)

	_, err = f.m.SendText(context.Background(), stranger.ID(), "hi")
	assert.ErrorIs(t, err, cipher.ErrEncryption)
	assert.Empty(t, f.conn.Sent())
}

type failingSealer struct{}

func (failingSealer) Seal(context.Context, []byte, string) ([]byte, []byte, error) {
	return nil, nil, errors.New("hsm unavailable")
}

func (failingSealer) Open(context.Context, []byte, []byte, string) ([]byte, error) {
	return nil, errors.New("hsm unavailable")
}

func TestForeignSealerErrorsAreWrapped(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	m := NewMessenger(f.tr, failingSealer{}, names.NewResolver(names.StoreDirectory{Store: f.store}, ""), f.store, f.alice.ID(), Options{})
	_, err := m.SendText(context.Background(), "@bob", "hi")
	assert.ErrorIs(t, err, cipher.ErrEncryption)
}

func TestInboundDecryptsAndAcknowledges(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	var mu sync.Mutex
	var got []Message
	f.m.SetEvents(Events{Message: func(m Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	}})

	f.conn.Deliver(f.inboundText(t, "m-1", "hi alice"))
	sent, ok := f.conn.WaitSent(1, waitTimeout)
	require.True(t, ok)
	ack := sent[0]
	assert.Equal(t, envelope.KindDeliveryReceipt, ack.Kind)
	assert.Equal(t, f.bob.ID(), ack.To)
	assert.Equal(t, "m-1", ack.Receipt.EnvelopeID)

	history := f.m.History(f.bob.ID())
	require.Len(t, history, 1)
	assert.Equal(t, "hi alice", history[0].Text)
	assert.Equal(t, StatusReceived, history[0].Status)
	assert.Equal(t, 1, f.m.Unread(f.bob.ID()))

	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, "m-1", got[0].ID)
	mu.Unlock()
}

func TestInboundUndecryptableIsDropped(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	env := f.inboundText(t, "m-bad", "tampered")
	env.Message.Ciphertext[0] ^= 0xff
	f.conn.Deliver(env, f.inboundText(t, "m-ok", "fine"))

	waitUntil(t, "good message", func() bool { return len(f.m.History(f.bob.ID())) == 1 })
	assert.Equal(t, "m-ok", f.m.History(f.bob.ID())[0].ID)
	sent, _ := f.conn.WaitSent(1, waitTimeout)
	require.Len(t, sent, 1, "no receipt for the undecryptable message")
	assert.Equal(t, "m-ok", sent[0].Receipt.EnvelopeID)
}

func TestRedeliveredMessageKeptOnce(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	var mu sync.Mutex
	var got []Message
	f.m.SetEvents(Events{Message: func(m Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	}})

	env := f.inboundText(t, "m-dup", "only once")
	f.conn.Deliver(env, env)

	sent, ok := f.conn.WaitSent(2, waitTimeout)
	require.True(t, ok)
	for _, ack := range sent {
		assert.Equal(t, envelope.KindDeliveryReceipt, ack.Kind)
		assert.Equal(t, "m-dup", ack.Receipt.EnvelopeID)
	}

	require.Len(t, f.m.History(f.bob.ID()), 1)
	assert.Equal(t, 1, f.m.Unread(f.bob.ID()))
	mu.Lock()
	assert.Len(t, got, 1)
	mu.Unlock()
}

func TestReceiptsAdvanceStatusForwardOnly(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	var mu sync.Mutex
	var changes []MessageStatus
	f.m.SetEvents(Events{Status: func(m Message) {
		mu.Lock()
		changes = append(changes, m.Status)
		mu.Unlock()
	}})

	msg, err := f.m.SendText(context.Background(), "@bob", "ping")
	require.NoError(t, err)

	bob, alice := f.bob.ID(), f.alice.ID()
	f.conn.Deliver(
		receipt(envelope.KindReadReceipt, bob, alice, msg.ID),
		receipt(envelope.KindDeliveryReceipt, bob, alice, msg.ID),
		receipt(envelope.KindDeliveryReceipt, bob, alice, "unknown"),
	)
	waitUntil(t, "read status", func() bool {
		h := f.m.History(bob)
		return len(h) == 1 && h[0].Status == StatusRead
	})
	// let the trailing receipts drain
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatusRead, f.m.History(bob)[0].Status)

	mu.Lock()
	assert.Equal(t, []MessageStatus{StatusRead}, changes)
	mu.Unlock()
}

func TestMarkReadSendsReadReceipts(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	f.conn.Deliver(f.inboundText(t, "m-1", "one"), f.inboundText(t, "m-2", "two"))
	_, ok := f.conn.WaitSent(2, waitTimeout)
	require.True(t, ok)

	n, err := f.m.MarkRead(context.Background(), "@bob")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, f.m.Unread(f.bob.ID()))

	sent, ok := f.conn.WaitSent(4, waitTimeout)
	require.True(t, ok)
	assert.Equal(t, envelope.KindReadReceipt, sent[2].Kind)
	assert.Equal(t, "m-1", sent[2].Receipt.EnvelopeID)
	assert.Equal(t, "m-2", sent[3].Receipt.EnvelopeID)

	n, err = f.m.MarkRead(context.Background(), "@bob")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHistoryIsBounded(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	for _, text := range []string{"a", "b", "c", "d"} {
		_, err := f.m.SendText(context.Background(), "@bob", text)
		require.NoError(t, err)
	}
	history := f.m.History(f.bob.ID())
	require.Len(t, history, 3)
	assert.Equal(t, "b", history[0].Text)
	assert.Equal(t, "d", history[2].Text)
}

func TestTypingAndPresenceSignals(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)

	var mu sync.Mutex
	var typing []bool
	var statuses []envelope.PresenceStatus
	f.m.SetEvents(Events{
		Typing: func(peer string, on bool) {
			mu.Lock()
			typing = append(typing, on)
			mu.Unlock()
		},
		Presence: func(peer string, p envelope.PresencePayload) {
			mu.Lock()
			statuses = append(statuses, p.Status)
			mu.Unlock()
		},
	})

	require.NoError(t, f.m.Typing(context.Background(), "@bob", true))
	require.NoError(t, f.m.SetPresence(envelope.PresenceAway))
	assert.Error(t, f.m.SetPresence("sleepy"))
	sent, ok := f.conn.WaitSent(2, waitTimeout)
	require.True(t, ok)
	assert.Equal(t, envelope.KindTyping, sent[0].Kind)
	assert.Equal(t, envelope.KindPresence, sent[1].Kind)
	assert.Equal(t, envelope.Broadcast, sent[1].To)

	typingEnv := envelope.NewTyping(f.alice.ID(), true)
	typingEnv.ID, typingEnv.From = envelope.NewID(), f.bob.ID()
	own := envelope.NewPresence(envelope.PresenceOnline, time.Now(), "cli")
	own.ID, own.From = envelope.NewID(), f.alice.ID()
	peer := envelope.NewPresence(envelope.PresenceBusy, time.Now(), "cli")
	peer.ID, peer.From = envelope.NewID(), f.bob.ID()
	f.conn.Deliver(typingEnv, own, peer)

	waitUntil(t, "presence", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 1
	})
	mu.Lock()
	assert.Equal(t, []bool{true}, typing)
	assert.Equal(t, []envelope.PresenceStatus{envelope.PresenceBusy}, statuses)
	mu.Unlock()
}

func TestNicknamesAndDisplayNames(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	ctx := context.Background()
	bob := f.bob.ID()

	assert.Equal(t, "bob", f.m.DisplayName(ctx, bob), "falls back to profile display name")
	require.NoError(t, f.m.SetNickname(ctx, "@bob", "Bobby"))
	assert.Equal(t, "Bobby", f.m.DisplayName(ctx, bob))

	peer, err := f.store.LoadPeer(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, "bob.chat", peer.Handle)

	stranger, err := identity.Generate()
	require.NoError(t, err)
	assert.Equal(t, stranger.ID()[:12], f.m.DisplayName(ctx, stranger.ID()))
}

func TestSetupProfileValidation(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	st := store.NewMemory()
	id, err := identity.Generate()
	require.NoError(t, err)

	_, err = SetupProfile(ctx, st, id, "x", "")
	assert.ErrorIs(t, err, names.ErrInvalidHandle)

	p, err := SetupProfile(ctx, st, id, "@Carol", "Carol C")
	require.NoError(t, err)
	assert.Equal(t, "carol", p.Handle)
	assert.Len(t, p.BoxKey, 32)

	other, err := identity.Generate()
	require.NoError(t, err)
	_, err = SetupProfile(ctx, st, other, "carol", "")
	assert.ErrorIs(t, err, store.ErrHandleTaken)

	key, err := StoreKeys{Store: st}.BoxKey(ctx, id.ID())
	require.NoError(t, err)
	assert.Equal(t, id.BoxPublicKey()[:], key[:])
	_, err = StoreKeys{Store: st}.BoxKey(ctx, other.ID())
	assert.ErrorIs(t, err, cipher.ErrNoPeerKey)
}
