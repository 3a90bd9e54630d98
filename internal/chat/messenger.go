// Package chat is the application-facing layer over a session transport: it
// resolves recipients, seals payloads, keeps per-peer history and turns
// receipts into message status.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/relaychat/internal/cipher"
	"github.com/danmuck/relaychat/internal/names"
	"github.com/danmuck/relaychat/internal/protocol/envelope"
	"github.com/danmuck/relaychat/internal/store"
	"github.com/rs/zerolog/log"
)

const DefaultHistoryLimit = 200

var (
	ErrRecipient   = errors.New("chat: recipient not resolvable")
	ErrEmptyText   = errors.New("chat: empty message")
	ErrInvalidFile = errors.New("chat: invalid file descriptor")
)

// Transport is the subset of session.Transport the messenger drives.
type Transport interface {
	Identity() string
	Send(env envelope.Envelope) (string, error)
	SendTyping(to string, typing bool)
	UpdatePresence(status envelope.PresenceStatus)
	SendDeliveryReceipt(envelopeID, to string)
	SendReadReceipt(envelopeID, to string)
	OnMessage(fn func(envelope.Envelope))
	OnTyping(fn func(envelope.Envelope))
	OnPresence(fn func(envelope.Envelope))
	OnDelivery(fn func(envelope.Envelope))
	OnRead(fn func(envelope.Envelope))
}

type Resolver interface {
	Resolve(ctx context.Context, input string) (names.Result, error)
	Handle(ctx context.Context, id string) (string, bool)
}

type Options struct {
	HistoryLimit int
	Now          func() time.Time
}

// Events are optional application callbacks. They run on the transport's
// dispatcher and may call back into the Messenger.
type Events struct {
	Message  func(Message)
	Status   func(Message)
	Typing   func(peer string, typing bool)
	Presence func(peer string, p envelope.PresencePayload)
}

type Messenger struct {
	tr       Transport
	sealer   cipher.Sealer
	resolver Resolver
	store    store.Store
	self     string
	opts     Options

	mu     sync.Mutex
	convos map[string]*conversation
	events Events
}

// NewMessenger registers itself as the transport's listener for every
// envelope kind.
func NewMessenger(tr Transport, sealer cipher.Sealer, resolver Resolver, st store.Store, self string, opts Options) *Messenger {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Messenger{
		tr:       tr,
		sealer:   sealer,
		resolver: resolver,
		store:    st,
		self:     self,
		opts:     opts,
		convos:   make(map[string]*conversation),
	}
	tr.OnMessage(m.onMessage)
	tr.OnDelivery(m.onDelivery)
	tr.OnRead(m.onRead)
	tr.OnTyping(m.onTyping)
	tr.OnPresence(m.onPresence)
	return m
}

func (m *Messenger) SetEvents(ev Events) {
	m.mu.Lock()
	m.events = ev
	m.mu.Unlock()
}

// Resolve returns the resolver's typed result for input.
func (m *Messenger) Resolve(ctx context.Context, input string) (names.Result, error) {
	return m.resolver.Resolve(ctx, input)
}

func (m *Messenger) SendText(ctx context.Context, to, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyText
	}
	return m.send(ctx, to, envelope.SubtypeText, text, nil)
}

// SendFile sends a file reference; caption is sealed, the descriptor travels
// alongside it. Image content types are sent as image messages.
func (m *Messenger) SendFile(ctx context.Context, to string, file envelope.FileDescriptor, caption string) (Message, error) {
	if strings.TrimSpace(file.URL) == "" || strings.TrimSpace(file.Name) == "" || file.Size < 0 {
		return Message{}, ErrInvalidFile
	}
	subtype := envelope.SubtypeFile
	if strings.HasPrefix(strings.ToLower(file.ContentType), "image/") {
		subtype = envelope.SubtypeImage
	}
	if caption == "" {
		caption = file.Name
	}
	return m.send(ctx, to, subtype, caption, &file)
}

func (m *Messenger) send(ctx context.Context, to string, subtype envelope.Subtype, text string, file *envelope.FileDescriptor) (Message, error) {
	peer, err := m.resolve(ctx, to)
	if err != nil {
		return Message{}, err
	}
	ct, nonce, err := m.sealer.Seal(ctx, []byte(text), peer)
	if err != nil {
		if !errors.Is(err, cipher.ErrEncryption) {
			err = fmt.Errorf("%w: %w", cipher.ErrEncryption, err)
		}
		log.Warn().Err(err).Str("peer", peer).Msg("chat.Messenger.send seal failed")
		return Message{}, err
	}
	payload := envelope.MessagePayload{Ciphertext: ct, Nonce: nonce, Subtype: subtype, File: file}
	id, err := m.tr.Send(envelope.NewMessage(peer, payload))
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:       id,
		Peer:     peer,
		Outgoing: true,
		Subtype:  subtype,
		Text:     text,
		File:     file,
		SentAt:   m.opts.Now().UTC(),
		Status:   StatusSent,
	}
	m.mu.Lock()
	m.convoLocked(peer).append(msg.clone())
	m.mu.Unlock()
	return msg, nil
}

// MarkRead marks every unread message from peer as read and acknowledges
// each one to the sender. It returns how many were marked.
func (m *Messenger) MarkRead(ctx context.Context, peer string) (int, error) {
	id, err := m.resolve(ctx, peer)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	var read []Message
	if c, ok := m.convos[id]; ok {
		read = c.markRead()
	}
	m.mu.Unlock()
	for _, msg := range read {
		m.tr.SendReadReceipt(msg.ID, id)
	}
	return len(read), nil
}

func (m *Messenger) Typing(ctx context.Context, to string, typing bool) error {
	id, err := m.resolve(ctx, to)
	if err != nil {
		return err
	}
	m.tr.SendTyping(id, typing)
	return nil
}

func (m *Messenger) SetPresence(status envelope.PresenceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: presence %q", envelope.ErrInvalidEnvelope, status)
	}
	m.tr.UpdatePresence(status)
	return nil
}

func (m *Messenger) History(peer string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convos[peer]
	if !ok {
		return nil
	}
	return c.snapshot()
}

func (m *Messenger) Unread(peer string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convos[peer]
	if !ok {
		return 0
	}
	return c.unread()
}

// SetNickname stores a local name for peer. An empty nickname clears it.
func (m *Messenger) SetNickname(ctx context.Context, peer, nickname string) error {
	id, err := m.resolve(ctx, peer)
	if err != nil {
		return err
	}
	now := m.opts.Now().UTC()
	rec, err := m.store.LoadPeer(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec = store.Peer{ID: id, AddedAt: now}
	case err != nil:
		return err
	}
	rec.Nickname = strings.TrimSpace(nickname)
	rec.UpdatedAt = now
	if h, ok := m.resolver.Handle(ctx, id); ok {
		rec.Handle = h
	}
	return m.store.SavePeer(ctx, rec)
}

// DisplayName prefers a local nickname, then the peer's own display name,
// then its handle, and finally a shortened id.
func (m *Messenger) DisplayName(ctx context.Context, id string) string {
	if p, err := m.store.LoadPeer(ctx, id); err == nil && p.Nickname != "" {
		return p.Nickname
	}
	if p, err := m.store.LoadProfile(ctx, id); err == nil && p.DisplayName != "" {
		return p.DisplayName
	}
	if h, ok := m.resolver.Handle(ctx, id); ok {
		return h
	}
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func (m *Messenger) resolve(ctx context.Context, input string) (string, error) {
	res, err := m.resolver.Resolve(ctx, input)
	if err != nil {
		return "", err
	}
	if !res.Resolved() {
		return "", fmt.Errorf("%w: %s (%s: %s)", ErrRecipient, input, res.Status, res.Reason)
	}
	return res.ID, nil
}

func (m *Messenger) convoLocked(peer string) *conversation {
	c, ok := m.convos[peer]
	if !ok {
		c = &conversation{limit: m.opts.HistoryLimit}
		m.convos[peer] = c
	}
	return c
}

func (m *Messenger) onMessage(env envelope.Envelope) {
	ctx := context.Background()
	plain, err := m.sealer.Open(ctx, env.Message.Ciphertext, env.Message.Nonce, env.From)
	if err != nil {
		log.Warn().Err(err).Str("from", env.From).Str("envelope", env.ID).Msg("chat.Messenger.receive open failed")
		return
	}
	msg := Message{
		ID:      env.ID,
		Peer:    env.From,
		Subtype: env.Message.Subtype,
		Text:    string(plain),
		File:    env.Message.File,
		SentAt:  env.SentAt,
		Status:  StatusReceived,
	}
	m.mu.Lock()
	fresh := m.convoLocked(env.From).append(msg.clone())
	handler := m.events.Message
	m.mu.Unlock()

	m.tr.SendDeliveryReceipt(env.ID, env.From)
	if !fresh {
		log.Debug().Str("from", env.From).Str("envelope", env.ID).Msg("chat.Messenger.receive duplicate skipped")
		return
	}
	if handler != nil {
		handler(msg)
	}
}

func (m *Messenger) onDelivery(env envelope.Envelope) {
	m.applyReceipt(env, StatusDelivered)
}

func (m *Messenger) onRead(env envelope.Envelope) {
	m.applyReceipt(env, StatusRead)
}

func (m *Messenger) applyReceipt(env envelope.Envelope, status MessageStatus) {
	m.mu.Lock()
	c, ok := m.convos[env.From]
	if !ok {
		m.mu.Unlock()
		return
	}
	msg, changed := c.advance(env.Receipt.EnvelopeID, status)
	handler := m.events.Status
	m.mu.Unlock()
	if changed && handler != nil {
		handler(msg)
	}
}

func (m *Messenger) onTyping(env envelope.Envelope) {
	m.mu.Lock()
	handler := m.events.Typing
	m.mu.Unlock()
	if handler != nil {
		handler(env.From, env.Typing.Typing)
	}
}

func (m *Messenger) onPresence(env envelope.Envelope) {
	if env.From == m.self {
		return
	}
	m.mu.Lock()
	handler := m.events.Presence
	m.mu.Unlock()
	if handler != nil {
		handler(env.From, *env.Presence)
	}
}
