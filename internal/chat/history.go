package chat

import (
	"time"

	"github.com/danmuck/relaychat/internal/protocol/envelope"
	"github.com/samber/lo"
)

type MessageStatus int

// Outgoing messages move forward through sent, delivered and read; incoming
// ones start at received and become read once acknowledged locally.
const (
	StatusSent MessageStatus = iota
	StatusDelivered
	StatusRead
	StatusReceived
)

func (s MessageStatus) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusReceived:
		return "received"
	default:
		return "unknown"
	}
}

// Message is one decrypted entry in a conversation.
type Message struct {
	ID       string
	Peer     string
	Outgoing bool
	Subtype  envelope.Subtype
	Text     string
	File     *envelope.FileDescriptor
	SentAt   time.Time
	Status   MessageStatus
}

func (m Message) clone() Message {
	if m.File != nil {
		f := *m.File
		m.File = &f
	}
	return m
}

// conversation is a bounded per-peer log, oldest first.
type conversation struct {
	limit    int
	messages []Message
}

// append reports false when a message with the same id and direction is
// already held; redelivered envelopes keep their first entry.
func (c *conversation) append(m Message) bool {
	if lo.ContainsBy(c.messages, func(held Message) bool {
		return held.ID == m.ID && held.Outgoing == m.Outgoing
	}) {
		return false
	}
	c.messages = append(c.messages, m)
	if c.limit > 0 && len(c.messages) > c.limit {
		c.messages = c.messages[len(c.messages)-c.limit:]
	}
	return true
}

// advance moves the outgoing message id to status if that is forward.
func (c *conversation) advance(id string, status MessageStatus) (Message, bool) {
	_, idx, ok := lo.FindIndexOf(c.messages, func(m Message) bool {
		return m.ID == id && m.Outgoing
	})
	if !ok || c.messages[idx].Status >= status {
		return Message{}, false
	}
	c.messages[idx].Status = status
	return c.messages[idx].clone(), true
}

// markRead flags every unread incoming message and returns them.
func (c *conversation) markRead() []Message {
	var out []Message
	for i := range c.messages {
		if c.messages[i].Outgoing || c.messages[i].Status != StatusReceived {
			continue
		}
		c.messages[i].Status = StatusRead
		out = append(out, c.messages[i].clone())
	}
	return out
}

func (c *conversation) snapshot() []Message {
	return lo.Map(c.messages, func(m Message, _ int) Message { return m.clone() })
}

func (c *conversation) unread() int {
	return lo.CountBy(c.messages, func(m Message) bool {
		return !m.Outgoing && m.Status == StatusReceived
	})
}
