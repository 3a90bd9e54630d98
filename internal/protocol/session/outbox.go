package session

import (
	"github.com/danmuck/relaychat/internal/protocol/envelope"
	"github.com/samber/lo"
)

// Outbox is the FIFO of durable envelopes awaiting a connected link. It is
// not safe for concurrent use; the transport guards it with its own mutex.
type Outbox struct {
	limit int
	items []envelope.Envelope
}

func NewOutbox(limit int) *Outbox {
	if limit < 0 {
		limit = 0
	}
	return &Outbox{limit: limit}
}

// Push appends env. When the outbox is full the oldest entry is evicted and
// returned.
func (o *Outbox) Push(env envelope.Envelope) (evicted envelope.Envelope, ok bool) {
	if o.limit > 0 && len(o.items) >= o.limit {
		evicted, ok = o.items[0], true
		o.items = o.items[1:]
	}
	o.items = append(o.items, env)
	return evicted, ok
}

// Requeue puts envs back at the front, ahead of anything already queued.
// Ephemeral envelopes are discarded and counted in dropped, as are the oldest
// entries evicted when the limit would be exceeded.
func (o *Outbox) Requeue(envs []envelope.Envelope) (dropped int) {
	durable := lo.Filter(envs, func(env envelope.Envelope, _ int) bool {
		return env.Kind.Durable()
	})
	dropped = len(envs) - len(durable)
	if len(durable) == 0 {
		return dropped
	}
	merged := make([]envelope.Envelope, 0, len(durable)+len(o.items))
	merged = append(merged, durable...)
	merged = append(merged, o.items...)
	if o.limit > 0 && len(merged) > o.limit {
		dropped += len(merged) - o.limit
		merged = merged[len(merged)-o.limit:]
	}
	o.items = merged
	return dropped
}

// Drain removes and returns every queued envelope in order.
func (o *Outbox) Drain() []envelope.Envelope {
	out := o.items
	o.items = nil
	return out
}

// Remove deletes the queued envelope with the given id.
func (o *Outbox) Remove(id string) bool {
	_, idx, found := lo.FindIndexOf(o.items, func(env envelope.Envelope) bool {
		return env.ID == id
	})
	if !found {
		return false
	}
	o.items = append(o.items[:idx], o.items[idx+1:]...)
	return true
}

func (o *Outbox) Snapshot() []envelope.Envelope {
	return lo.Map(o.items, func(env envelope.Envelope, _ int) envelope.Envelope {
		return env.Clone()
	})
}

func (o *Outbox) Clear() int {
	n := len(o.items)
	o.items = nil
	return n
}

func (o *Outbox) Len() int {
	return len(o.items)
}
