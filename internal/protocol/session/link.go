package session

import (
	"context"

	"github.com/danmuck/relaychat/internal/protocol/envelope"
)

// link is one established connection. Its write queue is guarded by the
// transport mutex and consumed by a dedicated writer goroutine, so callers
// never block on network I/O.
type link struct {
	conn     Conn
	identity string
	ctx      context.Context
	cancel   context.CancelFunc
	wake     chan struct{}
	pending  []envelope.Envelope
	inflight *envelope.Envelope
}

func newLink(conn Conn, identity string) *link {
	ctx, cancel := context.WithCancel(context.Background())
	return &link{
		conn:     conn,
		identity: identity,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
	}
}

func (l *link) enqueue(env envelope.Envelope) {
	l.pending = append(l.pending, env)
	l.signal()
}

func (l *link) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// take empties the link, returning the in-flight envelope first.
func (l *link) take() []envelope.Envelope {
	out := make([]envelope.Envelope, 0, len(l.pending)+1)
	if l.inflight != nil {
		out = append(out, *l.inflight)
		l.inflight = nil
	}
	out = append(out, l.pending...)
	l.pending = nil
	return out
}
