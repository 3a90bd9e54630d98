package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/relaychat/internal/protocol/codec"
	"github.com/danmuck/relaychat/internal/protocol/envelope"
	"github.com/danmuck/relaychat/internal/protocol/session"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSubjectPrefix = "relaychat"
	codecHeader          = "Relaychat-Codec"
	natsInboxBuffer      = 256
)

var ErrBrokerClosed = errors.New("relay: broker link closed")

// InboxSubject is where envelopes addressed to identity are published.
func InboxSubject(prefix, identity string) string {
	return prefix + ".inbox." + identity
}

func BroadcastSubject(prefix string) string {
	return prefix + ".broadcast"
}

// NATSDialer uses a NATS broker as the relay: each session subscribes to its
// own inbox subject and the broadcast subject. Authentication is the
// broker's; the session token is presented as the NATS token.
type NATSDialer struct {
	URL     string
	Prefix  string
	Codec   codec.Codec
	Name    string
	Options []nats.Option
}

func (d NATSDialer) Dial(ctx context.Context, identity, token string) (session.Conn, error) {
	prefix := strings.TrimSpace(d.Prefix)
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	c := d.Codec
	if c == nil {
		c = codec.JSON{}
	}
	url := d.URL
	if strings.TrimSpace(url) == "" {
		url = nats.DefaultURL
	}
	timeout := 10 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	opts := []nats.Option{
		nats.Name(strings.TrimSpace(d.Name + " " + identity)),
		nats.Timeout(timeout),
		// session.Transport owns reconnects.
		nats.NoReconnect(),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Warn().Err(err).Str("subject", subject).Msg("relay.NATSDialer async error")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	opts = append(opts, d.Options...)

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("relay: nats connect: %w", err)
	}
	conn := &natsConn{
		nc:       nc,
		prefix:   prefix,
		identity: identity,
		codec:    c,
		inbound:  make(chan *nats.Msg, natsInboxBuffer),
		closed:   make(chan struct{}),
	}
	nc.SetClosedHandler(func(*nats.Conn) { conn.shut() })

	for _, subject := range []string{InboxSubject(prefix, identity), BroadcastSubject(prefix)} {
		sub, err := nc.ChanSubscribe(subject, conn.inbound)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("relay: nats subscribe %s: %w", subject, err)
		}
		conn.subs = append(conn.subs, sub)
	}
	if err := flush(ctx, nc); err != nil {
		nc.Close()
		return nil, fmt.Errorf("relay: nats flush: %w", err)
	}
	log.Debug().Str("identity", identity).Str("url", url).Msg("relay.NATSDialer.dial subscribed")
	return conn, nil
}

type natsConn struct {
	nc       *nats.Conn
	prefix   string
	identity string
	codec    codec.Codec
	subs     []*nats.Subscription
	inbound  chan *nats.Msg

	closed   chan struct{}
	shutOnce sync.Once
}

func (c *natsConn) shut() {
	c.shutOnce.Do(func() { close(c.closed) })
}

func (c *natsConn) Send(ctx context.Context, env envelope.Envelope) error {
	data, err := c.codec.Marshal(env)
	if err != nil {
		return err
	}
	subject := InboxSubject(c.prefix, env.To)
	if env.To == envelope.Broadcast {
		subject = BroadcastSubject(c.prefix)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(codecHeader, c.codec.Name())
	if err := c.nc.PublishMsg(msg); err != nil {
		return err
	}
	// Surface a dead broker link on the write path.
	return flush(ctx, c.nc)
}

// flush uses ctx when it carries a deadline; nats refuses one without.
func flush(ctx context.Context, nc *nats.Conn) error {
	if _, ok := ctx.Deadline(); ok {
		return nc.FlushWithContext(ctx)
	}
	return nc.Flush()
}

// Receive drops the session's own broadcasts, which the broker echoes back.
func (c *natsConn) Receive(ctx context.Context) (envelope.Envelope, error) {
	for {
		select {
		case msg := <-c.inbound:
			wire, err := codec.ByName(msg.Header.Get(codecHeader))
			if err != nil {
				log.Warn().Err(err).Str("subject", msg.Subject).Msg("relay.natsConn.receive unknown codec")
				continue
			}
			env, err := wire.Unmarshal(msg.Data)
			if err != nil {
				log.Warn().Err(err).Str("subject", msg.Subject).Msg("relay.natsConn.receive undecodable message skipped")
				continue
			}
			if env.From == c.identity && env.To == envelope.Broadcast {
				continue
			}
			return env, nil
		case <-c.closed:
			return envelope.Envelope{}, ErrBrokerClosed
		case <-ctx.Done():
			return envelope.Envelope{}, ctx.Err()
		}
	}
}

func (c *natsConn) Close() error {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.nc.Close()
	c.shut()
	return nil
}
