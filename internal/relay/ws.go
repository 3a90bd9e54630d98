package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/relaychat/internal/observability"
	"github.com/danmuck/relaychat/internal/protocol/codec"
	"github.com/danmuck/relaychat/internal/protocol/envelope"
	"github.com/danmuck/relaychat/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Websocket links carry JSON envelopes in text messages and binary codecs in
// binary messages. Hello and HelloAck are always JSON text.

func messageType(c codec.Codec) int {
	if c.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func decodeMessage(mt int, data []byte) (envelope.Envelope, error) {
	if mt == websocket.BinaryMessage {
		return codec.NewCBOR().Unmarshal(data)
	}
	return codec.JSON{}.Unmarshal(data)
}

type WSDialer struct {
	URL              string
	Codec            codec.Codec
	Mode             SecurityMode
	TLS              TLSConfig
	HandshakeTimeout time.Duration
	Header           http.Header
	Client           string
}

func (d WSDialer) Dial(ctx context.Context, identity, token string) (session.Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("relay: parse url: %w", err)
	}
	if err := d.TLS.ValidateClient(d.Mode); err != nil {
		return nil, err
	}
	if NormalizeSecurityMode(d.Mode) == SecurityModeProduction && u.Scheme != "wss" {
		return nil, ErrTLSRequired
	}
	c := d.Codec
	if c == nil {
		c = codec.JSON{}
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	if u.Scheme == "wss" && d.TLS.Enabled {
		port := u.Port()
		if port == "" {
			port = "443"
		}
		tlsCfg, err := d.TLS.ClientTLS(net.JoinHostPort(u.Hostname(), port))
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), d.Header)
	if err != nil {
		return nil, fmt.Errorf("relay: ws dial %s: %w", u.Redacted(), err)
	}

	ack, err := wsHello(ctx, conn, Hello{
		Identity: identity,
		Token:    token,
		Codec:    c.Name(),
		Client:   d.Client,
		Version:  ProtocolVersion,
	}, timeout)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ack.Err(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Debug().Str("identity", identity).Str("session", ack.SessionID).Str("codec", c.Name()).Msg("relay.WSDialer.dial session accepted")
	return &wsConn{conn: conn, codec: c}, nil
}

func wsHello(ctx context.Context, conn *websocket.Conn, h Hello, timeout time.Duration) (HelloAck, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	payload, err := json.Marshal(h)
	if err != nil {
		return HelloAck{}, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return HelloAck{}, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return HelloAck{}, ctx.Err()
		}
		return HelloAck{}, err
	}
	ack, err := DecodeHelloAck(data)
	if err != nil {
		return HelloAck{}, err
	}
	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Time{})
	return ack, nil
}

// wsConn is the client side of an accepted websocket session.
type wsConn struct {
	conn  *websocket.Conn
	codec codec.Codec

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Send(ctx context.Context, env envelope.Envelope) error {
	data, err := c.codec.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(messageType(c.codec), data)
}

// Receive skips frames that do not decode; the link stays up.
func (c *wsConn) Receive(ctx context.Context) (envelope.Envelope, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return envelope.Envelope{}, ctx.Err()
			}
			return envelope.Envelope{}, err
		}
		env, err := decodeMessage(mt, data)
		if err != nil {
			log.Warn().Err(err).Msg("relay.wsConn.receive undecodable message skipped")
			continue
		}
		return env, nil
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
	})
	return err
}

// originChecker allows requests without an Origin header (native clients)
// and browser origins on the allow list. An empty list or "*" allows all.
func originChecker(allowed []string) func(r *http.Request) bool {
	if allowAll(allowed) {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range normalizeOrigins(allowed) {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}

// serveWS runs one websocket session until either side goes away.
func (s *Server) serveWS(c *gin.Context) {
	r := c.Request
	conn, err := s.upgrader.Upgrade(c.Writer, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("relay.Server.ws upgrade failed")
		return
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("relay.Server.ws hello read failed")
		return
	}
	hello, helloErr := DecodeHello(data)
	observability.TagSession(c, hello.Identity, "ws")
	sess, ack, wire := s.open(hello, helloErr, nil, "ws")
	payload, err := json.Marshal(ack)
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		err = conn.WriteMessage(websocket.TextMessage, payload)
	}
	if sess == nil {
		return
	}
	defer sess.Close()
	if err != nil {
		return
	}

	go s.wsWriter(conn, sess, wire)

	readTimeout := s.cfg.ReadTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("identity", hello.Identity).Msg("relay.Server.ws read ended")
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		env, err := decodeMessage(mt, data)
		if err != nil {
			observability.RecordRelayEnvelope(s.cfg.Node, "unknown", "undecodable")
			continue
		}
		if err := sess.Submit(env); err != nil {
			log.Debug().Err(err).Str("identity", hello.Identity).Str("envelope", env.ID).Msg("relay.Server.ws envelope not routed")
		}
	}
}

// wsWriter is the only goroutine writing data frames on conn.
func (s *Server) wsWriter(conn *websocket.Conn, sess *Session, wire codec.Codec) {
	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()
	defer conn.Close()
	for {
		select {
		case env := <-sess.Outbound():
			data, err := wire.Marshal(env)
			if err != nil {
				log.Error().Err(err).Str("envelope", env.ID).Msg("relay.Server.ws encode failed")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(messageType(wire), data); err != nil {
				log.Debug().Err(err).Str("identity", sess.Identity()).Msg("relay.Server.ws write failed")
				sess.Close()
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout)); err != nil {
				sess.Close()
				return
			}
		case <-sess.Done():
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
				time.Now().Add(time.Second),
			)
			return
		}
	}
}
