package relay

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/relaychat/internal/observability"
	"github.com/danmuck/relaychat/internal/protocol/codec"
	"github.com/danmuck/relaychat/internal/protocol/envelope"
	"github.com/danmuck/relaychat/internal/protocol/frame"
	"github.com/danmuck/relaychat/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var ErrAddressRequired = errors.New("relay: address required")

func encodeFrame(c codec.Codec, msgID uint64, env envelope.Envelope) (frame.Frame, error) {
	data, err := c.Marshal(env)
	if err != nil {
		return frame.Frame{}, err
	}
	var flags uint32
	if c.Binary() {
		flags = frame.FlagCBOR
	}
	return frame.New(msgID, frame.TypeEnvelope, flags, data), nil
}

func decodeFrame(f frame.Frame) (envelope.Envelope, error) {
	if f.Header.MessageType != frame.TypeEnvelope {
		return envelope.Envelope{}, fmt.Errorf("%w: %d", frame.ErrUnexpectedFrameType, f.Header.MessageType)
	}
	if f.Header.Flags&frame.FlagCBOR != 0 {
		return codec.NewCBOR().Unmarshal(f.Payload)
	}
	return codec.JSON{}.Unmarshal(f.Payload)
}

// TCPDialer opens framed relay links over TCP, optionally wrapped in TLS.
type TCPDialer struct {
	Addr             string
	Codec            codec.Codec
	Mode             SecurityMode
	TLS              TLSConfig
	HandshakeTimeout time.Duration
	Client           string
}

func (d TCPDialer) Dial(ctx context.Context, identity, token string) (session.Conn, error) {
	if strings.TrimSpace(d.Addr) == "" {
		return nil, ErrAddressRequired
	}
	if err := d.TLS.ValidateClient(d.Mode); err != nil {
		return nil, err
	}
	c := d.Codec
	if c == nil {
		c = codec.JSON{}
	}
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var dialer net.Dialer
	rawConn, err := dialer.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, err
	}
	conn := rawConn
	if d.TLS.Enabled {
		tlsCfg, err := d.TLS.ClientTLS(d.Addr)
		if err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		tlsConn := tls.Client(rawConn, tlsCfg)
		handshakeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			_ = rawConn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	reader := bufio.NewReader(conn)
	hello := Hello{Identity: identity, Token: token, Codec: c.Name(), Client: d.Client, Version: ProtocolVersion}
	if err := WriteHelloFrame(conn, hello); err != nil {
		_ = conn.Close()
		return nil, err
	}
	ack, err := ReadHelloAckFrame(reader)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ack.Err(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	log.Debug().Str("identity", identity).Str("session", ack.SessionID).Str("addr", d.Addr).Msg("relay.TCPDialer.dial session accepted")
	return &tcpConn{conn: conn, reader: reader, codec: c}, nil
}

type tcpConn struct {
	conn   net.Conn
	reader *bufio.Reader
	codec  codec.Codec
	seq    atomic.Uint64

	writeMu sync.Mutex
}

func (c *tcpConn) Send(ctx context.Context, env envelope.Envelope) error {
	f, err := encodeFrame(c.codec, c.seq.Add(1), env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	return frame.WriteFrame(c.conn, f, frame.DefaultLimits())
}

func (c *tcpConn) Receive(ctx context.Context) (envelope.Envelope, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()
	for {
		f, err := frame.ReadFrame(c.reader, frame.DefaultLimits())
		if err != nil {
			if ctx.Err() != nil {
				return envelope.Envelope{}, ctx.Err()
			}
			return envelope.Envelope{}, err
		}
		env, err := decodeFrame(f)
		if err != nil {
			log.Warn().Err(err).Msg("relay.tcpConn.receive undecodable frame skipped")
			continue
		}
		return env, nil
	}
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

// ListenTCP opens the framed listener, wrapped in TLS when configured.
func (s *Server) ListenTCP() (net.Listener, error) {
	if !s.cfg.TLS.Enabled {
		return net.Listen("tcp", s.cfg.TCPAddr)
	}
	tlsCfg, err := s.cfg.TLS.ServerTLS()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.TCPAddr, tlsCfg)
}

// ServeTCP accepts framed sessions on ln until ctx ends.
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.trackConn(conn)
		go s.handleTCP(conn)
	}
}

func (s *Server) handleTCP(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()

	_ = conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	peer, err := handshakePeer(conn)
	if err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("relay.Server.tcp tls handshake failed")
		return
	}
	reader := bufio.NewReader(conn)
	hello, helloErr := ReadHelloFrame(reader)
	if helloErr != nil && !errors.Is(helloErr, ErrInvalidHello) {
		log.Warn().Err(helloErr).Str("remote", remote).Msg("relay.Server.tcp hello read failed")
		return
	}
	sess, ack, wire := s.open(hello, helloErr, peer, "tcp")
	err = WriteHelloAckFrame(conn, ack)
	if sess == nil {
		return
	}
	defer sess.Close()
	if err != nil {
		return
	}
	_ = conn.SetDeadline(time.Time{})

	go s.tcpWriter(conn, sess, wire)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		f, err := frame.ReadFrame(reader, frame.DefaultLimits())
		if err != nil {
			log.Debug().Err(err).Str("identity", hello.Identity).Msg("relay.Server.tcp read ended")
			return
		}
		env, err := decodeFrame(f)
		if err != nil {
			observability.RecordRelayEnvelope(s.cfg.Node, "unknown", "undecodable")
			continue
		}
		if err := sess.Submit(env); err != nil {
			log.Debug().Err(err).Str("identity", hello.Identity).Str("envelope", env.ID).Msg("relay.Server.tcp envelope not routed")
		}
	}
}

func (s *Server) tcpWriter(conn net.Conn, sess *Session, wire codec.Codec) {
	defer conn.Close()
	var seq uint64
	for {
		select {
		case env := <-sess.Outbound():
			seq++
			f, err := encodeFrame(wire, seq, env)
			if err != nil {
				log.Error().Err(err).Str("envelope", env.ID).Msg("relay.Server.tcp encode failed")
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := frame.WriteFrame(conn, f, frame.DefaultLimits()); err != nil {
				sess.Close()
				return
			}
		case <-sess.Done():
			return
		}
	}
}

// handshakePeer completes a server-side TLS handshake and returns the client
// certificate, if one was presented.
func handshakePeer(conn net.Conn) (*x509.Certificate, error) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return nil, nil
	}
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, nil
	}
	return state.PeerCertificates[0], nil
}

func (s *Server) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
