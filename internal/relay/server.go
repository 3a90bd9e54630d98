package relay

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/relaychat/internal/auth"
	"github.com/danmuck/relaychat/internal/observability"
	"github.com/danmuck/relaychat/internal/protocol/codec"
	"github.com/danmuck/relaychat/internal/protocol/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	CodeUnavailable  uint32 = 1004
	CodeIdentityBind uint32 = 1005
)

var ErrInvalidConfig = errors.New("relay: invalid config")

type Config struct {
	Node             string
	HTTPAddr         string
	TCPAddr          string
	AllowedOrigins   []string
	SendBuffer       int
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	Mode             SecurityMode
	TLS              TLSConfig
	// BindTLSIdentity requires a presented client certificate to name the
	// identity in the hello.
	BindTLSIdentity bool
}

func DefaultConfig() Config {
	return Config{
		Node:             "relay.local",
		HTTPAddr:         ":8080",
		SendBuffer:       DefaultSendBuffer,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      90 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		Mode:             SecurityModeDevelopment,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.Node) == "" {
		c.Node = d.Node
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	c.Mode = NormalizeSecurityMode(c.Mode)
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" && strings.TrimSpace(c.TCPAddr) == "" {
		return fmt.Errorf("%w: http_addr or tcp_addr required", ErrInvalidConfig)
	}
	if c.PingInterval >= c.ReadTimeout {
		return fmt.Errorf("%w: ping interval must be shorter than read timeout", ErrInvalidConfig)
	}
	if err := c.TLS.ValidateServer(c.Mode); err != nil {
		return err
	}
	return nil
}

// Server is the relay process: a Hub plus its HTTP (websocket) and TCP
// front ends.
type Server struct {
	cfg      Config
	hub      *Hub
	auth     auth.Validator
	router   *gin.Engine
	upgrader websocket.Upgrader
	appeared time.Time

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
}

// NewServer builds the relay. A nil validator admits every identity.
func NewServer(cfg Config, validator auth.Validator, verifier session.Verifier) (*Server, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if validator == nil {
		validator = auth.Open{}
	}
	observability.RegisterMetrics()

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger("relayd", cfg.Node)))
	r.Use(observability.RequestMetricsMiddleware(cfg.Node))
	r.Use(cors.New(cors.Config{
		AllowOrigins:    normalizeOrigins(cfg.AllowedOrigins),
		AllowAllOrigins: allowAll(cfg.AllowedOrigins),
		AllowMethods:    []string{"GET"},
		AllowHeaders:    []string{"Origin", "Content-Type"},
		MaxAge:          12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:  cfg,
		hub:  NewHub(HubConfig{Node: cfg.Node, SendBuffer: cfg.SendBuffer, Verifier: verifier}),
		auth: validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
		router:   r,
		appeared: time.Now(),
		conns:    make(map[net.Conn]struct{}),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"node":    s.cfg.Node,
			"version": "0.1.0",
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":    true,
			"sessions": len(s.hub.Sessions()),
			"node":     s.cfg.Node,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": s.hub.Sessions()})
	})

	s.router.GET("/sessions/:identity", func(c *gin.Context) {
		id := c.Param("identity")
		c.JSON(http.StatusOK, gin.H{"identity": id, "online": s.hub.Online(id)})
	})

	s.router.GET("/ws", s.serveWS)
}

// open runs admission for one hello and, when accepted, attaches a session.
// The returned ack is ready to write; sess is nil when rejected.
func (s *Server) open(hello Hello, helloErr error, peer *x509.Certificate, transport string) (*Session, HelloAck, codec.Codec) {
	identity := strings.TrimSpace(hello.Identity)
	if identity == "" {
		identity = "unknown"
	}
	reject := func(code uint32, msg string) (*Session, HelloAck, codec.Codec) {
		observability.RecordRelayHandshake(s.cfg.Node, transport, false)
		log.Warn().Str("identity", identity).Uint32("code", code).Str("transport", transport).Msg("relay.Server.open rejected: " + msg)
		return nil, HelloAck{
			Status:      AckStatusRejected,
			Code:        code,
			Message:     msg,
			Identity:    identity,
			TimestampMS: uint64(time.Now().UnixMilli()),
		}, nil
	}

	if helloErr != nil {
		return reject(CodeInvalidHello, "invalid hello payload")
	}
	wire, err := codec.ByName(hello.Codec)
	if err != nil {
		return reject(CodeUnsupportedCodec, "unsupported codec")
	}
	if s.cfg.BindTLSIdentity && peer != nil && peerIdentityFromCert(peer) != hello.Identity {
		return reject(CodeIdentityBind, "identity binding failure")
	}
	if err := s.auth.Validate(hello.Identity, hello.Token); err != nil {
		return reject(CodeUnauthorized, "unauthorized")
	}
	sess, err := s.hub.Attach(hello.Identity, transport)
	if err != nil {
		return reject(CodeUnavailable, "relay unavailable")
	}
	observability.RecordRelayHandshake(s.cfg.Node, transport, true)
	return sess, HelloAck{
		Status:      AckStatusAccepted,
		Message:     "attached",
		Identity:    hello.Identity,
		SessionID:   sess.ID(),
		Codec:       wire.Name(),
		TimestampMS: uint64(time.Now().UnixMilli()),
	}, wire
}

// Run serves HTTP and, when configured, the framed TCP listener until ctx
// ends.
func (s *Server) Run(ctx context.Context) error {
	errs := make(chan error, 2)
	var httpSrv *http.Server
	if addr := strings.TrimSpace(s.cfg.HTTPAddr); addr != "" {
		httpSrv = &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: s.cfg.HandshakeTimeout}
		go func() {
			log.Info().Str("addr", addr).Bool("tls", s.cfg.TLS.Enabled).Msg("relay.Server.run http listening")
			var err error
			if s.cfg.TLS.Enabled {
				err = httpSrv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
			} else {
				err = httpSrv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			errs <- err
		}()
	}
	if strings.TrimSpace(s.cfg.TCPAddr) != "" {
		ln, err := s.ListenTCP()
		if err != nil {
			if httpSrv != nil {
				_ = httpSrv.Close()
			}
			return err
		}
		log.Info().Str("addr", ln.Addr().String()).Bool("tls", s.cfg.TLS.Enabled).Msg("relay.Server.run tcp listening")
		go func() {
			errs <- s.ServeTCP(ctx, ln)
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errs:
	}
	s.hub.Close()
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	s.closeAllConns()
	return err
}

func allowAll(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

func normalizeOrigins(origins []string) []string {
	if allowAll(origins) {
		return nil
	}
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}
