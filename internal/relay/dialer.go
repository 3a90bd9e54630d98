package relay

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/relaychat/internal/protocol/codec"
	"github.com/danmuck/relaychat/internal/protocol/session"
)

const (
	TransportWS   = "ws"
	TransportTCP  = "tcp"
	TransportNATS = "nats"
)

var ErrUnknownTransport = errors.New("relay: unknown transport")

// DialerConfig selects and configures a client link to a relay.
type DialerConfig struct {
	Transport        string
	URL              string
	Codec            string
	Mode             SecurityMode
	TLS              TLSConfig
	HandshakeTimeout time.Duration
	Client           string
}

// NewDialer returns the session.Dialer for cfg.Transport. For tcp the URL may
// be "tcp://host:port" or a bare "host:port".
func NewDialer(cfg DialerConfig) (session.Dialer, error) {
	wire, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, ErrAddressRequired
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case "", TransportWS:
		return WSDialer{
			URL:              cfg.URL,
			Codec:            wire,
			Mode:             cfg.Mode,
			TLS:              cfg.TLS,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Client:           cfg.Client,
		}, nil
	case TransportTCP:
		addr := cfg.URL
		if u, err := url.Parse(cfg.URL); err == nil && u.Scheme == "tcp" {
			addr = u.Host
		}
		return TCPDialer{
			Addr:             addr,
			Codec:            wire,
			Mode:             cfg.Mode,
			TLS:              cfg.TLS,
			HandshakeTimeout: cfg.HandshakeTimeout,
			Client:           cfg.Client,
		}, nil
	case TransportNATS:
		return NATSDialer{URL: cfg.URL, Codec: wire, Name: cfg.Client}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, cfg.Transport)
	}
}
