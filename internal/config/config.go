// Package config loads relayd configuration and renders starter templates
// for relayd and chatctl.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/relaychat/internal/relay"
	"github.com/pelletier/go-toml/v2"
)

const (
	AuthOpen  = "open"
	AuthToken = "token"
	AuthTable = "table"
	AuthProof = "proof"
)

var ErrInvalidRelayConfig = errors.New("config: invalid relay config")

// RelayConfig is the relayd.toml layout. Durations are milliseconds.
type RelayConfig struct {
	Node               string          `toml:"node"`
	HTTPAddr           string          `toml:"http_addr"`
	TCPAddr            string          `toml:"tcp_addr"`
	AllowedOrigins     []string        `toml:"allowed_origins"`
	SendBuffer         int             `toml:"send_buffer"`
	HandshakeTimeoutMS int64           `toml:"handshake_timeout_ms"`
	ReadTimeoutMS      int64           `toml:"read_timeout_ms"`
	WriteTimeoutMS     int64           `toml:"write_timeout_ms"`
	PingIntervalMS     int64           `toml:"ping_interval_ms"`
	Mode               string          `toml:"mode"`
	BindTLSIdentity    bool            `toml:"bind_tls_identity"`
	LogLevel           string          `toml:"log_level"`
	TLS                relay.TLSConfig `toml:"tls"`
	Auth               AuthConfig      `toml:"auth"`
}

// AuthConfig selects how relayd admits sessions.
type AuthConfig struct {
	Mode string `toml:"mode"`
	// Token is the shared secret for mode "token".
	Token string `toml:"token"`
	// Tokens maps identity to secret for mode "table".
	Tokens map[string]string `toml:"tokens"`
	// MaxSkewMS bounds proof timestamps for mode "proof".
	MaxSkewMS int64 `toml:"max_skew_ms"`
	// VerifySignatures drops routed envelopes whose signature does not check.
	VerifySignatures bool `toml:"verify_signatures"`
}

func LoadRelayConfig(path string) (RelayConfig, error) {
	var cfg RelayConfig
	if err := loadToml(path, &cfg); err != nil {
		return RelayConfig{}, err
	}
	cfg = cfg.withDefaults()
	if err := ValidateRelayConfig(cfg); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

func (c RelayConfig) withDefaults() RelayConfig {
	if strings.TrimSpace(c.Node) == "" {
		c.Node = "relayd"
	}
	if strings.TrimSpace(c.HTTPAddr) == "" && strings.TrimSpace(c.TCPAddr) == "" {
		c.HTTPAddr = ":8080"
	}
	if strings.TrimSpace(c.Auth.Mode) == "" {
		c.Auth.Mode = AuthOpen
	}
	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	return c
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateRelayConfig(cfg RelayConfig) error {
	if strings.TrimSpace(cfg.Node) == "" {
		return fmt.Errorf("%w: missing node", ErrInvalidRelayConfig)
	}
	if strings.TrimSpace(cfg.HTTPAddr) == "" && strings.TrimSpace(cfg.TCPAddr) == "" {
		return fmt.Errorf("%w: http_addr or tcp_addr required", ErrInvalidRelayConfig)
	}
	for _, v := range []int64{cfg.HandshakeTimeoutMS, cfg.ReadTimeoutMS, cfg.WriteTimeoutMS, cfg.PingIntervalMS, cfg.Auth.MaxSkewMS} {
		if v < 0 {
			return fmt.Errorf("%w: durations must not be negative", ErrInvalidRelayConfig)
		}
	}
	if cfg.SendBuffer < 0 {
		return fmt.Errorf("%w: send_buffer must not be negative", ErrInvalidRelayConfig)
	}
	switch cfg.Auth.Mode {
	case AuthOpen, AuthProof:
	case AuthToken:
		if strings.TrimSpace(cfg.Auth.Token) == "" {
			return fmt.Errorf("%w: auth.token required for token mode", ErrInvalidRelayConfig)
		}
	case AuthTable:
		if len(cfg.Auth.Tokens) == 0 {
			return fmt.Errorf("%w: auth.tokens required for table mode", ErrInvalidRelayConfig)
		}
	default:
		return fmt.Errorf("%w: unknown auth mode %q", ErrInvalidRelayConfig, cfg.Auth.Mode)
	}
	if err := RelayServer(cfg).Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRelayConfig, err)
	}
	return nil
}
