package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/relaychat/internal/names"
	"github.com/danmuck/relaychat/internal/protocol/codec"
	"github.com/danmuck/relaychat/internal/protocol/session"
	"github.com/danmuck/relaychat/internal/relay"
)

type fileConfig struct {
	IdentityFile         string `toml:"identity_file"`
	RelayURL             string `toml:"relay_url"`
	Transport            string `toml:"transport"`
	AuthToken            string `toml:"auth_token"`
	StorePath            string `toml:"store_path"`
	HandleSuffix         string `toml:"handle_suffix"`
	HeartbeatInterval    string `toml:"heartbeat_interval"`
	HeartbeatIntervalMS  int64  `toml:"heartbeat_interval_ms"`
	BackoffBase          string `toml:"backoff_base"`
	BackoffMax           string `toml:"backoff_max"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
	QueueLimit           int    `toml:"queue_limit"`
	Codec                string `toml:"codec"`
	LogLevel             string `toml:"log_level"`
	ResolveCacheTTL      string `toml:"resolve_cache_ttl"`
	Mode                 string `toml:"mode"`
	TLS                  relay.TLSConfig `toml:"tls"`
}

// clientConfig is the resolved chatctl configuration.
type clientConfig struct {
	IdentityFile    string
	RelayURL        string
	Transport       string
	AuthToken       string
	StorePath       string
	HandleSuffix    string
	Codec           string
	LogLevel        string
	ResolveCacheTTL time.Duration
	Mode            relay.SecurityMode
	TLS             relay.TLSConfig
	Session         session.Config
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaychat"
	}
	return filepath.Join(home, ".relaychat")
}

func defaultConfigPath() string {
	return filepath.Join(defaultHome(), "config.toml")
}

func defaultClientConfig() clientConfig {
	home := defaultHome()
	sess := session.DefaultConfig()
	sess.Name = "chatctl"
	sess.QueueLimit = 500
	return clientConfig{
		IdentityFile:    filepath.Join(home, "identity.toml"),
		RelayURL:        "ws://localhost:8080/ws",
		Transport:       relay.TransportWS,
		StorePath:       filepath.Join(home, "store"),
		HandleSuffix:    names.DefaultSuffix,
		Codec:           codec.NameJSON,
		LogLevel:        "warn",
		ResolveCacheTTL: 5 * time.Minute,
		Mode:            relay.SecurityModeDevelopment,
		Session:         sess,
	}
}

// loadClientConfig overlays the keys present in path onto the defaults. A
// missing file yields the defaults.
func loadClientConfig(path string) (clientConfig, error) {
	cfg := defaultClientConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return clientConfig{}, fmt.Errorf("load chatctl config: %w", err)
	}

	if meta.IsDefined("identity_file") {
		cfg.IdentityFile = expandHome(raw.IdentityFile)
	}
	if meta.IsDefined("relay_url") {
		cfg.RelayURL = strings.TrimSpace(raw.RelayURL)
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("auth_token") {
		cfg.AuthToken = strings.TrimSpace(raw.AuthToken)
	}
	if meta.IsDefined("store_path") {
		cfg.StorePath = expandHome(raw.StorePath)
	}
	if meta.IsDefined("handle_suffix") {
		cfg.HandleSuffix = strings.TrimPrefix(strings.TrimSpace(raw.HandleSuffix), ".")
	}
	if meta.IsDefined("heartbeat_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HeartbeatInterval))
		if err != nil {
			return clientConfig{}, fmt.Errorf("parse heartbeat_interval: %w", err)
		}
		cfg.Session.HeartbeatInterval = d
	}
	if meta.IsDefined("heartbeat_interval_ms") {
		cfg.Session.HeartbeatInterval = time.Duration(raw.HeartbeatIntervalMS) * time.Millisecond
	}
	if meta.IsDefined("backoff_base") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.BackoffBase))
		if err != nil {
			return clientConfig{}, fmt.Errorf("parse backoff_base: %w", err)
		}
		cfg.Session.Backoff.InitialDelay = d
	}
	if meta.IsDefined("backoff_max") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.BackoffMax))
		if err != nil {
			return clientConfig{}, fmt.Errorf("parse backoff_max: %w", err)
		}
		cfg.Session.Backoff.MaxDelay = d
	}
	if meta.IsDefined("max_reconnect_attempts") {
		cfg.Session.Backoff.MaxAttempts = raw.MaxReconnectAttempts
	}
	if meta.IsDefined("queue_limit") {
		cfg.Session.QueueLimit = raw.QueueLimit
	}
	if meta.IsDefined("codec") {
		cfg.Codec = strings.ToLower(strings.TrimSpace(raw.Codec))
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("resolve_cache_ttl") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ResolveCacheTTL))
		if err != nil {
			return clientConfig{}, fmt.Errorf("parse resolve_cache_ttl: %w", err)
		}
		cfg.ResolveCacheTTL = d
	}
	if meta.IsDefined("mode") {
		cfg.Mode = relay.SecurityMode(strings.TrimSpace(raw.Mode))
	}
	if meta.IsDefined("tls") {
		cfg.TLS = raw.TLS
	}

	if err := cfg.validate(); err != nil {
		return clientConfig{}, err
	}
	return cfg, nil
}

func (c clientConfig) validate() error {
	if _, err := codec.ByName(c.Codec); err != nil {
		return err
	}
	switch c.Transport {
	case relay.TransportWS, relay.TransportTCP, relay.TransportNATS:
	default:
		return fmt.Errorf("%w: %q", relay.ErrUnknownTransport, c.Transport)
	}
	if c.ResolveCacheTTL < 0 {
		return fmt.Errorf("resolve_cache_ttl must not be negative")
	}
	if err := c.TLS.ValidateClient(c.Mode); err != nil {
		return err
	}
	return c.Session.WithDefaults().Validate()
}

func (c clientConfig) dialerConfig() relay.DialerConfig {
	return relay.DialerConfig{
		Transport:        c.Transport,
		URL:              c.RelayURL,
		Codec:            c.Codec,
		Mode:             c.Mode,
		TLS:              c.TLS,
		HandshakeTimeout: c.Session.ConnectTimeout,
		Client:           "chatctl",
	}
}

func expandHome(path string) string {
	path = strings.TrimSpace(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
