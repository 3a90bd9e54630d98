package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("session: invalid config")

// UnlimitedAttempts as BackoffConfig.MaxAttempts retries forever.
const UnlimitedAttempts = -1

// BackoffConfig defines reconnect backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// MaxAttempts bounds automatic reconnects after a failure. Zero takes the
	// default; UnlimitedAttempts retries forever.
	MaxAttempts int
	Jitter      bool
}

// Config defines transport/session reliability defaults.
type Config struct {
	// Name labels metrics and logs for this transport instance.
	Name              string
	ConnectTimeout    time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	// QueueLimit caps the offline queue; 0 leaves it unbounded.
	QueueLimit int
	// Device is attached to presence envelopes.
	Device  string
	Backoff BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Name:              "default",
		ConnectTimeout:    10 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		QueueLimit:        0,
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			MaxAttempts:  5,
			Jitter:       false,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig, MaxAttempts included. A
// negative HeartbeatInterval disables the heartbeat.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Name) == "" {
		c.Name = def.Name
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.Backoff.InitialDelay == 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier == 0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay == 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	if c.Backoff.MaxAttempts == 0 {
		c.Backoff.MaxAttempts = def.Backoff.MaxAttempts
	}
	return c
}

func (c Config) Validate() error {
	if c.QueueLimit < 0 {
		return fmt.Errorf("%w: queue_limit must be >= 0", ErrInvalidConfig)
	}
	if c.Backoff.InitialDelay < 0 || c.Backoff.MaxDelay < 0 {
		return fmt.Errorf("%w: backoff delays must be >= 0", ErrInvalidConfig)
	}
	if c.Backoff.MaxDelay > 0 && c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		return fmt.Errorf("%w: backoff max_delay below initial_delay", ErrInvalidConfig)
	}
	if c.Backoff.MaxAttempts < UnlimitedAttempts {
		return fmt.Errorf("%w: max_attempts must be >= 0 or %d for unlimited", ErrInvalidConfig, UnlimitedAttempts)
	}
	if c.ConnectTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("%w: timeouts must be >= 0", ErrInvalidConfig)
	}
	return nil
}
