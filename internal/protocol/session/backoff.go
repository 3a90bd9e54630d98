package session

import (
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based):
// InitialDelay * Multiplier^(N-1), capped at MaxDelay. With Jitter the delay
// is drawn from [base(N), base(N+1)), so the sequence never decreases.
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := cappedDelay(cfg, attempt)
	if cfg.Jitter && rng != nil {
		next := cappedDelay(cfg, attempt+1)
		delay += (next - delay) * rng.Float64()
	}
	return time.Duration(delay)
}

func cappedDelay(cfg BackoffConfig, attempt int) float64 {
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return delay
}

// RetriesExhausted reports whether attempts has reached the configured cap.
// UnlimitedAttempts never exhausts.
func RetriesExhausted(cfg BackoffConfig, attempts int) bool {
	return cfg.MaxAttempts > 0 && attempts >= cfg.MaxAttempts
}
