package peer

import (
	"time"
)

// BackoffConfig contains configuration for reconnection backoff.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultBackoffConfig returns the default reconnect behavior: 1s
// doubling to a 30s cap, 20% jitter, no attempt limit.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// backoff tracks the reconnect delay for a single broker session.
// Not safe for concurrent use; the peer serializes access.
type backoff struct {
	cfg       BackoffConfig
	nextDelay time.Duration
	attempts  int
}

func newBackoff(cfg BackoffConfig) *backoff {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 1 * time.Second
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	return &backoff{
		cfg:       cfg,
		nextDelay: cfg.InitialDelay,
	}
}

// Next returns the delay before the next attempt and advances the
// exponential schedule.
func (b *backoff) Next() time.Duration {
	delay := b.addJitter(b.nextDelay)

	next := time.Duration(float64(b.nextDelay) * b.cfg.Multiplier)
	if next > b.cfg.MaxDelay {
		next = b.cfg.MaxDelay
	}
	b.nextDelay = next
	b.attempts++

	return delay
}

// Reset restores the initial delay after a successful open.
func (b *backoff) Reset() {
	b.nextDelay = b.cfg.InitialDelay
	b.attempts = 0
}

// Attempts returns how many delays have been handed out since the last
// reset.
func (b *backoff) Attempts() int {
	return b.attempts
}

// addJitter perturbs a delay so reconnect timing patterns are less
// synchronized across peers.
func (b *backoff) addJitter(d time.Duration) time.Duration {
	if b.cfg.Jitter <= 0 {
		return d
	}

	jitterRange := float64(d) * b.cfg.Jitter
	jitter := (float64(time.Now().UnixNano()%1000)/1000.0 - 0.5) * 2 * jitterRange

	result := time.Duration(float64(d) + jitter)
	if result < 0 {
		result = d
	}
	return result
}
