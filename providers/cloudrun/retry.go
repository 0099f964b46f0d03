package cloudrun

import (
	"context"
	"math/rand"
	"time"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 1 * time.Second
	defaultMaxDelay   = 10 * time.Second
	defaultJitter     = 0.5
)

// RetryConfig controls the backoff schedule for transient failures.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Jitter scales the random component added to each delay.
	Jitter float64

	rand func() float64
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.Jitter <= 0 {
		c.Jitter = defaultJitter
	}
	if c.rand == nil {
		c.rand = rand.Float64
	}
	return c
}

// backoff computes the delay before retrying attempt (0-indexed):
// base*2^attempt plus a jitter share of that, capped at MaxDelay.
func (c RetryConfig) backoff(attempt int) time.Duration {
	d := c.BaseDelay << uint(attempt)
	d += time.Duration(float64(d) * c.Jitter * c.rand())
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// retryableStatus reports whether an HTTP status warrants a retry.
// 5xx responses are retried except 501, which a server will keep
// returning no matter how often we ask.
func retryableStatus(code int) bool {
	return code >= 500 && code != 501
}

// sleep waits for d unless the context ends first.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
