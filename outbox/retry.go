package outbox

import (
	"time"

	"github.com/cenkalti/backoff"
)

// Default retry curve: 30s, 1m, 2m, 4m ... capped at 1h, ten attempts in total.
const (
	DefaultMaxAttempts     = 10
	DefaultInitialInterval = 30 * time.Second
	DefaultMaxInterval     = time.Hour
	DefaultMultiplier      = 2.0
)

// RetryPolicy decides when a failed item is attempted again and when it is
// given up on.
type RetryPolicy struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     DefaultMaxAttempts,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		Multiplier:      DefaultMultiplier,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.RandomizationFactor < 0 || p.RandomizationFactor >= 1 {
		p.RandomizationFactor = 0
	}
	return p
}

// Exhausted reports whether an item that has failed attempts times must stop.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.normalized().MaxAttempts
}

// Delay returns the wait before the next try after the given number of
// failed attempts (1-based).
func (p RetryPolicy) Delay(attempts int) time.Duration {
	p = p.normalized()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
