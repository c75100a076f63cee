// Package backoff computes retry delays shared by record sync and uploads.
//
// Delays are a pure function of the attempt count so a schedule can be
// rebuilt from the retry count persisted with each mutation or attachment.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy is an exponential backoff schedule with an attempt budget.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration `mapstructure:"initial" yaml:"initial"`
	// Max caps any single delay.
	Max time.Duration `mapstructure:"max" yaml:"max"`
	// Multiplier grows the delay per attempt. Values below 1 are treated as 1.
	Multiplier float64 `mapstructure:"multiplier" yaml:"multiplier"`
	// MaxAttempts is the retry budget. Zero means unlimited.
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	// Jitter spreads each delay by up to this fraction (0..1) in either direction.
	Jitter float64 `mapstructure:"jitter" yaml:"jitter"`
}

// Default returns the schedule used when none is configured:
// 1s, 2s, 4s ... capped at 5m, with a budget of 8 retries.
func Default() Policy {
	return Policy{
		Initial:     time.Second,
		Max:         5 * time.Minute,
		Multiplier:  2,
		MaxAttempts: 8,
	}
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.Initial) * math.Pow(mult, float64(attempt-1))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		j := math.Min(p.Jitter, 1)
		d += d * j * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Exhausted reports whether attempts has used up the retry budget.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Next returns the next attempt time in milliseconds after a failure at now,
// given the number of retries already made.
func (p Policy) Next(now int64, retries int) int64 {
	return now + p.Delay(retries+1).Milliseconds()
}
