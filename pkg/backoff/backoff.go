// Package backoff implements the exponential-backoff policy shared by the
// synchronizer's reconnect loop and the transcription status poller.
package backoff

import (
	"context"
	"math"
	"time"
)

// Policy describes an exponential backoff: the interval starts at Initial,
// multiplies by Multiplier per attempt, and is capped at Max. MaxRetries of
// zero means retry forever.
type Policy struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
	MaxRetries int           `yaml:"max_retries"`
}

// DefaultPolling matches the transcription poller: 1s base, x1.5 up to 5s,
// 30 attempts total.
func DefaultPolling() Policy {
	return Policy{Initial: time.Second, Max: 5 * time.Second, Multiplier: 1.5, MaxRetries: 30}
}

// DefaultReconnect is the synchronizer's reconnect policy: 500ms base, x2 up
// to 15s, never giving up.
func DefaultReconnect() Policy {
	return Policy{Initial: 500 * time.Millisecond, Max: 15 * time.Second, Multiplier: 2}
}

// Interval returns the wait before the given zero-based attempt.
func (p Policy) Interval(attempt int) time.Duration {
	d := time.Duration(float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt)))
	if d > p.Max || d < 0 {
		d = p.Max
	}
	return d
}

// Exhausted reports whether the attempt budget is spent.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxRetries > 0 && attempt >= p.MaxRetries
}

// Wait sleeps for the attempt's interval, returning early with the context's
// error if it is canceled mid-wait.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Interval(attempt))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
