// Package backoff implements the reconnect delay schedule client.Client
// uses between connection attempts (§4.5). It is a thin policy wrapper
// around jpillora/backoff's Backoff, which already implements the
// exponential math; this package adds the jitter draw, the
// attempt-count ceiling and the retry predicate layered on top.
package backoff

import (
	"math"
	"math/rand"
	"time"

	"github.com/jpillora/backoff"
)

// Config mirrors §4.5's reconnect policy table.
type Config struct {
	// StartingDelay is the delay before the first reconnect attempt.
	StartingDelay time.Duration
	// TimeMultiple scales the delay after each failed attempt.
	TimeMultiple float64
	// MaxDelay caps the delay regardless of attempt count. Zero means
	// uncapped.
	MaxDelay time.Duration
	// Jitter, when true, randomizes each delay within [0, computed).
	Jitter bool
	// NumOfAttempts bounds how many reconnect attempts are made before
	// giving up permanently. Zero means unlimited.
	NumOfAttempts int
	// Retry, when non-nil, is consulted with the error from the last
	// failed attempt; returning false stops reconnecting even if
	// NumOfAttempts has not been reached.
	Retry func(err error) bool
}

// DefaultConfig is §4.5's default reconnect policy: 100ms starting
// delay, doubling, uncapped, no jitter, 10 attempts before giving up.
func DefaultConfig() Config {
	return Config{
		StartingDelay: 100 * time.Millisecond,
		TimeMultiple:  2,
		MaxDelay:      0,
		Jitter:        false,
		NumOfAttempts: 10,
	}
}

// uncappedMax stands in for Config.MaxDelay's zero value. jpillora's
// Backoff treats a zero Max as "default to 10s", not "no cap", so an
// uncapped Config has to hand it something else.
const uncappedMax = time.Duration(math.MaxInt64)

// Policy runs Config's schedule across a sequence of attempts.
type Policy struct {
	cfg   Config
	b     *backoff.Backoff
	tries int
}

// New builds a Policy from cfg.
func New(cfg Config) *Policy {
	max := cfg.MaxDelay
	if max <= 0 {
		max = uncappedMax
	}
	return &Policy{
		cfg: cfg,
		b: &backoff.Backoff{
			Min:    cfg.StartingDelay,
			Max:    max,
			Factor: cfg.TimeMultiple,
		},
	}
}

// Next returns the delay before the next attempt and whether another
// attempt should be made at all, given the error the previous attempt
// failed with (nil on the very first call).
func (p *Policy) Next(lastErr error) (delay time.Duration, retry bool) {
	if p.cfg.NumOfAttempts > 0 && p.tries >= p.cfg.NumOfAttempts {
		return 0, false
	}
	if lastErr != nil && p.cfg.Retry != nil && !p.cfg.Retry(lastErr) {
		return 0, false
	}
	p.tries++
	d := p.b.Duration()
	if p.cfg.Jitter && d > 0 {
		d = time.Duration(rand.Int63n(int64(d)))
	}
	return d, true
}

// Reset clears attempt history, called once a connection succeeds so
// the next disconnect starts the schedule over (§4.5: "the delay
// resets once a connection is successfully established").
func (p *Policy) Reset() {
	p.b.Reset()
	p.tries = 0
}
