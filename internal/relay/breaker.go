package relay

import (
	"context"
	"sync"
	"time"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

type BreakerConfig struct {
	FailureThreshold    int           // consecutive failures to open
	OpenDuration        time.Duration // how long to stay open
	HalfOpenMaxInFlight int           // trial dispatches while half-open
}

// Breaker stops dispatching to an origin that keeps failing. An open breaker
// fails fast with a RelayError wrapping ErrCircuitOpen; the admission that
// preceded it stands like any other relay failure.
type Breaker struct {
	next   Relay
	origin string
	cfg    BreakerConfig
	now    func() time.Time

	mu           sync.Mutex
	state        BreakerState
	fails        int
	opensAt      time.Time
	halfInFlight int
}

func NewBreaker(next Relay, origin string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 10 * time.Second
	}
	if cfg.HalfOpenMaxInFlight <= 0 {
		cfg.HalfOpenMaxInFlight = 1
	}
	return &Breaker{
		next:   next,
		origin: origin,
		cfg:    cfg,
		now:    time.Now,
		state:  BreakerClosed,
	}
}

type BreakerStats struct {
	State         BreakerState `json:"state"`
	Failures      int          `json:"failures"`
	OpensAt       time.Time    `json:"opens_at"`
	RetryAfterSec int          `json:"retry_after_seconds"`
	HalfInFlight  int          `json:"half_open_in_flight"`
}

func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	retry := 0
	if b.state == BreakerOpen {
		rem := b.cfg.OpenDuration - b.now().Sub(b.opensAt)
		if rem > 0 {
			retry = int((rem + 999*time.Millisecond) / time.Second)
		}
	}
	return BreakerStats{
		State:         b.state,
		Failures:      b.fails,
		OpensAt:       b.opensAt,
		RetryAfterSec: retry,
		HalfInFlight:  b.halfInFlight,
	}
}

func (b *Breaker) Dispatch(ctx context.Context, n Notification) error {
	b.mu.Lock()
	allowed := b.allowLocked(b.now())
	b.mu.Unlock()
	if !allowed {
		return &RelayError{Origin: b.origin, Err: ErrCircuitOpen}
	}

	err := b.next.Dispatch(ctx, n)

	b.mu.Lock()
	b.doneLocked(err == nil)
	b.mu.Unlock()
	return err
}

func (b *Breaker) allowLocked(now time.Time) bool {
	switch b.state {
	case BreakerOpen:
		if now.Sub(b.opensAt) < b.cfg.OpenDuration {
			return false
		}
		b.state = BreakerHalfOpen
		b.fails = 0
		b.halfInFlight = 0
		return b.allowLocked(now)

	case BreakerHalfOpen:
		if b.halfInFlight >= b.cfg.HalfOpenMaxInFlight {
			return false
		}
		b.halfInFlight++
		return true

	default:
		return true
	}
}

func (b *Breaker) doneLocked(success bool) {
	switch b.state {
	case BreakerClosed:
		if success {
			b.fails = 0
			return
		}
		b.fails++
		if b.fails >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.opensAt = b.now()
		}

	case BreakerHalfOpen:
		if b.halfInFlight > 0 {
			b.halfInFlight--
		}
		if success {
			b.state = BreakerClosed
			b.fails = 0
			return
		}
		b.state = BreakerOpen
		b.opensAt = b.now()
		b.fails = b.cfg.FailureThreshold
	}
}
