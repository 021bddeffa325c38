package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type ingressEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// IngressLimiter is a wall-clock token bucket per client. It protects the
// service itself and runs before any tick-based admission.
type IngressLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	m       map[string]*ingressEntry
	ttl     time.Duration
	cleanup time.Duration
	stopCh  chan struct{}
	once    sync.Once
}

func NewIngressLimiter(rps float64, burst int, ttl, cleanupEvery time.Duration) *IngressLimiter {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if cleanupEvery <= 0 {
		cleanupEvery = time.Minute
	}
	il := &IngressLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		m:       make(map[string]*ingressEntry),
		ttl:     ttl,
		cleanup: cleanupEvery,
		stopCh:  make(chan struct{}),
	}
	go il.gcLoop()
	return il
}

func (l *IngressLimiter) gcLoop() {
	t := time.NewTicker(l.cleanup)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.mu.Lock()
			now := time.Now()
			for k, e := range l.m {
				if now.Sub(e.lastSeen) > l.ttl {
					delete(l.m, k)
				}
			}
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// Allow reports whether client may proceed now. When it may not, retry is a
// hint for Retry-After.
func (l *IngressLimiter) Allow(client string) (ok bool, retry time.Duration) {
	l.mu.Lock()
	e := l.m[client]
	if e == nil {
		e = &ingressEntry{lim: rate.NewLimiter(l.rps, l.burst)}
		l.m[client] = e
	}
	e.lastSeen = time.Now()
	lim := e.lim
	l.mu.Unlock()

	r := lim.Reserve()
	if !r.OK() {
		return false, time.Second
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d
	}
	return true, 0
}

func (l *IngressLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (l *IngressLimiter) Close() error {
	l.once.Do(func() { close(l.stopCh) })
	return nil
}
