package mw

import (
	"net/http"
)

// Semaphore bounds in-flight forwards per gate. A nil or zero-sized semaphore
// admits everything.
type Semaphore struct {
	ch chan struct{}
}

func NewSemaphore(maxInFlight int) *Semaphore {
	if maxInFlight <= 0 {
		return &Semaphore{}
	}
	return &Semaphore{ch: make(chan struct{}, maxInFlight)}
}

func (s *Semaphore) Enabled() bool { return s != nil && s.ch != nil }

func (s *Semaphore) Cap() int {
	if !s.Enabled() {
		return 0
	}
	return cap(s.ch)
}

func (s *Semaphore) InUse() int {
	if !s.Enabled() {
		return 0
	}
	return len(s.ch)
}

func (s *Semaphore) TryAcquire() bool {
	if !s.Enabled() {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Semaphore) Release() {
	if !s.Enabled() {
		return
	}
	select {
	case <-s.ch:
	default:
	}
}

// ConcurrencyLimit answers 503 too_busy instead of queueing when the gate is
// at its in-flight limit. Such requests never reach admission.
func ConcurrencyLimit(sem *Semaphore, m *Metrics, next http.Handler) http.Handler {
	if !sem.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !sem.TryAcquire() {
			m.shed(r.Context(), "concurrency")
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error":         "too_busy",
				"gate":          RouteName(r.Context()),
				"max_in_flight": sem.Cap(),
			})
			return
		}
		defer sem.Release()
		next.ServeHTTP(w, r)
	})
}
