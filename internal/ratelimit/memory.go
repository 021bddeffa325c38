package ratelimit

import (
	"context"
	"errors"
	"sync"

	"github.com/3xpluto/tickgate/internal/rate"
)

// MemoryStore keeps admission state in process. One mutex guards every key so
// a check and its update never interleave with another attempt.
type MemoryStore struct {
	mu     sync.Mutex
	m      map[string]State
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: make(map[string]State)}
}

var errStoreClosed = errors.New("store closed")

func (s *MemoryStore) Seed(_ context.Context, key string, st State) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return State{}, errStoreClosed
	}
	if cur, ok := s.m[key]; ok {
		return cur, nil
	}
	s.m[key] = st
	return st, nil
}

func (s *MemoryStore) Apply(_ context.Context, key string, p rate.Policy, tick uint64) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Decision{}, errStoreClosed
	}
	cur, ok := s.m[key]
	if !ok {
		return Decision{}, ErrUnknownKey
	}

	dec := Decision{Tick: tick, Prev: cur, Next: cur}
	next, err := Decide(p, cur, tick)
	if errors.Is(err, ErrRateLimitExceeded) {
		return dec, nil
	}
	if err != nil {
		return Decision{}, err
	}
	s.m[key] = next
	dec.Allowed = true
	dec.Next = next
	return dec, nil
}

func (s *MemoryStore) Revert(_ context.Context, key string, d Decision) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, errStoreClosed
	}
	cur, ok := s.m[key]
	if !ok {
		return false, ErrUnknownKey
	}
	if !d.Allowed || cur != d.Next {
		return false, nil
	}
	s.m[key] = d.Prev
	return true, nil
}

func (s *MemoryStore) Load(_ context.Context, key string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.m[key]
	if !ok {
		return State{}, ErrUnknownKey
	}
	return cur, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
