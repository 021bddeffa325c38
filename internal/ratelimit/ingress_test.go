package ratelimit

import (
	"testing"
	"time"
)

func TestIngressLimiterPerClientBurst(t *testing.T) {
	l := NewIngressLimiter(1, 2, time.Minute, time.Minute)
	defer l.Close()

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("a"); !ok {
			t.Fatalf("attempt %d within burst should pass", i)
		}
	}
	ok, retry := l.Allow("a")
	if ok {
		t.Fatal("expected third attempt to be throttled")
	}
	if retry <= 0 {
		t.Fatalf("expected positive retry hint, got %v", retry)
	}
	if ok, _ := l.Allow("b"); !ok {
		t.Fatal("other clients have their own bucket")
	}
	if got := l.Tracked(); got != 2 {
		t.Fatalf("expected 2 tracked clients, got %d", got)
	}
}

func TestIngressLimiterCloseIdempotent(t *testing.T) {
	l := NewIngressLimiter(10, 10, time.Minute, time.Minute)
	_ = l.Close()
	_ = l.Close()
}
