package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/seawatts/cove/internal/clock"
)

func TestAllowWithinLimit(t *testing.T) {
	mock := clock.NewMockClock(time.Now())
	l := NewLimiterWithClock(mock)

	for i := 0; i < 10; i++ {
		if !l.Allow("entity-1", 10, time.Second) {
			t.Fatalf("request %d rejected within limit", i)
		}
	}
	if l.Allow("entity-1", 10, time.Second) {
		t.Error("11th request allowed")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	mock := clock.NewMockClock(time.Now())
	l := NewLimiterWithClock(mock)

	for i := 0; i < 10; i++ {
		l.Allow("a", 10, time.Second)
	}
	if !l.Allow("b", 10, time.Second) {
		t.Error("exhausting one key throttled another")
	}
}

func TestRefillOverTime(t *testing.T) {
	mock := clock.NewMockClock(time.Now())
	l := NewLimiterWithClock(mock)

	for i := 0; i < 10; i++ {
		l.Allow("k", 10, time.Second)
	}
	if l.Allow("k", 10, time.Second) {
		t.Fatal("bucket should be empty")
	}

	// Half the interval refills half the bucket.
	mock.Advance(500 * time.Millisecond)
	granted := 0
	for l.Allow("k", 10, time.Second) {
		granted++
	}
	if granted != 5 {
		t.Errorf("granted %d after half interval, want 5", granted)
	}
}

func TestWaitBlocksThenProceeds(t *testing.T) {
	l := NewLimiter()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// Drain the bucket, then one more Wait must block for a refill
	// rather than fail.
	for i := 0; i < 5; i++ {
		if err := l.Wait(ctx, "k", 5, 100*time.Millisecond); err != nil {
			t.Fatal(err)
		}
	}
	start := time.Now()
	if err := l.Wait(ctx, "k", 5, 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Error("sixth request did not wait for a token")
	}
}

func TestWaitHonorsCancel(t *testing.T) {
	mock := clock.NewMockClock(time.Now())
	l := NewLimiterWithClock(mock)

	for i := 0; i < 10; i++ {
		l.Allow("k", 10, time.Hour)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Wait(ctx, "k", 10, time.Hour); err == nil {
		t.Error("canceled Wait returned nil")
	}
}

func TestReset(t *testing.T) {
	mock := clock.NewMockClock(time.Now())
	l := NewLimiterWithClock(mock)

	for i := 0; i < 10; i++ {
		l.Allow("k", 10, time.Second)
	}
	l.Reset("k")
	if !l.Allow("k", 10, time.Second) {
		t.Error("reset did not refill the bucket")
	}
}

func TestCleanupExpired(t *testing.T) {
	mock := clock.NewMockClock(time.Now())
	l := NewLimiterWithClock(mock)

	l.Allow("stale", 10, time.Second)
	mock.Advance(2 * time.Hour)
	l.CleanupExpired(time.Hour)

	l.mu.RLock()
	_, exists := l.limiters["stale"]
	l.mu.RUnlock()
	if exists {
		t.Error("stale bucket survived cleanup")
	}
}
