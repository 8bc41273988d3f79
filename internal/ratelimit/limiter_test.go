package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestLimiter(limit int) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)}
	return New(time.Minute, limit, WithClock(clock.Now)), clock
}

func TestAllowPermitsExactlyMaxMessagesPerWindow(t *testing.T) {
	limiter, _ := newTestLimiter(5)

	for i := 1; i <= 5; i++ {
		if !limiter.Allow("conn-1") {
			t.Fatalf("call %d should be allowed", i)
		}
	}
	if limiter.Allow("conn-1") {
		t.Fatal("call 6 should be rejected")
	}
	if !limiter.Allow("conn-2") {
		t.Fatal("other keys must have independent budgets")
	}
}

func TestRemainingTracksWindow(t *testing.T) {
	limiter, clock := newTestLimiter(5)

	if got := limiter.Remaining("conn-1"); got != 5 {
		t.Fatalf("fresh key remaining = %d, want 5", got)
	}
	for i := 1; i <= 3; i++ {
		limiter.Allow("conn-1")
		if got := limiter.Remaining("conn-1"); got != 5-i {
			t.Fatalf("after %d calls remaining = %d, want %d", i, got, 5-i)
		}
	}

	//1.- Over-budget calls clamp at zero rather than going negative.
	for i := 0; i < 4; i++ {
		limiter.Allow("conn-1")
	}
	if got := limiter.Remaining("conn-1"); got != 0 {
		t.Fatalf("remaining after exhaustion = %d, want 0", got)
	}

	//2.- Once the window elapses the full budget is reported again without a new Allow call.
	clock.Advance(time.Minute)
	if got := limiter.Remaining("conn-1"); got != 5 {
		t.Fatalf("remaining after window reset = %d, want 5", got)
	}
	if !limiter.Allow("conn-1") {
		t.Fatal("expected allow after window reset")
	}
}

func TestRemainingDoesNotMutate(t *testing.T) {
	limiter, _ := newTestLimiter(2)
	for i := 0; i < 10; i++ {
		limiter.Remaining("conn-1")
	}
	if stats := limiter.Stats(); stats.TrackedKeys != 0 {
		t.Fatalf("Remaining created %d buckets", stats.TrackedKeys)
	}
}

func TestRemoveResetsState(t *testing.T) {
	limiter, _ := newTestLimiter(3)
	for i := 0; i < 3; i++ {
		limiter.Allow("conn-1")
	}
	limiter.Remove("conn-1")
	if got := limiter.Remaining("conn-1"); got != 3 {
		t.Fatalf("remaining after remove = %d, want 3", got)
	}
	limiter.Remove("never-seen")
}

func TestStatsReportsConfiguration(t *testing.T) {
	limiter, _ := newTestLimiter(7)
	limiter.Allow("a")
	limiter.Allow("b")
	stats := limiter.Stats()
	if stats.TrackedKeys != 2 || stats.Window != time.Minute || stats.MaxMessages != 7 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSweepRemovesIdleBuckets(t *testing.T) {
	limiter, clock := newTestLimiter(3)
	limiter.Allow("idle")
	clock.Advance(2 * time.Minute)
	limiter.Allow("active")

	if removed := limiter.Sweep(); removed != 0 {
		t.Fatalf("sweep inside grace removed %d buckets", removed)
	}

	clock.Advance(time.Minute)
	if removed := limiter.Sweep(); removed != 1 {
		t.Fatalf("sweep removed %d buckets, want 1", removed)
	}
	if stats := limiter.Stats(); stats.TrackedKeys != 1 {
		t.Fatalf("tracked keys = %d, want 1", stats.TrackedKeys)
	}
}

func TestAllowIsSafeUnderConcurrency(t *testing.T) {
	limiter := New(time.Hour, 100, WithShards(4))
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if limiter.Allow("shared") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
				limiter.Sweep()
			}
		}()
	}
	wg.Wait()
	if allowed != 100 {
		t.Fatalf("allowed %d messages, want exactly 100", allowed)
	}
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	limiter := New(0, 0)
	for i := 0; i < 10; i++ {
		if !limiter.Allow(fmt.Sprintf("k%d", i%2)) {
			t.Fatal("disabled limiter rejected a message")
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	limiter, _ := newTestLimiter(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		limiter.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
