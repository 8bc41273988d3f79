// Package ratelimit enforces per-key message budgets over fixed time windows.
package ratelimit

import (
	"context"
	"hash/maphash"
	"sync"
	"time"
)

const (
	defaultShards = 32
	// defaultGraceWindows is how many whole windows an idle bucket survives before the sweep drops it.
	defaultGraceWindows = 2
)

type bucket struct {
	windowStart time.Time
	count       int
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Stats summarises the limiter configuration and current footprint.
type Stats struct {
	TrackedKeys int           `json:"tracked_keys"`
	Window      time.Duration `json:"window"`
	MaxMessages int           `json:"max_messages"`
}

// Limiter is a fixed-window counter keyed by an opaque client identifier.
type Limiter struct {
	window       time.Duration
	limit        int
	graceWindows int
	now          func() time.Time

	seed   maphash.Seed
	shards []*shard
}

// Option customises limiter construction.
type Option func(*Limiter)

// WithClock overrides the time source; primarily used in tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithGraceWindows sets how many expired windows an idle bucket is retained for.
func WithGraceWindows(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.graceWindows = n
		}
	}
}

// WithShards overrides the number of independently locked bucket shards.
func WithShards(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.shards = newShards(n)
		}
	}
}

// New constructs a limiter allowing up to limit messages per window for each key.
// A zero window or limit disables limiting.
func New(window time.Duration, limit int, opts ...Option) *Limiter {
	l := &Limiter{
		window:       window,
		limit:        limit,
		graceWindows: defaultGraceWindows,
		now:          time.Now,
		seed:         maphash.MakeSeed(),
		shards:       newShards(defaultShards),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return shards
}

func (l *Limiter) disabled() bool {
	return l == nil || l.window <= 0 || l.limit <= 0
}

func (l *Limiter) shardFor(key string) *shard {
	idx := maphash.String(l.seed, key) % uint64(len(l.shards))
	return l.shards[idx]
}

// Allow records one message for key and reports whether it fits in the current window.
// The limit-th message of a window is still allowed; the next one is not.
func (l *Limiter) Allow(key string) bool {
	if l.disabled() {
		return true
	}
	now := l.now()
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.buckets[key]
	if b == nil || now.Sub(b.windowStart) >= l.window {
		b = &bucket{windowStart: now}
		s.buckets[key] = b
	}
	b.count++
	return b.count <= l.limit
}

// Remaining returns how many messages key may still send in the current window.
// It never mutates limiter state.
func (l *Limiter) Remaining(key string) int {
	if l.disabled() {
		return l.maxMessages()
	}
	now := l.now()
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.buckets[key]
	if b == nil || now.Sub(b.windowStart) >= l.window {
		return l.limit
	}
	if remaining := l.limit - b.count; remaining > 0 {
		return remaining
	}
	return 0
}

// Remove forgets the bucket for key, typically when its connection closes.
func (l *Limiter) Remove(key string) {
	if l == nil {
		return
	}
	s := l.shardFor(key)
	s.mu.Lock()
	delete(s.buckets, key)
	s.mu.Unlock()
}

// Stats reports the tracked key count alongside the configured budget.
func (l *Limiter) Stats() Stats {
	if l == nil {
		return Stats{}
	}
	tracked := 0
	for _, s := range l.shards {
		s.mu.Lock()
		tracked += len(s.buckets)
		s.mu.Unlock()
	}
	return Stats{TrackedKeys: tracked, Window: l.window, MaxMessages: l.limit}
}

// Sweep drops buckets whose window ended more than the grace period ago and
// returns how many were removed. Shards are locked one at a time.
func (l *Limiter) Sweep() int {
	if l.disabled() {
		return 0
	}
	cutoff := l.now().Add(-time.Duration(l.graceWindows+1) * l.window)
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			if !b.windowStart.After(cutoff) {
				delete(s.buckets, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Run sweeps idle buckets every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if l.disabled() || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func (l *Limiter) maxMessages() int {
	if l == nil {
		return 0
	}
	return l.limit
}
