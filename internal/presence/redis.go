// Package presence mirrors the in-process registry into Redis so other services
// can ask which users are online.
package presence

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"pharmatrace/relay/internal/config"
	"pharmatrace/relay/internal/logging"
	"pharmatrace/relay/internal/registry"
)

const (
	// DefaultTTL bounds how long a presence key survives without a refresh.
	DefaultTTL = 2 * time.Minute
	// DefaultQueueSize bounds the pending user updates between registry and Redis.
	DefaultQueueSize = 1024
	defaultTimeout   = 2 * time.Second
)

// Backend stores one set of connection ids per presence key.
type Backend interface {
	// Replace atomically overwrites key with members and applies ttl.
	Replace(ctx context.Context, key string, members []string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Members(ctx context.Context, key string) ([]string, error)
}

// Connect opens a Redis client and verifies it with a ping.
func Connect(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrapf(err, "presence: ping redis %s", cfg.Addr)
	}
	return rdb, nil
}

// RedisBackend adapts a go-redis client to Backend.
func RedisBackend(rdb redis.Cmdable) Backend { return redisBackend{rdb: rdb} }

type redisBackend struct {
	rdb redis.Cmdable
}

func (b redisBackend) Replace(ctx context.Context, key string, members []string, ttl time.Duration) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.SAdd(ctx, key, args...)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	return err
}

func (b redisBackend) Delete(ctx context.Context, key string) error {
	return b.rdb.Del(ctx, key).Err()
}

func (b redisBackend) Members(ctx context.Context, key string) ([]string, error) {
	members, err := b.rdb.SMembers(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return members, err
}

// presence key: relay:presence:<user>
// Value: set of connection ids; TTL controls how long a silent relay stays authoritative.
func presenceKey(userID string) string { return "relay:presence:" + userID }

// Mirror implements registry.Observer. Observer callbacks only queue the user;
// Run rewrites each queued user's set from the registry, so Redis never sees
// updates out of order and connection goroutines never wait on it.
type Mirror struct {
	backend Backend
	ttl     time.Duration
	timeout time.Duration
	logger  *logging.Logger
	queue   chan string

	mu       sync.Mutex
	overflow bool
	// known holds users last written as online.
	known map[string]struct{}
}

// Option customises a Mirror.
type Option func(*Mirror)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Mirror) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(m *Mirror) {
		if n > 0 {
			m.queue = make(chan string, n)
		}
	}
}

// WithLogger sets the logger used for write failures.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Mirror) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewMirror constructs a mirror over backend.
func NewMirror(backend Backend, opts ...Option) *Mirror {
	m := &Mirror{
		backend: backend,
		ttl:     DefaultTTL,
		timeout: defaultTimeout,
		logger:  logging.L(),
		queue:   make(chan string, DefaultQueueSize),
		known:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// ClientAdded queues the connection's user for a rewrite.
func (m *Mirror) ClientAdded(c registry.Client, _ int) { m.enqueue(c.UserID) }

// ClientRemoved queues the connection's user for a rewrite.
func (m *Mirror) ClientRemoved(c registry.Client, _ int) { m.enqueue(c.UserID) }

func (m *Mirror) enqueue(userID string) {
	if m == nil || m.backend == nil {
		return
	}
	select {
	case m.queue <- userID:
	default:
		//1.- A full queue falls back to a complete resync on the next pass.
		m.mu.Lock()
		first := !m.overflow
		m.overflow = true
		m.mu.Unlock()
		if first {
			m.logger.Warn("presence queue full; scheduling full resync", logging.Int("capacity", cap(m.queue)))
		}
	}
}

// Online returns the connection ids recorded for userID.
func (m *Mirror) Online(ctx context.Context, userID string) ([]string, bool, error) {
	if m == nil || m.backend == nil {
		return nil, false, errors.New("presence: mirror not configured")
	}
	members, err := m.backend.Members(ctx, presenceKey(userID))
	if err != nil {
		return nil, false, errors.Wrapf(err, "presence: lookup %s", userID)
	}
	sort.Strings(members)
	return members, len(members) > 0, nil
}

// Sync rewrites userID's presence set from the registry, deleting it when the
// user has no live sessions.
func (m *Mirror) Sync(ctx context.Context, reg *registry.Registry, userID string) {
	if m == nil || m.backend == nil || reg == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	key := presenceKey(userID)
	sessions := reg.ByUser(userID)
	if len(sessions) == 0 {
		if err := m.backend.Delete(ctx, key); err != nil {
			m.logger.Warn("presence remove failed", logging.String("user_id", userID), logging.Error(err))
			return
		}
		m.mu.Lock()
		delete(m.known, userID)
		m.mu.Unlock()
		return
	}
	members := make([]string, len(sessions))
	for i, c := range sessions {
		members[i] = connMember(c.ID)
	}
	if err := m.backend.Replace(ctx, key, members, m.ttl); err != nil {
		m.logger.Warn("presence write failed", logging.String("user_id", userID), logging.Error(err))
		return
	}
	m.mu.Lock()
	m.known[userID] = struct{}{}
	m.mu.Unlock()
}

// Refresh rewrites every online user from the registry and clears users that
// were written as online but have since left. It also renews every TTL.
func (m *Mirror) Refresh(ctx context.Context, reg *registry.Registry) {
	if m == nil || m.backend == nil || reg == nil {
		return
	}
	users := make(map[string]struct{})
	for _, c := range reg.All() {
		users[c.UserID] = struct{}{}
	}
	m.mu.Lock()
	for userID := range m.known {
		users[userID] = struct{}{}
	}
	m.overflow = false
	m.mu.Unlock()

	for userID := range users {
		m.Sync(ctx, reg, userID)
	}
}

// Run applies queued updates and refreshes every presence key at half the
// TTL until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context, reg *registry.Registry) {
	if m == nil || m.backend == nil || reg == nil {
		return
	}
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case userID := <-m.queue:
			m.Sync(ctx, reg, userID)
			if m.overflowed() {
				m.Refresh(ctx, reg)
			}
		case <-ticker.C:
			m.Refresh(ctx, reg)
		}
	}
}

func (m *Mirror) overflowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overflow
}

func connMember(id registry.ConnectionID) string {
	return strconv.FormatUint(uint64(id), 10)
}
