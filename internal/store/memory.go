package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used when no database is configured and in tests.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]User
	messages []ChatMessage
	batches  map[string]string
	now      func() time.Time
}

// MemoryOption customises a Memory store.
type MemoryOption func(*Memory)

// WithMemoryClock overrides the clock used for CreatedAt.
func WithMemoryClock(clock func() time.Time) MemoryOption {
	return func(m *Memory) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithUsers seeds the user table.
func WithUsers(users ...User) MemoryOption {
	return func(m *Memory) {
		for _, u := range users {
			m.users[u.ID] = u
		}
	}
}

// NewMemory constructs an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		users:   make(map[string]User),
		batches: make(map[string]string),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// PutUser inserts or replaces a user.
func (m *Memory) PutUser(u User) {
	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()
}

// PutBatch registers a batch so location updates can target it.
func (m *Memory) PutBatch(batchID string) {
	m.mu.Lock()
	if _, ok := m.batches[batchID]; !ok {
		m.batches[batchID] = ""
	}
	m.mu.Unlock()
}

// BatchLocation returns the last recorded warehouse for a batch.
func (m *Memory) BatchLocation(batchID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wh, ok := m.batches[batchID]
	return wh, ok
}

func (m *Memory) FindUser(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *Memory) SaveChatMessage(_ context.Context, in ChatMessageInput) (string, error) {
	if err := validateInput(in); err != nil {
		return "", err
	}
	msg := ChatMessage{
		ID:        uuid.NewString(),
		SenderID:  in.SenderID,
		Body:      in.Body,
		CreatedAt: m.now(),
	}
	if in.RecipientID != nil {
		recipient := *in.RecipientID
		msg.RecipientID = &recipient
	}
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
	return msg.ID, nil
}

func (m *Memory) LoadChatHistory(_ context.Context, q HistoryQuery) ([]ChatMessage, error) {
	q = q.Normalise()
	m.mu.RLock()
	var matched []ChatMessage
	for _, msg := range m.messages {
		if visible(msg, q) {
			matched = append(matched, msg)
		}
	}
	m.mu.RUnlock()

	//1.- Insertion order breaks CreatedAt ties so equal timestamps stay stable.
	if q.PeerID != "" {
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	} else {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
		sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	}

	//2.- Page the ordered result.
	if q.Offset >= len(matched) {
		return []ChatMessage{}, nil
	}
	end := q.Offset + q.Limit
	if end > len(matched) {
		end = len(matched)
	}
	out := make([]ChatMessage, end-q.Offset)
	copy(out, matched[q.Offset:end])
	return out, nil
}

func (m *Memory) UpdateBatchLocation(_ context.Context, batchID, warehouseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[batchID]; !ok {
		return ErrBatchNotFound
	}
	m.batches[batchID] = warehouseID
	return nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() {}

func visible(msg ChatMessage, q HistoryQuery) bool {
	if q.PeerID != "" {
		if msg.RecipientID == nil {
			return false
		}
		r := *msg.RecipientID
		return (msg.SenderID == q.UserID && r == q.PeerID) || (msg.SenderID == q.PeerID && r == q.UserID)
	}
	if msg.RecipientID == nil {
		return !q.ExcludeBroadcasts
	}
	return msg.SenderID == q.UserID || *msg.RecipientID == q.UserID
}
