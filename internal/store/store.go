// Package store holds the persistence collaborators the relay depends on:
// user lookup, chat history and batch location tracking.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"pharmatrace/relay/internal/protocol"
)

const (
	// DefaultHistoryLimit applies when a history query does not set a limit.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit caps how many messages one history query may return.
	MaxHistoryLimit = 200
)

var (
	// ErrInvalidMessage rejects chat inputs without a sender or body.
	ErrInvalidMessage = errors.New("store: chat message requires sender and body")
	// ErrBatchNotFound is returned when a location update targets an unknown batch.
	ErrBatchNotFound = errors.New("store: batch not found")
)

// User is the subset of the platform account the relay needs.
type User struct {
	ID       string
	Name     string
	Email    string
	Role     protocol.Role
	IsActive bool
}

// ChatMessage is a persisted chat line. A nil RecipientID marks a broadcast.
type ChatMessage struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"senderId"`
	RecipientID *string   `json:"recipientId"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ChatMessageInput is what the router hands over for persistence.
type ChatMessageInput struct {
	SenderID    string
	RecipientID *string
	Body        string
}

// HistoryQuery selects a page of history for UserID. With PeerID set only the
// conversation between the two users is returned, oldest first; without it the
// user's directed messages and all broadcasts are returned, newest first.
// ExcludeBroadcasts drops broadcast-class messages for users outside the chat audience.
type HistoryQuery struct {
	UserID            string
	PeerID            string
	Limit             int
	Offset            int
	ExcludeBroadcasts bool
}

// UserFinder resolves accounts. A missing user yields (nil, nil).
type UserFinder interface {
	FindUser(ctx context.Context, id string) (*User, error)
}

// ChatStore persists and reads chat history.
type ChatStore interface {
	SaveChatMessage(ctx context.Context, in ChatMessageInput) (string, error)
	LoadChatHistory(ctx context.Context, q HistoryQuery) ([]ChatMessage, error)
}

// BatchLocator records the last known warehouse of a batch.
type BatchLocator interface {
	UpdateBatchLocation(ctx context.Context, batchID, warehouseID string) error
}

// Store bundles every collaborator; both Memory and Postgres satisfy it.
type Store interface {
	UserFinder
	ChatStore
	BatchLocator
	Close()
}

// Normalise clamps limit and offset into their accepted ranges.
func (q HistoryQuery) Normalise() HistoryQuery {
	q.UserID = strings.TrimSpace(q.UserID)
	q.PeerID = strings.TrimSpace(q.PeerID)
	if q.Limit <= 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

func validateInput(in ChatMessageInput) error {
	if strings.TrimSpace(in.SenderID) == "" || strings.TrimSpace(in.Body) == "" {
		return ErrInvalidMessage
	}
	return nil
}
