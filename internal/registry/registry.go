// Package registry tracks the authenticated connections currently online.
package registry

import (
	"errors"
	"sync"
	"time"

	"pharmatrace/relay/internal/protocol"
)

// ConnectionID identifies one accepted socket for its whole lifetime.
type ConnectionID uint64

// ErrDuplicateConnection is returned when an ID is registered twice.
var ErrDuplicateConnection = errors.New("registry: connection already registered")

// Sender queues a frame for delivery without blocking. It reports false when
// the frame could not be queued.
type Sender interface {
	Send(env protocol.Envelope) bool
}

// Client is a snapshot of one registry entry.
type Client struct {
	ID          ConnectionID
	UserID      string
	Role        protocol.Role
	Sender      Sender
	ConnectedAt time.Time
}

// Observer is notified after membership changes. Callbacks run outside the
// registry lock and receive the number of sessions the user still has.
type Observer interface {
	ClientAdded(c Client, userSessions int)
	ClientRemoved(c Client, userSessions int)
}

type set map[ConnectionID]struct{}

// Registry is the single authority on who is online. It never closes sockets;
// the connection owner removes itself when its socket ends.
type Registry struct {
	mu     sync.RWMutex
	byID   map[ConnectionID]*Client
	byUser map[string]set
	byRole map[protocol.Role]set

	observers []Observer
	now       func() time.Time
}

// Option customises a Registry.
type Option func(*Registry)

// WithObserver registers an observer for add/remove notifications.
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithClock overrides the time source used for ConnectedAt.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// New constructs an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		byID:   make(map[ConnectionID]*Client),
		byUser: make(map[string]set),
		byRole: make(map[protocol.Role]set),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Add registers an authenticated connection.
func (r *Registry) Add(id ConnectionID, userID string, role protocol.Role, sender Sender) (Client, error) {
	if r == nil {
		return Client{}, errors.New("registry: nil registry")
	}
	r.mu.Lock()
	if _, exists := r.byID[id]; exists {
		r.mu.Unlock()
		return Client{}, ErrDuplicateConnection
	}
	c := &Client{ID: id, UserID: userID, Role: role, Sender: sender, ConnectedAt: r.now()}
	r.byID[id] = c
	addTo(r.byUser, userID, id)
	addTo(r.byRole, role, id)
	sessions := len(r.byUser[userID])
	r.mu.Unlock()

	for _, o := range r.observers {
		o.ClientAdded(*c, sessions)
	}
	return *c, nil
}

// Remove forgets a connection. It reports whether an entry existed; removing an
// unknown or already removed connection is a no-op.
func (r *Registry) Remove(id ConnectionID) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	c, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byID, id)
	removeFrom(r.byUser, c.UserID, id)
	removeFrom(r.byRole, c.Role, id)
	sessions := len(r.byUser[c.UserID])
	r.mu.Unlock()

	for _, o := range r.observers {
		o.ClientRemoved(*c, sessions)
	}
	return true
}

// Get returns the entry for a connection.
func (r *Registry) Get(id ConnectionID) (Client, bool) {
	if r == nil {
		return Client{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return Client{}, false
	}
	return *c, true
}

// GetByUser returns one session of userID. Callers that need every session use ByUser.
func (r *Registry) GetByUser(userID string) (Client, bool) {
	if r == nil {
		return Client{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id := range r.byUser[userID] {
		return *r.byID[id], true
	}
	return Client{}, false
}

// ByUser returns every live session of userID.
func (r *Registry) ByUser(userID string) []Client {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byUser[userID])
}

// ByRole returns every connection authenticated under role using the role index.
func (r *Registry) ByRole(role protocol.Role) []Client {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byRole[role])
}

// ByRoles returns the union of several role sets.
func (r *Registry) ByRoles(roles ...protocol.Role) []Client {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Client
	for _, role := range roles {
		out = append(out, r.collect(r.byRole[role])...)
	}
	return out
}

// All returns every registered connection.
func (r *Registry) All() []Client {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Client, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, *c)
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// CountByRole returns the size of one role set.
func (r *Registry) CountByRole(role protocol.Role) int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRole[role])
}

// Counts returns the size of every non-empty role set.
func (r *Registry) Counts() map[protocol.Role]int {
	out := make(map[protocol.Role]int)
	if r == nil {
		return out
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for role, ids := range r.byRole {
		out[role] = len(ids)
	}
	return out
}

func (r *Registry) collect(ids set) []Client {
	out := make([]Client, 0, len(ids))
	for id := range ids {
		out = append(out, *r.byID[id])
	}
	return out
}

func addTo[K comparable](index map[K]set, key K, id ConnectionID) {
	members := index[key]
	if members == nil {
		members = make(set)
		index[key] = members
	}
	members[id] = struct{}{}
}

func removeFrom[K comparable](index map[K]set, key K, id ConnectionID) {
	members := index[key]
	if members == nil {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(index, key)
	}
}
