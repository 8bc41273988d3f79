// Package router applies role rules to authenticated frames and fans them out
// to the connections the registry currently knows about.
package router

import (
	"context"
	"errors"
	"time"

	"pharmatrace/relay/internal/logging"
	"pharmatrace/relay/internal/metrics"
	"pharmatrace/relay/internal/protocol"
	"pharmatrace/relay/internal/registry"
	"pharmatrace/relay/internal/store"
)

// DefaultPersistTimeout bounds one chat write.
const DefaultPersistTimeout = 5 * time.Second

var (
	// ErrNotRegistered means the originating connection is no longer in the registry.
	ErrNotRegistered = errors.New("router: connection not registered")
	// ErrSenderNotFound means the sender's user record is missing.
	ErrSenderNotFound = errors.New("router: sender not found")
)

// Result describes the outcome of one routed frame.
type Result struct {
	Success   bool
	MessageID string
	Delivered int
	Err       error
}

// Options configures a Router.
type Options struct {
	Registry       *registry.Registry
	Users          store.UserFinder
	Chats          store.ChatStore
	Batches        store.BatchLocator
	Metrics        *metrics.Relay
	Logger         *logging.Logger
	TimeSource     func() time.Time
	PersistTimeout time.Duration
}

// Router dispatches LOCATION and CHAT frames.
type Router struct {
	registry       *registry.Registry
	users          store.UserFinder
	chats          store.ChatStore
	batches        store.BatchLocator
	metrics        *metrics.Relay
	logger         *logging.Logger
	now            func() time.Time
	persistTimeout time.Duration
}

// New constructs a Router using the provided options.
func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	timeout := opts.PersistTimeout
	if timeout <= 0 {
		timeout = DefaultPersistTimeout
	}
	return &Router{
		registry:       opts.Registry,
		users:          opts.Users,
		chats:          opts.Chats,
		batches:        opts.Batches,
		metrics:        opts.Metrics,
		logger:         logger,
		now:            now,
		persistTimeout: timeout,
	}
}

// Dispatch routes a decoded envelope from an authenticated connection.
func (r *Router) Dispatch(ctx context.Context, from registry.ConnectionID, env protocol.Envelope) Result {
	switch payload := env.Payload.(type) {
	case protocol.Location:
		return r.HandleLocation(ctx, from, payload)
	case protocol.Chat:
		return r.HandleChat(ctx, from, payload)
	default:
		err := &protocol.ProtocolError{Message: protocol.MsgUnknownType(env.Type)}
		r.reply(from, err.Message)
		return Result{Err: err}
	}
}

// Publish sends env to every connection in roles, or to everyone when roles is empty.
func (r *Router) Publish(env protocol.Envelope, roles ...protocol.Role) int {
	var targets []registry.Client
	if len(roles) == 0 {
		targets = r.registry.All()
	} else {
		targets = r.registry.ByRoles(roles...)
	}
	return r.deliver(env, targets, 0)
}

// persistContext detaches from the connection so a socket closing mid-write
// does not abort the write.
func (r *Router) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
}

func (r *Router) deliver(env protocol.Envelope, targets []registry.Client, skip registry.ConnectionID) int {
	delivered := 0
	seen := make(map[registry.ConnectionID]struct{}, len(targets))
	for _, c := range targets {
		if c.ID == skip || c.Sender == nil {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		if c.Sender.Send(env) {
			delivered++
			r.metrics.FrameOut(env.Type.String())
		}
	}
	return delivered
}

func (r *Router) reply(to registry.ConnectionID, message string) {
	c, ok := r.registry.Get(to)
	if !ok || c.Sender == nil {
		return
	}
	if c.Sender.Send(protocol.ErrorFrame(message)) {
		r.metrics.FrameOut(protocol.TagError.String())
	}
}

func (r *Router) reject(from registry.ConnectionID, err error) Result {
	var verr *protocol.ValidationError
	if errors.As(err, &verr) {
		r.reply(from, verr.Message)
	}
	return Result{Err: err}
}
