// Package relay accepts browser WebSocket connections, runs the AUTH handshake
// and hands authenticated frames to the router.
package relay

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"pharmatrace/relay/internal/auth"
	"pharmatrace/relay/internal/config"
	"pharmatrace/relay/internal/logging"
	"pharmatrace/relay/internal/metrics"
	"pharmatrace/relay/internal/protocol"
	"pharmatrace/relay/internal/ratelimit"
	"pharmatrace/relay/internal/registry"
	"pharmatrace/relay/internal/router"
	"pharmatrace/relay/internal/store"
)

// Options wires the collaborators a Server needs. Registry, Router, Verifier
// and Users are required.
type Options struct {
	Config     *config.Config
	Registry   *registry.Registry
	Router     *router.Router
	Limiter    *ratelimit.Limiter
	Verifier   auth.TokenVerifier
	Users      store.UserFinder
	Metrics    *metrics.Relay
	Logger     *logging.Logger
	TimeSource func() time.Time
	// Upstream receives every emitted business event, typically the bridge client.
	Upstream Forwarder
}

// Forwarder relays an envelope to another relay. Send reports false when the
// frame was dropped.
type Forwarder interface {
	Send(env protocol.Envelope) bool
}

// Server is the browser-facing relay. It implements http.Handler for the
// WebSocket upgrade path.
type Server struct {
	registry *registry.Registry
	router   *router.Router
	limiter  *ratelimit.Limiter
	verifier auth.TokenVerifier
	users    store.UserFinder
	metrics  *metrics.Relay
	logger   *logging.Logger
	now      func() time.Time
	upstream Forwarder

	upgrader        websocket.Upgrader
	allowedOrigins  map[string]struct{}
	maxPayloadBytes int64
	maxClients      int
	sendQueue       int
	pingInterval    time.Duration
	authTimeout     time.Duration

	nextID  uint64
	started time.Time

	mu       sync.Mutex
	conns    map[registry.ConnectionID]*Connection
	pending  int
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer validates opts and constructs a Server.
func NewServer(opts Options) (*Server, error) {
	if opts.Registry == nil || opts.Router == nil || opts.Verifier == nil || opts.Users == nil {
		return nil, errors.New("relay: registry, router, verifier and users are required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.New(0, 0)
	}

	s := &Server{
		registry:        opts.Registry,
		router:          opts.Router,
		limiter:         limiter,
		verifier:        opts.Verifier,
		users:           opts.Users,
		metrics:         opts.Metrics,
		logger:          logger,
		now:             now,
		upstream:        opts.Upstream,
		maxPayloadBytes: orDefault64(cfg.MaxPayloadBytes, config.DefaultMaxPayloadBytes),
		maxClients:      cfg.MaxClients,
		sendQueue:       orDefault(cfg.SendQueue, config.DefaultSendQueue),
		pingInterval:    orDefaultDuration(cfg.PingInterval, config.DefaultPingInterval),
		authTimeout:     orDefaultDuration(cfg.AuthTimeout, config.DefaultAuthTimeout),
		started:         now(),
		conns:           make(map[registry.ConnectionID]*Connection),
	}
	if len(cfg.AllowedOrigins) > 0 {
		s.allowedOrigins = make(map[string]struct{}, len(cfg.AllowedOrigins))
		for _, origin := range cfg.AllowedOrigins {
			s.allowedOrigins[strings.ToLower(origin)] = struct{}{}
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s, nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.allowedOrigins == nil {
		return true
	}
	origin := strings.ToLower(strings.TrimSpace(r.Header.Get("Origin")))
	if origin == "" {
		return true
	}
	_, ok := s.allowedOrigins[origin]
	return ok
}

// ServeHTTP upgrades the request and starts the connection's reader and writer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.reserveSlot() {
		s.logger.Warn("rejecting connection: relay at capacity", logging.String("remote_addr", r.RemoteAddr))
		http.Error(w, "relay at capacity", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.releaseSlot()
		s.logger.Warn("websocket upgrade failed", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
		return
	}

	id := registry.ConnectionID(atomic.AddUint64(&s.nextID, 1))
	c := newConnection(s, id, ws)
	if !s.track(c) {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = ws.Close()
		s.releaseSlot()
		return
	}
	c.log.Debug("client connected")

	//1.- The connection context outlives the HTTP handler; socket close is the cancellation signal.
	ctx := logging.ContextWithLogger(context.Background(), c.log)
	go func() {
		defer s.wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer s.wg.Done()
		c.readLoop(ctx)
	}()
}

// reserveSlot counts the upgrade against MaxClients before it happens.
func (s *Server) reserveSlot() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	if s.maxClients > 0 && len(s.conns)+s.pending >= s.maxClients {
		return false
	}
	s.pending++
	return true
}

func (s *Server) releaseSlot() {
	s.mu.Lock()
	if s.pending > 0 {
		s.pending--
	}
	s.mu.Unlock()
}

func (s *Server) track(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	if s.pending > 0 {
		s.pending--
	}
	s.conns[c.ID] = c
	// Counted under mu so Shutdown never waits before both pumps are added.
	s.wg.Add(2)
	return true
}

func (s *Server) forget(id registry.ConnectionID) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// Emit delivers an in-process business event to the local roles that care
// about it and forwards it upstream. It returns the local delivery count.
func (s *Server) Emit(eventType protocol.Tag, payload protocol.Payload) int {
	if payload == nil || payload.Tag() != eventType {
		s.logger.Warn("emit rejected: payload does not match event type", logging.String("type", eventType.String()))
		return 0
	}
	env := protocol.NewAt(payload, s.now())
	if s.upstream != nil && !s.upstream.Send(env) {
		s.logger.Debug("upstream unavailable; event delivered locally only", logging.String("type", eventType.String()))
	}
	return s.router.Publish(env, Audience(eventType)...)
}

// ForwardFromBridge relays a central relay event to local clients. Recalls,
// fraud alerts and notifications reach admins as NOTIFICATION frames;
// broadcasts reach everyone.
func (s *Server) ForwardFromBridge(env protocol.Envelope) {
	now := s.now()
	var out protocol.Envelope
	switch p := env.Payload.(type) {
	case protocol.Notification:
		if p.Timestamp == "" {
			p.Timestamp = protocol.FormatTimestamp(now)
		}
		out = protocol.NewAt(p, now)
	case protocol.BatchRecalled:
		out = protocol.NewAt(protocol.Notification{
			Title:     "Batch recalled",
			Message:   "Batch " + p.BatchID + " recalled: " + p.Reason,
			Level:     "critical",
			Source:    "recall",
			BatchID:   p.BatchID,
			Timestamp: protocol.FormatTimestamp(now),
		}, now)
	case protocol.FraudAlert:
		out = protocol.NewAt(protocol.Notification{
			Title:     "Fraud alert",
			Message:   p.Description,
			Level:     strings.ToLower(p.Severity),
			Source:    "fraud",
			BatchID:   p.BatchID,
			Timestamp: protocol.FormatTimestamp(now),
		}, now)
	case protocol.Broadcast:
		s.router.Publish(protocol.NewAt(p, now))
		return
	default:
		return
	}
	s.router.Publish(out, protocol.RoleAdmin)
}

// Audience lists the roles an event type is delivered to. An empty result means everyone.
func Audience(tag protocol.Tag) []protocol.Role {
	switch tag {
	case protocol.TagBroadcast:
		return nil
	case protocol.TagNotification, protocol.TagFraudAlert, protocol.TagBatchRecalled, protocol.TagLocation:
		return []protocol.Role{protocol.RoleAdmin}
	case protocol.TagBatchCreated, protocol.TagBatchStatusChanged:
		return protocol.ChatRoles()
	case protocol.TagOrderCreated, protocol.TagOrderStatusChanged, protocol.TagOrderPaymentUpdate:
		return []protocol.Role{protocol.RoleAdmin, protocol.RoleManufacturer, protocol.RoleDistributor, protocol.RolePharmacy}
	default:
		return []protocol.Role{protocol.RoleAdmin}
	}
}

// SnapshotClientCounts reports authenticated and not-yet-authenticated connections.
func (s *Server) SnapshotClientCounts() (clients, pending int) {
	s.mu.Lock()
	total := len(s.conns)
	s.mu.Unlock()
	clients = s.registry.Count()
	pending = total - clients
	if pending < 0 {
		pending = 0
	}
	return clients, pending
}

// Uptime reports how long the server has been running.
func (s *Server) Uptime() time.Duration { return s.now().Sub(s.started) }

// StartupError is always nil; the relay has no deferred startup work.
func (s *Server) StartupError() error { return nil }

// Counts reports authenticated connections by role.
func (s *Server) Counts() map[protocol.Role]int { return s.registry.Counts() }

// Shutdown closes every connection with a going-away frame and waits for
// their goroutines to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.terminate(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range conns {
			_ = c.conn.Close()
		}
		return ctx.Err()
	}
}

func strconvID(id registry.ConnectionID) string {
	return strconv.FormatUint(uint64(id), 10)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefault64(v, def int64) int64 {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
