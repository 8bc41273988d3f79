// Package bridge maintains the relay's own WebSocket session with the central
// inter-service relay: it authenticates with a service key, subscribes to
// channels, forwards business events and reconnects when the link drops.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"pharmatrace/relay/internal/config"
	"pharmatrace/relay/internal/logging"
	"pharmatrace/relay/internal/metrics"
	"pharmatrace/relay/internal/protocol"
)

// State is the bridge session state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// Wildcard registers a handler for every inbound message type.
const Wildcard protocol.Tag = "*"

const (
	serviceClientType = "service"
	writeWait         = 10 * time.Second
)

var (
	// ErrNoURL is returned by Connect when no central relay URL is configured.
	ErrNoURL = errors.New("bridge: central relay url not configured")
	// ErrDisconnected is returned by Connect after Disconnect was called.
	ErrDisconnected = errors.New("bridge: client disconnected")
)

// Handler consumes one inbound envelope.
type Handler func(env protocol.Envelope)

// Options configures a Client.
type Options struct {
	Config  config.BridgeConfig
	Dialer  *websocket.Dialer
	Logger  *logging.Logger
	Metrics *metrics.Relay
	// BackOff overrides the reconnect interval policy derived from Config.
	BackOff    backoff.BackOff
	TimeSource func() time.Time
}

// Client is the bridge session. All methods are safe for concurrent use.
type Client struct {
	cfg     config.BridgeConfig
	dialer  *websocket.Dialer
	log     *logging.Logger
	metrics *metrics.Relay
	now     func() time.Time

	mu         sync.Mutex
	ctx        context.Context
	conn       *websocket.Conn
	generation uint64
	state      State
	attempts   int
	exhausted  bool
	stopped    bool
	timer      *time.Timer
	backoff    backoff.BackOff
	channels   []string

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[protocol.Tag][]Handler
}

// New constructs a Client. It does not dial until Connect is called.
func New(opts Options) *Client {
	cfg := opts.Config
	if cfg.ServiceType == "" {
		cfg.ServiceType = config.DefaultBridgeServiceType
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = config.DefaultBridgeReconnectInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = config.DefaultBridgeMaxReconnects
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	policy := opts.BackOff
	if policy == nil {
		policy = newPolicy(cfg)
	}
	c := &Client{
		cfg:      cfg,
		dialer:   dialer,
		log:      logger.With(logging.String("component", "bridge"), logging.String("url", cfg.URL)),
		metrics:  opts.Metrics,
		now:      now,
		ctx:      context.Background(),
		backoff:  policy,
		handlers: make(map[protocol.Tag][]Handler),
	}
	c.rememberChannels(cfg.Channels)
	return c
}

// newPolicy returns a constant interval, or a jittered exponential one that
// starts at the same interval and never gives up on its own; the attempt cap
// is enforced by the client.
func newPolicy(cfg config.BridgeConfig) backoff.BackOff {
	if !cfg.Jitter {
		return backoff.NewConstantBackOff(cfg.ReconnectInterval)
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.ReconnectInterval
	exp.MaxInterval = 12 * cfg.ReconnectInterval
	exp.MaxElapsedTime = 0
	exp.Reset()
	return exp
}

// Connect dials the central relay and sends the service AUTH frame. A failed
// dial schedules a reconnect and returns the error.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.URL == "" {
		return ErrNoURL
	}
	c.mu.Lock()
	if ctx != nil {
		c.ctx = ctx
	}
	c.stopped = false
	if c.exhausted {
		//1.- An explicit connect after giving up starts a fresh retry budget.
		c.exhausted = false
		c.attempts = 0
		c.backoff.Reset()
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	dialCtx := c.ctx
	c.mu.Unlock()

	return c.dial(dialCtx)
}

func (c *Client) dial(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)

	c.mu.Lock()
	if err != nil {
		c.setStateLocked(StateDisconnected)
		c.log.Warn("bridge dial failed", logging.Int("attempt", c.attempts), logging.Error(err))
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return fmt.Errorf("bridge: dial: %w", err)
	}
	if c.stopped {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		_ = conn.Close()
		return ErrDisconnected
	}
	c.generation++
	gen := c.generation
	c.conn = conn
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.log.Info("bridge connected")
	//1.- Authenticate before anything else is written.
	if !c.write(conn, protocol.New(protocol.ServiceAuth{
		ServiceKey:  c.cfg.ServiceKey,
		ClientType:  serviceClientType,
		ServiceType: c.cfg.ServiceType,
	})) {
		c.log.Warn("bridge auth frame not sent")
	}
	go c.readLoop(conn, gen)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("bridge received undecodable frame", logging.Error(err))
			continue
		}
		c.handleMessage(env)
	}
}

func (c *Client) handleMessage(env protocol.Envelope) {
	switch env.Type {
	case protocol.TagAuthSuccess:
		c.mu.Lock()
		c.setStateLocked(StateAuthenticated)
		c.attempts = 0
		c.backoff.Reset()
		channels := append([]string(nil), c.channels...)
		c.mu.Unlock()
		c.log.Info("bridge authenticated")
		if len(channels) > 0 {
			c.Send(protocol.New(protocol.Subscribe{Channels: channels}))
		}
	case protocol.TagAuthError:
		status, _ := env.Payload.(protocol.AuthStatus)
		c.log.Error("bridge authentication rejected", logging.String("message", status.Message))
	}
	c.dispatch(env)
}

func (c *Client) handleClose(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation || c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.setStateLocked(StateDisconnected)
	if c.stopped {
		return
	}
	c.log.Warn("bridge connection lost", logging.Error(err))
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the stored timer unless the attempt budget is spent.
func (c *Client) scheduleReconnectLocked() {
	if c.stopped || c.timer != nil {
		return
	}
	if c.ctx.Err() != nil {
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		if !c.exhausted {
			c.exhausted = true
			c.log.Error("bridge reconnect attempts exhausted; giving up", logging.Int("attempts", c.attempts))
		}
		return
	}
	delay := c.backoff.NextBackOff()
	if delay == backoff.Stop {
		c.exhausted = true
		c.log.Error("bridge reconnect policy stopped; giving up", logging.Int("attempts", c.attempts))
		return
	}
	c.attempts++
	c.metrics.BridgeReconnectScheduled()
	c.log.Info("bridge reconnect scheduled", logging.Int("attempt", c.attempts), logging.Duration("delay", delay))
	c.timer = time.AfterFunc(delay, c.reconnect)
}

func (c *Client) reconnect() {
	c.mu.Lock()
	c.timer = nil
	if c.stopped || c.state != StateDisconnected || c.ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateConnecting)
	ctx := c.ctx
	c.mu.Unlock()
	_ = c.dial(ctx)
}

// Send writes env to the central relay. It returns false, dropping the frame,
// when the bridge is not connected.
func (c *Client) Send(env protocol.Envelope) bool {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected || c.state == StateAuthenticated
	c.mu.Unlock()
	if conn == nil || !connected {
		c.log.Debug("bridge not connected; dropping frame", logging.String("type", env.Type.String()))
		return false
	}
	return c.write(conn, env)
}

func (c *Client) write(conn *websocket.Conn, env protocol.Envelope) bool {
	data, err := protocol.Encode(env)
	if err != nil {
		c.log.Error("bridge encode failed", logging.String("type", env.Type.String()), logging.Error(err))
		return false
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Warn("bridge write failed", logging.String("type", env.Type.String()), logging.Error(err))
		return false
	}
	return true
}

// Subscribe remembers channels for every future session and requests them now
// when authenticated. It reports whether a SUBSCRIBE frame was sent.
func (c *Client) Subscribe(channels ...string) bool {
	c.mu.Lock()
	c.rememberChannelsLocked(channels)
	authed := c.state == StateAuthenticated
	c.mu.Unlock()
	if !authed || len(channels) == 0 {
		return false
	}
	return c.Send(protocol.New(protocol.Subscribe{Channels: channels}))
}

func (c *Client) rememberChannels(channels []string) {
	c.mu.Lock()
	c.rememberChannelsLocked(channels)
	c.mu.Unlock()
}

func (c *Client) rememberChannelsLocked(channels []string) {
	for _, ch := range channels {
		if ch == "" {
			continue
		}
		known := false
		for _, existing := range c.channels {
			if existing == ch {
				known = true
				break
			}
		}
		if !known {
			c.channels = append(c.channels, ch)
		}
	}
}

// On registers h for messages of type tag, or for all messages with Wildcard.
// Handlers run in registration order on the read goroutine.
func (c *Client) On(tag protocol.Tag, h Handler) {
	if h == nil {
		return
	}
	c.handlersMu.Lock()
	c.handlers[tag] = append(c.handlers[tag], h)
	c.handlersMu.Unlock()
}

func (c *Client) dispatch(env protocol.Envelope) {
	c.handlersMu.RLock()
	specific := append([]Handler(nil), c.handlers[env.Type]...)
	wildcard := append([]Handler(nil), c.handlers[Wildcard]...)
	c.handlersMu.RUnlock()

	for _, h := range append(specific, wildcard...) {
		c.invoke(h, env)
	}
}

func (c *Client) invoke(h Handler, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("bridge handler panicked", logging.String("type", env.Type.String()), logging.String("panic", fmt.Sprint(r)))
		}
	}()
	h(env)
}

// Disconnect stops reconnecting and closes the socket. It is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.attempts = 0
	c.exhausted = false
	c.backoff.Reset()
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "relay shutting down"), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
		c.log.Info("bridge disconnected")
	}
}

// Run connects and keeps the session alive until ctx is cancelled. An initial
// dial failure is not fatal; the reconnect policy takes over.
func (c *Client) Run(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil && !errors.Is(err, ErrNoURL) {
		c.log.Warn("bridge initial connect failed", logging.Error(err))
	}
	<-ctx.Done()
	c.Disconnect()
	return nil
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.metrics.BridgeState(int(s))
}

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether a socket is open, authenticated or not.
func (c *Client) Connected() bool {
	s := c.State()
	return s == StateConnected || s == StateAuthenticated
}

// Authenticated reports whether the central relay accepted the service key.
func (c *Client) Authenticated() bool { return c.State() == StateAuthenticated }

// ReconnectAttempts returns the number of reconnects scheduled since the last
// successful authentication.
func (c *Client) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Exhausted reports whether the client gave up reconnecting.
func (c *Client) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}
