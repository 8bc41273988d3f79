package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"pharmatrace/relay/internal/auth"
	"pharmatrace/relay/internal/logging"
	"pharmatrace/relay/internal/protocol"
	"pharmatrace/relay/internal/registry"
)

const (
	writeWait = 10 * time.Second
	// maxCloseReason keeps close frames under the 125 byte control frame limit.
	maxCloseReason = 120
)

type outbound struct {
	data  []byte
	close *closeFrame
}

type closeFrame struct {
	code   int
	reason string
}

// Connection is one accepted socket. It owns the underlying *websocket.Conn;
// the writer goroutine is the only code that writes to it.
type Connection struct {
	ID          registry.ConnectionID
	ConnectedAt time.Time

	server *Server
	conn   *websocket.Conn
	send   chan outbound
	done   chan struct{}
	hs     *handshake
	log    *logging.Logger

	closing   atomic.Bool
	closeOnce sync.Once

	identityOnce sync.Once
	userID       string
	role         protocol.Role
}

func newConnection(s *Server, id registry.ConnectionID, ws *websocket.Conn) *Connection {
	c := &Connection{
		ID:          id,
		ConnectedAt: s.now(),
		server:      s,
		conn:        ws,
		send:        make(chan outbound, s.sendQueue),
		done:        make(chan struct{}),
		log: s.logger.With(
			logging.Uint64("connection_id", uint64(id)),
			logging.String("remote_addr", ws.RemoteAddr().String()),
		),
	}
	c.hs = newHandshake(s.authTimeout, c.onAuthTimeout)
	return c
}

// UserID returns the authenticated user, or "" before the handshake completes.
func (c *Connection) UserID() string { return c.userID }

// Role returns the authenticated role, or "" before the handshake completes.
func (c *Connection) Role() protocol.Role { return c.role }

// Send queues env for the writer without blocking. A full queue drops the frame.
func (c *Connection) Send(env protocol.Envelope) bool {
	if c == nil || c.closing.Load() {
		return false
	}
	data, err := protocol.Encode(env)
	if err != nil {
		c.log.Error("encode outbound frame", logging.String("type", env.Type.String()), logging.Error(err))
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- outbound{data: data}:
		return true
	default:
		c.server.metrics.FrameDropped()
		c.log.Warn("send queue full; dropping frame", logging.String("type", env.Type.String()))
		return false
	}
}

// terminate queues a close frame behind anything already queued, so an ERROR
// sent just before it still reaches the peer.
func (c *Connection) terminate(code int, reason string) {
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	select {
	case c.send <- outbound{close: &closeFrame{code: code, reason: reason}}:
	default:
		_ = c.conn.Close()
	}
}

func (c *Connection) rejectHandshake(reason string) {
	c.hs.fail()
	c.server.metrics.AuthFailed(reason)
	c.log.Info("handshake rejected", logging.String("reason", reason))
	c.Send(protocol.ErrorFrame(reason))
	c.terminate(websocket.ClosePolicyViolation, reason)
}

func (c *Connection) onAuthTimeout() {
	c.server.metrics.AuthFailed(protocol.MsgAuthTimeout)
	c.log.Info("handshake timed out")
	c.Send(protocol.ErrorFrame(protocol.MsgAuthTimeout))
	c.terminate(websocket.ClosePolicyViolation, protocol.MsgAuthTimeout)
}

// readLoop processes frames sequentially until the socket fails, which keeps
// one sender's messages in receipt order.
func (c *Connection) readLoop(ctx context.Context) {
	defer c.release()

	s := c.server
	c.conn.SetReadLimit(s.maxPayloadBytes)
	_ = c.conn.SetReadDeadline(s.now().Add(2 * s.pingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(s.now().Add(2 * s.pingInterval))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.ClosePolicyViolation) && !c.closing.Load() {
				c.log.Warn("read error", logging.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(s.now().Add(2 * s.pingInterval))
		if c.closing.Load() {
			continue
		}
		if msgType != websocket.TextMessage {
			c.Send(protocol.ErrorFrame(protocol.MsgInvalidFormat))
			continue
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.server.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case out := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if out.close != nil {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(out.close.code, out.close.reason))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, out.data); err != nil {
				c.log.Debug("write error", logging.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) handleFrame(ctx context.Context, data []byte) {
	if !c.hs.authenticated() {
		c.handleHandshake(ctx, data)
		return
	}

	s := c.server
	if !s.limiter.Allow(c.limiterKey()) {
		s.metrics.RateLimited()
		c.Send(protocol.ErrorFrame(protocol.MsgRateLimited))
		return
	}

	env, err := protocol.Decode(data)
	if err != nil {
		var perr *protocol.ProtocolError
		msg := protocol.MsgInvalidFormat
		if errors.As(err, &perr) {
			msg = perr.Message
		}
		c.Send(protocol.ErrorFrame(msg))
		return
	}

	switch env.Type {
	case protocol.TagPing:
		c.Send(protocol.Pong())
		return
	case protocol.TagPong:
		return
	case protocol.TagAuth:
		c.Send(protocol.ErrorFrame(protocol.MsgAlreadyAuthed))
		return
	}
	s.metrics.FrameIn(env.Type.String())
	s.router.Dispatch(ctx, c.ID, env)
}

func (c *Connection) handleHandshake(ctx context.Context, data []byte) {
	//1.- The first frame disarms the grace timer whatever it contains.
	if !c.hs.begin() {
		return
	}
	env, err := protocol.Decode(data)
	if err != nil || env.Type != protocol.TagAuth {
		c.rejectHandshake(protocol.MsgAuthRequired)
		return
	}
	req, _ := env.Payload.(protocol.AuthRequest)
	token := strings.TrimSpace(req.Token)
	if token == "" {
		c.rejectHandshake(protocol.MsgAuthTokenRequired)
		return
	}

	//2.- Verify the token, then confirm the account still exists and is active.
	s := c.server
	claims, err := s.verifier.Verify(token)
	if err != nil {
		c.rejectHandshake(auth.Reason(err))
		return
	}
	user, err := s.users.FindUser(ctx, claims.UserID)
	switch {
	case err != nil:
		c.log.Error("handshake user lookup failed", logging.String("user_id", claims.UserID), logging.Error(err))
		c.rejectHandshake(protocol.MsgAuthFailed)
		return
	case user == nil:
		c.rejectHandshake(protocol.MsgUserNotFound)
		return
	case !user.IsActive:
		c.rejectHandshake(protocol.MsgUserInactive)
		return
	}

	role := user.Role
	if role == "" {
		role = claims.Role
	}

	//3.- Identity is fixed once, then the connection becomes visible to routing.
	if !c.hs.complete() {
		return
	}
	c.identityOnce.Do(func() {
		c.userID = claims.UserID
		c.role = role
	})
	if _, err := s.registry.Add(c.ID, c.userID, c.role, c); err != nil {
		c.log.Error("register connection", logging.Error(err))
		c.hs.close()
		c.Send(protocol.ErrorFrame(protocol.MsgAuthFailed))
		c.terminate(websocket.ClosePolicyViolation, protocol.MsgAuthFailed)
		return
	}
	c.log.Info("client authenticated", logging.String("user_id", c.userID), logging.String("role", c.role.String()))
	c.Send(protocol.New(protocol.AuthResult{Success: true, Role: c.role}))
}

func (c *Connection) limiterKey() string {
	return "conn:" + strconvID(c.ID)
}

// release runs once when the reader exits: the registry entry and rate bucket
// go first so no router sees a dead connection, then the writer is stopped.
func (c *Connection) release() {
	c.closeOnce.Do(func() {
		c.hs.close()
		c.closing.Store(true)
		s := c.server
		s.registry.Remove(c.ID)
		s.limiter.Remove(c.limiterKey())
		s.forget(c.ID)
		close(c.done)
		c.log.Info("client disconnected", logging.Duration("session", s.now().Sub(c.ConnectedAt)))
	})
}
