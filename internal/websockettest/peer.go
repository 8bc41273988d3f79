package websockettest

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pharmatrace/relay/internal/protocol"
)

// PeerConn is one accepted connection on a Peer.
type PeerConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Send writes env to the connected client.
func (c *PeerConn) Send(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return Write(c.conn, env)
}

// Close drops the connection without a close handshake.
func (c *PeerConn) Close() error { return c.conn.Close() }

// Script decides how a Peer answers each inbound frame.
type Script func(conn *PeerConn, env protocol.Envelope)

// Peer is a scripted WebSocket server standing in for a remote relay.
type Peer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	script   Script

	mu      sync.Mutex
	conns   []*PeerConn
	frames  []protocol.Envelope
	accepts int
}

// NewPeer starts a Peer that runs script for every decoded frame.
func NewPeer(script Script) *Peer {
	p := &Peer{script: script}
	p.upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	p.server = httptest.NewServer(http.HandlerFunc(p.serve))
	return p
}

// AcceptAuth answers every AUTH frame with AUTH_SUCCESS.
func AcceptAuth(conn *PeerConn, env protocol.Envelope) {
	if env.Type == protocol.TagAuth {
		_ = conn.Send(protocol.Envelope{Type: protocol.TagAuthSuccess, Payload: protocol.AuthStatus{ServiceType: "test", Accepted: true}})
	}
}

func (p *Peer) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &PeerConn{conn: ws}
	p.mu.Lock()
	p.conns = append(p.conns, conn)
	p.accepts++
	p.mu.Unlock()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		p.mu.Lock()
		p.frames = append(p.frames, env)
		p.mu.Unlock()
		if p.script != nil {
			p.script(conn, env)
		}
	}
}

// URL returns the ws:// address of the peer.
func (p *Peer) URL() string { return URL(p.server.URL, "") }

// Accepts returns how many connections were upgraded.
func (p *Peer) Accepts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.accepts
}

// Frames returns every frame received so far, in order.
func (p *Peer) Frames() []protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Envelope(nil), p.frames...)
}

// FramesOf returns received frames of type tag.
func (p *Peer) FramesOf(tag protocol.Tag) []protocol.Envelope {
	var out []protocol.Envelope
	for _, env := range p.Frames() {
		if env.Type == tag {
			out = append(out, env)
		}
	}
	return out
}

// Latest returns the most recently accepted connection, or nil.
func (p *Peer) Latest() *PeerConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil
	}
	return p.conns[len(p.conns)-1]
}

// DropAll closes every accepted connection abruptly.
func (p *Peer) DropAll() {
	p.mu.Lock()
	conns := append([]*PeerConn(nil), p.conns...)
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Close drops every connection and stops the server.
func (p *Peer) Close() {
	p.DropAll()
	p.server.CloseClientConnections()
	p.server.Close()
}

// Eventually polls cond until it holds or timeout elapses.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
