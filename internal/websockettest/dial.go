// Package websockettest holds WebSocket helpers shared by the relay and bridge tests.
package websockettest

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"pharmatrace/relay/internal/protocol"
)

// DefaultTimeout bounds every helper read.
const DefaultTimeout = 2 * time.Second

// URL converts an httptest server URL into its ws:// equivalent.
func URL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

// Dial opens a WebSocket connection with the default dialer.
func Dial(urlStr string) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.Dial(urlStr, nil)
}

// DialIgnoringPongs establishes a WebSocket connection and disables the
// automatic pong responses so that tests can simulate an unresponsive peer.
func DialIgnoringPongs(urlStr string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(urlStr, header)
	if err != nil {
		return nil, resp, err
	}
	conn.SetPingHandler(func(string) error { return nil })
	conn.SetPongHandler(func(string) error { return nil })
	return conn, resp, nil
}

// Write encodes env and sends it as a text frame.
func Write(conn *websocket.Conn, env protocol.Envelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return WriteRaw(conn, data)
}

// WriteRaw sends data as a text frame.
func WriteRaw(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(DefaultTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Read waits up to timeout for the next frame and decodes it.
func Read(conn *websocket.Conn, timeout time.Duration) (protocol.Envelope, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(data)
}

// ReadUntil discards frames until one of type tag arrives.
func ReadUntil(conn *websocket.Conn, tag protocol.Tag, timeout time.Duration) (protocol.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		env, err := Read(conn, remaining)
		if err != nil {
			return protocol.Envelope{}, err
		}
		if env.Type == tag {
			return env, nil
		}
	}
}

// CloseCode returns the close code carried by err, or -1 when err is not a close frame.
func CloseCode(err error) int {
	if ce, ok := err.(*websocket.CloseError); ok {
		return ce.Code
	}
	return -1
}
