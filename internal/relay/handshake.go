package relay

import (
	"sync"
	"time"
)

type handshakeState int

const (
	stateUnauthenticated handshakeState = iota
	stateAuthenticated
	stateClosed
)

func (s handshakeState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	default:
		return "closed"
	}
}

// handshake gates a connection until its first AUTH frame is verified. The
// grace timer is stopped exactly once, on the first inbound frame, whatever the
// frame turns out to be.
type handshake struct {
	mu       sync.Mutex
	state    handshakeState
	timer    *time.Timer
	stopOnce sync.Once
}

// newHandshake arms the grace timer. onTimeout runs on the timer goroutine only
// if no frame arrived first.
func newHandshake(timeout time.Duration, onTimeout func()) *handshake {
	h := &handshake{}
	if timeout > 0 {
		h.timer = time.AfterFunc(timeout, func() {
			if h.transition(stateUnauthenticated, stateClosed) && onTimeout != nil {
				onTimeout()
			}
		})
	}
	return h
}

// begin stops the grace timer and reports whether the handshake is still
// waiting for credentials. It returns false once the timer has already fired.
func (h *handshake) begin() bool {
	h.cancelTimer()
	return h.current() == stateUnauthenticated
}

func (h *handshake) cancelTimer() {
	h.stopOnce.Do(func() {
		if h.timer != nil {
			h.timer.Stop()
		}
	})
}

// complete moves Unauthenticated to Authenticated.
func (h *handshake) complete() bool {
	return h.transition(stateUnauthenticated, stateAuthenticated)
}

// fail moves Unauthenticated to Closed.
func (h *handshake) fail() bool {
	return h.transition(stateUnauthenticated, stateClosed)
}

// close makes the state terminal from anywhere.
func (h *handshake) close() {
	h.cancelTimer()
	h.mu.Lock()
	h.state = stateClosed
	h.mu.Unlock()
}

func (h *handshake) authenticated() bool {
	return h.current() == stateAuthenticated
}

func (h *handshake) current() handshakeState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *handshake) transition(from, to handshakeState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != from {
		return false
	}
	h.state = to
	return true
}
