package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"pharmatrace/relay/internal/protocol"
	"pharmatrace/relay/internal/registry"
)

func TestConnectionGaugeFollowsRegistry(t *testing.T) {
	m := New()
	reg := registry.New(registry.WithObserver(m))
	reg.Add(1, "a", protocol.RoleAdmin, nil)
	reg.Add(2, "b", protocol.RoleAdmin, nil)
	reg.Add(3, "c", protocol.RoleConsumer, nil)
	reg.Remove(2)

	if got := testutil.ToFloat64(m.connections.WithLabelValues("ADMIN")); got != 1 {
		t.Fatalf("admin gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.connections.WithLabelValues("CONSUMER")); got != 1 {
		t.Fatalf("consumer gauge = %v, want 1", got)
	}
}

func TestPersistFailuresCounted(t *testing.T) {
	m := New()
	m.ObservePersist(time.Millisecond, nil)
	m.ObservePersist(time.Millisecond, errors.New("db down"))
	if got := testutil.ToFloat64(m.persistFailures); got != 1 {
		t.Fatalf("persist failures = %v, want 1", got)
	}
}

func TestHandlerExposesRelayMetrics(t *testing.T) {
	m := New()
	m.FrameIn("CHAT")
	m.RateLimited()
	m.BridgeState(3)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`relay_frames_received_total{type="CHAT"} 1`,
		"relay_rate_limited_total 1",
		"relay_bridge_state 3",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilRelayIsSafe(t *testing.T) {
	var m *Relay
	m.FrameIn("CHAT")
	m.ClientAdded(registry.Client{Role: protocol.RoleAdmin}, 1)
	m.ObservePersist(time.Second, errors.New("x"))
	m.BridgeState(1)
}
