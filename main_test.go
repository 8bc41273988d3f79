package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pharmatrace/relay/internal/config"
	"pharmatrace/relay/internal/logging"
	"pharmatrace/relay/internal/protocol"
	"pharmatrace/relay/internal/store"
	"pharmatrace/relay/internal/websockettest"
)

func testConfig() *config.Config {
	return &config.Config{
		Address:           ":0",
		WSPath:            "/ws",
		PingInterval:      time.Second,
		MaxClients:        8,
		SendQueue:         16,
		AuthTimeout:       time.Second,
		JWTSecret:         "app-test-secret",
		RateWindow:        time.Minute,
		RateMax:           60,
		RateSweepInterval: time.Minute,
	}
}

func newTestApp(t *testing.T) (*app, *httptest.Server) {
	t.Helper()
	a, err := newApp(context.Background(), testConfig(), logging.NewTestLogger())
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	ts := httptest.NewServer(a.handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.relay.Shutdown(ctx)
		ts.Close()
		a.close()
	})
	return a, ts
}

func TestAppServesHealthEndpoints(t *testing.T) {
	_, ts := newTestApp(t)

	for _, path := range []string{"/livez", "/readyz", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: unexpected status %d", path, resp.StatusCode)
		}
		if resp.Header.Get(logging.TraceIDHeader) == "" {
			t.Fatalf("GET %s: expected trace header", path)
		}
	}
}

func TestAppChatRoundTripIsVisibleInHistory(t *testing.T) {
	a, ts := newTestApp(t)
	mem, ok := a.store.(*store.Memory)
	if !ok {
		t.Fatalf("expected in-memory store without a database url")
	}
	mem.PutUser(store.User{ID: "admin-1", Name: "Ada", Role: protocol.RoleAdmin, IsActive: true})
	mem.PutUser(store.User{ID: "maker-1", Name: "Mo", Role: protocol.RoleManufacturer, IsActive: true})

	adminToken, err := a.verifier.Issue("admin-1", protocol.RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	makerToken, err := a.verifier.Issue("maker-1", protocol.RoleManufacturer, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	wsURL := websockettest.URL(ts.URL, "/ws")
	admin, _, err := websockettest.Dial(wsURL)
	if err != nil {
		t.Fatalf("dial admin: %v", err)
	}
	defer admin.Close()
	maker, _, err := websockettest.Dial(wsURL)
	if err != nil {
		t.Fatalf("dial maker: %v", err)
	}
	defer maker.Close()

	if err := websockettest.Write(admin, protocol.New(protocol.AuthRequest{Token: adminToken})); err != nil {
		t.Fatalf("auth admin: %v", err)
	}
	if _, err := websockettest.ReadUntil(admin, protocol.TagAuth, time.Second); err != nil {
		t.Fatalf("admin auth result: %v", err)
	}
	if err := websockettest.Write(maker, protocol.New(protocol.AuthRequest{Token: makerToken})); err != nil {
		t.Fatalf("auth maker: %v", err)
	}
	if _, err := websockettest.ReadUntil(maker, protocol.TagAuth, time.Second); err != nil {
		t.Fatalf("maker auth result: %v", err)
	}

	if err := websockettest.Write(admin, protocol.New(protocol.Chat{Message: "ship batch 7", RecipientID: "maker-1"})); err != nil {
		t.Fatalf("send chat: %v", err)
	}
	env, err := websockettest.ReadUntil(maker, protocol.TagChatReceived, time.Second)
	if err != nil {
		t.Fatalf("maker should receive chat: %v", err)
	}
	if got := env.Payload.(protocol.ChatReceived); got.Message != "ship batch 7" || got.RecipientID != "maker-1" {
		t.Fatalf("unexpected chat: %+v", got)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/chat/history?peerId=admin-1", nil)
	req.Header.Set("Authorization", "Bearer "+makerToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status %d", resp.StatusCode)
	}
	var body struct {
		Messages []store.ChatMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(body.Messages) != 1 || body.Messages[0].Body != "ship batch 7" {
		t.Fatalf("unexpected history: %+v", body.Messages)
	}
}

func TestNewAppRequiresSecret(t *testing.T) {
	cfg := testConfig()
	cfg.JWTSecret = ""
	if _, err := newApp(context.Background(), cfg, logging.NewTestLogger()); err == nil {
		t.Fatalf("expected an error without a jwt secret")
	}
}
