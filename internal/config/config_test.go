package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("RELAY_JWT_SECRET", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("RELAY_ADDR", "")
	t.Setenv("RELAY_ALLOWED_ORIGINS", "")
	t.Setenv("RELAY_MAX_PAYLOAD_BYTES", "")
	t.Setenv("RELAY_PING_INTERVAL", "")
	t.Setenv("RELAY_MAX_CLIENTS", "")
	t.Setenv("RELAY_TLS_CERT", "")
	t.Setenv("RELAY_TLS_KEY", "")
	t.Setenv("RELAY_BRIDGE_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.WSPath != DefaultWSPath {
		t.Fatalf("expected default ws path %q, got %q", DefaultWSPath, cfg.WSPath)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("expected no allowed origins, got %#v", cfg.AllowedOrigins)
	}
	if cfg.MaxPayloadBytes != DefaultMaxPayloadBytes {
		t.Fatalf("expected default max payload %d, got %d", DefaultMaxPayloadBytes, cfg.MaxPayloadBytes)
	}
	if cfg.AuthTimeout != DefaultAuthTimeout {
		t.Fatalf("expected default auth timeout %v, got %v", DefaultAuthTimeout, cfg.AuthTimeout)
	}
	if cfg.RateWindow != DefaultRateWindow || cfg.RateMax != DefaultRateMax {
		t.Fatalf("unexpected rate defaults window=%v max=%d", cfg.RateWindow, cfg.RateMax)
	}
	if cfg.Bridge.Enabled() {
		t.Fatal("bridge should be disabled without a URL")
	}
	if got := strings.Join(cfg.Bridge.Channels, ","); got != DefaultBridgeChannels {
		t.Fatalf("unexpected default channels %q", got)
	}
	if cfg.Logging.Level != DefaultLogLevel || cfg.Logging.Path != DefaultLogPath {
		t.Fatalf("unexpected logging defaults %+v", cfg.Logging)
	}
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("RELAY_ADDR", "127.0.0.1:9000")
	t.Setenv("RELAY_ALLOWED_ORIGINS", "https://example.com, https://demo.local")
	t.Setenv("RELAY_MAX_PAYLOAD_BYTES", "2048")
	t.Setenv("RELAY_PING_INTERVAL", "45s")
	t.Setenv("RELAY_AUTH_TIMEOUT", "3s")
	t.Setenv("RELAY_RATE_WINDOW", "10s")
	t.Setenv("RELAY_RATE_MAX", "5")
	t.Setenv("RELAY_BRIDGE_URL", "ws://central:4100/ws")
	t.Setenv("RELAY_BRIDGE_SERVICE_KEY", "svc-key")
	t.Setenv("RELAY_BRIDGE_MAX_RECONNECTS", "3")
	t.Setenv("RELAY_BRIDGE_JITTER", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://demo.local" {
		t.Fatalf("unexpected allowed origins: %#v", cfg.AllowedOrigins)
	}
	if cfg.MaxPayloadBytes != 2048 {
		t.Fatalf("expected overridden max payload, got %d", cfg.MaxPayloadBytes)
	}
	if cfg.PingInterval != 45*time.Second {
		t.Fatalf("expected ping interval 45s, got %v", cfg.PingInterval)
	}
	if cfg.AuthTimeout != 3*time.Second {
		t.Fatalf("expected auth timeout 3s, got %v", cfg.AuthTimeout)
	}
	if cfg.RateWindow != 10*time.Second || cfg.RateMax != 5 {
		t.Fatalf("unexpected rate overrides window=%v max=%d", cfg.RateWindow, cfg.RateMax)
	}
	if !cfg.Bridge.Enabled() || cfg.Bridge.ServiceKey != "svc-key" {
		t.Fatalf("unexpected bridge config %+v", cfg.Bridge)
	}
	if cfg.Bridge.MaxReconnectAttempts != 3 || !cfg.Bridge.Jitter {
		t.Fatalf("unexpected bridge reconnect config %+v", cfg.Bridge)
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	t.Setenv("RELAY_JWT_SECRET", "")
	t.Setenv("RELAY_MAX_PAYLOAD_BYTES", "-5")
	t.Setenv("RELAY_PING_INTERVAL", "abc")
	t.Setenv("RELAY_MAX_CLIENTS", "-1")
	t.Setenv("RELAY_TLS_CERT", "/tmp/cert.pem")
	t.Setenv("RELAY_TLS_KEY", "")
	t.Setenv("RELAY_BRIDGE_URL", "ws://central/ws")
	t.Setenv("RELAY_BRIDGE_SERVICE_KEY", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{
		"RELAY_JWT_SECRET",
		"RELAY_MAX_PAYLOAD_BYTES",
		"RELAY_PING_INTERVAL",
		"RELAY_MAX_CLIENTS",
		"RELAY_TLS_CERT",
		"RELAY_BRIDGE_SERVICE_KEY",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadIgnoresEmptyAllowedOrigins(t *testing.T) {
	setRequired(t)
	t.Setenv("RELAY_ALLOWED_ORIGINS", " , ,https://ok.example, ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://ok.example" {
		t.Fatalf("expected single cleaned origin, got %#v", cfg.AllowedOrigins)
	}
}

func TestLoadAllowsUnlimitedClients(t *testing.T) {
	setRequired(t)
	t.Setenv("RELAY_MAX_CLIENTS", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.MaxClients != 0 {
		t.Fatalf("expected zero to disable limit, got %d", cfg.MaxClients)
	}
}

func TestLoadRejectsRelativeWSPath(t *testing.T) {
	setRequired(t)
	t.Setenv("RELAY_WS_PATH", "ws")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "RELAY_WS_PATH") {
		t.Fatalf("expected ws path error, got %v", err)
	}
}
