// Package config loads relay configuration from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// DefaultAddr is the default TCP address the relay listens on.
	DefaultAddr = ":4000"
	// DefaultWSPath is the HTTP path upgraded to WebSocket.
	DefaultWSPath = "/ws"
	// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame size.
	DefaultMaxPayloadBytes int64 = 64 << 10
	// DefaultMaxClients bounds concurrent WebSocket connections. Zero disables the limit.
	DefaultMaxClients = 1024
	// DefaultSendQueue is the per-connection outbound frame buffer.
	DefaultSendQueue = 256
	// DefaultAuthTimeout is the grace period a new connection has to authenticate.
	DefaultAuthTimeout = 10 * time.Second

	// DefaultRateWindow is the fixed window used by the per-connection message budget.
	DefaultRateWindow = time.Minute
	// DefaultRateMax is the number of messages allowed per window.
	DefaultRateMax = 60
	// DefaultRateSweepInterval controls how often idle rate buckets are collected.
	DefaultRateSweepInterval = time.Minute

	// DefaultBridgeServiceType identifies this service to the central relay.
	DefaultBridgeServiceType = "pharma"
	// DefaultBridgeReconnectInterval is the delay between bridge reconnect attempts.
	DefaultBridgeReconnectInterval = 5 * time.Second
	// DefaultBridgeMaxReconnects bounds consecutive bridge reconnect attempts.
	DefaultBridgeMaxReconnects = 10
	// DefaultBridgeChannels lists the central relay channels subscribed on authentication.
	DefaultBridgeChannels = "batches,fraud,notifications"

	// DefaultLogLevel controls verbosity for relay logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "relay.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the relay service.
type Config struct {
	Address         string
	WSPath          string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxClients      int
	SendQueue       int
	TLSCertPath     string
	TLSKeyPath      string

	AuthTimeout time.Duration
	JWTSecret   string
	JWTIssuer   string

	RateWindow        time.Duration
	RateMax           int
	RateSweepInterval time.Duration

	DatabaseURL string
	Redis       RedisConfig
	Bridge      BridgeConfig
	Logging     LoggingConfig
}

// RedisConfig points the presence mirror at a Redis instance. An empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// BridgeConfig describes the connection to the central inter-service relay.
type BridgeConfig struct {
	URL                  string
	ServiceKey           string
	ServiceType          string
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	Jitter               bool
	Channels             []string
}

// Enabled reports whether a central relay URL was configured.
func (b BridgeConfig) Enabled() bool { return b.URL != "" }

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the relay configuration, applying defaults and returning one error that
// lists every invalid override.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()
	v.AutomaticEnv()

	v.SetDefault("RELAY_ADDR", DefaultAddr)
	v.SetDefault("RELAY_WS_PATH", DefaultWSPath)
	v.SetDefault("RELAY_BRIDGE_SERVICE_TYPE", DefaultBridgeServiceType)
	v.SetDefault("RELAY_BRIDGE_CHANNELS", DefaultBridgeChannels)
	v.SetDefault("RELAY_LOG_LEVEL", DefaultLogLevel)
	v.SetDefault("RELAY_LOG_PATH", DefaultLogPath)

	cfg := &Config{
		Address:           str(v, "RELAY_ADDR"),
		WSPath:            str(v, "RELAY_WS_PATH"),
		AllowedOrigins:    parseList(str(v, "RELAY_ALLOWED_ORIGINS")),
		MaxPayloadBytes:   DefaultMaxPayloadBytes,
		PingInterval:      DefaultPingInterval,
		MaxClients:        DefaultMaxClients,
		SendQueue:         DefaultSendQueue,
		TLSCertPath:       str(v, "RELAY_TLS_CERT"),
		TLSKeyPath:        str(v, "RELAY_TLS_KEY"),
		AuthTimeout:       DefaultAuthTimeout,
		JWTSecret:         str(v, "RELAY_JWT_SECRET"),
		JWTIssuer:         str(v, "RELAY_JWT_ISSUER"),
		RateWindow:        DefaultRateWindow,
		RateMax:           DefaultRateMax,
		RateSweepInterval: DefaultRateSweepInterval,
		DatabaseURL:       str(v, "RELAY_DATABASE_URL"),
		Redis: RedisConfig{
			Addr:     str(v, "RELAY_REDIS_ADDR"),
			Password: str(v, "RELAY_REDIS_PASSWORD"),
		},
		Bridge: BridgeConfig{
			URL:                  str(v, "RELAY_BRIDGE_URL"),
			ServiceKey:           str(v, "RELAY_BRIDGE_SERVICE_KEY"),
			ServiceType:          str(v, "RELAY_BRIDGE_SERVICE_TYPE"),
			ReconnectInterval:    DefaultBridgeReconnectInterval,
			MaxReconnectAttempts: DefaultBridgeMaxReconnects,
			Channels:             parseList(str(v, "RELAY_BRIDGE_CHANNELS")),
		},
		Logging: LoggingConfig{
			Level:      str(v, "RELAY_LOG_LEVEL"),
			Path:       str(v, "RELAY_LOG_PATH"),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	p := &problems{v: v}

	p.positiveInt64("RELAY_MAX_PAYLOAD_BYTES", &cfg.MaxPayloadBytes)
	p.positiveDuration("RELAY_PING_INTERVAL", &cfg.PingInterval)
	p.nonNegativeInt("RELAY_MAX_CLIENTS", &cfg.MaxClients)
	p.positiveInt("RELAY_SEND_QUEUE", &cfg.SendQueue)
	p.positiveDuration("RELAY_AUTH_TIMEOUT", &cfg.AuthTimeout)
	p.positiveDuration("RELAY_RATE_WINDOW", &cfg.RateWindow)
	p.positiveInt("RELAY_RATE_MAX", &cfg.RateMax)
	p.positiveDuration("RELAY_RATE_SWEEP_INTERVAL", &cfg.RateSweepInterval)
	p.nonNegativeInt("RELAY_REDIS_DB", &cfg.Redis.DB)
	p.positiveDuration("RELAY_BRIDGE_RECONNECT_INTERVAL", &cfg.Bridge.ReconnectInterval)
	p.nonNegativeInt("RELAY_BRIDGE_MAX_RECONNECTS", &cfg.Bridge.MaxReconnectAttempts)
	p.boolean("RELAY_BRIDGE_JITTER", &cfg.Bridge.Jitter)
	p.positiveInt("RELAY_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB)
	p.nonNegativeInt("RELAY_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups)
	p.nonNegativeInt("RELAY_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays)
	p.boolean("RELAY_LOG_COMPRESS", &cfg.Logging.Compress)

	if cfg.JWTSecret == "" {
		p.add("RELAY_JWT_SECRET must be set")
	}
	if !strings.HasPrefix(cfg.WSPath, "/") {
		p.add(fmt.Sprintf("RELAY_WS_PATH must start with '/', got %q", cfg.WSPath))
	}
	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		p.add("RELAY_TLS_CERT and RELAY_TLS_KEY must be provided together")
	}
	if cfg.Bridge.Enabled() && cfg.Bridge.ServiceKey == "" {
		p.add("RELAY_BRIDGE_SERVICE_KEY must be set when RELAY_BRIDGE_URL is configured")
	}

	if len(p.list) > 0 {
		return nil, errors.New(strings.Join(p.list, "; "))
	}
	return cfg, nil
}

// problems accumulates validation failures so operators see all of them at once.
type problems struct {
	v    *viper.Viper
	list []string
}

func (p *problems) add(msg string) { p.list = append(p.list, msg) }

func (p *problems) raw(key string) string { return str(p.v, key) }

func (p *problems) positiveInt64(key string, dst *int64) {
	raw := p.raw(key)
	if raw == "" {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		p.add(fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return
	}
	*dst = value
}

func (p *problems) positiveInt(key string, dst *int) {
	raw := p.raw(key)
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		p.add(fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return
	}
	*dst = value
}

func (p *problems) nonNegativeInt(key string, dst *int) {
	raw := p.raw(key)
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		p.add(fmt.Sprintf("%s must be a non-negative integer, got %q", key, raw))
		return
	}
	*dst = value
}

func (p *problems) positiveDuration(key string, dst *time.Duration) {
	raw := p.raw(key)
	if raw == "" {
		return
	}
	duration, err := time.ParseDuration(raw)
	if err != nil || duration <= 0 {
		p.add(fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	*dst = duration
}

func (p *problems) boolean(key string, dst *bool) {
	raw := p.raw(key)
	if raw == "" {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		p.add(fmt.Sprintf("%s must be a boolean value, got %q", key, raw))
		return
	}
	*dst = value
}

func str(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	if len(values) == 0 {
		return nil
	}
	return values
}
