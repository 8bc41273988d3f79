package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"pharmatrace/relay/internal/auth"
	"pharmatrace/relay/internal/bridge"
	"pharmatrace/relay/internal/config"
	httpapi "pharmatrace/relay/internal/http"
	"pharmatrace/relay/internal/logging"
	"pharmatrace/relay/internal/metrics"
	"pharmatrace/relay/internal/presence"
	"pharmatrace/relay/internal/protocol"
	"pharmatrace/relay/internal/ratelimit"
	"pharmatrace/relay/internal/registry"
	"pharmatrace/relay/internal/relay"
	"pharmatrace/relay/internal/router"
	"pharmatrace/relay/internal/store"
)

const (
	tokenLeeway     = 2 * time.Second
	shutdownTimeout = 10 * time.Second
)

// app owns every long-lived component of the relay process.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    store.Store
	redis    *redis.Client
	presence *presence.Mirror
	metrics  *metrics.Relay
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	router   *router.Router
	bridge   *bridge.Client
	relay    *relay.Server
	verifier *auth.JWTVerifier
}

// newApp wires the relay from cfg. Optional collaborators (Postgres, Redis,
// the bridge) are only created when configured.
func newApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	//1.- Persistence: Postgres when a DSN is set, otherwise the in-memory store.
	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		a.store = pg
		logger.Info("using postgres store")
	} else {
		a.store = store.NewMemory()
		logger.Warn("RELAY_DATABASE_URL not set; chat history is kept in memory")
	}

	//2.- Registry observers: metrics always, presence when Redis is configured.
	observers := []registry.Option{registry.WithObserver(a.metrics)}
	if cfg.Redis.Addr != "" {
		rdb, err := presence.Connect(ctx, cfg.Redis)
		if err != nil {
			a.close()
			return nil, err
		}
		a.redis = rdb
		a.presence = presence.NewMirror(presence.RedisBackend(rdb), presence.WithLogger(logger.With(logging.String("component", "presence"))))
		observers = append(observers, registry.WithObserver(a.presence))
	}
	a.registry = registry.New(observers...)

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer, tokenLeeway)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("configure token verifier: %w", err)
	}
	a.verifier = verifier
	a.limiter = ratelimit.New(cfg.RateWindow, cfg.RateMax)
	a.router = router.New(router.Options{
		Registry: a.registry,
		Users:    a.store,
		Chats:    a.store,
		Batches:  a.store,
		Metrics:  a.metrics,
		Logger:   logger.With(logging.String("component", "router")),
	})

	//3.- The bridge is built first so the relay can forward emitted events through it.
	var upstream relay.Forwarder
	if cfg.Bridge.Enabled() {
		a.bridge = bridge.New(bridge.Options{Config: cfg.Bridge, Logger: logger, Metrics: a.metrics})
		upstream = a.bridge
	}
	srv, err := relay.NewServer(relay.Options{
		Config:   cfg,
		Registry: a.registry,
		Router:   a.router,
		Limiter:  a.limiter,
		Verifier: verifier,
		Users:    a.store,
		Metrics:  a.metrics,
		Logger:   logger.With(logging.String("component", "relay")),
		Upstream: upstream,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.relay = srv
	if a.bridge != nil {
		for _, tag := range []protocol.Tag{protocol.TagNotification, protocol.TagBatchRecalled, protocol.TagFraudAlert, protocol.TagBroadcast} {
			a.bridge.On(tag, a.relay.ForwardFromBridge)
		}
	}
	return a, nil
}

// handler mounts the WebSocket endpoint and the operational handlers.
func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.WSPath, a.relay)
	opts := httpapi.Options{
		Logger:      a.logger,
		Readiness:   a.relay,
		Roles:       a.relay,
		Metrics:     a.metrics.Handler(),
		Verifier:    a.verifier,
		Users:       a.store,
		History:     a.store,
		RateLimiter: a.limiter,
	}
	if a.bridge != nil {
		opts.Bridge = func() string { return a.bridge.State().String() }
	}
	httpapi.NewHandlerSet(opts).Register(mux)
	return logging.HTTPTraceMiddleware(a.logger)(mux)
}

// run serves until ctx is cancelled, then shuts every component down.
func (a *app) run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              a.cfg.Address,
		Handler:           a.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	tlsEnabled := a.cfg.TLSCertPath != "" && a.cfg.TLSKeyPath != ""

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("relay listening",
			logging.String("url", listenerURL(a.cfg.Address, tlsEnabled)),
			logging.String("websocket", websocketURL(a.cfg.Address, a.cfg.WSPath, tlsEnabled)),
		)
		var err error
		if tlsEnabled {
			err = httpServer.ListenAndServeTLS(a.cfg.TLSCertPath, a.cfg.TLSKeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.limiter.Run(gctx, a.cfg.RateSweepInterval)
		return nil
	})
	if a.presence != nil {
		g.Go(func() error {
			a.presence.Run(gctx, a.registry)
			return nil
		})
	}
	if a.bridge != nil {
		g.Go(func() error { return a.bridge.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.relay.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("relay shutdown incomplete", logging.Error(err))
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.close()
	return err
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis", logging.Error(err))
		}
	}
}
