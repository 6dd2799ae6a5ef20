// Package app wires the Craft auth server runtime: config, logging, HTTP
// routes, and the realtime gateway.
//
// It is intentionally small and deterministic to keep CI gates strict and behavior predictable.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"craft/cmd/identity"
	authapi "craft/cmd/internal/auth/api"
	"craft/cmd/internal/auth/guard"
	"craft/cmd/internal/auth/refresh"
	"craft/cmd/internal/auth/token"
	"craft/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// App is the server runtime: it owns the store backends, the HTTP server
// wiring, and the realtime gateway dependencies.
type App struct {
	cfg Config
	log Logger

	backend string
	pool    *pgxpool.Pool
	rdb     *redis.Client

	users    *identity.Service
	sessions *refresh.Service
	registry *realtime.Registry
	ws       *realtime.WSGateway
	auth     *authapi.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	tokCfg, err := token.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	codec, err := token.NewCodec(tokCfg)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, backend: cfg.Backend()}

	refreshStore, idStore, err := a.openStores(context.Background())
	if err != nil {
		return nil, err
	}

	a.users = identity.NewService(log, idStore)
	a.sessions = refresh.NewService(log, codec, refreshStore)
	a.registry = realtime.NewRegistry(log)
	a.ws = realtime.NewWSGateway(log, &realtime.CodecAuthenticator{Codec: codec}, a.registry)

	authHandler, err := authapi.NewHandler(log, authapi.LoadConfigFromEnv(),
		a.users, a.sessions, guard.New(log, codec, nil),
		authapi.WithRegistry(a.registry))
	if err != nil {
		a.closeStores()
		return nil, err
	}
	a.auth = authHandler

	return a, nil
}

// openStores builds the refresh and identity stores for the configured
// backend. Identity profiles live in Postgres when a database is
// configured, in memory otherwise; Redis only serves refresh records.
func (a *App) openStores(ctx context.Context) (refresh.Store, identity.Store, error) {
	var refreshStore refresh.Store
	var idStore identity.Store

	switch a.backend {
	case "postgres":
		pool, err := NewDBPool(ctx, a.cfg)
		if err != nil {
			return nil, nil, err
		}
		a.pool = pool

		refreshStore, err = refresh.NewPostgresStore(pool)
		if err != nil {
			a.closeStores()
			return nil, nil, err
		}
		idStore, err = identity.NewPostgresStore(pool)
		if err != nil {
			a.closeStores()
			return nil, nil, err
		}
		a.log.Info("store.postgres", "max_conns", a.cfg.DBMaxConns)

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			return nil, nil, err
		}
		a.rdb = rdb

		refreshStore, err = refresh.NewRedisStore(rdb)
		if err != nil {
			a.closeStores()
			return nil, nil, err
		}
		idStore = identity.NewMemoryStore()
		a.log.Info("store.redis", "addr", a.cfg.RedisAddr, "db", a.cfg.RedisDB)

	default:
		refreshStore = refresh.NewMemoryStore()
		idStore = identity.NewMemoryStore()
		a.log.Info("store.memory")
	}

	return refreshStore, idStore, nil
}

func (a *App) closeStores() {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
		a.rdb = nil
	}
}

// readiness returns the backend probe for /readyz, or nil for the
// in-memory backend.
func (a *App) readiness() func(timeout time.Duration) error {
	switch a.backend {
	case "postgres":
		pool := a.pool
		return func(timeout time.Duration) error {
			return PingDB(context.Background(), pool, timeout)
		}
	case "redis":
		rdb := a.rdb
		return func(timeout time.Duration) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			return rdb.Ping(ctx).Err()
		}
	default:
		return nil
	}
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.readiness(), a.ws, a.auth)

	handler := WithRequestLogging(WithSecurityHeaders(WithCORS(mux, a.cfg, a.log)), a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"url", runtimeBaseURL(a.cfg.HTTPAddr),
		"ws", wsBaseURL(runtimeBaseURL(a.cfg.HTTPAddr))+"/ws",
		"backend", a.backend,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.closeStores()

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
