// Package app wires the msgrlink runtime: config, logging, session storage, the client
// lifecycle and the operational HTTP endpoints.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"msgrlink/client"
	"msgrlink/realtime"
	"msgrlink/session"
)

// LoginFunc logs in and returns a running handle.
type LoginFunc func(ctx context.Context, req client.LoginRequest, opts client.Options) (*client.Handle, error)

// App is the msgrlink runtime: it owns the session store, one client handle and the HTTP server.
type App struct {
	cfg Config
	log Logger

	store  session.Store
	close  func()
	dbPool *pgxpool.Pool

	login LoginFunc

	mu     sync.RWMutex
	handle *client.Handle
}

// New constructs an App from config and logger. It opens the session store but does not log in.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	st, closeFn, pool, err := newStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:    cfg,
		log:    log,
		store:  st,
		close:  closeFn,
		dbPool: pool,
		login:  client.Login,
	}, nil
}

// Run listens on cfg.HTTPAddr and serves until ctx is canceled or either side fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		a.close()
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln and the client side by side. It closes the session store
// on return.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	defer a.close()

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.current)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithSecurityHeaders(WithRequestLogging(mux, a.log)),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	a.log.Info("server.start", "addr", ln.Addr().String(), "db_enabled", a.dbPool != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		a.log.Info("server.stopped")
		return nil
	})
	g.Go(func() error { return a.runClient(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// runClient logs in, then keeps the handle running until ctx ends.
func (a *App) runClient(ctx context.Context) error {
	req, err := a.cfg.LoginRequest()
	if err != nil {
		return err
	}

	opts := a.cfg.ClientOptions(a.log, a.store)
	h, err := a.login(ctx, req, opts)
	if err != nil {
		a.log.Error("client.login.fail", "err", err)
		return err
	}
	h.Metrics().WithRuntime()
	stop := h.Listen(a.logEvent)

	a.mu.Lock()
	a.handle = h
	a.mu.Unlock()
	a.log.Info("client.ready", "user_id", h.UserID())

	<-ctx.Done()
	stop()
	h.Stop()
	if err := h.Wait(); err != nil {
		a.log.Warn("client.stop.fail", "err", err)
	}
	a.log.Info("client.stopped")
	return ctx.Err()
}

func (a *App) logEvent(ev realtime.Event) {
	switch ev.Kind {
	case realtime.EventReconnect:
		a.log.Info("client.event.reconnect", "attempt", ev.Attempt, "delay", ev.Delay, "reason", ev.Reason)
	case realtime.EventSafetyAlert:
		a.log.Warn("client.event.safety_alert", "reason", ev.Reason, "err", ev.Err)
	case realtime.EventError:
		a.log.Warn("client.event.error", "reason", ev.Reason, "err", ev.Err)
	case realtime.EventRefresh:
		if ev.Err != nil {
			a.log.Warn("client.event.refresh", "reason", ev.Reason, "result", "failed", "err", ev.Err)
			return
		}
		a.log.Info("client.event.refresh", "reason", ev.Reason, "result", "ok")
	default:
		a.log.Debug("client.event", "kind", ev.Kind.String(), "thread_id", ev.ThreadID)
	}
}

// current returns the running handle, or nil before login completes.
func (a *App) current() healthSource {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.handle == nil {
		return nil
	}
	return a.handle
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

// newStore picks the session store: Postgres, then Redis, then a file. A nil store means
// sessions are not persisted.
func newStore(ctx context.Context, cfg Config, log Logger) (session.Store, func(), *pgxpool.Pool, error) {
	policy := cfg.backupPolicy()

	switch {
	case cfg.DatabaseURL != "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres: %w", err)
		}
		st := session.NewPostgresStore(pool, cfg.SessionAccount, policy)
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("postgres schema: %w", err)
		}
		log.Info("store.postgres", "account", cfg.SessionAccount)
		return st, pool.Close, pool, nil

	case cfg.RedisURL != "":
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(ropts)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		log.Info("store.redis", "account", cfg.SessionAccount)
		return session.NewRedisStore(rdb, cfg.RedisPrefix, cfg.SessionAccount, policy), func() { _ = rdb.Close() }, nil, nil

	case cfg.SessionPath != "":
		st, err := session.NewFileStore(cfg.SessionPath, cfg.BackupDir, policy)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("file store: %w", err)
		}
		if cfg.SessionPassphrase != "" {
			if st.Sealer, err = session.NewSealer(cfg.SessionPassphrase, session.SealParams{}); err != nil {
				return nil, nil, nil, err
			}
		}
		log.Info("store.file", "path", cfg.SessionPath, "sealed", st.Sealer != nil)
		return st, func() {}, nil, nil

	default:
		log.Warn("store.disabled")
		return nil, func() {}, nil, nil
	}
}
