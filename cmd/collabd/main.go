package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/yourhiddentrip/tripcollab/config"
	"github.com/yourhiddentrip/tripcollab/internal/memstore"
	"github.com/yourhiddentrip/tripcollab/internal/postgres"
	"github.com/yourhiddentrip/tripcollab/internal/redisbus"
	"github.com/yourhiddentrip/tripcollab/internal/security"
	"github.com/yourhiddentrip/tripcollab/internal/service"
	httpx "github.com/yourhiddentrip/tripcollab/internal/transport/http"
	"github.com/yourhiddentrip/tripcollab/internal/transport/ws"
	"github.com/yourhiddentrip/tripcollab/pkg/logger"
)

func main() {
	// --- config ---
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	logger.Init(logger.Config{
		Env:       logger.Env(cfg.Logging.Env),
		Service:   cfg.Logging.Service,
		Version:   cfg.Logging.Version,
		Backend:   logger.Backend(cfg.Logging.Backend),
		Level:     level,
		AddSource: cfg.Logging.AddSource,
		Debug:     cfg.Logging.Debug,
	})
	defer logger.Sync()
	slog.Info("starting collabd",
		"env", cfg.Logging.Env, "version", cfg.Logging.Version, "storage", cfg.Storage.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- storage ---
	var store service.Store
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.ConnLifetime(),
			ApplicationName: cfg.Logging.Service,
		})
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		store = postgres.NewStore(pool)
	default:
		store = memstore.New()
	}

	// --- fan-out ---
	hub := ws.NewHub()
	var pub service.Publisher = hub
	if cfg.Redis.Addr != "" {
		rdb, err := redisbus.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer rdb.Close()
		bus := redisbus.New(rdb, hub, slog.Default())
		go func() {
			if err := bus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("redis relay stopped", "err", err)
				stop()
			}
		}()
		<-bus.Ready()
		pub = bus
	}

	// --- services ---
	signer := security.NewSigner(cfg.Auth.Secret, cfg.Auth.TTL(), nil)
	sessions := service.NewSessionService(store, pub, signer, service.Options{
		MaxParticipants: cfg.Session.MaxParticipants,
		HeartbeatWindow: cfg.Session.HeartbeatWindow(),
		SweepInterval:   cfg.Session.SweepEvery(),
		PageLimit:       cfg.Session.PageLimit,
	})
	go func() {
		if err := sessions.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("presence sweep stopped", "err", err)
		}
	}()

	// --- HTTP + WS ---
	wsServer := ws.NewServer(hub, sessions, signer, slog.Default())
	router := httpx.NewRouter(httpx.Deps{
		Handler:      httpx.NewHandler(sessions),
		Auth:         signer,
		Heartbeat:    sessions,
		WS:           wsServer.HandleWS,
		AllowOrigins: cfg.HTTP.AllowOrigins,
		Logger:       slog.Default(),
	})
	readTimeout, writeTimeout, idleTimeout := cfg.HTTP.Timeouts()
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listen", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// --- graceful shutdown ---
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal")
	case err := <-errCh:
		slog.Error("server error", "err", err)
	}

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctxShutdown)
	slog.Info("stopped")
}
