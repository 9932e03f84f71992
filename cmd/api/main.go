package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"taskboard/api/internal/app"
	"taskboard/api/internal/config"
	"taskboard/api/internal/protocol"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := cfg.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var dataStore store.Store
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Fatal("database connection failed")
		}
		defer db.Close()

		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			logger.WithError(err).Fatal("migrations failed")
		}
		if len(applied) > 0 {
			logger.WithField("versions", applied).Info("applied migrations")
		}
		dataStore = store.NewPostgresStore(db)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		dataStore = store.NewMemoryStore()
	}

	service := app.New(cfg, dataStore, nil, logger)
	registry := realtime.NewRegistry(logger)
	hub := realtime.NewHub(registry, logger)
	service.SetBroadcaster(hub)

	group, ctx := errgroup.WithContext(ctx)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)

	if strings.TrimSpace(cfg.RedisURL) != "" {
		relay, err := realtime.NewRedisRelay(cfg.RedisURL, cfg.BroadcastChannel, logger)
		if err != nil {
			logger.WithError(err).Fatal("redis connection failed")
		}
		defer relay.Close()
		hub.SetRelay(relay)
		httpServer.AddReadyCheck("redis", relay.Ping)
		group.Go(func() error {
			return relay.Run(ctx, func(env protocol.Envelope) { hub.Dispatch(env) })
		})
		logger.WithField("channel", cfg.BroadcastChannel).Info("relaying board events through redis")
	}

	mux := http.NewServeMux()
	// The websocket handler needs the raw ResponseWriter for Hijack, so it
	// sits outside the request middleware.
	mux.Handle("/api/ws", realtime.NewWSHandler(registry, service, realtime.WSOptions{
		SendBuffer:    cfg.WSSendBuffer,
		PingInterval:  cfg.WSPingInterval,
		AllowedOrigin: cfg.CORSOrigin,
	}, logger))
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group.Go(func() error {
		logger.WithField("addr", cfg.Addr).Info("taskboard API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		registry.Close()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("server stopped")
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
