package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"retroboard/api/internal/app"
	"retroboard/api/internal/board"
	"retroboard/api/internal/config"
	"retroboard/api/internal/logging"
	"retroboard/api/internal/notify"
	"retroboard/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Retro API stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := store.ApplyMigrationsWithLogger(ctx, db, cfg.MigrationsDir, logger.Named("migrations")); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	boards := board.NewPostgresDirectory(dataStore)

	var publisher notify.Publisher = notify.Nop{}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisPublisher, err := notify.NewRedisPublisher(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("Redis unavailable, board notifications disabled", zap.Error(err))
		} else {
			logger.Info("Publishing board notifications to Redis")
			defer redisPublisher.Close()
			publisher = redisPublisher
		}
	}

	service := app.New(dataStore, boards, publisher, logger)
	if cfg.SeedDemoBoard {
		if err := service.Bootstrap(ctx); err != nil {
			logger.Warn("Bootstrap failed, will retry on next restart", zap.Error(err))
		}
	}

	httpServer := app.NewHTTPServer(service, app.HTTPOptions{
		CORSOrigin:     cfg.CORSOrigin,
		IdentitySecret: []byte(cfg.IdentitySecret),
		IdentityTTL:    cfg.IdentityTTL,
		Logger:         logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Retro API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
	service.Wait()
	return nil
}
