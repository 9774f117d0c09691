// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/viewsync/go-viewsync/internal/ratelimit"
	"github.com/viewsync/go-viewsync/viewsync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := loadServerConfig(configPath)
		if err != nil {
			return err
		}
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Listen = listen
		}
		if dbURL, _ := cmd.Flags().GetString("database-url"); dbURL != "" {
			cfg.DatabaseURL = dbURL
		}
		if secret := os.Getenv("VIEWSYNC_JWT_SECRET"); secret != "" {
			cfg.JWTSecret = secret
		}
		if err := cfg.validate(); err != nil {
			return err
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().StringP("config", "c", "", "path to YAML config file")
	serveCmd.Flags().String("listen", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().String("database-url", "", "PostgreSQL connection string (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context, cfg *serverConfig) error {
	logger := buildLogger(cfg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to create database pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}

	service, err := viewsync.NewSyncService(ctx, pool, &viewsync.ServiceConfig{AppName: "viewsyncd"}, logger)
	if err != nil {
		return err
	}
	defer service.Close()

	hub := viewsync.NewFeedHub(cfg.Feed.Buffer, logger)
	service.AttachFeedHub(hub)

	auth := viewsync.NewJWTAuth(cfg.JWTSecret)
	handlers := viewsync.NewHTTPSyncHandlers(service, hub, auth, logger)
	limiter := ratelimit.New(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)

	mux := http.NewServeMux()
	mux.HandleFunc("/sync/changes", limitByUser(auth, limiter, logger, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handlers.HandleUploadChange(w, r)
		default:
			handlers.HandleFetchChanges(w, r)
		}
	}))
	mux.HandleFunc("/sync/feed", handlers.HandleFeed)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok"}`)
	})

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Sync server listening", "addr", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down cleanly: %w", err)
	}
	return nil
}

// limitByUser rejects requests over the per-user rate allowance with 429 before they
// reach the sync handlers. The feed socket is exempt: it is one long-lived
// request, not a request stream.
func limitByUser(auth *viewsync.JWTAuth, limiter *ratelimit.Limiter, logger *slog.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := auth.GetUserID(r)
		if err != nil {
			// Let the handler produce its own 401 body.
			next(w, r)
			return
		}
		if !limiter.Allow(userID) {
			logger.Debug("Rate limited", "user_id", userID, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":%q,"message":"too many requests"}`, viewsync.CodeRateLimited)
			return
		}
		next(w, r)
	}
}

func buildLogger(cfg *serverConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
