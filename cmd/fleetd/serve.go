// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyper-ai-inc/fleetd/internal/admin"
	"github.com/hyper-ai-inc/fleetd/internal/audit"
	"github.com/hyper-ai-inc/fleetd/internal/auth"
	"github.com/hyper-ai-inc/fleetd/internal/config"
	"github.com/hyper-ai-inc/fleetd/internal/mcprelay"
	"github.com/hyper-ai-inc/fleetd/internal/metrics"
	"github.com/hyper-ai-inc/fleetd/internal/oauthserver"
	"github.com/hyper-ai-inc/fleetd/internal/power"
	"github.com/hyper-ai-inc/fleetd/internal/reaper"
	"github.com/hyper-ai-inc/fleetd/internal/registry"
	"github.com/hyper-ai-inc/fleetd/internal/store"
	"github.com/hyper-ai-inc/fleetd/internal/wsagent"
)

const (
	heartbeatReapInterval = 15 * time.Second
	tokenExpireInterval   = 1 * time.Hour
	shutdownGrace         = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent WebSocket control plane, MCP relay, OAuth server, and admin API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	s := store.NewPostgresStore(pool, logger)
	reg := registry.NewInMemory()
	eng := power.New(s, cfg)

	auditor := audit.NewLogger(logger, 1024)
	go auditor.Run(ctx)

	wsHandler := wsagent.NewHandler(s, reg, eng, cfg, logger, auditor)
	oauthSrv := oauthserver.NewServer(s, cfg, logger, auditor)
	relay := mcprelay.NewServer(s, reg, cfg, logger, auditor)

	mw := auth.NewMiddleware(cfg.AdminToken, logger)
	if !mw.IsEnabled() {
		logger.Warn("ADMIN_TOKEN is unset; the admin API will reject every request")
	}
	adminSrv := admin.NewServer(s, reg, mw, logger, auditor)

	router := mux.NewRouter()
	oauthSrv.Routes(router)
	relay.Routes(router)
	adminSrv.Routes(router)
	router.Handle("/ws", wsHandler)
	router.Handle("/metrics", metrics.Handler())
	router.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	router.HandleFunc("/readyz", handleReadyz(pool)).Methods(http.MethodGet)

	go reaper.RunHeartbeatReaper(ctx, s, reg, cfg, logger, heartbeatReapInterval)
	go reaper.RunTokenExpirer(ctx, s, logger, tokenExpireInterval)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("fleetd listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining connections")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed, forcing close", zap.Error(err))
		return httpServer.Close()
	}
	return nil
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func handleReadyz(pool *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "database unreachable: %v", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	}
}
