// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyper-ai-inc/fleetd/internal/config"
	"github.com/hyper-ai-inc/fleetd/internal/store"
)

var expireTokensCmd = &cobra.Command{
	Use:   "expire-tokens",
	Short: "Delete expired or revoked OAuth token rows (one-shot; the server also runs this on a ticker)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		ctx := context.Background()

		logger, err := zap.NewProduction()
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer logger.Sync()

		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()

		s := store.NewPostgresStore(pool, logger)
		n, err := s.DeleteExpiredTokens(ctx, time.Now())
		if err != nil {
			return fmt.Errorf("delete expired tokens: %w", err)
		}
		fmt.Printf("deleted %d expired token rows\n", n)
		return nil
	},
}
