// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hyper-ai-inc/fleetd/internal/config"
	"github.com/hyper-ai-inc/fleetd/internal/model"
	"github.com/hyper-ai-inc/fleetd/internal/store"
)

var activateCmd = &cobra.Command{
	Use:   "activate <agentId>",
	Short: "Mint a licenseUuid and transition a PENDING agent to ACTIVE",
	Args:  cobra.ExactArgs(1),
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
		agentID := args[0]
		agent, err := s.GetAgent(ctx, agentID)
		if err != nil {
			return fmt.Errorf("load agent %s: %w", agentID, err)
		}
		if agent.State == model.AgentActive {
			fmt.Printf("agent %s is already ACTIVE (licenseUuid=%s)\n", agentID, agent.LicenseUUID)
			return nil
		}

		licenseUUID := uuid.NewString()
		if err := s.AssignLicense(ctx, agentID, licenseUUID); err != nil {
			return fmt.Errorf("activate agent %s: %w", agentID, err)
		}
		fmt.Printf("activated agent %s with licenseUuid=%s\n", agentID, licenseUUID)
		return nil
	},
}
