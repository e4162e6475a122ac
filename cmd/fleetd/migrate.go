// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyper-ai-inc/fleetd/internal/config"
	"github.com/hyper-ai-inc/fleetd/internal/store"
)

var migrateDown bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply (or roll back, with --down) the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if migrateDown {
			if err := store.MigrateDown(cfg.DatabaseURL); err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			fmt.Println("rolled back all migrations")
			return nil
		}
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		fmt.Println("schema is up to date")
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "roll back every applied migration")
}
