// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Command fleetd is the fleet control plane's server and admin CLI
// (spec.md's CLI section): `serve` runs the HTTP/WebSocket control
// plane, `migrate` applies or rolls back schema changes, and
// `activate`/`expire-tokens` are one-shot maintenance operations that
// talk to the database directly rather than through the admin HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "fleetd is the remote-control agent fleet's control plane",
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(activateCmd)
	rootCmd.AddCommand(expireTokensCmd)
}
