// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

// viewsyncd is the reference viewsync backend: the sync HTTP API, the live
// WebSocket change feed, and PostgreSQL storage behind them.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "viewsyncd",
	Short: "viewsync reference sync server",
	Long: `viewsyncd serves the viewsync bidirectional synchronization API:
per-device change uploads with idempotent replay, cursor-paged incremental
downloads, and a live WebSocket change feed, all backed by PostgreSQL.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
