// Copyright 2025 The viewsync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("go-viewsync - Bidirectional Sync for Multi-Stream Viewers")
	fmt.Println("=========================================================")
	fmt.Println()
	fmt.Println("go-viewsync keeps an on-device store of streams, layouts, favorites and")
	fmt.Println("watch history consistent with a remote backend across intermittent")
	fmt.Println("connectivity, concurrent devices, and partial failures.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("1. viewlite/ - client sync engine")
	fmt.Println("   Durable SQLite outbox, incremental fetch, live feed subscriber,")
	fmt.Println("   last-writer-wins conflict resolution with manual override")
	fmt.Println()
	fmt.Println("2. viewsync/ - server library")
	fmt.Println("   Idempotent change uploads, cursor-paged downloads, WebSocket feed hub,")
	fmt.Println("   PostgreSQL change log with epoch-scoped change tokens")
	fmt.Println()
	fmt.Println("3. cmd/viewsyncd/ - reference server daemon")
	fmt.Println("   Run: go run ./cmd/viewsyncd serve --database-url $DATABASE_URL")
	fmt.Println()
	fmt.Println("4. examples/quickstart/ - end-to-end client example")
	fmt.Println("   Run: go run ./examples/quickstart")
	fmt.Println()
}
