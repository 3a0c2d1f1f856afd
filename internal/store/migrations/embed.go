// Package migrations embeds the two schemas built on the store package:
// the per-session cache and the daemon-wide follow-up journal.
package migrations

import "embed"

// Cache holds the cache.db migrations under cache/.
//
//go:embed cache/*.sql
var Cache embed.FS

// Journal holds the leadsync.db migrations under journal/.
//
//go:embed journal/*.sql
var Journal embed.FS
