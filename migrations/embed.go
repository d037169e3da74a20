// Package migrations embeds the SQLite schema migrations into the binary.
package migrations

import "embed"

// FS holds every *.sql migration at its root. Pass it to database.Migrate.
//
//go:embed *.sql
var FS embed.FS
