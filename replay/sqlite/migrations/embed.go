package migrations

import "embed"

// FS contains the embedded SQLite migrations for the replay sink.
//
//go:embed *.sql
var FS embed.FS
