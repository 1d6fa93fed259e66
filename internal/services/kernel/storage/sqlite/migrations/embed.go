package migrations

import "embed"

// FS contains embedded SQLite migrations for kernel storage.
//
//go:embed *.sql
var FS embed.FS
