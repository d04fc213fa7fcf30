package migrations

import "embed"

// FS contains embedded SQLite migrations for the module host store.
//
//go:embed *.sql
var FS embed.FS
