// Package migrations embeds the PostgreSQL schema for the admission stores.
package migrations

import "embed"

// FS holds the golang-migrate up/down files
//
//go:embed *.sql
var FS embed.FS
