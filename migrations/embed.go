// Package migrations holds the Postgres schema of the MAR store.
package migrations

import "embed"

// FS contains the numbered *.sql migrations applied by db.Migrator.
//
//go:embed *.sql
var FS embed.FS
