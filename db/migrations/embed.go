// Package dbmigrations exposes embedded SQL migrations for tally binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into tally binaries.
//
//go:embed *.sql
var Files embed.FS
