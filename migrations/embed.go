// Package migrations embeds the SQL schema of the registry, the staged vintage,
// and the audit trail so the binary applies it regardless of working directory.
package migrations

import "embed"

// FS is the embedded migrations filesystem (e.g. 001_initial.sql).
//
//go:embed *.sql
var FS embed.FS
