// Package migrations holds the SQL schema, embedded so binaries do not need
// the directory on disk.
package migrations

import "embed"

// FS contains every *.sql migration in this directory
//
//go:embed *.sql
var FS embed.FS
