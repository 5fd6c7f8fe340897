// Package migrations holds the SQL schema applied by persistence.Migrator.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
