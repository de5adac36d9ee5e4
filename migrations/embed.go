// Package migrations holds the versioned schema applied to every tenant schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
