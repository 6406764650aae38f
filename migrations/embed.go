// Package migrations embeds the gateway's SQL migration files into the binary.
package migrations

import "embed"

// FS holds every *.sql file in this directory, at the root of the FS.
//
//go:embed *.sql
var FS embed.FS
