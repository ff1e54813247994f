// Package migrations embeds the goose schema migrations of the Postgres
// metadata store.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
