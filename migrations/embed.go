// Package migrations embeds the schema migration and seed SQL files.
package migrations

import "embed"

//go:embed sql/*.sql seed/*.sql
var Files embed.FS
