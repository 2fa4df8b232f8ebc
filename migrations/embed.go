// Package migrations embeds the SQL files applied to every site schema.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
