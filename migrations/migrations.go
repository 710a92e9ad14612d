// Package migrations carries the engine schema, embedded so the binary can
// migrate its database without a migrations directory shipped alongside it.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
