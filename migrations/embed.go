// Package migrations embeds the SQLite schema into the binary so the
// bridge can create its history database without files on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
