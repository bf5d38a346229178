// Package migrations embeds the SQL migration files into the binary.
//
// Importing this package registers the files with the database package, so
// graybot can migrate without the SQL files on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/graybot-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "." // Files are at root of embedded FS
}
