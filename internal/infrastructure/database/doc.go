// Package database provides SQLite connectivity for graybot.
//
// This package manages:
//   - The database connection with WAL mode for concurrent access
//   - Schema migrations embedded from the migrations package
//   - Connection pooling and lifecycle management
//
// The database holds register snapshots. Live register values never touch
// it; they stay in memory and are published over MQTT and InfluxDB.
//
// Security Considerations:
//   - All queries use parameterised statements
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Usage:
//
//	db, err := database.Open(database.Config{
//	    Path:        cfg.Database.Path,
//	    WALMode:     cfg.Database.WALMode,
//	    BusyTimeout: cfg.Database.BusyTimeout,
//	})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with a
// matching .down.sql. Each migration runs in its own transaction.
package database
