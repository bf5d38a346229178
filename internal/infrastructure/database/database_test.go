package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/graybot-core/internal/infrastructure/logging"
)

// TestOpen verifies the snapshot store file and its settings.
func TestOpen(t *testing.T) {
	tests := []struct {
		name        string
		rel         string
		wal         bool
		wantJournal string
	}{
		{name: "wal mode", rel: "graybot.db", wal: true, wantJournal: "wal"},
		{name: "rollback journal", rel: "graybot.db", wal: false, wantJournal: "delete"},
		{name: "nested directory", rel: filepath.Join("var", "lib", "graybot", "graybot.db"), wal: true, wantJournal: "wal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dbPath := filepath.Join(t.TempDir(), tt.rel)
			db, err := Open(Config{Path: dbPath, WALMode: tt.wal, BusyTimeout: 2})
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer db.Close() //nolint:errcheck // Test cleanup

			if db.Path() != dbPath {
				t.Errorf("Path() = %q, want %q", db.Path(), dbPath)
			}
			if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
				t.Errorf("database directory missing: %v", err)
			}

			ctx := context.Background()
			var journal string
			if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journal); err != nil {
				t.Fatalf("journal_mode: %v", err)
			}
			if journal != tt.wantJournal {
				t.Errorf("journal_mode = %q, want %q", journal, tt.wantJournal)
			}

			var busy int
			if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy); err != nil {
				t.Fatalf("busy_timeout: %v", err)
			}
			if busy != 2000 {
				t.Errorf("busy_timeout = %d ms, want 2000", busy)
			}

			var fk int
			if err := db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
				t.Fatalf("foreign_keys: %v", err)
			}
			if fk != 1 {
				t.Errorf("foreign_keys = %d, want 1", fk)
			}
		})
	}
}

// TestOpen_BadPath verifies that an unusable directory is reported.
func TestOpen_BadPath(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	_, err := Open(Config{Path: filepath.Join(blocker, "graybot.db")})
	if err == nil {
		t.Fatal("Open() under a regular file should fail")
	}
	if !strings.Contains(err.Error(), "creating database directory") {
		t.Errorf("error = %v, want directory creation failure", err)
	}
}

// TestHealthCheck verifies the check used by the API health endpoint.
func TestHealthCheck(t *testing.T) {
	db := openTestDB(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	err := db.HealthCheck(ctx)
	if err == nil || !strings.Contains(err.Error(), "database health check failed") {
		t.Errorf("HealthCheck() after Close = %v, want health check failure", err)
	}
}

// TestClose verifies shutdown, including a wrapper with no connection.
func TestClose(t *testing.T) {
	db := openTestDB(t)
	if err := db.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	empty := &DB{}
	if err := empty.Close(); err != nil {
		t.Errorf("Close() on empty DB error = %v", err)
	}
}

// TestExecContext verifies that query failures are wrapped.
func TestExecContext(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, "CREATE TABLE register_values (device TEXT, register TEXT, raw INTEGER)"); err != nil {
		t.Fatalf("CREATE TABLE error = %v", err)
	}
	res, err := db.ExecContext(ctx, "INSERT INTO register_values VALUES (?, ?, ?)", "pan_servo", "desired_pos", 512)
	if err != nil {
		t.Fatalf("INSERT error = %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Errorf("RowsAffected() = %d, want 1", n)
	}

	_, err = db.ExecContext(ctx, "INSERT INTO missing_table VALUES (1)")
	if err == nil || !strings.HasPrefix(err.Error(), "executing query:") {
		t.Errorf("ExecContext() on missing table = %v, want wrapped error", err)
	}
}

// TestWithTx_SnapshotRows verifies that a failing write leaves no partial
// snapshot behind and a successful one commits every row.
func TestWithTx_SnapshotRows(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, "CREATE TABLE register_values (device TEXT, register TEXT, raw INTEGER)"); err != nil {
		t.Fatalf("CREATE TABLE error = %v", err)
	}

	writeRows := func(tx *sql.Tx, device string, raws ...int) error {
		for _, raw := range raws {
			if _, err := tx.ExecContext(ctx, "INSERT INTO register_values VALUES (?, 'current_pos', ?)", device, raw); err != nil {
				return err
			}
		}
		return nil
	}

	busDown := errors.New("bus down")
	tests := []struct {
		name    string
		fn      func(tx *sql.Tx) error
		wantErr error
	}{
		{
			name: "rolled back",
			fn: func(tx *sql.Tx) error {
				if err := writeRows(tx, "tilt_servo", 100, 200); err != nil {
					return err
				}
				return busDown
			},
			wantErr: busDown,
		},
		{
			name: "committed",
			fn:   func(tx *sql.Tx) error { return writeRows(tx, "pan_servo", 300, 400) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := db.WithTx(ctx, tt.fn)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("WithTx() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	counts := map[string]int{}
	for _, device := range []string{"tilt_servo", "pan_servo"} {
		var n int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM register_values WHERE device = ?", device).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", device, err)
		}
		counts[device] = n
	}
	if counts["tilt_servo"] != 0 || counts["pan_servo"] != 2 {
		t.Errorf("row counts = %v, want tilt_servo:0 pan_servo:2", counts)
	}
}

// TestWithTx_CanceledContext verifies that a transaction is not started on a
// canceled context.
func TestWithTx_CanceledContext(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := db.WithTx(ctx, func(*sql.Tx) error {
		called = true
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "starting transaction") {
		t.Errorf("WithTx() = %v, want start failure", err)
	}
	if called {
		t.Error("fn ran without a transaction")
	}
}

// TestMigrate_LogsThroughLogger verifies the attributes logged for each
// applied migration through the application logger.
func TestMigrate_LogsThroughLogger(t *testing.T) {
	origFS, origDir := MigrationsFS, MigrationsDir
	defer func() { MigrationsFS, MigrationsDir = origFS, origDir }()
	MigrationsFS = testMigrationsFS
	MigrationsDir = testMigrationsDir

	db := openTestDB(t)
	rec := logging.NewRecorder()
	db.SetLogger(rec.Logger())

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	got, ok := rec.Find("migration applied")
	if !ok {
		t.Fatalf("no migration log, records = %v", rec.Records())
	}
	if got.Attrs["version"] != "20260930_120000" || got.Attrs["name"] != "create_bus_devices" {
		t.Errorf("attrs = %v, want version 20260930_120000 name create_bus_devices", got.Attrs)
	}

	// A second run has nothing pending and stays quiet.
	rec.Reset()
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	if rec.Len() != 0 {
		t.Errorf("second Migrate() logged %d records, want 0", rec.Len())
	}

	// Nil restores the silent default.
	db.SetLogger(nil)
	if err := db.MigrateDown(context.Background()); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
}

// TestStats verifies the single-writer pool.
func TestStats(t *testing.T) {
	db := openTestDB(t)
	if got := db.Stats().MaxOpenConnections; got != 1 {
		t.Errorf("MaxOpenConnections = %d, want 1", got)
	}
}

// openTestDB creates a temporary database closed at test cleanup.
func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "graybot.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
