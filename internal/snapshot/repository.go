package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/graybot-core/internal/device"
)

// timeLayout is fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Repository defines snapshot persistence.
type Repository interface {
	Save(ctx context.Context, robot, name string, devices []*device.Device) (*Snapshot, error)
	List(ctx context.Context, robot string) ([]Snapshot, error)
	Get(ctx context.Context, id string) (*Snapshot, error)
	Delete(ctx context.Context, id string) error
	Restore(ctx context.Context, id string, devices []*device.Device) (*RestoreResult, error)
}

// Logger is the logging interface used by the snapshot package.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// SQLiteRepository implements Repository using SQLite.
//
// Thread Safety:
//   - Safe for concurrent use; serialisation is left to database/sql.
type SQLiteRepository struct {
	db     *sql.DB
	logger Logger
}

// NewSQLiteRepository creates a new SQLite-backed repository. The schema
// comes from the register_snapshots migration.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, logger: noopLogger{}}
}

// SetLogger sets the logger. Nil restores the silent default.
func (r *SQLiteRepository) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	r.logger = logger
}

// Save stores the current value of every register of devices.
//
// Values are taken from memory: non-sync registers are not refreshed from
// hardware first.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - robot: Robot name the snapshot belongs to
//   - name: Free-form label, may be empty
//   - devices: Devices whose registers are stored
//
// Returns:
//   - *Snapshot: The stored snapshot including its values
//   - error: If the insert fails
func (r *SQLiteRepository) Save(ctx context.Context, robot, name string, devices []*device.Device) (*Snapshot, error) {
	snap := &Snapshot{
		ID:        uuid.NewString(),
		Robot:     robot,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	for _, d := range devices {
		for _, reg := range d.Registers() {
			raw := reg.Int()
			snap.Values = append(snap.Values, Value{
				Device:   d.Name(),
				Register: reg.Name(),
				Raw:      raw,
				Value:    reg.Codec().ToExternal(raw),
				Writable: reg.Writable(),
			})
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO register_snapshots (id, robot, name, created_at) VALUES (?, ?, ?, ?)`,
		snap.ID, snap.Robot, snap.Name, snap.CreatedAt.Format(timeLayout),
	); err != nil {
		return nil, fmt.Errorf("inserting snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO register_snapshot_values (snapshot_id, device, register, raw, value, writable)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("preparing value insert: %w", err)
	}
	defer stmt.Close()

	for _, v := range snap.Values {
		if _, err := stmt.ExecContext(ctx, snap.ID, v.Device, v.Register, v.Raw, v.Value, v.Writable); err != nil {
			return nil, fmt.Errorf("inserting value %s.%s: %w", v.Device, v.Register, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing snapshot: %w", err)
	}
	r.logger.Info("snapshot saved", "id", snap.ID, "robot", robot, "registers", len(snap.Values))
	return snap, nil
}

// List returns the snapshots of a robot, newest first, without values.
func (r *SQLiteRepository) List(ctx context.Context, robot string) ([]Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, robot, name, created_at FROM register_snapshots
		WHERE robot = ? ORDER BY created_at DESC, id`, robot)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []Snapshot{}
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshots: %w", err)
	}
	return snaps, nil
}

// Get returns a snapshot with its values.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Snapshot, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, robot, name, created_at FROM register_snapshots WHERE id = ?`, id)
	snap, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT device, register, raw, value, writable FROM register_snapshot_values
		WHERE snapshot_id = ? ORDER BY device, register`, id)
	if err != nil {
		return nil, fmt.Errorf("querying snapshot values: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var v Value
		if err := rows.Scan(&v.Device, &v.Register, &v.Raw, &v.Value, &v.Writable); err != nil {
			return nil, fmt.Errorf("scanning snapshot value: %w", err)
		}
		snap.Values = append(snap.Values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot values: %w", err)
	}
	return snap, nil
}

// Delete removes a snapshot and its values.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM register_snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Restore writes a snapshot's stored values into the matching writable
// registers of devices.
//
// Registers that are read-only or no longer exist are skipped and listed in
// the result. Write failures are logged by the register, not returned.
//
// Returns:
//   - *RestoreResult: Applied count and skipped registers
//   - error: ErrNotFound, or a query failure
func (r *SQLiteRepository) Restore(ctx context.Context, id string, devices []*device.Device) (*RestoreResult, error) {
	snap, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*device.Device, len(devices))
	for _, d := range devices {
		byName[d.Name()] = d
	}

	result := &RestoreResult{}
	for _, v := range snap.Values {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		key := v.Device + "." + v.Register
		d, ok := byName[v.Device]
		if !ok {
			result.Skipped = append(result.Skipped, key)
			continue
		}
		reg, ok := d.Register(v.Register)
		if !ok || !reg.Writable() {
			result.Skipped = append(result.Skipped, key)
			continue
		}
		reg.SetValue(v.Value)
		result.Applied++
	}

	if len(result.Skipped) > 0 {
		r.logger.Warn("snapshot restore skipped registers", "id", id, "skipped", len(result.Skipped))
	}
	r.logger.Info("snapshot restored", "id", id, "applied", result.Applied)
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(s scanner) (*Snapshot, error) {
	var snap Snapshot
	var created string
	if err := s.Scan(&snap.ID, &snap.Robot, &snap.Name, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning snapshot: %w", err)
	}
	t, err := time.Parse(timeLayout, created)
	if err != nil {
		return nil, fmt.Errorf("parsing snapshot time %q: %w", created, err)
	}
	snap.CreatedAt = t
	return &snap, nil
}
