// Package snapshot stores and restores register values in SQLite.
//
// A snapshot is a named copy of every register of a set of devices, taken
// from the in-memory values without touching the buses. Restoring writes the
// stored external values back into the writable registers through
// Register.SetValue, so sync registers are pushed by the next sync write and
// the others are written through their bus.
//
// Usage:
//
//	repo := snapshot.NewSQLiteRepository(db.DB)
//	snap, err := repo.Save(ctx, "graybot", "before calibration", rb.Devices())
//	...
//	result, err := repo.Restore(ctx, snap.ID, rb.Devices())
package snapshot
