package snapshot

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no snapshot has the requested id.
var ErrNotFound = errors.New("snapshot: not found")

// Snapshot is a stored copy of register values.
type Snapshot struct {
	ID        string    `json:"id"`
	Robot     string    `json:"robot"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`

	// Values is nil in List results.
	Values []Value `json:"values,omitempty"`
}

// Value is one register of a snapshot.
type Value struct {
	Device   string  `json:"device"`
	Register string  `json:"register"`
	Raw      int64   `json:"raw"`
	Value    float64 `json:"value"`
	Writable bool    `json:"writable"`
}

// RestoreResult reports what Restore did.
type RestoreResult struct {
	// Applied counts the registers written.
	Applied int `json:"applied"`

	// Skipped lists "device.register" entries that were read-only or no
	// longer exist.
	Skipped []string `json:"skipped,omitempty"`
}
