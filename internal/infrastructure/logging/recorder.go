package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Record is a captured log event.
type Record struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// Recorder is an slog.Handler that keeps every record in memory.
//
// Runtime failures in the engine are reported only through log events,
// so tests assert on what a Recorder captured.
//
// Thread Safety:
//   - Safe for concurrent use; loops log from their own goroutines.
type Recorder struct {
	mu      *sync.Mutex
	records *[]Record
	attrs   []slog.Attr
	level   slog.Level
}

// NewRecorder returns an empty Recorder capturing debug and above.
func NewRecorder() *Recorder {
	return &Recorder{
		mu:      &sync.Mutex{},
		records: &[]Record{},
		level:   slog.LevelDebug,
	}
}

// Logger returns a Logger that writes into the recorder.
func (r *Recorder) Logger() *Logger {
	return &Logger{Logger: slog.New(r)}
}

// Enabled implements slog.Handler.
func (r *Recorder) Enabled(_ context.Context, level slog.Level) bool {
	return level >= r.level
}

// Handle implements slog.Handler.
func (r *Recorder) Handle(_ context.Context, rec slog.Record) error {
	attrs := make(map[string]any, rec.NumAttrs()+len(r.attrs))
	for _, a := range r.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	rec.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	r.mu.Lock()
	*r.records = append(*r.records, Record{Level: rec.Level, Message: rec.Message, Attrs: attrs})
	r.mu.Unlock()
	return nil
}

// WithAttrs implements slog.Handler.
func (r *Recorder) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(r.attrs)+len(attrs))
	merged = append(merged, r.attrs...)
	merged = append(merged, attrs...)
	return &Recorder{mu: r.mu, records: r.records, attrs: merged, level: r.level}
}

// WithGroup implements slog.Handler. Groups are flattened.
func (r *Recorder) WithGroup(_ string) slog.Handler {
	return r
}

// Records returns a copy of everything captured so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, len(*r.records))
	copy(out, *r.records)
	return out
}

// Len returns the number of captured records.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(*r.records)
}

// Reset drops all captured records.
func (r *Recorder) Reset() {
	r.mu.Lock()
	*r.records = (*r.records)[:0]
	r.mu.Unlock()
}

// Contains reports whether any captured message contains substr.
func (r *Recorder) Contains(substr string) bool {
	return r.Count(substr) > 0
}

// Count returns how many captured messages contain substr.
func (r *Recorder) Count(substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range *r.records {
		if strings.Contains(rec.Message, substr) {
			n++
		}
	}
	return n
}

// Find returns the first captured record whose message contains substr.
func (r *Recorder) Find(substr string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range *r.records {
		if strings.Contains(rec.Message, substr) {
			return rec, true
		}
	}
	return Record{}, false
}
