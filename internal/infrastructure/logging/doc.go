// Package logging provides structured logging for graybot.
//
// This package wraps Go's standard log/slog package so every component logs
// the same way. Runtime failures in the synchronisation engine (a bus that
// cannot be acquired, a write to a read-only register, a loop overrun) are
// reported only as log records, which makes this package part of the engine
// contract rather than a side concern.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text or colourised console output for development
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - In-memory Recorder for asserting on emitted events in tests
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text, console
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("robot started", "buses", 2)
//
//	rec := logging.NewRecorder()
//	bus.SetLogger(rec.Logger())
//	// ... exercise the bus ...
//	if rec.Count("failed to acquire bus") != 1 { ... }
package logging
