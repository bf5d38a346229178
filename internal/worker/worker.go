package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// Status represents the current lifecycle state of a thread.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
)

// DefaultPatience is used when Start is called with a non-positive patience.
const DefaultPatience = time.Second

// ErrStartupTimeout is wrapped by a StartupError when setup does not
// complete within the start patience.
var ErrStartupTimeout = errors.New("worker: startup timed out")

// StartupError is returned by Start when the thread could not be brought up.
type StartupError struct {
	// Name of the thread that failed to start.
	Name string

	// Err is the setup error or ErrStartupTimeout.
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("thread %s failed to start: %v", e.Name, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// Logger defines the logging interface for threads.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Hooks are the caller-supplied parts of a thread. Every field is optional.
type Hooks struct {
	// Setup runs once in the background goroutine before the thread is
	// accepted as started. An error aborts the start.
	Setup func(ctx context.Context) error

	// Run is the body of the thread. It must return when ctx is cancelled.
	// A non-nil error (or a panic) before cancellation is a crash.
	Run func(ctx context.Context) error

	// Teardown runs once after a successful Setup, however Run ended.
	Teardown func()
}

// Thread is a background worker with a supervised lifecycle.
//
// States: stopped -> starting -> running <-> paused -> stopped. A crash in
// Run is logged and folds into stopped; it never reaches the caller of Start.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Stop must not be called from inside Run (it joins the goroutine).
type Thread struct {
	name  string
	hooks Hooks

	mu       sync.Mutex
	starting bool
	started  bool
	paused   bool
	gen      uint64
	cancel   context.CancelFunc
	done     chan struct{}
	lastErr  error

	logger   Logger
	loggerMu sync.RWMutex
}

// New creates a stopped thread.
//
// Parameters:
//   - name: Identifier used in logs and errors
//   - hooks: Setup, Run and Teardown bodies
//
// Returns:
//   - *Thread: Stopped thread (call Start to begin)
func New(name string, hooks Hooks) *Thread {
	return &Thread{
		name:   name,
		hooks:  hooks,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the thread.
func (t *Thread) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	t.loggerMu.Lock()
	t.logger = logger
	t.loggerMu.Unlock()
}

func (t *Thread) log() Logger {
	t.loggerMu.RLock()
	defer t.loggerMu.RUnlock()
	return t.logger
}

// Name returns the thread name.
func (t *Thread) Name() string { return t.name }

// Start spawns the goroutine and waits at most patience for Setup.
//
// Calling Start on a started (or starting) thread does nothing. On failure
// the thread stays stopped and a worker still inside Setup is cancelled;
// it finishes on its own and is never reported as running.
//
// Parameters:
//   - patience: Maximum wait for Setup (DefaultPatience if <= 0)
//
// Returns:
//   - error: *StartupError wrapping the setup error or ErrStartupTimeout
func (t *Thread) Start(patience time.Duration) error {
	if patience <= 0 {
		patience = DefaultPatience
	}

	t.mu.Lock()
	if t.started || t.starting {
		t.mu.Unlock()
		return nil
	}
	t.starting = true
	t.gen++
	gen := t.gen
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	ready := make(chan error, 1)
	proceed := make(chan struct{})
	go t.loop(ctx, gen, ready, proceed, done)

	timer := time.NewTimer(patience)
	defer timer.Stop()

	var startErr error
	select {
	case err := <-ready:
		if err != nil {
			startErr = err
		}
	case <-timer.C:
		startErr = ErrStartupTimeout
	}

	t.mu.Lock()
	t.starting = false
	if startErr == nil && t.gen != gen {
		// Stop was called while Setup was still running.
		startErr = context.Canceled
	}
	if startErr != nil {
		cancel()
		t.lastErr = startErr
		t.mu.Unlock()
		return &StartupError{Name: t.name, Err: startErr}
	}
	t.started = true
	t.paused = false
	t.mu.Unlock()

	close(proceed)
	t.log().Debug("thread started", "thread", t.name)
	return nil
}

// loop is the goroutine body.
func (t *Thread) loop(ctx context.Context, gen uint64, ready chan<- error, proceed <-chan struct{}, done chan struct{}) {
	defer close(done)

	if err := t.safeSetup(ctx); err != nil {
		ready <- err
		return
	}
	ready <- nil

	select {
	case <-proceed:
	case <-ctx.Done():
		t.safeTeardown()
		return
	}

	err := t.safeRun(ctx)
	t.safeTeardown()

	crashed := err != nil && ctx.Err() == nil
	if crashed {
		t.log().Error(fmt.Sprintf("thread %s crashed", t.name), "thread", t.name, "error", err)
	}

	t.mu.Lock()
	if t.gen == gen {
		t.started = false
		t.paused = false
		if crashed {
			t.lastErr = err
		}
	}
	t.mu.Unlock()
}

func (t *Thread) safeSetup(ctx context.Context) (err error) {
	if t.hooks.Setup == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("setup panic: %v", r)
		}
	}()
	return t.hooks.Setup(ctx)
}

func (t *Thread) safeRun(ctx context.Context) (err error) {
	if t.hooks.Run == nil {
		<-ctx.Done()
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			t.log().Debug("thread panic stack", "thread", t.name, "stack", string(debug.Stack()))
		}
	}()
	return t.hooks.Run(ctx)
}

func (t *Thread) safeTeardown() {
	if t.hooks.Teardown == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.log().Error(fmt.Sprintf("thread %s teardown failed", t.name), "thread", t.name, "error", r)
		}
	}()
	t.hooks.Teardown()
}

// Pause suspends work without tearing the goroutine down.
// It has no effect on a stopped thread.
func (t *Thread) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		t.paused = true
	}
}

// Resume undoes Pause.
func (t *Thread) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		t.paused = false
	}
}

// Stop cancels the thread and waits for its goroutine to exit.
// Stopping a stopped thread is a no-op.
func (t *Thread) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	wasStarted := t.started
	t.gen++
	t.started = false
	t.paused = false
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if wasStarted {
		t.log().Debug("thread stopped", "thread", t.name)
	}
}

// Started reports whether the thread was accepted and has not stopped.
func (t *Thread) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

// Paused reports whether the thread is paused.
func (t *Thread) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Running reports started and not paused.
func (t *Thread) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started && !t.paused
}

// Stopped reports whether the thread is not started.
func (t *Thread) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.started
}

// Status returns the current lifecycle state.
func (t *Thread) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.starting:
		return StatusStarting
	case t.started && t.paused:
		return StatusPaused
	case t.started:
		return StatusRunning
	default:
		return StatusStopped
	}
}

// LastError returns the last startup error or crash, if any.
func (t *Thread) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}
