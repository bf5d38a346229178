package loop

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/graybot-core/internal/worker"
)

// Default thresholds, as fractions of the period.
const (
	DefaultWarning = 0.9
	DefaultReview  = 1.0
)

// Domain errors for the loop package.
var (
	// ErrInvalidFrequency is returned when a loop is built with a
	// non-positive frequency.
	ErrInvalidFrequency = errors.New("loop: frequency must be positive")

	// ErrInvalidConfig is returned when a loop configuration is incomplete.
	ErrInvalidConfig = errors.New("loop: invalid configuration")
)

// Task is the atomic unit of work run once per cycle.
type Task interface {
	Atomic(ctx context.Context)
}

// SetupTask is implemented by tasks that need a one-time setup in the loop
// goroutine. A setup error aborts Start.
type SetupTask interface {
	Setup(ctx context.Context) error
}

// TeardownTask is implemented by tasks that release resources when the
// loop stops.
type TeardownTask interface {
	Teardown()
}

// TaskFunc adapts a function to a Task.
type TaskFunc func(ctx context.Context)

// Atomic calls f(ctx).
func (f TaskFunc) Atomic(ctx context.Context) { f(ctx) }

// Measurement describes one executed cycle.
type Measurement struct {
	Loop    string
	At      time.Time
	Elapsed time.Duration
	Period  time.Duration
	Used    float64
	Warning bool
	Overrun bool
}

// Observer receives every cycle measurement. It is called from the loop
// goroutine and must not block.
type Observer interface {
	ObserveCycle(m Measurement)
}

// Stats summarises the cycles executed since the loop was created.
type Stats struct {
	Cycles      uint64        `json:"cycles"`
	Warnings    uint64        `json:"warnings"`
	Overruns    uint64        `json:"overruns"`
	LastElapsed time.Duration `json:"last_elapsed"`
	LastUsed    float64       `json:"last_used"`
}

// Config holds the parameters of a loop.
type Config struct {
	// Name identifies the loop in logs.
	Name string

	// Frequency is the target cycle rate in Hz. Must be positive.
	Frequency float64

	// Warning is the fraction of the period above which a cycle is logged
	// as close to the period. A value above 1 is read as a percentage.
	// Default: 0.9.
	Warning float64

	// Review is the fraction of the period above which a cycle is logged
	// as an overrun. A value above 1 is read as a percentage.
	// Default: 1.0.
	Review float64

	// Patience is the default start patience.
	Patience time.Duration
}

// Loop runs a Task at a target frequency on a managed thread.
//
// Each cycle measures the elapsed time e of the task and sleeps
// max(0, period-e). A cycle longer than Review*period is logged as an
// overrun (error), one longer than Warning*period as close to period
// (warning). Skipped sleep is never credited to later cycles.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Loop struct {
	*worker.Thread

	name   string
	freq   float64
	period time.Duration
	task   Task
	cfg    Config

	warning atomic.Uint64 // math.Float64bits
	review  atomic.Uint64

	statsMu sync.Mutex
	stats   Stats

	observer atomic.Pointer[observerBox]

	logger   worker.Logger
	loggerMu sync.RWMutex
}

type observerBox struct{ o Observer }

// New builds a stopped loop.
//
// Parameters:
//   - cfg: Loop parameters (Name and a positive Frequency are required)
//   - task: Unit of work; may also implement SetupTask and TeardownTask
//
// Returns:
//   - *Loop: Stopped loop (call Start to begin)
//   - error: ErrInvalidConfig or ErrInvalidFrequency
func New(cfg Config, task Task) (*Loop, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: name should not be empty", ErrInvalidConfig)
	}
	if task == nil {
		return nil, fmt.Errorf("%w: %s: task missing", ErrInvalidConfig, cfg.Name)
	}
	if !(cfg.Frequency > 0) || math.IsInf(cfg.Frequency, 0) {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFrequency, cfg.Name, cfg.Frequency)
	}
	if cfg.Warning == 0 {
		cfg.Warning = DefaultWarning
	}
	if cfg.Review == 0 {
		cfg.Review = DefaultReview
	}
	if cfg.Patience <= 0 {
		cfg.Patience = worker.DefaultPatience
	}

	l := &Loop{
		name:   cfg.Name,
		freq:   cfg.Frequency,
		period: time.Duration(float64(time.Second) / cfg.Frequency),
		task:   task,
		cfg:    cfg,
		logger: noopLogger{},
	}
	l.SetWarning(cfg.Warning)
	l.SetReview(cfg.Review)

	hooks := worker.Hooks{Run: l.run}
	if st, ok := task.(SetupTask); ok {
		hooks.Setup = st.Setup
	}
	if tt, ok := task.(TeardownTask); ok {
		hooks.Teardown = tt.Teardown
	}
	l.Thread = worker.New(cfg.Name, hooks)
	return l, nil
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// SetLogger sets the logger for the loop and its thread.
func (l *Loop) SetLogger(logger worker.Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	l.loggerMu.Lock()
	l.logger = logger
	l.loggerMu.Unlock()
	l.Thread.SetLogger(logger)
}

func (l *Loop) log() worker.Logger {
	l.loggerMu.RLock()
	defer l.loggerMu.RUnlock()
	return l.logger
}

// Start starts the loop thread. A non-positive patience uses the configured one.
func (l *Loop) Start(patience time.Duration) error {
	if patience <= 0 {
		patience = l.cfg.Patience
	}
	return l.Thread.Start(patience)
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// Frequency returns the target frequency in Hz.
func (l *Loop) Frequency() float64 { return l.freq }

// Period returns the target cycle period.
func (l *Loop) Period() time.Duration { return l.period }

// Task returns the unit of work.
func (l *Loop) Task() Task { return l.task }

// normalizeFraction reads values above 1 as percentages.
func normalizeFraction(v float64) float64 {
	if v > 1 {
		return v / 100
	}
	return v
}

// Warning returns the warning threshold as a fraction of the period.
func (l *Loop) Warning() float64 { return math.Float64frombits(l.warning.Load()) }

// SetWarning sets the warning threshold. 90 and 0.9 are equivalent.
func (l *Loop) SetWarning(v float64) { l.warning.Store(math.Float64bits(normalizeFraction(v))) }

// Review returns the overrun threshold as a fraction of the period.
func (l *Loop) Review() float64 { return math.Float64frombits(l.review.Load()) }

// SetReview sets the overrun threshold. 110 and 1.1 are equivalent.
func (l *Loop) SetReview(v float64) { l.review.Store(math.Float64bits(normalizeFraction(v))) }

// SetObserver installs the cycle observer. Nil removes it.
func (l *Loop) SetObserver(o Observer) {
	if o == nil {
		l.observer.Store(nil)
		return
	}
	l.observer.Store(&observerBox{o: o})
}

// Stats returns a snapshot of the cycle statistics.
func (l *Loop) Stats() Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}

// run is the thread body.
func (l *Loop) run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if ctx.Err() != nil {
			return nil
		}

		start := time.Now()
		if !l.Paused() {
			l.task.Atomic(ctx)
			l.measure(start, time.Since(start))
		}

		sleep := l.period - time.Since(start)
		if sleep < 0 {
			sleep = 0
		}
		timer.Reset(sleep)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

// measure classifies one cycle, logs it and notifies the observer.
func (l *Loop) measure(start time.Time, elapsed time.Duration) {
	m := Measurement{
		Loop:    l.name,
		At:      start,
		Elapsed: elapsed,
		Period:  l.period,
		Used:    float64(elapsed) / float64(l.period),
	}
	switch {
	case m.Used > l.Review():
		m.Overrun = true
		l.log().Error(fmt.Sprintf("loop %s overrun", l.name),
			"loop", l.name, "elapsed", elapsed, "period", l.period, "used", m.Used)
	case m.Used > l.Warning():
		m.Warning = true
		l.log().Warn(fmt.Sprintf("loop %s close to period", l.name),
			"loop", l.name, "elapsed", elapsed, "period", l.period, "used", m.Used)
	}

	l.statsMu.Lock()
	l.stats.Cycles++
	if m.Overrun {
		l.stats.Overruns++
	}
	if m.Warning {
		l.stats.Warnings++
	}
	l.stats.LastElapsed = elapsed
	l.stats.LastUsed = m.Used
	l.statsMu.Unlock()

	if box := l.observer.Load(); box != nil {
		box.o.ObserveCycle(m)
	}
}
