package loop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/graybot-core/internal/infrastructure/logging"
	"github.com/nerrad567/graybot-core/internal/worker"
)

type counter struct{ n atomic.Int32 }

func (c *counter) Atomic(context.Context) { c.n.Add(1) }

type sleeper struct{ d time.Duration }

func (s sleeper) Atomic(context.Context) { time.Sleep(s.d) }

type hookTask struct {
	counter
	setupErr  error
	teardowns atomic.Int32
}

func (h *hookTask) Setup(context.Context) error { return h.setupErr }
func (h *hookTask) Teardown()                   { h.teardowns.Add(1) }

type recordingObserver struct {
	mu sync.Mutex
	ms []Measurement
}

func (o *recordingObserver) ObserveCycle(m Measurement) {
	o.mu.Lock()
	o.ms = append(o.ms, m)
	o.mu.Unlock()
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ms)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Name: "l", Frequency: 0}, &counter{})
	assert.ErrorIs(t, err, ErrInvalidFrequency)
	_, err = New(Config{Name: "l", Frequency: -5}, &counter{})
	assert.ErrorIs(t, err, ErrInvalidFrequency)
	_, err = New(Config{Frequency: 10}, &counter{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{Name: "l", Frequency: 10}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_Defaults(t *testing.T) {
	l, err := New(Config{Name: "l", Frequency: 50}, &counter{})
	require.NoError(t, err)
	assert.Equal(t, DefaultWarning, l.Warning())
	assert.Equal(t, DefaultReview, l.Review())
	assert.Equal(t, 20*time.Millisecond, l.Period())
	assert.Equal(t, 50.0, l.Frequency())
	assert.True(t, l.Stopped())
}

func TestThresholds_PercentOrFraction(t *testing.T) {
	l, err := New(Config{Name: "l", Frequency: 10, Warning: 80, Review: 110}, &counter{})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, l.Warning(), 1e-12)
	assert.InDelta(t, 1.1, l.Review(), 1e-12)

	tests := []struct {
		in, want float64
	}{
		{in: 90, want: 0.9},
		{in: 0.95, want: 0.95},
		{in: 1, want: 1},
		{in: 150, want: 1.5},
	}
	for _, tt := range tests {
		l.SetWarning(tt.in)
		assert.InDelta(t, tt.want, l.Warning(), 1e-12, "SetWarning(%v)", tt.in)
		l.SetReview(tt.in)
		assert.InDelta(t, tt.want, l.Review(), 1e-12, "SetReview(%v)", tt.in)
	}
}

func TestLoop_RunsAtFrequency(t *testing.T) {
	c := &counter{}
	l, err := New(Config{Name: "fast", Frequency: 100}, c)
	require.NoError(t, err)

	require.NoError(t, l.Start(0))
	time.Sleep(250 * time.Millisecond)
	l.Stop()

	n := c.n.Load()
	assert.GreaterOrEqual(t, n, int32(10))
	assert.LessOrEqual(t, n, int32(30))
	assert.Equal(t, uint64(n), l.Stats().Cycles)
}

func TestLoop_PauseSkipsWork(t *testing.T) {
	c := &counter{}
	l, err := New(Config{Name: "pausable", Frequency: 200}, c)
	require.NoError(t, err)
	require.NoError(t, l.Start(0))
	t.Cleanup(l.Stop)

	require.Eventually(t, func() bool { return c.n.Load() > 2 }, time.Second, 5*time.Millisecond)
	l.Pause()
	assert.False(t, l.Running())
	assert.True(t, l.Paused())
	time.Sleep(20 * time.Millisecond)
	frozen := c.n.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, c.n.Load(), frozen+1)

	l.Resume()
	assert.True(t, l.Running())
	require.Eventually(t, func() bool { return c.n.Load() > frozen+2 }, time.Second, 5*time.Millisecond)

	l.Stop()
	assert.False(t, l.Started())
	assert.False(t, l.Running())
	assert.False(t, l.Paused())
	assert.True(t, l.Stopped())
}

func TestLoop_Overrun(t *testing.T) {
	rec := logging.NewRecorder()
	l, err := New(Config{Name: "slow", Frequency: 20}, sleeper{d: 70 * time.Millisecond})
	require.NoError(t, err)
	l.SetLogger(rec.Logger())

	require.NoError(t, l.Start(0))
	require.Eventually(t, func() bool { return l.Stats().Cycles >= 2 }, 2*time.Second, 5*time.Millisecond)
	l.Stop()

	stats := l.Stats()
	assert.Equal(t, stats.Cycles, stats.Overruns)
	assert.Equal(t, int(stats.Overruns), rec.Count("loop slow overrun"))
	r, ok := rec.Find("loop slow overrun")
	require.True(t, ok)
	assert.Equal(t, slog.LevelError, r.Level)
	assert.False(t, rec.Contains("close to period"), "an overrun is not also a warning")
	assert.Greater(t, stats.LastUsed, 1.0)
}

func TestLoop_CloseToPeriod(t *testing.T) {
	rec := logging.NewRecorder()
	l, err := New(Config{Name: "busy", Frequency: 20, Warning: 0.5, Review: 500}, sleeper{d: 35 * time.Millisecond})
	require.NoError(t, err)
	l.SetLogger(rec.Logger())

	require.NoError(t, l.Start(0))
	require.Eventually(t, func() bool { return l.Stats().Cycles >= 2 }, 2*time.Second, 5*time.Millisecond)
	l.Stop()

	stats := l.Stats()
	assert.Zero(t, stats.Overruns)
	assert.Equal(t, stats.Cycles, stats.Warnings)
	r, ok := rec.Find("loop busy close to period")
	require.True(t, ok)
	assert.Equal(t, slog.LevelWarn, r.Level)
}

func TestLoop_NoSleepAfterOverrun(t *testing.T) {
	l, err := New(Config{Name: "behind", Frequency: 50}, sleeper{d: 30 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, l.Start(0))
	require.Eventually(t, func() bool { return l.Stats().Cycles >= 5 }, 2*time.Second, time.Millisecond)
	l.Stop()

	// Five 30ms cycles with no sleep in between: well under 5 * (30+20)ms.
	assert.Less(t, time.Since(start), 240*time.Millisecond)
}

func TestLoop_ObserverReceivesCycles(t *testing.T) {
	obs := &recordingObserver{}
	l, err := New(Config{Name: "observed", Frequency: 100}, &counter{})
	require.NoError(t, err)
	l.SetObserver(obs)

	require.NoError(t, l.Start(0))
	require.Eventually(t, func() bool { return obs.count() >= 3 }, time.Second, 5*time.Millisecond)
	l.Stop()

	obs.mu.Lock()
	m := obs.ms[0]
	obs.mu.Unlock()
	assert.Equal(t, "observed", m.Loop)
	assert.Equal(t, 10*time.Millisecond, m.Period)

	l.SetObserver(nil)
}

func TestLoop_TaskHooks(t *testing.T) {
	task := &hookTask{}
	l, err := New(Config{Name: "hooked", Frequency: 100}, task)
	require.NoError(t, err)
	require.NoError(t, l.Start(0))
	l.Stop()
	assert.Equal(t, int32(1), task.teardowns.Load())

	failing := &hookTask{setupErr: errors.New("bus not open")}
	l, err = New(Config{Name: "broken", Frequency: 100, Patience: 200 * time.Millisecond}, failing)
	require.NoError(t, err)
	err = l.Start(0)
	var se *worker.StartupError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "broken", se.Name)
	assert.False(t, l.Started())
	assert.Zero(t, failing.n.Load())
	assert.Zero(t, failing.teardowns.Load(), "teardown only follows a successful setup")
}

func TestTaskFunc(t *testing.T) {
	var called bool
	TaskFunc(func(context.Context) { called = true }).Atomic(t.Context())
	assert.True(t, called)
}
