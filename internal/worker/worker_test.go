package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/graybot-core/internal/infrastructure/logging"
)

var errSetup = errors.New("setup exploded")

// blockingRun returns a Run hook that counts invocations and blocks until cancelled.
func blockingRun(calls *atomic.Int32) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		calls.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestThread_InitialState(t *testing.T) {
	th := New("idle", Hooks{})
	assert.False(t, th.Started())
	assert.False(t, th.Running())
	assert.False(t, th.Paused())
	assert.True(t, th.Stopped())
	assert.Equal(t, StatusStopped, th.Status())
	assert.Equal(t, "idle", th.Name())
}

func TestThread_Lifecycle(t *testing.T) {
	var calls atomic.Int32
	th := New("life", Hooks{Run: blockingRun(&calls)})

	require.NoError(t, th.Start(300*time.Millisecond))
	assert.True(t, th.Started())
	assert.True(t, th.Running())
	assert.Equal(t, StatusRunning, th.Status())

	th.Pause()
	assert.False(t, th.Running())
	assert.True(t, th.Paused())
	assert.Equal(t, StatusPaused, th.Status())

	th.Resume()
	assert.True(t, th.Running())
	assert.False(t, th.Paused())

	th.Stop()
	assert.False(t, th.Started())
	assert.False(t, th.Running())
	assert.False(t, th.Paused())
	assert.True(t, th.Stopped())

	th.Stop()
	assert.True(t, th.Stopped(), "stop is idempotent")
}

func TestThread_StopFromPaused(t *testing.T) {
	var calls atomic.Int32
	th := New("paused", Hooks{Run: blockingRun(&calls)})
	require.NoError(t, th.Start(300*time.Millisecond))
	th.Pause()
	th.Stop()
	assert.False(t, th.Paused())
	assert.True(t, th.Stopped())
}

func TestThread_PauseIgnoredWhenStopped(t *testing.T) {
	th := New("p", Hooks{})
	th.Pause()
	assert.False(t, th.Paused())
}

func TestThread_DoubleStartSingleWorker(t *testing.T) {
	var calls atomic.Int32
	th := New("twice", Hooks{Run: blockingRun(&calls)})
	t.Cleanup(th.Stop)

	require.NoError(t, th.Start(300*time.Millisecond))
	require.NoError(t, th.Start(300*time.Millisecond))

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestThread_SetupFailure(t *testing.T) {
	var runs atomic.Int32
	th := New("bad_setup", Hooks{
		Setup: func(context.Context) error {
			time.Sleep(250 * time.Millisecond)
			return errSetup
		},
		Run: blockingRun(&runs),
	})

	err := th.Start(300 * time.Millisecond)
	var se *StartupError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "bad_setup", se.Name)
	assert.ErrorIs(t, err, errSetup)

	time.Sleep(250 * time.Millisecond)
	assert.False(t, th.Started())
	assert.False(t, th.Paused())
	assert.Equal(t, int32(0), runs.Load())
	assert.ErrorIs(t, th.LastError(), errSetup)
}

func TestThread_SetupTimeout(t *testing.T) {
	var runs, teardowns atomic.Int32
	th := New("slow_setup", Hooks{
		Setup: func(context.Context) error {
			time.Sleep(time.Second)
			return nil
		},
		Run:      blockingRun(&runs),
		Teardown: func() { teardowns.Add(1) },
	})

	start := time.Now()
	err := th.Start(300 * time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrStartupTimeout)
	var se *StartupError
	require.ErrorAs(t, err, &se)
	assert.Less(t, elapsed, 600*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.False(t, th.Started())

	// The late worker finishes setup, tears down and never runs.
	th.Stop()
	assert.Equal(t, int32(0), runs.Load())
	assert.Equal(t, int32(1), teardowns.Load())
	assert.False(t, th.Running())
}

func TestThread_SetupPanic(t *testing.T) {
	th := New("panicky", Hooks{Setup: func(context.Context) error { panic("boom") }})
	err := th.Start(300 * time.Millisecond)
	var se *StartupError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, err.Error(), "boom")
}

func TestThread_CrashIsolation(t *testing.T) {
	rec := logging.NewRecorder()
	var teardowns atomic.Int32
	th := New("crasher", Hooks{
		Run: func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			return errors.New("transport on fire")
		},
		Teardown: func() { teardowns.Add(1) },
	})
	th.SetLogger(rec.Logger())

	require.NoError(t, th.Start(300*time.Millisecond), "crash never reaches the caller of Start")
	require.Eventually(t, th.Stopped, time.Second, 5*time.Millisecond)

	assert.False(t, th.Paused())
	assert.Equal(t, 1, rec.Count("thread crasher crashed"))
	assert.Equal(t, int32(1), teardowns.Load())
	assert.EqualError(t, th.LastError(), "transport on fire")
	th.Stop()
}

func TestThread_PanicInRun(t *testing.T) {
	rec := logging.NewRecorder()
	th := New("panics", Hooks{Run: func(context.Context) error { panic("nil map") }})
	th.SetLogger(rec.Logger())

	require.NoError(t, th.Start(300*time.Millisecond))
	require.Eventually(t, th.Stopped, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, rec.Count("thread panics crashed"))
}

func TestThread_CleanStopIsNotACrash(t *testing.T) {
	rec := logging.NewRecorder()
	var calls atomic.Int32
	th := New("clean", Hooks{Run: blockingRun(&calls)})
	th.SetLogger(rec.Logger())

	require.NoError(t, th.Start(300*time.Millisecond))
	th.Stop()
	assert.False(t, rec.Contains("crashed"))
}

func TestThread_Restart(t *testing.T) {
	var calls atomic.Int32
	th := New("again", Hooks{Run: blockingRun(&calls)})
	require.NoError(t, th.Start(300*time.Millisecond))
	th.Stop()
	require.NoError(t, th.Start(300*time.Millisecond))
	assert.True(t, th.Running())
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	th.Stop()
}

func TestStartupError_Message(t *testing.T) {
	err := &StartupError{Name: "sync_pos", Err: ErrStartupTimeout}
	assert.Equal(t, "thread sync_pos failed to start: worker: startup timed out", err.Error())
}
