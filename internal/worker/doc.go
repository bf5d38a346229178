// Package worker provides supervised background threads.
//
// A Thread runs caller-supplied hooks in its own goroutine:
//
//	th := worker.New("sync_pos", worker.Hooks{
//	    Setup:    func(ctx context.Context) error { return openSomething(ctx) },
//	    Run:      func(ctx context.Context) error { <-ctx.Done(); return nil },
//	    Teardown: func() { closeSomething() },
//	})
//	if err := th.Start(500 * time.Millisecond); err != nil {
//	    var se *worker.StartupError
//	    errors.As(err, &se)
//	}
//	defer th.Stop()
//
// Start waits at most the given patience for Setup. A thread that fails or
// times out in Setup stays stopped; the goroutine is cancelled and never
// reported as running even if Setup completes later. A crash in Run (an
// error or a panic) is logged as "thread <name> crashed" and the thread
// becomes stopped; the caller of Start never sees it.
package worker
