// Package loop provides a rate-controlled periodic scheduler with overrun
// detection, built on worker.Thread.
//
// Usage:
//
//	l, err := loop.New(loop.Config{Name: "read_pos", Frequency: 100}, task)
//	if err != nil {
//	    return err
//	}
//	l.SetLogger(logger)
//	l.SetWarning(85) // same as 0.85
//	if err := l.Start(0); err != nil {
//	    return err
//	}
//	defer l.Stop()
//
// Frequency is a target, not a guarantee: a cycle that takes longer than
// its period is logged and the next cycle starts immediately.
package loop
