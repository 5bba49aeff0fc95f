package testutil

import (
	"context"
	"testing"
	"time"
)

// Constants for timing out operations in tests. Most tests should finish
// well within WaitShort; the longer durations exist for tests that exercise
// sweeps and cross-component round trips.
const (
	WaitShort  = 10 * time.Second
	WaitMedium = 15 * time.Second
	WaitLong   = 25 * time.Second
)

// Constants for polling intervals in Eventually-style assertions.
const (
	IntervalFast = 25 * time.Millisecond
	IntervalSlow = 250 * time.Millisecond
)

// Context returns a context with the given timeout that is canceled on test
// cleanup.
func Context(t testing.TB, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
