package web

import (
	"context"
	"time"
)

// padLatency sleeps until the handler's total wall-clock time reaches the next
// multiple of unit, compressing the timing gap between fast-reject and
// full-check paths. The sleep respects cancellation and never holds a lock.
func padLatency(ctx context.Context, started time.Time, unit time.Duration, now func() time.Time) {
	if unit <= 0 {
		return
	}

	elapsed := now().Sub(started)
	remainder := elapsed % unit
	if remainder == 0 {
		return
	}

	timer := time.NewTimer(unit - remainder)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
