package browser

import (
	"context"
	"time"
)

// CombineContext returns a context derived from primary that is also cancelled
// when secondary is. Values (the CDP target carried by a tab context) come from
// primary; secondary usually carries the caller's cancellation.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

// releaseContext bounds cleanup that must still reach the browser after ctx
// was cancelled or timed out. Values from ctx are kept.
func releaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
}

// withOperationTimeout ties ctx to the caller's deadline, if any, and then to
// a per-operation ceiling.
func withOperationTimeout(ctx, caller context.Context, ceiling time.Duration) (context.Context, context.CancelFunc) {
	combined, cancelCombined := CombineContext(ctx, caller)
	if dl, ok := caller.Deadline(); ok {
		var cancelDL context.CancelFunc
		combined, cancelDL = context.WithDeadline(combined, dl)
		inner := cancelCombined
		cancelCombined = func() { cancelDL(); inner() }
	}
	if ceiling <= 0 {
		return combined, cancelCombined
	}
	timed, cancelTimed := context.WithTimeout(combined, ceiling)
	return timed, func() {
		cancelTimed()
		cancelCombined()
	}
}
