package roster

import (
	"sync"
	"time"
)

// RecoveryTimer schedules a one-shot recovery action (eviction, autoplay)
// that can be cancelled exactly once. Firing after cancellation is a
// guaranteed no-op: the cancellation flag is checked under the timer's own
// lock before the body runs, and the body is expected to re-check relevance
// under the owning component's lock.
type RecoveryTimer struct {
	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool
}

// Schedule runs fn after d unless the timer is cancelled first.
func Schedule(d time.Duration, fn func()) *RecoveryTimer {
	rt := &RecoveryTimer{}
	rt.timer = time.AfterFunc(d, func() {
		rt.mu.Lock()
		if rt.cancelled {
			rt.mu.Unlock()
			return
		}
		rt.mu.Unlock()
		fn()
	})
	return rt
}

// Cancel stops the timer. Safe to race against its own firing and safe to
// call more than once; only the first call has any effect.
func (rt *RecoveryTimer) Cancel() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.cancelled {
		return
	}
	rt.cancelled = true
	rt.timer.Stop()
}
