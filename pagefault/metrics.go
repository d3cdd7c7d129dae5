package pagefault

import "sync/atomic"

var (
	injectionsAttempted uint64
	injectionsSucceeded uint64
	injectionsRefused   uint64
	nestedFaultTotal    uint64
)

// Metrics is a point-in-time snapshot of Injector activity across every
// Injector instance in this process.
type Metrics struct {
	Attempted uint64 `json:"injections_attempted"`
	Succeeded uint64 `json:"injections_succeeded"`
	Refused   uint64 `json:"injections_refused"`
	AvgNested uint64 `json:"avg_nested_faults"`
}

// GetMetrics returns the current injector-level metrics snapshot.
func GetMetrics() Metrics {
	attempted := atomic.LoadUint64(&injectionsAttempted)
	var avgNested uint64
	if attempted > 0 {
		avgNested = atomic.LoadUint64(&nestedFaultTotal) / attempted
	}
	return Metrics{
		Attempted: attempted,
		Succeeded: atomic.LoadUint64(&injectionsSucceeded),
		Refused:   atomic.LoadUint64(&injectionsRefused),
		AvgNested: avgNested,
	}
}

// ResetMetrics clears all injector-level metrics.
func ResetMetrics() {
	atomic.StoreUint64(&injectionsAttempted, 0)
	atomic.StoreUint64(&injectionsSucceeded, 0)
	atomic.StoreUint64(&injectionsRefused, 0)
	atomic.StoreUint64(&nestedFaultTotal, 0)
}

func recordInjectionAttempt()          { atomic.AddUint64(&injectionsAttempted, 1) }
func recordInjectionSuccess(nested int) {
	atomic.AddUint64(&injectionsSucceeded, 1)
	atomic.AddUint64(&nestedFaultTotal, uint64(nested))
}
func recordInjectionRefused() { atomic.AddUint64(&injectionsRefused, 1) }
