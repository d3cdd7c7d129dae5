package exec

import "sync/atomic"

var (
	waitCount       uint64
	stepCount       uint64
	dispatchCount   uint64
	breakpointCount uint64
)

// Metrics is a point-in-time snapshot of Controller activity.
type Metrics struct {
	Waits           uint64 `json:"waits"`
	Steps           uint64 `json:"steps"`
	TasksDispatched uint64 `json:"tasks_dispatched"`
	Breakpoints     uint64 `json:"breakpoints_registered"`
}

// GetMetrics returns the current Controller-level metrics snapshot.
func GetMetrics() Metrics {
	return Metrics{
		Waits:           atomic.LoadUint64(&waitCount),
		Steps:           atomic.LoadUint64(&stepCount),
		TasksDispatched: atomic.LoadUint64(&dispatchCount),
		Breakpoints:     atomic.LoadUint64(&breakpointCount),
	}
}

// ResetMetrics clears all Controller-level metrics.
func ResetMetrics() {
	atomic.StoreUint64(&waitCount, 0)
	atomic.StoreUint64(&stepCount, 0)
	atomic.StoreUint64(&dispatchCount, 0)
	atomic.StoreUint64(&breakpointCount, 0)
}

func recordWait()       { atomic.AddUint64(&waitCount, 1) }
func recordStep()       { atomic.AddUint64(&stepCount, 1) }
func recordDispatch()   { atomic.AddUint64(&dispatchCount, 1) }
func recordBreakpoint() { atomic.AddUint64(&breakpointCount, 1) }
