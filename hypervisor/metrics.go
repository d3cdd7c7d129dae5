package hypervisor

import (
	"sync/atomic"
	"time"
)

// Operation counters and timing/error accumulators for the Channel.
var (
	channelOpenCount  uint64
	channelCloseCount uint64
	vcpuCreateCount   uint64
	mapOperations     uint64
	unmapOperations   uint64
	registerOps       uint64
	runOperations     uint64
	physReads         uint64
	physWrites        uint64
	injections        uint64

	totalOpenTime uint64
	totalRunTime  uint64

	resourceErrors uint64
)

// Metrics is a point-in-time snapshot of Channel activity.
type Metrics struct {
	ChannelsOpened   uint64 `json:"channels_opened"`
	ChannelsClosed   uint64 `json:"channels_closed"`
	VCPUCreated      uint64 `json:"vcpu_created"`
	MapOperations    uint64 `json:"map_operations"`
	UnmapOperations  uint64 `json:"unmap_operations"`
	RegisterOps      uint64 `json:"register_operations"`
	RunOperations    uint64 `json:"run_operations"`
	PhysicalReads    uint64 `json:"physical_reads"`
	PhysicalWrites   uint64 `json:"physical_writes"`
	Injections       uint64 `json:"interrupt_injections"`
	AvgOpenTimeNs    uint64 `json:"avg_open_time_ns"`
	AvgRunTimeNs     uint64 `json:"avg_run_time_ns"`
	ResourceErrors   uint64 `json:"resource_errors"`
}

// GetMetrics returns the current Channel-level metrics snapshot.
func GetMetrics() Metrics {
	opened := atomic.LoadUint64(&channelOpenCount)
	runOps := atomic.LoadUint64(&runOperations)

	var avgOpen, avgRun uint64
	if opened > 0 {
		avgOpen = atomic.LoadUint64(&totalOpenTime) / opened
	}
	if runOps > 0 {
		avgRun = atomic.LoadUint64(&totalRunTime) / runOps
	}

	return Metrics{
		ChannelsOpened:  opened,
		ChannelsClosed:  atomic.LoadUint64(&channelCloseCount),
		VCPUCreated:     atomic.LoadUint64(&vcpuCreateCount),
		MapOperations:   atomic.LoadUint64(&mapOperations),
		UnmapOperations: atomic.LoadUint64(&unmapOperations),
		RegisterOps:     atomic.LoadUint64(&registerOps),
		RunOperations:   runOps,
		PhysicalReads:   atomic.LoadUint64(&physReads),
		PhysicalWrites:  atomic.LoadUint64(&physWrites),
		Injections:      atomic.LoadUint64(&injections),
		AvgOpenTimeNs:   avgOpen,
		AvgRunTimeNs:    avgRun,
		ResourceErrors:  atomic.LoadUint64(&resourceErrors),
	}
}

// ResetMetrics clears all Channel-level metrics.
func ResetMetrics() {
	atomic.StoreUint64(&channelOpenCount, 0)
	atomic.StoreUint64(&channelCloseCount, 0)
	atomic.StoreUint64(&vcpuCreateCount, 0)
	atomic.StoreUint64(&mapOperations, 0)
	atomic.StoreUint64(&unmapOperations, 0)
	atomic.StoreUint64(&registerOps, 0)
	atomic.StoreUint64(&runOperations, 0)
	atomic.StoreUint64(&physReads, 0)
	atomic.StoreUint64(&physWrites, 0)
	atomic.StoreUint64(&injections, 0)
	atomic.StoreUint64(&totalOpenTime, 0)
	atomic.StoreUint64(&totalRunTime, 0)
	atomic.StoreUint64(&resourceErrors, 0)
}

func recordChannelOpen(d time.Duration) {
	atomic.AddUint64(&channelOpenCount, 1)
	atomic.AddUint64(&totalOpenTime, uint64(d.Nanoseconds()))
}

func recordChannelClose()  { atomic.AddUint64(&channelCloseCount, 1) }
func recordVCPUCreate()    { atomic.AddUint64(&vcpuCreateCount, 1) }
func recordMapOperation()  { atomic.AddUint64(&mapOperations, 1) }
func recordUnmapOperation() { atomic.AddUint64(&unmapOperations, 1) }
func recordRegisterOp()    { atomic.AddUint64(&registerOps, 1) }
func recordPhysRead()      { atomic.AddUint64(&physReads, 1) }
func recordPhysWrite()     { atomic.AddUint64(&physWrites, 1) }
func recordInjection()     { atomic.AddUint64(&injections, 1) }

func recordRun(d time.Duration) {
	atomic.AddUint64(&runOperations, 1)
	atomic.AddUint64(&totalRunTime, uint64(d.Nanoseconds()))
}

func recordResourceError() { atomic.AddUint64(&resourceErrors, 1) }
