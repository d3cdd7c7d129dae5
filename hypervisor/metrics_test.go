package hypervisor

import (
	"testing"
	"time"
)

func TestMetricsRoundTrip(t *testing.T) {
	ResetMetrics()

	metrics := GetMetrics()
	if metrics.ChannelsOpened != 0 {
		t.Errorf("expected ChannelsOpened=0 after reset, got %d", metrics.ChannelsOpened)
	}

	recordChannelOpen(10 * time.Millisecond)
	recordVCPUCreate()
	recordMapOperation()
	recordMapOperation()
	recordUnmapOperation()
	recordRegisterOp()
	recordPhysRead()
	recordPhysWrite()
	recordInjection()
	recordRun(5 * time.Millisecond)
	recordResourceError()

	metrics = GetMetrics()
	switch {
	case metrics.ChannelsOpened != 1:
		t.Errorf("ChannelsOpened = %d, want 1", metrics.ChannelsOpened)
	case metrics.VCPUCreated != 1:
		t.Errorf("VCPUCreated = %d, want 1", metrics.VCPUCreated)
	case metrics.MapOperations != 2:
		t.Errorf("MapOperations = %d, want 2", metrics.MapOperations)
	case metrics.UnmapOperations != 1:
		t.Errorf("UnmapOperations = %d, want 1", metrics.UnmapOperations)
	case metrics.RegisterOps != 1:
		t.Errorf("RegisterOps = %d, want 1", metrics.RegisterOps)
	case metrics.PhysicalReads != 1:
		t.Errorf("PhysicalReads = %d, want 1", metrics.PhysicalReads)
	case metrics.PhysicalWrites != 1:
		t.Errorf("PhysicalWrites = %d, want 1", metrics.PhysicalWrites)
	case metrics.Injections != 1:
		t.Errorf("Injections = %d, want 1", metrics.Injections)
	case metrics.RunOperations != 1:
		t.Errorf("RunOperations = %d, want 1", metrics.RunOperations)
	case metrics.ResourceErrors != 1:
		t.Errorf("ResourceErrors = %d, want 1", metrics.ResourceErrors)
	}
	if metrics.AvgOpenTimeNs == 0 {
		t.Error("expected non-zero AvgOpenTimeNs")
	}
	if metrics.AvgRunTimeNs == 0 {
		t.Error("expected non-zero AvgRunTimeNs")
	}

	ResetMetrics()
	metrics = GetMetrics()
	if metrics.ChannelsOpened != 0 || metrics.RunOperations != 0 {
		t.Error("expected all counters zero after ResetMetrics")
	}
}
