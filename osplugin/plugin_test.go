package osplugin

import (
	"testing"

	"github.com/coredump-labs/vmicore/paging"
)

type stubPlugin struct {
	name    string
	probeOK bool
	probed  bool
}

func (s *stubPlugin) Name() string { return s.name }

func (s *stubPlugin) Probe(mem PhysicalMemory) bool {
	s.probed = true
	return s.probeOK
}

func (s *stubPlugin) ListProcs(mem PhysicalMemory, on func(ProcessID) bool) bool { return true }
func (s *stubPlugin) CurrentProc(mem PhysicalMemory, cr3 paging.Dtb) (ProcessID, bool) {
	return ProcessID{}, false
}
func (s *stubPlugin) GetProc(mem PhysicalMemory, name string) (ProcessID, bool) {
	return ProcessID{}, false
}
func (s *stubPlugin) ProcName(mem PhysicalMemory, proc ProcessID) (string, bool) { return "", false }
func (s *stubPlugin) ListMods(mem PhysicalMemory, proc ProcessID, on func(ModuleID) bool) bool {
	return true
}
func (s *stubPlugin) ModName(mem PhysicalMemory, proc ProcessID, mod ModuleID) (string, bool) {
	return "", false
}
func (s *stubPlugin) ModSpan(mem PhysicalMemory, proc ProcessID, mod ModuleID) (Span, bool) {
	return Span{}, false
}
func (s *stubPlugin) HasVirtual(proc ProcessID) bool { return false }
func (s *stubPlugin) VMAFind(mem PhysicalMemory, proc ProcessID, addr paging.VirtAddr) (VMA, bool) {
	return VMA{}, false
}
func (s *stubPlugin) VMASpan(mem PhysicalMemory, proc ProcessID, vma VMA) (Span, bool) {
	return Span{}, false
}
func (s *stubPlugin) IsKernelAddress(addr paging.VirtAddr) bool { return false }

func TestRegistryProbePicksFirstMatch(t *testing.T) {
	r := NewRegistry()
	a := &stubPlugin{name: "a", probeOK: false}
	b := &stubPlugin{name: "b", probeOK: true}
	c := &stubPlugin{name: "c", probeOK: true}

	r.Register(a)
	r.Register(b)
	r.Register(c)

	p, ok := r.Probe(nil)
	if !ok {
		t.Fatal("expected a match")
	}
	if p.Name() != "b" {
		t.Fatalf("got plugin %q, want %q", p.Name(), "b")
	}
	if !a.probed {
		t.Error("expected a's Probe to be tried before falling through to b")
	}
	if c.probed {
		t.Error("c should not have been probed once b matched")
	}
}

func TestRegistryProbeNoMatch(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubPlugin{name: "a", probeOK: false})
	r.Register(&stubPlugin{name: "b", probeOK: false})

	if _, ok := r.Probe(nil); ok {
		t.Fatal("expected no match")
	}
}
