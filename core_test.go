package vmicore

import (
	"context"
	"testing"

	"github.com/coredump-labs/vmicore/hypervisor"
	"github.com/coredump-labs/vmicore/memfacade"
	"github.com/coredump-labs/vmicore/osplugin"
	"github.com/coredump-labs/vmicore/osplugin/winguest"
	"github.com/coredump-labs/vmicore/paging"
)

func TestConfigSetDefaults(t *testing.T) {
	var cfg Config
	cfg.setDefaults()

	if cfg.VCPUs != 1 {
		t.Errorf("VCPUs = %d, want 1", cfg.VCPUs)
	}
	if cfg.KernelBase != winguest.DefaultKernelBase {
		t.Errorf("KernelBase = %#x, want %#x", cfg.KernelBase, winguest.DefaultKernelBase)
	}
	if cfg.Logger == nil {
		t.Error("Logger defaulted to nil")
	}

	cfg2 := Config{VCPUs: 4, KernelBase: 0xffff800000000000}
	cfg2.setDefaults()
	if cfg2.VCPUs != 4 {
		t.Errorf("explicit VCPUs overwritten: got %d", cfg2.VCPUs)
	}
	if cfg2.KernelBase != 0xffff800000000000 {
		t.Errorf("explicit KernelBase overwritten: got %#x", cfg2.KernelBase)
	}
}

// vmaStubPlugin implements osplugin.Plugin with only VMAFind/VMASpan
// wired; every other method returns a zero value, matching the style the
// osplugin package itself tests the Registry with.
type vmaStubPlugin struct {
	vma  osplugin.VMA
	span osplugin.Span
	ok   bool
}

func (s *vmaStubPlugin) Name() string                                { return "stub" }
func (s *vmaStubPlugin) Probe(mem osplugin.PhysicalMemory) bool      { return true }
func (s *vmaStubPlugin) ListProcs(osplugin.PhysicalMemory, func(osplugin.ProcessID) bool) bool {
	return false
}
func (s *vmaStubPlugin) CurrentProc(osplugin.PhysicalMemory, paging.Dtb) (osplugin.ProcessID, bool) {
	return osplugin.ProcessID{}, false
}
func (s *vmaStubPlugin) GetProc(osplugin.PhysicalMemory, string) (osplugin.ProcessID, bool) {
	return osplugin.ProcessID{}, false
}
func (s *vmaStubPlugin) ProcName(osplugin.PhysicalMemory, osplugin.ProcessID) (string, bool) {
	return "", false
}
func (s *vmaStubPlugin) ListMods(osplugin.PhysicalMemory, osplugin.ProcessID, func(osplugin.ModuleID) bool) bool {
	return false
}
func (s *vmaStubPlugin) ModName(osplugin.PhysicalMemory, osplugin.ProcessID, osplugin.ModuleID) (string, bool) {
	return "", false
}
func (s *vmaStubPlugin) ModSpan(osplugin.PhysicalMemory, osplugin.ProcessID, osplugin.ModuleID) (osplugin.Span, bool) {
	return osplugin.Span{}, false
}
func (s *vmaStubPlugin) HasVirtual(osplugin.ProcessID) bool { return false }
func (s *vmaStubPlugin) VMAFind(mem osplugin.PhysicalMemory, proc osplugin.ProcessID, addr paging.VirtAddr) (osplugin.VMA, bool) {
	return s.vma, s.ok
}
func (s *vmaStubPlugin) VMASpan(mem osplugin.PhysicalMemory, proc osplugin.ProcessID, vma osplugin.VMA) (osplugin.Span, bool) {
	return s.span, s.ok
}
func (s *vmaStubPlugin) IsKernelAddress(addr paging.VirtAddr) bool { return false }

// foreignProcess satisfies pagefault.Process without being an
// osplugin.ProcessID, exercising the adapter's type-assertion guard.
type foreignProcess struct{}

func (foreignProcess) KernelDtb() paging.Dtb { return 0 }
func (foreignProcess) UserDtb() paging.Dtb   { return 0 }

func TestVMAResolverFindSpan(t *testing.T) {
	plugin := &vmaStubPlugin{
		vma:  osplugin.VMA{Handle: 0x1000},
		span: osplugin.Span{Addr: 0x7ffe0000, Size: 0x2000},
		ok:   true,
	}
	r := &vmaResolver{plugin: plugin, mem: nil}

	base, size, ok := r.FindSpan(osplugin.ProcessID{KDTB: 1, UDTB: 2}, 0x7ffe0100)
	if !ok {
		t.Fatal("expected FindSpan to succeed for a matching osplugin.ProcessID")
	}
	if base != 0x7ffe0000 || size != 0x2000 {
		t.Errorf("FindSpan = (%#x, %#x), want (0x7ffe0000, 0x2000)", base, size)
	}

	if _, _, ok := r.FindSpan(foreignProcess{}, 0x7ffe0100); ok {
		t.Error("expected FindSpan to refuse a pagefault.Process that isn't an osplugin.ProcessID")
	}
}

func TestVMAResolverFindSpanNoMatch(t *testing.T) {
	plugin := &vmaStubPlugin{ok: false}
	r := &vmaResolver{plugin: plugin, mem: nil}

	if _, _, ok := r.FindSpan(osplugin.ProcessID{}, 0); ok {
		t.Error("expected FindSpan to fail when VMAFind reports no match")
	}
}

func TestMetricsAggregatesAllLayers(t *testing.T) {
	hypervisor.ResetMetrics()

	c := &Core{}
	m := c.Metrics()

	if m.Hypervisor.ChannelsOpened != hypervisor.GetMetrics().ChannelsOpened {
		t.Errorf("Metrics() did not read through to hypervisor.GetMetrics()")
	}
}

// TestNewWithoutPopulatedGuest exercises the full setup path against a
// real KVM channel. A freshly created vCPU has CR3 == 0, which no NT
// guest ever uses, so the winguest plugin's Probe is expected to fail and
// New to return ErrOsPluginUnavailable — this is the documented
// consequence of New assuming the guest's page tables are already
// populated (see New's doc comment).
func TestNewWithoutPopulatedGuest(t *testing.T) {
	ok, err := hypervisor.Supported()
	if err != nil || !ok {
		t.Skip("/dev/kvm not available in this environment")
	}

	_, err = New(context.Background(), Config{})
	if err == nil {
		t.Fatal("expected New to fail against an unpopulated guest")
	}
}

// fakeMemChannel is an in-memory memfacade.Channel fake, mirroring
// memfacade's own test fake, used here to exercise Core.Read/Write's dtb=0
// scope-stack resolution without a real hypervisor.Channel.
type fakeMemChannel struct {
	bytes map[uint64]byte
}

func newFakeMemChannel() *fakeMemChannel { return &fakeMemChannel{bytes: make(map[uint64]byte)} }

func (f *fakeMemChannel) ReadPhysical(dst []byte, phys uint64) bool {
	for i := range dst {
		dst[i] = f.bytes[phys+uint64(i)]
	}
	return true
}

func (f *fakeMemChannel) WritePhysical(phys uint64, src []byte) bool {
	for i, b := range src {
		f.bytes[phys+uint64(i)] = b
	}
	return true
}

func (f *fakeMemChannel) writeQword(phys, val uint64) {
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(val >> (8 * i))
	}
	f.WritePhysical(phys, buf[:])
}

// mapPage wires a single page-aligned PML4/PDPT/PD/PT chain mapping virt to
// leafPhys, rooted at base, and returns its Dtb. Callers must give each
// mapping a base far enough apart (e.g. 0x10000) that the four tables never
// overlap.
func (f *fakeMemChannel) mapPage(virt paging.VirtAddr, leafPhys, base uint64) paging.Dtb {
	const validWU = 1 | 2 | 4 // Valid|Writable|User
	pml4Base, pdptBase, pdBase, ptBase := base, base+0x1000, base+0x2000, base+0x3000
	pte := func(pfn, flags uint64) uint64 { return flags | (pfn << 12) }
	f.writeQword(pml4Base+virt.PML4()*8, pte(pdptBase>>12, validWU))
	f.writeQword(pdptBase+virt.PDP()*8, pte(pdBase>>12, validWU))
	f.writeQword(pdBase+virt.PD()*8, pte(ptBase>>12, validWU))
	f.writeQword(ptBase+virt.PT()*8, pte(leafPhys>>12, validWU))
	return paging.Dtb(pml4Base)
}

// TestCoreSwitchProcessThenReadResolvesScopeDtb proves SwitchProcess is not
// a dead no-op at Core's public surface: Read called with dtb == 0 must
// resolve through the scope SwitchProcess pushed, exactly as Core.Read's
// and SwitchProcess's doc comments promise.
func TestCoreSwitchProcessThenReadResolvesScopeDtb(t *testing.T) {
	ch := newFakeMemChannel()
	virt := paging.VirtAddr(0x7FFE_0000)
	ch.WritePhysical(0x50000, []byte("scoped!!"))
	udtb := ch.mapPage(virt, 0x50000, 0x10000)

	c := &Core{facade: memfacade.New(ch, nil)}

	scope := c.SwitchProcess(osplugin.ProcessID{UDTB: udtb})
	defer scope.Release()

	dst := make([]byte, 8)
	if !c.Read(dst, virt, 0) {
		t.Fatal("Read(dtb=0) under an active scope = false, want true")
	}
	if string(dst) != "scoped!!" {
		t.Errorf("Read(dtb=0) = %q, want %q", dst, "scoped!!")
	}
}

// TestCoreReadExplicitDtbBypassesScope proves a non-zero dtb still takes
// priority over any active scope, per Read's documented dtb=0 convention.
func TestCoreReadExplicitDtbBypassesScope(t *testing.T) {
	ch := newFakeMemChannel()
	virt := paging.VirtAddr(0x7FFE_0000)
	ch.WritePhysical(0x50000, []byte("scoped!!"))
	ch.WritePhysical(0x60000, []byte("explicit"))
	scopeDtb := ch.mapPage(virt, 0x50000, 0x10000)
	explicitDtb := ch.mapPage(virt, 0x60000, 0x20000)

	c := &Core{facade: memfacade.New(ch, nil)}

	scope := c.SwitchProcess(osplugin.ProcessID{UDTB: scopeDtb})
	defer scope.Release()

	dst := make([]byte, 8)
	if !c.Read(dst, virt, explicitDtb) {
		t.Fatal("Read(explicitDtb) under an active scope = false, want true")
	}
	if string(dst) != "explicit" {
		t.Errorf("Read(explicitDtb) = %q, want %q", dst, "explicit")
	}
}
