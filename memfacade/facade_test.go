package memfacade

import (
	"context"
	"testing"

	"github.com/coredump-labs/vmicore/paging"
	"github.com/coredump-labs/vmicore/pagefault"
)

// fakeChannel is an in-memory Channel fake, mirroring paging_test.go's
// fakeMemory but also supporting WritePhysical.
type fakeChannel struct {
	bytes map[uint64]byte
	lastPT uint64 // PT table base from the most recent mapPage/mapNotPresent call
}

func newFakeChannel() *fakeChannel { return &fakeChannel{bytes: make(map[uint64]byte)} }

func (f *fakeChannel) ReadPhysical(dst []byte, phys uint64) bool {
	for i := range dst {
		dst[i] = f.bytes[phys+uint64(i)]
	}
	return true
}

func (f *fakeChannel) WritePhysical(phys uint64, src []byte) bool {
	for i, b := range src {
		f.bytes[phys+uint64(i)] = b
	}
	return true
}

func (f *fakeChannel) writeQword(phys, val uint64) {
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(val >> (8 * i))
	}
	f.WritePhysical(phys, buf[:])
}

// nextTableBase hands out non-overlapping 0x10000-sized regions for each
// synthetic PML4/PDPT/PD/PT chain a test builds, so independent calls
// never alias the same physical table.
var nextTableBase uint64 = 0x1000

func allocTableBase() uint64 {
	base := nextTableBase
	nextTableBase += 0x10000
	return base
}

func pte(pfn, flags uint64) uint64 { return flags | (pfn << 12) }

// mapPage wires a fresh PML4/PDPT/PD/PT chain mapping virt to leafPhys and
// returns its Dtb.
func (f *fakeChannel) mapPage(virt paging.VirtAddr, leafPhys uint64) paging.Dtb {
	const validWU = 1 | 2 | 4 // Valid|Writable|User
	pml4Base, pdptBase, pdBase, ptBase := f.allocChain()
	f.writeQword(pml4Base+virt.PML4()*8, pte(pdptBase>>12, validWU))
	f.writeQword(pdptBase+virt.PDP()*8, pte(pdBase>>12, validWU))
	f.writeQword(pdBase+virt.PD()*8, pte(ptBase>>12, validWU))
	f.writeQword(ptBase+virt.PT()*8, pte(leafPhys>>12, validWU))
	f.lastPT = ptBase
	return paging.Dtb(pml4Base)
}

// mapNotPresent wires a fresh PML4/PDPT/PD chain but leaves the PTE slot
// at zero, so a walk reports paging.ZeroPage (untouched entry) there.
func (f *fakeChannel) mapNotPresent(virt paging.VirtAddr) paging.Dtb {
	const validWU = 1 | 2 | 4
	pml4Base, pdptBase, pdBase, ptBase := f.allocChain()
	f.writeQword(pml4Base+virt.PML4()*8, pte(pdptBase>>12, validWU))
	f.writeQword(pdptBase+virt.PDP()*8, pte(pdBase>>12, validWU))
	f.writeQword(pdBase+virt.PD()*8, pte(ptBase>>12, validWU))
	f.lastPT = ptBase
	return paging.Dtb(pml4Base)
}

func (f *fakeChannel) allocChain() (pml4, pdpt, pd, pt uint64) {
	return allocTableBase(), allocTableBase(), allocTableBase(), allocTableBase()
}

type fakeProcess struct{ kdtb, udtb paging.Dtb }

func (p fakeProcess) KernelDtb() paging.Dtb { return p.kdtb }
func (p fakeProcess) UserDtb() paging.Dtb   { return p.udtb }

// fakeInjector records whether Inject was called and, when materialize is
// set, calls it to write a real PTE for the target page, simulating the
// guest's fault handler running to completion.
type fakeInjector struct {
	calls    int
	refusal  pagefault.Refusal
	err      error
	materialize func()
}

func (f *fakeInjector) Inject(ctx context.Context, proc pagefault.Process, src paging.VirtAddr) (pagefault.Refusal, error) {
	f.calls++
	if f.refusal != pagefault.RefusedNone || f.err != nil {
		return f.refusal, f.err
	}
	if f.materialize != nil {
		f.materialize()
	}
	return pagefault.RefusedNone, nil
}

func TestReadMappedPage(t *testing.T) {
	ch := newFakeChannel()
	virt := paging.VirtAddr(0x7FFE_0000)
	ch.WritePhysical(0x50000, []byte("deadbeef"))
	dtb := ch.mapPage(virt, 0x50000)

	f := New(ch, nil)
	dst := make([]byte, 8)
	if !f.Read(context.Background(), dst, virt, WithDtb(dtb)) {
		t.Fatal("Read() = false, want true")
	}
	if string(dst) != "deadbeef" {
		t.Errorf("Read() = %q, want %q", dst, "deadbeef")
	}
}

func TestReadZeroPage(t *testing.T) {
	ch := newFakeChannel()
	virt := paging.VirtAddr(0x7FFE_1000)
	dtb := ch.mapNotPresent(virt)

	f := New(ch, nil)
	dst := []byte{1, 2, 3, 4}
	if !f.Read(context.Background(), dst, virt, WithDtb(dtb)) {
		t.Fatal("Read() = false, want true")
	}
	for _, b := range dst {
		if b != 0 {
			t.Fatalf("Read() = %v, want all zero", dst)
		}
	}
}

func TestReadFaultInjectsAndRetries(t *testing.T) {
	ch := newFakeChannel()
	virt := paging.VirtAddr(0x7FFE_2000)
	dtb := ch.mapNotPresent(virt)
	ptBase := ch.lastPT
	// Overwrite the PTE with an invalid-but-nonzero pattern so the walk
	// reports Fault (not the ZeroPage shortcut).
	ch.writeQword(ptBase+virt.PT()*8, 0xdead0000)
	ch.WritePhysical(0x60000, []byte("resolved"))

	inj := &fakeInjector{materialize: func() {
		ch.writeQword(ptBase+virt.PT()*8, pte(0x60000>>12, 1|2|4))
	}}
	f := New(ch, inj)

	dst := make([]byte, 8)
	if !f.Read(context.Background(), dst, virt, WithDtb(dtb)) {
		t.Fatal("Read() = false, want true")
	}
	if string(dst) != "resolved" {
		t.Errorf("Read() = %q, want %q", dst, "resolved")
	}
	if inj.calls != 1 {
		t.Errorf("Inject called %d times, want 1", inj.calls)
	}
}

func TestReadFaultRefusedFails(t *testing.T) {
	ch := newFakeChannel()
	virt := paging.VirtAddr(0x7FFE_3000)
	dtb := ch.mapNotPresent(virt)
	ch.writeQword(ch.lastPT+virt.PT()*8, 0xdead0000)

	inj := &fakeInjector{refusal: pagefault.RefusedNoVMA}
	f := New(ch, inj)

	dst := make([]byte, 8)
	if f.Read(context.Background(), dst, virt, WithDtb(dtb)) {
		t.Fatal("Read() = true, want false on refused injection")
	}
}

func TestSwitchProcessSelectsKernelOrUserDtb(t *testing.T) {
	ch := newFakeChannel()

	userVirt := paging.VirtAddr(0x7FFE_0000)
	kernelVirt := paging.VirtAddr(0xFFFF_F800_0000_0000)
	ch.WritePhysical(0x70000, []byte("user-data"))
	ch.WritePhysical(0x80000, []byte("kern-data"))
	udtb := ch.mapPage(userVirt, 0x70000)
	kdtb := ch.mapPage(kernelVirt, 0x80000)
	proc := fakeProcess{kdtb: kdtb, udtb: udtb}

	f := New(ch, nil)
	scope := f.SwitchProcess(proc)
	defer scope.Release()

	dst := make([]byte, 9)
	if !f.Read(context.Background(), dst, userVirt) {
		t.Fatal("Read(userVirt) = false under scope")
	}
	if string(dst) != "user-data" {
		t.Errorf("Read(userVirt) = %q, want %q", dst, "user-data")
	}

	if !f.Read(context.Background(), dst, kernelVirt) {
		t.Fatal("Read(kernelVirt) = false under scope")
	}
	if string(dst) != "kern-data" {
		t.Errorf("Read(kernelVirt) = %q, want %q", dst, "kern-data")
	}
}

func TestScopeReleaseRestoresPriorContext(t *testing.T) {
	ch := newFakeChannel()
	outer := fakeProcess{udtb: 0x1000}
	inner := fakeProcess{udtb: 0x2000}

	f := New(ch, nil)
	outerScope := f.SwitchProcess(outer)
	innerScope := f.SwitchProcess(inner)

	_, proc, ok := f.resolve(paging.VirtAddr(0x1234), nil)
	if !ok || proc != Process(inner) {
		t.Fatalf("resolve() during inner scope = %v, want inner process", proc)
	}

	innerScope.Release()
	innerScope.Release() // idempotent

	_, proc, ok = f.resolve(paging.VirtAddr(0x1234), nil)
	if !ok || proc != Process(outer) {
		t.Fatalf("resolve() after inner release = %v, want outer process", proc)
	}

	outerScope.Release()
	if _, _, ok = f.resolve(paging.VirtAddr(0x1234), nil); ok {
		t.Fatal("resolve() after all scopes released should fail without an explicit Dtb")
	}
}

func TestUpdateClearsZeroPageCache(t *testing.T) {
	ch := newFakeChannel()
	virt := paging.VirtAddr(0x9000)
	dtb := ch.mapNotPresent(virt)

	f := New(ch, nil)
	dst := make([]byte, 4)
	if !f.Read(context.Background(), dst, virt, WithDtb(dtb)) {
		t.Fatal("initial zero-page read failed")
	}
	if len(f.zeroPage) != 1 {
		t.Fatalf("zeroPage cache len = %d, want 1", len(f.zeroPage))
	}

	f.Update(BreakState{})
	if len(f.zeroPage) != 0 {
		t.Fatalf("zeroPage cache len after Update = %d, want 0", len(f.zeroPage))
	}
}

func TestWritePartialPageIsReadModifyWrite(t *testing.T) {
	ch := newFakeChannel()
	virt := paging.VirtAddr(0x7FFE_4000)
	ch.WritePhysical(0x90000, []byte("0123456789ABCDEF"))
	dtb := ch.mapPage(virt, 0x90000)

	f := New(ch, nil)
	if !f.Write(context.Background(), virt+4, []byte("XXXX"), WithDtb(dtb)) {
		t.Fatal("Write() = false, want true")
	}

	got := make([]byte, 16)
	ch.ReadPhysical(got, 0x90000)
	want := "0123XXXX89ABCDEF"
	if string(got) != want {
		t.Errorf("after partial write = %q, want %q", got, want)
	}
}
