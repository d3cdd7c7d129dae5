// Package memfacade provides per-process guest memory access: paged
// reads and writes that transparently resolve demand-paged pages via a
// Page-Fault Injector, and a scoped DTB-switching handle modeled as a
// context-guard idiom rather than a destructor.
package memfacade

import (
	"context"
	"sync"

	"github.com/coredump-labs/vmicore/paging"
	"github.com/coredump-labs/vmicore/pagefault"
)

const pageSize = 4096

// Process is the identity a Scope or a page-at-a-time read resolves its
// effective DTB against. osplugin.ProcessID satisfies this.
type Process = pagefault.Process

// Channel is the subset of hypervisor.Channel the facade drives: raw
// guest-physical access. paging.Walk consumes the same interface, so a
// Facade and the walker always see the same guest-physical bytes.
type Channel interface {
	paging.PhysicalMemory
	WritePhysical(phys uint64, src []byte) bool
}

// Injector resolves a Fault translation by synthesizing a guest page
// fault and driving the guest until the page materializes.
// *pagefault.Injector satisfies this.
type Injector interface {
	Inject(ctx context.Context, proc pagefault.Process, src paging.VirtAddr) (pagefault.Refusal, error)
}

// BreakState is the subset of exec.BreakState the facade's invalidation
// hook needs. Kept narrow so memfacade does not import package exec.
type BreakState struct {
	Rip uint64
	Cr3 uint64
}

// zeroPageKey identifies one page-aligned (dtb, virt) pair in the
// zero-page cache.
type zeroPageKey struct {
	dtb  paging.Dtb
	page uint64
}

// Facade implements §4.D of the engine: per-process context switching,
// page-at-a-time reads/writes, and virt→phys exposure, all built on top
// of a pure paging.Walk plus an Injector for the not-present case.
type Facade struct {
	mu       sync.Mutex
	ch       Channel
	injector Injector

	// procStack is the scope stack pushed by SwitchProcess/popped by
	// Scope.Release. The effective Dtb for an address still depends on
	// whether that address is kernel or user space, so the stack records
	// process identities rather than resolved Dtbs.
	procStack []Process

	// zeroPage remembers which (dtb, page) pairs the walker last reported
	// as ZeroPage, so a hot read loop can skip the walk. Update clears the
	// whole cache on every pause: the guest may have faulted a
	// previously-zero page in while stopped, and the next Read must not
	// serve stale zeros for it.
	zeroPage map[zeroPageKey]bool
}

// New constructs a Facade bound to ch, resolving faults through inj. inj
// may be nil, in which case Fault translations simply fail closed (useful
// for tests that only exercise mapped or zero-page reads).
func New(ch Channel, inj Injector) *Facade {
	return &Facade{ch: ch, injector: inj, zeroPage: make(map[zeroPageKey]bool)}
}

// Scope is returned by SwitchProcess; releasing it restores the process
// context that was effective before the switch. Nested switches form a
// stack, and Release is idempotent and safe under defer regardless of how
// the caller's scope exits.
type Scope struct {
	f        *Facade
	released bool
}

// Release pops this scope's process context off the facade's stack.
func (s *Scope) Release() {
	if s == nil || s.released {
		return
	}
	s.released = true
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	if n := len(s.f.procStack); n > 0 {
		s.f.procStack = s.f.procStack[:n-1]
	}
}

// effectiveDtb picks proc's kernel DTB for kernel addresses and its user
// DTB otherwise.
func effectiveDtb(proc Process, virt paging.VirtAddr) paging.Dtb {
	if pagefault.IsKernelAddress(virt) {
		return proc.KernelDtb()
	}
	return proc.UserDtb()
}

// SwitchProcess pushes proc's context onto the facade's scope stack;
// reads and writes issued without an explicit DTB resolve against proc
// until the returned Scope is released.
func (f *Facade) SwitchProcess(proc Process) *Scope {
	f.mu.Lock()
	f.procStack = append(f.procStack, proc)
	f.mu.Unlock()
	return &Scope{f: f}
}

// readConfig is what a ReadOption mutates.
type readConfig struct {
	dtb    paging.Dtb
	hasDtb bool
	proc   Process
}

// ReadOption customizes how Read/Write/VirtualToPhysical resolve the DTB
// and process context for one call, overriding the facade's current
// scope.
type ReadOption func(*readConfig)

// WithDtb pins the call to an explicit Dtb, bypassing the scope stack.
func WithDtb(dtb paging.Dtb) ReadOption {
	return func(c *readConfig) { c.dtb, c.hasDtb = dtb, true }
}

// WithProcess pins the call to proc's context for this call only,
// without pushing a Scope.
func WithProcess(proc Process) ReadOption {
	return func(c *readConfig) { c.proc = proc }
}

// resolve determines the Dtb and (if any) Process context a Read/Write at
// virt should use, consulting opts first, then the scope stack.
func (f *Facade) resolve(virt paging.VirtAddr, opts []ReadOption) (paging.Dtb, Process, bool) {
	var cfg readConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.hasDtb {
		return cfg.dtb, cfg.proc, true
	}

	proc := cfg.proc
	if proc == nil {
		f.mu.Lock()
		if n := len(f.procStack); n > 0 {
			proc = f.procStack[n-1]
		}
		f.mu.Unlock()
	}
	if proc == nil {
		return 0, nil, false
	}
	return effectiveDtb(proc, virt), proc, true
}

func pageKey(virt paging.VirtAddr) uint64 {
	return uint64(virt) &^ (pageSize - 1)
}

// readPage resolves and reads exactly one page-aligned page into dst
// (len(dst) must be pageSize). It is the unit of work Read splits into.
func (f *Facade) readPage(ctx context.Context, dst []byte, virt paging.VirtAddr, dtb paging.Dtb, proc Process) bool {
	key := zeroPageKey{dtb: dtb, page: pageKey(virt)}

	f.mu.Lock()
	cachedZero := f.zeroPage[key]
	f.mu.Unlock()
	if cachedZero {
		clear(dst)
		return true
	}

	t, ok := paging.Walk(f.ch, virt, dtb)
	if !ok {
		return false
	}
	switch t.Kind {
	case paging.Mapped:
		return f.ch.ReadPhysical(dst, uint64(t.Phys))
	case paging.ZeroPage:
		f.mu.Lock()
		f.zeroPage[key] = true
		f.mu.Unlock()
		clear(dst)
		return true
	default: // paging.Fault
		if f.injector == nil {
			return false
		}
		if refusal, err := f.injector.Inject(ctx, proc, virt); err != nil || refusal != pagefault.RefusedNone {
			return false
		}
		t2, ok := paging.Walk(f.ch, virt, dtb)
		if !ok || t2.Kind != paging.Mapped {
			return false
		}
		return f.ch.ReadPhysical(dst, uint64(t2.Phys))
	}
}

// writePage mirrors readPage but never takes the zero-page shortcut: a
// demand-zero PTE has no physical backing, so a write through it must
// fault the page in just like any other not-present entry.
func (f *Facade) writePage(ctx context.Context, src []byte, virt paging.VirtAddr, dtb paging.Dtb, proc Process) bool {
	t, ok := paging.Walk(f.ch, virt, dtb)
	if !ok {
		return false
	}
	if t.Kind == paging.Mapped {
		return f.ch.WritePhysical(uint64(t.Phys), src)
	}
	if f.injector == nil {
		return false
	}
	if refusal, err := f.injector.Inject(ctx, proc, virt); err != nil || refusal != pagefault.RefusedNone {
		return false
	}
	t2, ok := paging.Walk(f.ch, virt, dtb)
	if !ok || t2.Kind != paging.Mapped {
		return false
	}
	return f.ch.WritePhysical(uint64(t2.Phys), src)
}

// Read copies len(dst) bytes starting at srcVirt into dst, splitting the
// transfer into page-aligned chunks. Any page failure aborts with false;
// per §4.D this intentionally leaves the contents of pages already copied
// undefined rather than rolling them back.
func (f *Facade) Read(ctx context.Context, dst []byte, srcVirt paging.VirtAddr, opts ...ReadOption) bool {
	dtb, proc, ok := f.resolve(srcVirt, opts)
	if !ok {
		return false
	}

	var scratch [pageSize]byte
	virt := srcVirt
	off := 0
	for off < len(dst) {
		pageOff := int(virt.Offset())
		n := pageSize - pageOff
		if remaining := len(dst) - off; n > remaining {
			n = remaining
		}
		if !f.readPage(ctx, scratch[:], virt-paging.VirtAddr(pageOff), dtb, proc) {
			return false
		}
		copy(dst[off:off+n], scratch[pageOff:pageOff+n])
		off += n
		virt += paging.VirtAddr(n)
	}
	return true
}

// Write copies src into guest memory starting at dstVirt, mirroring Read's
// page-splitting loop.
func (f *Facade) Write(ctx context.Context, dstVirt paging.VirtAddr, src []byte, opts ...ReadOption) bool {
	dtb, proc, ok := f.resolve(dstVirt, opts)
	if !ok {
		return false
	}

	var scratch [pageSize]byte
	virt := dstVirt
	off := 0
	for off < len(src) {
		pageOff := int(virt.Offset())
		n := pageSize - pageOff
		if remaining := len(src) - off; n > remaining {
			n = remaining
		}
		if n != pageSize {
			// Partial page: read-modify-write so bytes outside [off,off+n)
			// on this page are preserved.
			if !f.readPage(ctx, scratch[:], virt-paging.VirtAddr(pageOff), dtb, proc) {
				return false
			}
		}
		copy(scratch[pageOff:pageOff+n], src[off:off+n])
		if !f.writePage(ctx, scratch[:], virt-paging.VirtAddr(pageOff), dtb, proc) {
			return false
		}
		off += n
		virt += paging.VirtAddr(n)
	}
	return true
}

// VirtualToPhysical resolves virt under dtb, injecting a page fault and
// retrying exactly once if the first walk reports Fault. No process
// context is available at this entry point (it mirrors the distilled
// spec's Core.virtual_to_physical, which takes no proc), so injection
// is always refused (RefusedNoProcess, or RefusedKernelAddress for a
// kernel address) and a faulted page surfaces as
// (0, false) here — callers that need injection should go through
// SwitchProcess + Read instead.
func (f *Facade) VirtualToPhysical(ctx context.Context, virt paging.VirtAddr, dtb paging.Dtb) (paging.PhysAddr, bool) {
	t, ok := paging.Walk(f.ch, virt, dtb)
	if !ok {
		return 0, false
	}
	if t.Kind == paging.Mapped {
		return t.Phys, true
	}
	if f.injector == nil {
		return 0, false
	}
	if refusal, err := f.injector.Inject(ctx, nil, virt); err != nil || refusal != pagefault.RefusedNone {
		return 0, false
	}
	t2, ok := paging.Walk(f.ch, virt, dtb)
	if !ok || t2.Kind != paging.Mapped {
		return 0, false
	}
	return t2.Phys, true
}

// Update is called by the Execution Controller on every pause to
// invalidate the zero-page cache; see Facade.zeroPage.
func (f *Facade) Update(bs BreakState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zeroPage = make(map[zeroPageKey]bool)
}
