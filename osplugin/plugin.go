// Package osplugin defines the contract a guest-OS-specific plugin
// implements to turn raw guest physical memory into processes, modules and
// virtual memory areas. It knows nothing about any particular guest OS —
// that lives in subpackages like osplugin/winguest — only about the shape
// every plugin must expose and the priority order in which plugins are
// tried against a live guest.
package osplugin

import "github.com/coredump-labs/vmicore/paging"

// PhysicalMemory is the only capability a plugin receives; it is the same
// narrow interface paging.Walk consumes, so a plugin can never pause,
// resume or otherwise control the guest on its own.
type PhysicalMemory = paging.PhysicalMemory

// ProcessID identifies a guest process by its two page-table roots and an
// opaque per-plugin handle (e.g. the EPROCESS pointer). It satisfies
// pagefault.Process directly, so a bound plugin's ProcessID can be passed
// straight into the injector without an adapter.
type ProcessID struct {
	KDTB, UDTB paging.Dtb
	Handle     uint64
}

func (p ProcessID) KernelDtb() paging.Dtb { return p.KDTB }
func (p ProcessID) UserDtb() paging.Dtb   { return p.UDTB }

// ModuleID identifies a loaded module by an opaque per-plugin handle (e.g.
// the LDR_DATA_TABLE_ENTRY pointer).
type ModuleID struct {
	Handle uint64
}

// VMA identifies a virtual memory area by an opaque per-plugin handle
// (e.g. the MMVAD pointer).
type VMA struct {
	Handle uint64
}

// Span is a base address and byte length, returned for both modules and
// virtual memory areas.
type Span struct {
	Addr paging.VirtAddr
	Size uint64
}

// Plugin turns guest physical memory into processes, modules, and virtual
// memory areas for one guest operating system family. Every method takes
// the PhysicalMemory capability explicitly rather than storing a channel,
// so a Plugin stays a pure reader: it cannot pause, resume, or otherwise
// drive the guest, and every call can be exercised in tests against an
// in-memory fake.
type Plugin interface {
	// Name identifies the plugin for logging and the Registry.
	Name() string

	// Probe reports whether this plugin recognizes the guest currently
	// mapped through mem. It may read arbitrary physical memory but must
	// not assume any VM or breakpoint state.
	Probe(mem PhysicalMemory) bool

	// ListProcs invokes on for every process the plugin can enumerate,
	// stopping early if on returns false. It reports whether the walk
	// completed without a physical read failure.
	ListProcs(mem PhysicalMemory, on func(ProcessID) bool) bool

	// CurrentProc resolves the process whose page tables cr3 identifies.
	CurrentProc(mem PhysicalMemory, cr3 paging.Dtb) (ProcessID, bool)

	// GetProc resolves a process by its image name.
	GetProc(mem PhysicalMemory, name string) (ProcessID, bool)

	// ProcName returns proc's image name.
	ProcName(mem PhysicalMemory, proc ProcessID) (string, bool)

	// ListMods invokes on for every module loaded into proc, stopping
	// early if on returns false.
	ListMods(mem PhysicalMemory, proc ProcessID, on func(ModuleID) bool) bool

	// ModName returns mod's file name.
	ModName(mem PhysicalMemory, proc ProcessID, mod ModuleID) (string, bool)

	// ModSpan returns mod's load base and size.
	ModSpan(mem PhysicalMemory, proc ProcessID, mod ModuleID) (Span, bool)

	// HasVirtual reports whether proc has a distinct user address space
	// (false for the handful of system processes that only ever run
	// kernel-mode code).
	HasVirtual(proc ProcessID) bool

	// VMAFind resolves the virtual memory area containing addr within
	// proc, if any.
	VMAFind(mem PhysicalMemory, proc ProcessID, addr paging.VirtAddr) (VMA, bool)

	// VMASpan returns vma's base address and size.
	VMASpan(mem PhysicalMemory, proc ProcessID, vma VMA) (Span, bool)

	// IsKernelAddress reports whether addr lies in this guest's
	// kernel-reserved half of the address space.
	IsKernelAddress(addr paging.VirtAddr) bool
}

// Registry holds the set of plugins known to a Core and probes them in
// registration order. It carries no package-level state: each Core
// constructs its own Registry at setup time.
type Registry struct {
	plugins []Plugin
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends p to the probe order. Plugins registered earlier are
// tried first.
func (r *Registry) Register(p Plugin) {
	r.plugins = append(r.plugins, p)
}

// Probe returns the first registered plugin whose Probe succeeds against
// mem.
func (r *Registry) Probe(mem PhysicalMemory) (Plugin, bool) {
	for _, p := range r.plugins {
		if p.Probe(mem) {
			return p, true
		}
	}
	return nil, false
}
