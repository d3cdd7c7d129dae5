// Package vmicore is the root façade: it wires the Hypervisor Channel, the
// Page-Fault Injector, the Memory Facade, the Execution Controller, and a
// bound OS plugin into one handle, and forwards their operations under one
// name. It owns setup and teardown; every other package in this module
// stays ignorant of how the pieces are assembled.
package vmicore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/coredump-labs/vmicore/exec"
	"github.com/coredump-labs/vmicore/hypervisor"
	"github.com/coredump-labs/vmicore/memfacade"
	"github.com/coredump-labs/vmicore/osplugin"
	"github.com/coredump-labs/vmicore/osplugin/winguest"
	"github.com/coredump-labs/vmicore/pagefault"
	"github.com/coredump-labs/vmicore/paging"
)

// Config configures a Core. It is ambient, not part of the distilled
// spec's data model: the channel device path, the guest RAM window to
// allocate and map at guest-physical 0, the vCPU count, an optional
// kernel virtual base for OS-plugin signature scanning, and a logger Core
// uses purely to report setup decisions.
type Config struct {
	// Device is the KVM device node. Empty defaults to hypervisor's own
	// default (/dev/kvm).
	Device string

	// RAMSize, if non-zero, allocates an anonymous host mapping of this
	// many bytes and maps it at guest-physical address 0 with
	// read/write/exec permissions. Zero means the caller manages guest
	// memory mappings itself via Channel() before driving the guest.
	RAMSize uint64

	// VCPUs is how many vCPUs to create. Defaults to 1. Core drives vCPU
	// 0 for every operation; additional vCPUs are created but otherwise
	// unmanaged by Core, for callers that need them present for a
	// multiprocessor guest without Core itself scheduling across them.
	VCPUs int

	// KernelBase is the virtual address the OS plugin starts its
	// PsActiveProcessHead scan from. Defaults to winguest.DefaultKernelBase.
	KernelBase paging.VirtAddr

	// Logger receives setup diagnostics (which plugin probed, and how many
	// bytes of guest RAM New mapped). Defaults to a discarding
	// logger; never required for correct operation.
	Logger *slog.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.VCPUs <= 0 {
		cfg.VCPUs = 1
	}
	if cfg.KernelBase == 0 {
		cfg.KernelBase = winguest.DefaultKernelBase
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Metrics aggregates the per-layer snapshots the Hypervisor Channel, the
// Page-Fault Injector, and the Execution Controller each keep, into one
// flat shape.
type Metrics struct {
	Hypervisor hypervisor.Metrics
	PageFault  pagefault.Metrics
	Exec       exec.Metrics
}

// Core is the façade described in §4.G: it embeds one Hypervisor Channel,
// one Memory Facade, one Execution Controller, and one bound OS plugin,
// and forwards their operations. Callers must serialize their own calls
// into a Core; it does not lock itself (§5 Concurrency Model).
type Core struct {
	ch      *hypervisor.Channel
	hostMem []byte

	facade     *memfacade.Facade
	controller *exec.Controller
	injector   *pagefault.Injector
	plugin     osplugin.Plugin

	cpu    int
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// vmaResolver adapts osplugin.Plugin's VMAFind/VMASpan pair, which need a
// concrete osplugin.ProcessID and the narrow PhysicalMemory capability,
// into pagefault.VMAResolver, which only carries the narrower
// pagefault.Process identity the injector already has in hand.
type vmaResolver struct {
	plugin osplugin.Plugin
	mem    osplugin.PhysicalMemory
}

func (r *vmaResolver) FindSpan(proc pagefault.Process, addr paging.VirtAddr) (paging.VirtAddr, uint64, bool) {
	pid, ok := proc.(osplugin.ProcessID)
	if !ok {
		return 0, 0, false
	}
	vma, ok := r.plugin.VMAFind(r.mem, pid, addr)
	if !ok {
		return 0, 0, false
	}
	span, ok := r.plugin.VMASpan(r.mem, pid, vma)
	if !ok {
		return 0, 0, false
	}
	return span.Addr, span.Size, true
}

// New opens a Hypervisor Channel, creates cfg.VCPUs vCPUs, optionally maps
// cfg.RAMSize bytes of anonymous host memory at guest-physical 0, then
// probes a fresh osplugin.Registry (currently carrying only
// osplugin/winguest) against the guest's live kernel CR3. It returns
// ErrOsPluginUnavailable if no plugin probes successfully, and otherwise
// every other setup failure wrapped with context.
//
// Probing assumes the guest's kernel page tables are already populated —
// CR3 of vCPU 0 is read as-is and handed to the plugin as its bound KDTB,
// exactly as an introspection tool attaching to an already-running guest
// would do. New creates vCPU 0 itself and probes before it returns, so a
// caller cannot set that CR3 first; when vCPU 0's CR3 does not root a
// populated NT kernel, the probe fails and New returns
// ErrOsPluginUnavailable.
func New(ctx context.Context, cfg Config) (*Core, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	logger := cfg.Logger

	ch, err := hypervisor.Open(hypervisor.Config{Device: cfg.Device})
	if err != nil {
		return nil, fmt.Errorf("vmicore: open channel: %w", err)
	}

	vcpus := make([]int, 0, cfg.VCPUs)
	for i := 0; i < cfg.VCPUs; i++ {
		id, err := ch.AddVCPU()
		if err != nil {
			ch.Close()
			return nil, fmt.Errorf("vmicore: add vcpu %d: %w", i, err)
		}
		vcpus = append(vcpus, id)
	}
	primary := vcpus[0]

	var hostMem []byte
	if cfg.RAMSize > 0 {
		hostMem, err = unix.Mmap(-1, 0, int(cfg.RAMSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			ch.Close()
			return nil, fmt.Errorf("vmicore: allocate guest ram: %w", err)
		}
		if err := ch.MapMemory(0, hostMem, hypervisor.MemRead|hypervisor.MemWrite|hypervisor.MemExec); err != nil {
			unix.Munmap(hostMem)
			ch.Close()
			return nil, fmt.Errorf("vmicore: map guest ram: %w", err)
		}
		logger.Info("guest ram mapped", "bytes", cfg.RAMSize)
	}

	cr3, err := ch.GetCR3(primary)
	if err != nil {
		teardown(ch, hostMem)
		return nil, fmt.Errorf("vmicore: read initial cr3: %w", err)
	}

	registry := osplugin.NewRegistry()
	registry.Register(winguest.New(paging.Dtb(cr3), cfg.KernelBase))

	plugin, ok := registry.Probe(ch)
	if !ok {
		teardown(ch, hostMem)
		return nil, ErrOsPluginUnavailable
	}
	logger.Info("os plugin bound", "plugin", plugin.Name())

	injector := pagefault.New(ch, &vmaResolver{plugin: plugin, mem: ch}, primary)
	facade := memfacade.New(ch, injector)
	controller := exec.New(ch, primary, facade)

	return &Core{
		ch:         ch,
		hostMem:    hostMem,
		facade:     facade,
		controller: controller,
		injector:   injector,
		plugin:     plugin,
		cpu:        primary,
		logger:     logger,
	}, nil
}

func teardown(ch *hypervisor.Channel, hostMem []byte) {
	if hostMem != nil {
		unix.Munmap(hostMem)
	}
	ch.Close()
}

// Channel exposes the underlying Hypervisor Channel for callers that need
// operations Core does not forward (register access, raw mapping).
func (c *Core) Channel() *hypervisor.Channel { return c.ch }

// Read copies len(dst) bytes from guest virtual address srcVirt into dst,
// injecting a page fault and retrying once if the first walk reports the
// page not present. dtb pins the call to that page-table base, bypassing
// any scope pushed by SwitchProcess; pass 0 to resolve against the current
// scope instead (see SwitchProcess). See memfacade.Facade.Read.
func (c *Core) Read(dst []byte, srcVirt paging.VirtAddr, dtb paging.Dtb) bool {
	if dtb != 0 {
		return c.facade.Read(context.Background(), dst, srcVirt, memfacade.WithDtb(dtb))
	}
	return c.facade.Read(context.Background(), dst, srcVirt)
}

// Write copies src into guest virtual memory at dstVirt. dtb pins the call
// to that page-table base, bypassing any scope pushed by SwitchProcess;
// pass 0 to resolve against the current scope instead. See
// memfacade.Facade.Write.
func (c *Core) Write(dstVirt paging.VirtAddr, src []byte, dtb paging.Dtb) bool {
	if dtb != 0 {
		return c.facade.Write(context.Background(), dstVirt, src, memfacade.WithDtb(dtb))
	}
	return c.facade.Write(context.Background(), dstVirt, src)
}

// VirtualToPhysical resolves virt under dtb without process context; see
// memfacade.Facade.VirtualToPhysical for why injection is always refused
// at this entry point.
func (c *Core) VirtualToPhysical(virt paging.VirtAddr, dtb paging.Dtb) (paging.PhysAddr, bool) {
	return c.facade.VirtualToPhysical(context.Background(), virt, dtb)
}

// SwitchProcess pushes proc's context onto the Memory Facade's scope
// stack; Read/Write calls made with dtb == 0 resolve against it until the
// returned Scope is released.
func (c *Core) SwitchProcess(proc osplugin.ProcessID) *memfacade.Scope {
	return c.facade.SwitchProcess(proc)
}

// Pause stops the guest.
func (c *Core) Pause() error { return c.controller.Pause() }

// Resume marks the guest runnable.
func (c *Core) Resume() error { return c.controller.Resume() }

// Wait blocks until the guest traps or ctx is canceled, dispatching any
// matching breakpoint tasks before returning.
func (c *Core) Wait(ctx context.Context) (exec.BreakReason, error) {
	bs, err := c.controller.Wait(ctx)
	return bs.Reason, err
}

// Step single-steps the guest one instruction and waits for the trap.
func (c *Core) Step(ctx context.Context) (exec.BreakState, error) {
	return c.controller.Step(ctx)
}

// SetBreakpoint registers task to run, filtered by filter, whenever the
// guest traps at virt in proc's address space (proc may be the zero value
// for a kernel-only breakpoint).
func (c *Core) SetBreakpoint(virt paging.VirtAddr, proc osplugin.ProcessID, filter exec.Filter, task exec.Task) (*exec.Breakpoint, error) {
	return c.controller.SetBreakpoint(virt, proc, filter, task)
}

// ListProcs enumerates every process the bound OS plugin can see.
func (c *Core) ListProcs(on func(osplugin.ProcessID) bool) bool {
	return c.plugin.ListProcs(c.ch, on)
}

// CurrentProc resolves the process whose address space vCPU 0 is
// currently running in.
func (c *Core) CurrentProc() (osplugin.ProcessID, bool) {
	cr3, err := c.ch.GetCR3(c.cpu)
	if err != nil {
		return osplugin.ProcessID{}, false
	}
	return c.plugin.CurrentProc(c.ch, paging.Dtb(cr3))
}

// GetProc finds a process by image name.
func (c *Core) GetProc(name string) (osplugin.ProcessID, bool) {
	return c.plugin.GetProc(c.ch, name)
}

// ProcName returns proc's image file name.
func (c *Core) ProcName(proc osplugin.ProcessID) (string, bool) {
	return c.plugin.ProcName(c.ch, proc)
}

// ListMods enumerates proc's loaded modules in load order.
func (c *Core) ListMods(proc osplugin.ProcessID, on func(osplugin.ModuleID) bool) bool {
	return c.plugin.ListMods(c.ch, proc, on)
}

// ModName returns mod's file name.
func (c *Core) ModName(proc osplugin.ProcessID, mod osplugin.ModuleID) (string, bool) {
	return c.plugin.ModName(c.ch, proc, mod)
}

// ModSpan returns mod's load address and size.
func (c *Core) ModSpan(proc osplugin.ProcessID, mod osplugin.ModuleID) (osplugin.Span, bool) {
	return c.plugin.ModSpan(c.ch, proc, mod)
}

// HasVirtual reports whether proc has a distinct user address space.
func (c *Core) HasVirtual(proc osplugin.ProcessID) bool {
	return c.plugin.HasVirtual(proc)
}

// VMAFind resolves the virtual memory area containing addr in proc.
func (c *Core) VMAFind(proc osplugin.ProcessID, addr paging.VirtAddr) (osplugin.VMA, bool) {
	return c.plugin.VMAFind(c.ch, proc, addr)
}

// VMASpan returns vma's address range.
func (c *Core) VMASpan(proc osplugin.ProcessID, vma osplugin.VMA) (osplugin.Span, bool) {
	return c.plugin.VMASpan(c.ch, proc, vma)
}

// PluginName reports the name of the OS plugin bound at setup.
func (c *Core) PluginName() string { return c.plugin.Name() }

// PageFaults reports how many synthetic page faults the Page-Fault
// Injector has injected so far.
func (c *Core) PageFaults() uint64 { return c.injector.PageFaults }

// Metrics aggregates the Hypervisor Channel's, the Page-Fault Injector's,
// and the Execution Controller's metrics into one snapshot.
func (c *Core) Metrics() Metrics {
	return Metrics{
		Hypervisor: hypervisor.GetMetrics(),
		PageFault:  pagefault.GetMetrics(),
		Exec:       exec.GetMetrics(),
	}
}

// Close disposes the Execution Controller, unmaps any host RAM New
// allocated, and closes the Hypervisor Channel. It is idempotent.
func (c *Core) Close() error {
	c.closeOnce.Do(func() {
		c.controller.Close()
		if c.hostMem != nil {
			unix.Munmap(c.hostMem)
		}
		c.closeErr = c.ch.Close()
	})
	return c.closeErr
}
