// Package pagefault synthesizes x86 page faults into a paused guest so a
// demand-paged virtual page materializes before the Memory Facade retries
// its walk. It knows nothing about the four-level walk itself — that lives
// in package paging — only about the precondition gate that decides
// whether injection is safe and the resume-until-RIP-returns loop that
// drives the guest through its own fault handler.
package pagefault

import (
	"context"
	"errors"
	"fmt"

	"github.com/coredump-labs/vmicore/hypervisor"
	"github.com/coredump-labs/vmicore/paging"
)

// pageFaultVector is the x86 exception vector for #PF.
const pageFaultVector = 14

// maxNestedFaults bounds how many times runToCurrent will re-enter itself
// while waiting for the guest to return to the original RIP. A guest that
// keeps faulting (e.g. a corrupted page table) would otherwise hang the
// injector forever; eight nested faults comfortably covers a legitimate
// fault-inside-fault-handler sequence (e.g. touching an unmapped stack
// guard page while servicing the first fault) without masking real bugs.
const maxNestedFaults = 8

// IRQL mirrors the three guest interrupt levels this engine distinguishes;
// values above Dispatch are never observed here because a CR8 read always
// returns one of these three on the NT guests this engine targets.
type IRQL int

const (
	Passive  IRQL = 0
	APC      IRQL = 1
	Dispatch IRQL = 2
)

// Refusal names the precondition that blocked injection, so tests (and
// callers that want to log a reason) can assert why, not just that,
// injection was refused.
type Refusal int

const (
	RefusedNone Refusal = iota
	RefusedKernelAddress
	RefusedNoProcess
	RefusedIRQLTooHigh
	RefusedDtbMismatch
	RefusedNoVMA
	RefusedVMATooSmall
)

func (r Refusal) String() string {
	switch r {
	case RefusedNone:
		return "none"
	case RefusedKernelAddress:
		return "kernel address"
	case RefusedNoProcess:
		return "no process context"
	case RefusedIRQLTooHigh:
		return "IRQL at or above dispatch level"
	case RefusedDtbMismatch:
		return "CR3 does not match process KDTB/UDTB"
	case RefusedNoVMA:
		return "address outside any known VMA"
	case RefusedVMATooSmall:
		return "target page not fully contained in VMA"
	default:
		return "unknown"
	}
}

// ErrInjectionFailed is returned when the channel itself rejects the
// injected interrupt, or when runToCurrent exceeds maxNestedFaults.
var ErrInjectionFailed = errors.New("pagefault: injection failed")

// Process is the subset of osplugin.ProcessID the injector needs; kept
// narrow here so this package does not import osplugin.
type Process interface {
	KernelDtb() paging.Dtb
	UserDtb() paging.Dtb
}

// VMAResolver is satisfied by an OS plugin: given a process and address,
// it reports whether the address falls inside a known virtual memory area
// and, if so, that area's span.
type VMAResolver interface {
	FindSpan(proc Process, addr paging.VirtAddr) (base paging.VirtAddr, size uint64, ok bool)
}

// Channel is the subset of hypervisor.Channel the injector drives.
type Channel interface {
	GetCR3(cpu int) (uint64, error)
	GetCR8(cpu int) (uint64, error)
	ReadRegister(cpu int, r hypervisor.Register) (uint64, error)
	InjectInterrupt(cpu int, vector uint8, errorCode uint32, cr2 uint64) error
	SetPC(cpu int, v uint64) error
	GetPC(cpu int) (uint64, error)
	Resume() error
	Pause() error
	Wait(ctx context.Context, cpu int) (hypervisor.BreakReason, error)
}

const pageSize = 4096

// IsKernelAddress reports whether addr lies in the canonical-high half of
// the x86-64 address space NT guests reserve for kernel mappings. Shared
// with memfacade and osplugin/winguest so the kernel/user split is
// computed the same way everywhere in the engine.
func IsKernelAddress(addr paging.VirtAddr) bool {
	return uint64(addr)&0xFFF0_0000_0000_0000 != 0
}

// Injector drives synthetic page-fault injection for one guest.
type Injector struct {
	ch         Channel
	vmas       VMAResolver
	cpu        int
	PageFaults uint64
}

// New constructs an Injector bound to one vCPU of ch, resolving VMAs
// through vmas (normally the bound OS plugin).
func New(ch Channel, vmas VMAResolver, cpu int) *Injector {
	return &Injector{ch: ch, vmas: vmas, cpu: cpu}
}

// Precheck evaluates the injection precondition gate without injecting
// anything; it is exported so callers (and tests) can observe a Refusal
// before deciding whether to call Inject.
func (inj *Injector) Precheck(proc Process, src paging.VirtAddr) Refusal {
	if IsKernelAddress(src) {
		return RefusedKernelAddress
	}
	if proc == nil {
		return RefusedNoProcess
	}

	cr8, err := inj.ch.GetCR8(inj.cpu)
	if err == nil && IRQL(cr8) >= Dispatch {
		return RefusedIRQLTooHigh
	}

	cr3, err := inj.ch.GetCR3(inj.cpu)
	if err == nil {
		kdtb, udtb := uint64(proc.KernelDtb()), uint64(proc.UserDtb())
		if cr3 != kdtb && cr3 != udtb {
			return RefusedDtbMismatch
		}
	}

	if inj.vmas == nil {
		return RefusedNoVMA
	}
	base, size, ok := inj.vmas.FindSpan(proc, src)
	if !ok {
		return RefusedNoVMA
	}
	if uint64(src)+pageSize > uint64(base)+size {
		return RefusedVMATooSmall
	}
	return RefusedNone
}

// Inject runs the full precondition gate and, on pass, injects a #PF at
// src and drives the guest back to the original RIP. It returns the
// Refusal reason on a gate failure (injection never attempted) or
// ErrInjectionFailed if the channel rejected the interrupt or the guest
// never returned after maxNestedFaults nested faults.
func (inj *Injector) Inject(ctx context.Context, proc Process, src paging.VirtAddr) (Refusal, error) {
	if r := inj.Precheck(proc, src); r != RefusedNone {
		recordInjectionRefused()
		return r, nil
	}
	recordInjectionAttempt()

	cs, err := inj.ch.ReadRegister(inj.cpu, hypervisor.RegCS)
	if err != nil {
		return RefusedNone, fmt.Errorf("pagefault: read CS: %w", err)
	}
	errorCode := uint32(0)
	if isUserModeCS(cs) {
		errorCode = 1 << 2
	}

	if err := inj.ch.InjectInterrupt(inj.cpu, pageFaultVector, errorCode, uint64(src)); err != nil {
		return RefusedNone, fmt.Errorf("%w: %v", ErrInjectionFailed, err)
	}
	inj.PageFaults++

	nested, err := inj.runToCurrent(ctx)
	if err != nil {
		return RefusedNone, err
	}
	recordInjectionSuccess(nested)
	return RefusedNone, nil
}

// isUserModeCS reports whether a CS read's packed DPL field (bits 8-15 of
// hypervisor.RegCS's encoding) indicates ring 3.
func isUserModeCS(cs uint64) bool { return (cs>>8)&0xFF == 3 }

// runToCurrent resumes the guest and lets it run until execution returns
// to the RIP it was at when called, tolerating nested faults along the
// way (the guest's own fault handler may itself fault, e.g. touching a
// guard page) up to maxNestedFaults.
func (inj *Injector) runToCurrent(ctx context.Context) (int, error) {
	target, err := inj.ch.GetPC(inj.cpu)
	if err != nil {
		return 0, fmt.Errorf("pagefault: read RIP: %w", err)
	}

	for i := 0; i < maxNestedFaults; i++ {
		if err := inj.ch.Resume(); err != nil {
			return i, fmt.Errorf("pagefault: resume: %w", err)
		}
		if _, err := inj.ch.Wait(ctx, inj.cpu); err != nil {
			return i, fmt.Errorf("pagefault: wait: %w", err)
		}
		pc, err := inj.ch.GetPC(inj.cpu)
		if err != nil {
			return i, fmt.Errorf("pagefault: read RIP: %w", err)
		}
		if pc == target {
			return i, nil
		}
	}
	return maxNestedFaults, fmt.Errorf("%w: exceeded %d nested faults resolving to rip=%#x", ErrInjectionFailed, maxNestedFaults, target)
}
