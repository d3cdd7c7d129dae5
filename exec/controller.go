// Package exec drives guest execution: pausing and resuming the channel,
// single-stepping, and dispatching breakpoint tasks when the guest traps.
// It knows nothing about how a breakpoint is realized at the hardware
// level — that lives in package hypervisor — only about filtering which
// registered breakpoint a trap belongs to and invoking its task.
package exec

import (
	"context"
	"errors"
	"sync"

	"github.com/coredump-labs/vmicore/hypervisor"
	"github.com/coredump-labs/vmicore/memfacade"
	"github.com/coredump-labs/vmicore/pagefault"
	"github.com/coredump-labs/vmicore/paging"
)

// State is the Controller's position in the run/pause/dispose state
// machine described in §4.E.
type State int

const (
	StateRunning State = iota
	StatePaused
	StateDisposed
)

// Process is the subset of osplugin.ProcessID a breakpoint filter needs.
type Process = pagefault.Process

// BreakReason is the trap cause Wait/Step report, named at this package's
// boundary so callers outside hypervisor don't need to import it directly.
type BreakReason = hypervisor.BreakReason

// BreakState is what Wait/Step hand back on a trap and what dispatched
// tasks observe.
type BreakState struct {
	Rip    uint64
	Cr3    uint64
	Cs     uint64
	Reason hypervisor.BreakReason
}

// Task runs synchronously when its Breakpoint's filter matches a trap.
type Task func(BreakState)

// Channel is the subset of hypervisor.Channel the controller drives.
type Channel interface {
	Pause() error
	Resume() error
	SingleStep(cpu int) error
	Wait(ctx context.Context, cpu int) (hypervisor.BreakReason, error)
	AddBreakpoint(kind hypervisor.BreakpointKind, addr uint64, dtb uint64) (uint32, error)
	DelBreakpoint(id uint32) error
	ReadRegister(cpu int, r hypervisor.Register) (uint64, error)
	ReadPhysical(dst []byte, phys uint64) bool
}

// Updater is notified of every trap so dependent layers can invalidate
// state that only holds between pauses. *memfacade.Facade satisfies this.
type Updater interface {
	Update(memfacade.BreakState)
}

var (
	ErrDisposed         = errors.New("exec: controller is disposed")
	ErrNotMapped        = errors.New("exec: breakpoint address not mapped")
	ErrNoSuchBreakpoint = errors.New("exec: no such breakpoint")
)

// filterKind selects how a Filter decides whether a trap belongs to it.
type filterKind int

const (
	filterAny filterKind = iota
	filterProcess
	filterDtb
)

// Filter decides, given the CR3 observed at a trap, whether a Breakpoint's
// task should run.
type Filter struct {
	kind filterKind
	proc Process
	dtb  paging.Dtb
}

// FilterAny fires regardless of which address space was active at the trap.
var FilterAny = Filter{kind: filterAny}

// FilterByProcess fires only when the trapped CR3 is proc's KDTB or UDTB.
func FilterByProcess(proc Process) Filter {
	return Filter{kind: filterProcess, proc: proc}
}

// FilterByDtb fires only when the trapped CR3 equals dtb exactly.
func FilterByDtb(dtb paging.Dtb) Filter {
	return Filter{kind: filterDtb, dtb: dtb}
}

func (f Filter) matches(cr3 uint64) bool {
	switch f.kind {
	case filterAny:
		return true
	case filterProcess:
		if f.proc == nil {
			return false
		}
		return cr3 == uint64(f.proc.KernelDtb()) || cr3 == uint64(f.proc.UserDtb())
	case filterDtb:
		return cr3 == uint64(f.dtb)
	default:
		return false
	}
}

// Breakpoint is the handle SetBreakpoint returns. Two or more Breakpoints
// may share a virtual address; each carries its own filter and task, and
// the underlying channel-level breakpoint is shared between them.
type Breakpoint struct {
	c         *Controller
	channelID uint32
	kind      hypervisor.BreakpointKind
	virt      paging.VirtAddr
	filter    Filter
	task      Task
	removed   bool
}

// Remove unregisters this breakpoint. If it was the last one at its
// address, the underlying channel-level breakpoint is torn down too.
func (bp *Breakpoint) Remove() error {
	c := bp.c
	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.bps[uint64(bp.virt)]
	idx := -1
	for i, b := range list {
		if b == bp {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNoSuchBreakpoint
	}
	list = append(list[:idx], list[idx+1:]...)
	if len(list) == 0 {
		delete(c.bps, uint64(bp.virt))
		if err := c.ch.DelBreakpoint(bp.channelID); err != nil {
			return err
		}
	} else {
		c.bps[uint64(bp.virt)] = list
	}
	bp.removed = true
	return nil
}

// Controller implements §4.E: the run/pause state machine plus breakpoint
// registration and dispatch for one vCPU.
type Controller struct {
	mu      sync.Mutex
	ch      Channel
	cpu     int
	state   State
	bps     map[uint64][]*Breakpoint
	updater Updater
}

// New constructs a Controller for cpu, starting in StatePaused. updater
// may be nil, in which case traps are dispatched without invalidating any
// downstream cache.
func New(ch Channel, cpu int, updater Updater) *Controller {
	return &Controller{ch: ch, cpu: cpu, state: StatePaused, bps: make(map[uint64][]*Breakpoint), updater: updater}
}

// Pause stops the guest. Calling it while already paused is a no-op;
// calling it on a disposed Controller returns ErrDisposed.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisposed {
		return ErrDisposed
	}
	if c.state == StatePaused {
		return nil
	}
	if err := c.ch.Pause(); err != nil {
		return err
	}
	c.state = StatePaused
	return nil
}

// Resume marks the guest runnable; it will actually run on the next Wait
// or Step. Calling it while already running is a no-op; calling it on a
// disposed Controller returns ErrDisposed.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisposed {
		return ErrDisposed
	}
	if c.state == StateRunning {
		return nil
	}
	if err := c.ch.Resume(); err != nil {
		return err
	}
	c.state = StateRunning
	return nil
}

// Close disposes the controller. It is idempotent; subsequent calls on a
// disposed Controller return ErrDisposed.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisposed
	return nil
}

// Wait blocks until the guest traps, the context is canceled, or its
// deadline elapses, then dispatches any matching breakpoint tasks before
// returning. It requires a prior Resume (or Step) to actually run the
// guest; calling it while paused simply observes the channel's own no-op
// behavior.
func (c *Controller) Wait(ctx context.Context) (BreakState, error) {
	c.mu.Lock()
	disposed := c.state == StateDisposed
	c.mu.Unlock()
	if disposed {
		return BreakState{}, ErrDisposed
	}
	return c.wait(ctx)
}

// Step arms a single instruction step and waits for it to complete,
// dispatching any breakpoint whose address the step happens to land on.
func (c *Controller) Step(ctx context.Context) (BreakState, error) {
	c.mu.Lock()
	disposed := c.state == StateDisposed
	c.mu.Unlock()
	if disposed {
		return BreakState{}, ErrDisposed
	}
	recordStep()
	if err := c.ch.SingleStep(c.cpu); err != nil {
		return BreakState{}, err
	}
	return c.wait(ctx)
}

func (c *Controller) wait(ctx context.Context) (BreakState, error) {
	recordWait()
	reason, err := c.ch.Wait(ctx, c.cpu)
	if err != nil {
		return BreakState{}, err
	}

	bs, err := c.snapshot(reason)
	if err != nil {
		return BreakState{}, err
	}

	c.mu.Lock()
	c.state = StatePaused
	c.mu.Unlock()

	if c.updater != nil {
		c.updater.Update(memfacade.BreakState{Rip: bs.Rip, Cr3: bs.Cr3})
	}

	c.dispatch(bs)
	return bs, nil
}

func (c *Controller) snapshot(reason hypervisor.BreakReason) (BreakState, error) {
	rip, err := c.ch.ReadRegister(c.cpu, hypervisor.RegRIP)
	if err != nil {
		return BreakState{}, err
	}
	cr3, err := c.ch.ReadRegister(c.cpu, hypervisor.RegCR3)
	if err != nil {
		return BreakState{}, err
	}
	cs, err := c.ch.ReadRegister(c.cpu, hypervisor.RegCS)
	if err != nil {
		return BreakState{}, err
	}
	return BreakState{Rip: rip, Cr3: cr3, Cs: cs, Reason: reason}, nil
}

// dispatch snapshots the set of breakpoints matching bs before invoking
// any task, so a task that removes another breakpoint mid-dispatch cannot
// corrupt the iteration (Open Question (b)).
//
// A software breakpoint traps one byte past its address (the INT3 the
// channel patched in), so a registered address is looked up first at
// bs.Rip (the hardware-breakpoint case, which traps exactly on the
// instruction) and only then at bs.Rip-1.
func (c *Controller) dispatch(bs BreakState) {
	c.mu.Lock()
	var matched []*Breakpoint
	for _, addr := range [2]uint64{bs.Rip, bs.Rip - 1} {
		for _, bp := range c.bps[addr] {
			if !bp.removed && bp.filter.matches(bs.Cr3) {
				matched = append(matched, bp)
			}
		}
		if len(matched) > 0 {
			break
		}
	}
	c.mu.Unlock()

	for _, bp := range matched {
		recordDispatch()
		bp.task(bs)
	}
}

// SetBreakpoint registers task to run, filtered by filter, whenever the
// guest traps at virt. proc (nilable) resolves virt's DTB when virt is a
// user-space address; kernel addresses always resolve against proc's
// KernelDtb, or DTB 0 if proc is nil. A second Breakpoint registered at an
// address already covered by another reuses the same channel-level
// breakpoint rather than installing a duplicate.
func (c *Controller) SetBreakpoint(virt paging.VirtAddr, proc Process, filter Filter, task Task) (*Breakpoint, error) {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return nil, ErrDisposed
	}
	existing := c.bps[uint64(virt)]
	c.mu.Unlock()

	var channelID uint32
	var kind hypervisor.BreakpointKind
	if len(existing) > 0 {
		channelID, kind = existing[0].channelID, existing[0].kind
	} else {
		var err error
		channelID, kind, err = c.installBreakpoint(virt, proc)
		if err != nil {
			return nil, err
		}
	}

	bp := &Breakpoint{c: c, channelID: channelID, kind: kind, virt: virt, filter: filter, task: task}
	c.mu.Lock()
	c.bps[uint64(virt)] = append(c.bps[uint64(virt)], bp)
	c.mu.Unlock()
	recordBreakpoint()
	return bp, nil
}

func (c *Controller) dtbFor(virt paging.VirtAddr, proc Process) paging.Dtb {
	if proc == nil {
		return 0
	}
	if pagefault.IsKernelAddress(virt) {
		return proc.KernelDtb()
	}
	return proc.UserDtb()
}

// installBreakpoint prefers a hardware debug-register slot; once those
// are exhausted it resolves virt to a guest-physical address and falls
// back to a software INT3 patch.
func (c *Controller) installBreakpoint(virt paging.VirtAddr, proc Process) (uint32, hypervisor.BreakpointKind, error) {
	dtb := c.dtbFor(virt, proc)

	id, err := c.ch.AddBreakpoint(hypervisor.BreakpointHardware, uint64(virt), uint64(dtb))
	if err == nil {
		return id, hypervisor.BreakpointHardware, nil
	}
	if !errors.Is(err, hypervisor.ErrTooManyBreaks) {
		return 0, 0, err
	}

	t, ok := paging.Walk(physMemory{c.ch}, virt, dtb)
	if !ok || t.Kind != paging.Mapped {
		return 0, 0, ErrNotMapped
	}
	id, err = c.ch.AddBreakpoint(hypervisor.BreakpointSoftware, uint64(t.Phys), uint64(dtb))
	if err != nil {
		return 0, 0, err
	}
	return id, hypervisor.BreakpointSoftware, nil
}

// physMemory adapts Channel to paging.PhysicalMemory for the one-off walk
// installBreakpoint needs to resolve a software breakpoint's phys address.
type physMemory struct{ ch Channel }

func (p physMemory) ReadPhysical(dst []byte, phys uint64) bool { return p.ch.ReadPhysical(dst, phys) }
