//go:build linux && amd64

package hypervisor

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM ioctl numbers, from the Linux kernel's uapi/linux/kvm.h. Encoded the
// same way the kernel's _IO/_IOR/_IOW/_IOWR macros encode them: direction
// in the high bits, struct size in the middle, 'type' 0xAE and the request
// number in the low byte.
const (
	kvmGetAPIVersion          = 0xAE00
	kvmCreateVM               = 0xAE01
	kvmGetVCPUMmapSize        = 0xAE04
	kvmCreateVCPU             = 0xAE41
	kvmRun                    = 0xAE80
	kvmGetRegs                = 0x8090AE81
	kvmSetRegs                = 0x4090AE82
	kvmGetSregs               = 0x8138AE83
	kvmSetSregs               = 0x4138AE84
	kvmSetUserMemoryRegion    = 0x4020AE46
	kvmInterrupt              = 0x4004AE86
	kvmGetVCPUEvents          = 0x8040AE9F
	kvmSetVCPUEvents          = 0x4040AEA0
	kvmSetGuestDebug          = 0x4048AE9B
)

const kvmDevicePath = "/dev/kvm"

// kvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// kvmSegment mirrors struct kvm_segment.
type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	Padding  uint8
}

// kvmDtable mirrors struct kvm_dtable (GDT/IDT base+limit).
type kvmDtable struct {
	Base    uint64
	Limit   uint16
	Padding [3]uint16
}

// kvmSregs mirrors struct kvm_sregs (x86).
type kvmSregs struct {
	CS, DS, ES, FS, GS, SS kvmSegment
	TR, LDT                kvmSegment
	GDT, IDT               kvmDtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                    uint64
	ApicBase                uint64
	InterruptBitmap         [4]uint64 // (KVM_NR_INTERRUPTS+63)/64
}

// kvmRegs mirrors struct kvm_regs (general-purpose registers, x86-64).
type kvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// kvmInterruptArg mirrors struct kvm_interrupt.
type kvmInterruptArg struct {
	IRQ uint32
}

// kvmVCPUEvents mirrors the subset of struct kvm_vcpu_events this engine
// cares about: pending exception injection (used for synthetic #PF) and
// pending hardware interrupt state. Padded to the real struct's 64 bytes
// so the ioctl size embedded in kvmGetVCPUEvents/kvmSetVCPUEvents matches.
type kvmVCPUEvents struct {
	Exception struct {
		Injected     uint8
		Nr           uint8
		HasErrorCode uint8
		Pending      uint8
		ErrorCode    uint32
	}
	Interrupt struct {
		Injected        uint8
		Nr              uint8
		SoftInjected    uint8
		ShadowInjected  uint8
	}
	NMI struct {
		Injected uint8
		Pending  uint8
		Masked   uint8
		_        uint8
	}
	SipiVector uint32
	Flags      uint32
	SMI        struct {
		SMM          uint8
		Pending      uint8
		SMMInsideNMI uint8
		LatchedInit  uint8
	}
	Reserved [9]uint32
}

// kvmGuestDebugArch mirrors struct kvm_guest_debug_arch (x86): eight debug
// address registers, DR0-DR3 used for hardware breakpoints, DR6/DR7 status
// and control.
type kvmGuestDebugArch struct {
	DebugReg [8]uint64
}

// kvmGuestDebug mirrors struct kvm_guest_debug.
type kvmGuestDebug struct {
	Control  uint32
	Pad      uint32
	Arch     kvmGuestDebugArch
}

const (
	kvmGuestDebugEnable     = 1 << 0
	kvmGuestDebugSingleStep = 1 << 1
	kvmGuestDebugUseHWBP    = 1 << 17
)

// kvmRunHeader mirrors the fixed-size prefix of struct kvm_run that this
// engine reads after KVM_RUN returns; the rest of the mmap'd page is a
// union keyed by ExitReason that is consumed directly from the mmap'd
// bytes at the appropriate offset rather than modeled field-by-field here.
type kvmRunHeader struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	Padding1               [6]uint8
	ExitReason             uint32
	ReadyForInterruptInject uint8
	IfFlag                 uint8
	Flags                  uint16
	CR8                    uint64
	ApicBase               uint64
}

func ioctl(fd int, req uint, arg unsafe.Pointer) (uintptr, syscall.Errno) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	return r, errno
}
