package hypervisor

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"syscall"
)

// Performance: reusable scratch buffers for error-message formatting.
var errorMsgPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 256)
	},
}

// Op identifies which Channel operation produced a ChannelError.
type Op string

const (
	OpOpenDevice     Op = "open-device"
	OpCreateVM       Op = "create-vm"
	OpCreateVCPU     Op = "create-vcpu"
	OpSetUserMemory  Op = "set-user-memory-region"
	OpGetRegs        Op = "get-regs"
	OpSetRegs        Op = "set-regs"
	OpGetSregs       Op = "get-sregs"
	OpSetSregs       Op = "set-sregs"
	OpRun            Op = "run"
	OpInterrupt      Op = "interrupt"
	OpGuestDebug     Op = "set-guest-debug"
	OpVCPUEvents     Op = "vcpu-events"
	OpMmap           Op = "mmap"
)

// ChannelError wraps a failed KVM ioctl/syscall with the operation that
// produced it. Code carries the raw errno so callers can compare against
// syscall.Errno directly via errors.Is/errors.As.
type ChannelError struct {
	Operation Op
	Code      syscall.Errno
	message   string
}

func (e *ChannelError) Error() string {
	if e.message != "" {
		return e.message
	}
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// Unwrap lets callers use errors.Is(err, syscall.ENOTTY) etc.
func (e *ChannelError) Unwrap() error {
	return e.Code
}

func (e *ChannelError) detailedError() string {
	buf := errorMsgPool.Get().([]byte)
	defer func() {
		errorMsgPool.Put(buf[:0])
	}()
	buf = fmt.Appendf(buf, "hypervisor: %s failed: %s (errno %d)", e.Operation, e.Code.Error(), int(e.Code))
	return string(buf)
}

func (e *ChannelError) sanitizedError() string {
	return fmt.Sprintf("hypervisor: %s failed", e.Operation)
}

// isProductionEnv gates ChannelError's dev/prod dual-mode message.
func isProductionEnv() bool {
	env := os.Getenv("VMI_ENV")
	if env == "production" || env == "prod" {
		return true
	}
	if debug := os.Getenv("VMI_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}
	return false
}

func chanErr(op Op, errno syscall.Errno) error {
	if errno == 0 {
		return nil
	}
	return &ChannelError{Operation: op, Code: errno}
}

// Sentinel errors for API consumers that don't need the raw errno.
var (
	ErrChannelClosed    = &ChannelError{Operation: "channel", message: "hypervisor: channel is closed"}
	ErrInvalidAlignment = &ChannelError{Operation: "memory", message: "hypervisor: address not page-aligned"}
	ErrInvalidRegister  = &ChannelError{Operation: "register", message: "hypervisor: invalid register"}
	ErrMemoryNotMapped  = &ChannelError{Operation: "memory", message: "hypervisor: memory not mapped"}
	ErrChannelActive    = &ChannelError{Operation: "channel", message: "hypervisor: channel already open in this process"}
	ErrNoSuchVCPU       = &ChannelError{Operation: "vcpu", message: "hypervisor: no such vCPU index"}
	ErrNoSuchBreakpoint = &ChannelError{Operation: "breakpoint", message: "hypervisor: no such breakpoint handle"}
	ErrTooManyBreaks    = &ChannelError{Operation: "breakpoint", message: "hypervisor: hardware breakpoint slots exhausted"}
)
