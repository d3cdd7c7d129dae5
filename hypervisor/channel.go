//go:build linux && amd64

package hypervisor

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// MemPerm represents guest memory permissions for a mapped region.
type MemPerm uint

const (
	MemRead  MemPerm = 1 << 0
	MemWrite MemPerm = 1 << 1
	MemExec  MemPerm = 1 << 2
)

// BreakReason categorizes why Wait returned.
type BreakReason int

const (
	ReasonUnknown BreakReason = iota
	ReasonBreakpoint
	ReasonSingleStep
	ReasonTimeout
	ReasonShutdown
)

// vcpuHandle is one guest vCPU: its KVM fd and its mmap'd kvm_run page.
type vcpuHandle struct {
	fd  int
	run []byte
}

// memSlot records one guest-physical region backed by host memory, used
// both to issue KVM_SET_USER_MEMORY_REGION and to serve ReadPhysical /
// WritePhysical as a plain memcpy against the mmap'd host bytes.
type memSlot struct {
	slot  uint32
	phys  uint64
	host  []byte
	perm  MemPerm
}

// Channel owns one open /dev/kvm VM and its vCPUs. It is a single-owner
// value type: callers obtain one via Open, use it, and Close it exactly
// once. Only one Channel may be active per process — the engine drives
// exactly one guest at a time.
type Channel struct {
	closeMu sync.Mutex
	closed  bool

	sysFd  int
	vmFd   int
	vcpus  []*vcpuHandle
	slots  []memSlot
	nextSlot uint32
	running  bool

	softBreaks []softwareBreak
	hardBreaks [maxHardwareBreakpoints]hardwareBreak

	mmapSize int
}

var (
	chMu     sync.RWMutex
	chActive bool
)

// Config configures how a Channel is opened.
type Config struct {
	// Device is the KVM device node. Defaults to /dev/kvm.
	Device string
}

// Supported reports whether this host can open /dev/kvm for read/write.
func Supported() (bool, error) {
	path := kvmDevicePath
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		if err == unix.ENOENT || err == unix.EACCES || err == unix.EPERM {
			return false, nil
		}
		return false, err
	}
	unix.Close(fd)
	return true, nil
}

// Open creates a new KVM-backed Channel for this process.
func Open(cfg Config) (*Channel, error) {
	start := time.Now()
	defer func() { recordChannelOpen(time.Since(start)) }()

	device := cfg.Device
	if device == "" {
		device = kvmDevicePath
	}

	chMu.Lock()
	defer chMu.Unlock()

	if chActive {
		recordResourceError()
		return nil, ErrChannelActive
	}

	sysFd, err := unix.Open(device, unix.O_RDWR, 0)
	if err != nil {
		recordResourceError()
		return nil, chanErr(OpOpenDevice, err.(unix.Errno))
	}

	r, errno := ioctl(sysFd, kvmCreateVM, nil)
	if errno != 0 {
		unix.Close(sysFd)
		recordResourceError()
		return nil, chanErr(OpCreateVM, errno)
	}
	vmFd := int(r)

	mmapSize, errno := ioctl(sysFd, kvmGetVCPUMmapSize, nil)
	if errno != 0 {
		unix.Close(vmFd)
		unix.Close(sysFd)
		recordResourceError()
		return nil, chanErr(OpCreateVM, errno)
	}

	ch := &Channel{
		sysFd:    sysFd,
		vmFd:     vmFd,
		mmapSize: int(mmapSize),
	}

	chActive = true
	atomic.AddInt32(&channelCount, 1)
	runtime.SetFinalizer(ch, (*Channel).finalize)

	return ch, nil
}

// Close tears down the VM, all of its vCPUs, and the /dev/kvm handle.
// Idempotent.
func (c *Channel) Close() error {
	if c == nil {
		return nil
	}

	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil
	}

	chMu.Lock()
	defer chMu.Unlock()

	for _, v := range c.vcpus {
		if v.run != nil {
			unix.Munmap(v.run)
		}
		unix.Close(v.fd)
	}
	if c.vmFd != 0 {
		unix.Close(c.vmFd)
	}
	if c.sysFd != 0 {
		unix.Close(c.sysFd)
	}

	c.closed = true
	chActive = false
	atomic.AddInt32(&channelCount, -1)
	runtime.SetFinalizer(c, nil)

	recordChannelClose()
	return nil
}

func (c *Channel) finalize() {
	if c == nil {
		return
	}
	if c.closeMu.TryLock() {
		defer c.closeMu.Unlock()
		if !c.closed {
			c.closed = true
			for _, v := range c.vcpus {
				if v.run != nil {
					unix.Munmap(v.run)
				}
				unix.Close(v.fd)
			}
			if c.vmFd != 0 {
				unix.Close(c.vmFd)
			}
			if c.sysFd != 0 {
				unix.Close(c.sysFd)
			}
			chMu.Lock()
			chActive = false
			atomic.AddInt32(&channelCount, -1)
			chMu.Unlock()
		}
	}
}

// AddVCPU creates one new guest vCPU and returns its index (0-based, in
// creation order — the index is the `cpu` parameter every register and
// breakpoint method takes).
func (c *Channel) AddVCPU() (int, error) {
	if c == nil || c.closed {
		return 0, ErrChannelClosed
	}

	r, errno := ioctl(c.vmFd, kvmCreateVCPU, nil)
	if errno != 0 {
		recordResourceError()
		return 0, chanErr(OpCreateVCPU, errno)
	}
	fd := int(r)

	run, err := unix.Mmap(fd, 0, c.mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		recordResourceError()
		return 0, chanErr(OpMmap, err.(unix.Errno))
	}

	c.vcpus = append(c.vcpus, &vcpuHandle{fd: fd, run: run})
	recordVCPUCreate()
	return len(c.vcpus) - 1, nil
}

func (c *Channel) vcpu(cpu int) (*vcpuHandle, error) {
	if cpu < 0 || cpu >= len(c.vcpus) {
		return nil, ErrNoSuchVCPU
	}
	return c.vcpus[cpu], nil
}

var channelCount int32
