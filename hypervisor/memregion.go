//go:build linux && amd64

package hypervisor

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	cachedPageSize int
	cachedPageMask uint64
	pageSizeOnce   sync.Once
)

// pageSize returns the system page size, cached for performance.
func pageSize() int {
	pageSizeOnce.Do(func() {
		cachedPageSize = unix.Getpagesize()
		cachedPageMask = uint64(cachedPageSize - 1)
	})
	return cachedPageSize
}

// isPageAligned returns true if addr is page-aligned (fast path).
func isPageAligned(addr uint64) bool {
	pageSizeOnce.Do(func() {
		cachedPageSize = unix.Getpagesize()
		cachedPageMask = uint64(cachedPageSize - 1)
	})
	return addr&cachedPageMask == 0
}

// MapMemory maps a host memory slice into the guest physical address
// space as one new KVM memory slot. host, its base address, and
// guestPhys must all be page-aligned.
func (c *Channel) MapMemory(guestPhys uint64, host []byte, perms MemPerm) error {
	if c == nil || c.closed {
		return ErrChannelClosed
	}
	if len(host) == 0 {
		return fmt.Errorf("map requires a non-empty host buffer")
	}
	if len(host) > math.MaxInt32 {
		return fmt.Errorf("host buffer too large (max %d bytes)", math.MaxInt32)
	}
	if guestPhys > math.MaxUint64-uint64(len(host)) {
		return fmt.Errorf("guest address range would overflow")
	}
	if perms == 0 {
		return fmt.Errorf("map requires at least one permission (read, write, or exec)")
	}
	validPerms := MemRead | MemWrite | MemExec
	if perms&^validPerms != 0 {
		return fmt.Errorf("invalid permission bits 0x%x (valid: 0x%x)", perms, validPerms)
	}
	if !isPageAligned(guestPhys) {
		return fmt.Errorf("guestPhys not page-aligned: 0x%x (page size %d)", guestPhys, pageSize())
	}
	if !isPageAligned(uint64(len(host))) {
		return fmt.Errorf("host length not a page multiple: %d (page size %d)", len(host), pageSize())
	}

	runtime.KeepAlive(host)
	ptr := unsafe.Pointer(&host[0])
	if !isPageAligned(uint64(uintptr(ptr))) {
		return fmt.Errorf("host base not page-aligned: %p (page size %d)", ptr, pageSize())
	}

	// KVM itself doesn't police access permissions on a userspace memory
	// region the way the original ARM64 HV framework binding did — guest
	// page tables are what enforce R/W/X, not the slot. We still validate
	// and record perms so callers building synthetic page tables (tests,
	// the walker fixtures) have a single source of truth for intent.
	slot := memSlot{
		slot: c.nextSlot,
		phys: guestPhys,
		host: host,
		perm: perms,
	}

	region := kvmUserspaceMemoryRegion{
		Slot:          slot.slot,
		GuestPhysAddr: guestPhys,
		MemorySize:    uint64(len(host)),
		UserspaceAddr: uint64(uintptr(ptr)),
	}
	_, errno := ioctl(c.vmFd, kvmSetUserMemoryRegion, unsafe.Pointer(&region))
	if errno != 0 {
		recordResourceError()
		return chanErr(OpSetUserMemory, errno)
	}
	runtime.KeepAlive(host)

	c.nextSlot++
	c.slots = append(c.slots, slot)
	recordMapOperation()
	return nil
}

// UnmapMemory removes a previously mapped region by handing KVM a
// zero-size region for the same slot, then forgets it locally.
func (c *Channel) UnmapMemory(guestPhys, size uint64) error {
	if c == nil || c.closed {
		return ErrChannelClosed
	}
	if size == 0 {
		return fmt.Errorf("unmap requires a non-zero size")
	}
	if !isPageAligned(guestPhys) || !isPageAligned(size) {
		return fmt.Errorf("unmap region not page-aligned: phys=0x%x size=%d", guestPhys, size)
	}

	idx := -1
	for i, s := range c.slots {
		if s.phys == guestPhys {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrMemoryNotMapped
	}

	region := kvmUserspaceMemoryRegion{
		Slot:          c.slots[idx].slot,
		GuestPhysAddr: guestPhys,
		MemorySize:    0,
		UserspaceAddr: 0,
	}
	_, errno := ioctl(c.vmFd, kvmSetUserMemoryRegion, unsafe.Pointer(&region))
	if errno != 0 {
		recordResourceError()
		return chanErr(OpSetUserMemory, errno)
	}

	c.slots = append(c.slots[:idx], c.slots[idx+1:]...)
	recordUnmapOperation()
	return nil
}

// findSlot returns the mapped slot containing [phys, phys+size) in full,
// or ok=false if no single slot covers the whole range.
func (c *Channel) findSlot(phys uint64, size int) (memSlot, bool) {
	for _, s := range c.slots {
		if phys >= s.phys && phys+uint64(size) <= s.phys+uint64(len(s.host)) {
			return s, true
		}
	}
	return memSlot{}, false
}

// ReadPhysical copies len(dst) bytes starting at phys from guest physical
// memory into dst. Guest-physical access is, at the KVM level, just a
// memcpy against the mmap'd host-backed region — there is no ioctl for
// it. Returns false (not an error) on any failure, matching the opaque
// boolean-returning hypervisor ABI the Page-Table Walker is built against.
func (c *Channel) ReadPhysical(dst []byte, phys uint64) bool {
	if c == nil || c.closed || len(dst) == 0 {
		return false
	}
	slot, ok := c.findSlot(phys, len(dst))
	if !ok {
		return false
	}
	off := phys - slot.phys
	copy(dst, slot.host[off:off+uint64(len(dst))])
	recordPhysRead()
	return true
}

// WritePhysical copies src into guest physical memory starting at phys.
func (c *Channel) WritePhysical(phys uint64, src []byte) bool {
	if c == nil || c.closed || len(src) == 0 {
		return false
	}
	slot, ok := c.findSlot(phys, len(src))
	if !ok {
		return false
	}
	if slot.perm&MemWrite == 0 {
		return false
	}
	off := phys - slot.phys
	copy(slot.host[off:off+uint64(len(src))], src)
	recordPhysWrite()
	return true
}
