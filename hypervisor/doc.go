// Package hypervisor provides the engine's concrete Hypervisor Channel: a
// thin Go binding over Linux KVM (/dev/kvm) for guest-physical memory
// mapping, vCPU register access, execution control, breakpoint
// programming, and interrupt injection.
//
// Higher layers (paging, pagefault, memfacade, exec, osplugin, vmicore)
// never reference /dev/kvm directly; they consume either the narrow
// PhysicalMemory capability or the Channel methods declared in this
// package.
//
// # Requirements
//
//   - Linux/amd64 with /dev/kvm accessible (member of the kvm group, or root)
//   - Hardware virtualization enabled (VT-x/AMD-V)
//
// # Basic Usage
//
// Check whether KVM is usable, then open a Channel:
//
//	supported, err := hypervisor.Supported()
//	if err != nil || !supported {
//		log.Fatal("KVM not available on this host")
//	}
//
//	ch, err := hypervisor.Open(hypervisor.Config{})
//	if err != nil {
//		log.Fatal("failed to open channel:", err)
//	}
//	defer ch.Close()
//
//	cpu, err := ch.AddVCPU()
//	if err != nil {
//		log.Fatal("failed to add vCPU:", err)
//	}
//
// Give the guest some RAM:
//
//	hostMem, _ := unix.Mmap(-1, 0, 1<<20, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
//	err = ch.MapMemory(0, hostMem, hypervisor.MemRead|hypervisor.MemWrite|hypervisor.MemExec)
//
// Set the instruction pointer and run:
//
//	_ = ch.WriteRegister(cpu, hypervisor.RegRIP, 0x1000)
//	_ = ch.Resume()
//	reason, err := ch.Wait(context.Background(), cpu)
//
// # Error Handling
//
// Low-level physical read/write return a plain bool (matching the opaque
// hypervisor ABI higher layers must tolerate). A failed KVM call is
// reported as a *ChannelError wrapping the underlying syscall.Errno;
// MapMemory and UnmapMemory report invalid arguments as plain errors.
//
// # Resource Management
//
// A Channel is a single-owner value: Close() exactly once. A finalizer
// provides best-effort safety-net cleanup if Close is forgotten, but
// should never be relied upon. Only one Channel may be open per process.
//
// # Platform Support
//
// Linux/amd64 only. Other platforms get a stub implementation: Supported
// reports false, Close returns nil, ReadPhysical and WritePhysical return
// false, and every other operation returns ErrUnsupportedPlatform.
package hypervisor
