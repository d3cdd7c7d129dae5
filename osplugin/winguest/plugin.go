// Package winguest implements osplugin.Plugin for a 64-bit Windows NT
// guest. It locates PsActiveProcessHead by scanning the kernel image for a
// LIST_ENTRY whose links point back to it, walks EPROCESS.ActiveProcessLinks to enumerate processes,
// resolves PEB.Ldr module lists, and walks EPROCESS.VadRoot to answer
// virtual memory area queries. Every read goes through the narrow
// PhysicalMemory capability osplugin.Plugin methods receive; this package
// never holds a channel and cannot pause or resume the guest.
package winguest

import (
	"bytes"
	"encoding/binary"
	"strings"
	"sync"
	"unicode/utf16"

	"github.com/coredump-labs/vmicore/osplugin"
	"github.com/coredump-labs/vmicore/pagefault"
	"github.com/coredump-labs/vmicore/paging"
)

const (
	// kuserSharedData is mapped at this fixed virtual address in every
	// 64-bit NT kernel, identically across processes, regardless of ASLR.
	kuserSharedData      paging.VirtAddr = 0xFFFFF78000000000
	ntBuildNumberOffset  paging.VirtAddr = 0x260
	ntMajorVersionOffset paging.VirtAddr = 0x26c
	ntMinorVersionOffset paging.VirtAddr = 0x270
)

// DefaultKernelBase is the conventional start of the canonical address
// range 64-bit NT kernel images load into; callers that don't know a
// guest's actual kernel base (e.g. from a boot-time hook) can pass this to
// New and rely on the PsActiveProcessHead scan to find the real list head
// somewhere in the following defaultScanWindow bytes.
const DefaultKernelBase paging.VirtAddr = 0xFFFFF80000000000

const (
	// defaultScanWindow bounds the PsActiveProcessHead scan to
	// the first 4MiB of the kernel image, which comfortably covers
	// ntoskrnl's .data section on every build this plugin targets.
	defaultScanWindow  = 0x400000
	maxProcessListScan = defaultScanWindow / 8
	maxProcessWalk     = 4096
	maxModuleWalk      = 1024
	vadMaxDepth         = 64
)

// Plugin targets 64-bit Windows NT guests (Windows 8 through the current
// Windows 10/11 family). One Plugin binds to one guest kernel: kdtb and
// kernelBase never change after New, and Probe populates everything else.
type Plugin struct {
	kdtb       paging.Dtb
	kernelBase paging.VirtAddr

	mu                   sync.Mutex
	probed               bool
	offsets              Offsets
	psActiveProcessHead  paging.VirtAddr
	buildNumber          uint32
}

// New returns a Plugin bound to a guest whose kernel page tables are
// rooted at kdtb and whose kernel image starts at kernelBase. kernelBase
// is normally found by the caller from a boot-time hook or a fixed
// self-map convention; this package does not locate it itself.
func New(kdtb paging.Dtb, kernelBase paging.VirtAddr) *Plugin {
	return &Plugin{kdtb: kdtb, kernelBase: kernelBase}
}

func (p *Plugin) Name() string { return "winguest" }

// Probe reads KUSER_SHARED_DATA for the kernel's version triple, requires
// a major version of at least 6, selects an offset table by build number,
// and scans for PsActiveProcessHead. It
// returns false, without mutating the plugin's bound state, if any of
// these steps fails.
func (p *Plugin) Probe(mem osplugin.PhysicalMemory) bool {
	var major, minor, build uint32
	if !readU32At(mem, p.kdtb, kuserSharedData+ntMajorVersionOffset, &major) {
		return false
	}
	if !readU32At(mem, p.kdtb, kuserSharedData+ntMinorVersionOffset, &minor) {
		return false
	}
	if !readU32At(mem, p.kdtb, kuserSharedData+ntBuildNumberOffset, &build) {
		return false
	}
	if major < 6 {
		return false
	}

	offsets, ok := selectOffsets(build)
	if !ok {
		return false
	}

	head, ok := p.locateProcessListHead(mem, offsets)
	if !ok {
		return false
	}

	p.mu.Lock()
	p.offsets = offsets
	p.psActiveProcessHead = head
	p.buildNumber = build
	p.probed = true
	p.mu.Unlock()
	return true
}

// locateProcessListHead scans kernel memory starting at p.kernelBase for
// PsActiveProcessHead: a LIST_ENTRY whose Flink, offset back by
// ActiveProcessLinks, names an EPROCESS whose own
// ActiveProcessLinks.Blink points back to the candidate. A pointer chain
// that satisfies this two-hop round trip by chance, rather than because
// it is the real list head, does not happen on a real kernel image.
func (p *Plugin) locateProcessListHead(mem osplugin.PhysicalMemory, off Offsets) (paging.VirtAddr, bool) {
	for i := uint64(0); i < maxProcessListScan; i++ {
		candidate := p.kernelBase + paging.VirtAddr(i*8)

		var flink, blink uint64
		if !readU64At(mem, p.kdtb, candidate, &flink) || flink == 0 {
			continue
		}
		if !readU64At(mem, p.kdtb, candidate+8, &blink) || blink == 0 {
			continue
		}

		var roundTripBack uint64
		if !readU64At(mem, p.kdtb, paging.VirtAddr(flink)+8, &roundTripBack) || roundTripBack != uint64(candidate) {
			continue
		}
		var roundTripFwd uint64
		if !readU64At(mem, p.kdtb, paging.VirtAddr(blink), &roundTripFwd) || roundTripFwd != uint64(candidate) {
			continue
		}

		return candidate, true
	}
	return 0, false
}

func (p *Plugin) probedOffsets() (Offsets, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offsets, p.probed
}

// ListProcs walks the doubly linked EPROCESS.ActiveProcessLinks list
// rooted at PsActiveProcessHead, invoking on for each process found.
func (p *Plugin) ListProcs(mem osplugin.PhysicalMemory, on func(osplugin.ProcessID) bool) bool {
	off, ok := p.probedOffsets()
	if !ok {
		return false
	}

	head := p.psActiveProcessHead
	var flink uint64
	if !readU64At(mem, p.kdtb, head, &flink) {
		return false
	}

	cur := paging.VirtAddr(flink)
	for seen := 0; cur != head; seen++ {
		if seen >= maxProcessWalk {
			return false
		}
		base := cur - paging.VirtAddr(off.ActiveProcessLinks)
		proc, ok := p.processAt(mem, off, base)
		if !ok {
			return false
		}
		if !on(proc) {
			return true
		}
		var next uint64
		if !readU64At(mem, p.kdtb, cur, &next) {
			return false
		}
		cur = paging.VirtAddr(next)
	}
	return true
}

func (p *Plugin) processAt(mem osplugin.PhysicalMemory, off Offsets, base paging.VirtAddr) (osplugin.ProcessID, bool) {
	var dtbRaw uint64
	if !readU64At(mem, p.kdtb, base+paging.VirtAddr(off.DirectoryTableBase), &dtbRaw) {
		return osplugin.ProcessID{}, false
	}

	udtbRaw := dtbRaw
	if off.UserDirTableBase != 0 {
		var raw uint64
		if readU64At(mem, p.kdtb, base+paging.VirtAddr(off.UserDirTableBase), &raw) && raw&1 != 0 {
			// The low bit marks the KVA-shadow CR3 as populated; clear it
			// to recover the physical root.
			udtbRaw = raw &^ 1
		}
	}

	return osplugin.ProcessID{
		KDTB:   paging.Dtb(dtbRaw),
		UDTB:   paging.Dtb(udtbRaw),
		Handle: uint64(base),
	}, true
}

// CurrentProc finds the process whose kernel or user page-table root
// equals cr3 by scanning ListProcs; NT has no reverse CR3-to-EPROCESS
// index, so every plugin that supports this call pays the same scan.
func (p *Plugin) CurrentProc(mem osplugin.PhysicalMemory, cr3 paging.Dtb) (osplugin.ProcessID, bool) {
	var found osplugin.ProcessID
	var ok bool
	p.ListProcs(mem, func(proc osplugin.ProcessID) bool {
		if proc.KDTB == cr3 || proc.UDTB == cr3 {
			found, ok = proc, true
			return false
		}
		return true
	})
	return found, ok
}

// GetProc finds a process by image name, case-insensitively, matching NT's
// own case-insensitive image name comparisons.
func (p *Plugin) GetProc(mem osplugin.PhysicalMemory, name string) (osplugin.ProcessID, bool) {
	var found osplugin.ProcessID
	var ok bool
	p.ListProcs(mem, func(proc osplugin.ProcessID) bool {
		n, nok := p.ProcName(mem, proc)
		if nok && strings.EqualFold(n, name) {
			found, ok = proc, true
			return false
		}
		return true
	})
	return found, ok
}

// ProcName reads the fixed-length, not-necessarily-NUL-terminated
// EPROCESS.ImageFileName field.
func (p *Plugin) ProcName(mem osplugin.PhysicalMemory, proc osplugin.ProcessID) (string, bool) {
	off, ok := p.probedOffsets()
	if !ok {
		return "", false
	}
	buf := make([]byte, off.ImageFileNameLen)
	if !readVirt(mem, p.kdtb, paging.VirtAddr(proc.Handle)+paging.VirtAddr(off.ImageFileName), buf) {
		return "", false
	}
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), true
}

// HasVirtual reports whether proc has a distinct user address space. The
// Idle and System processes are the only NT processes whose user CR3
// equals their kernel CR3 because they never run user-mode code; every
// real process has UserDirectoryTableBase pointing at a distinct root.
func (p *Plugin) HasVirtual(proc osplugin.ProcessID) bool {
	return proc.UDTB != 0 && proc.UDTB != proc.KDTB
}

// ListMods walks proc's PEB.Ldr.InLoadOrderModuleList. The EPROCESS.Peb
// pointer is read through the kernel's DTB; the PEB and loader data
// structures live in the process's user address space, so every read after
// that goes through proc.UDTB.
func (p *Plugin) ListMods(mem osplugin.PhysicalMemory, proc osplugin.ProcessID, on func(osplugin.ModuleID) bool) bool {
	off, ok := p.probedOffsets()
	if !ok || !p.HasVirtual(proc) {
		return false
	}

	var pebRaw uint64
	if !readU64At(mem, p.kdtb, paging.VirtAddr(proc.Handle)+paging.VirtAddr(off.Peb), &pebRaw) || pebRaw == 0 {
		return false
	}

	var ldrRaw uint64
	ldrField := paging.VirtAddr(pebRaw) + paging.VirtAddr(off.PebLdr)
	if !readU64At(mem, proc.UDTB, ldrField, &ldrRaw) || ldrRaw == 0 {
		return false
	}

	head := paging.VirtAddr(ldrRaw) + paging.VirtAddr(off.InLoadOrderModuleList)
	var flink uint64
	if !readU64At(mem, proc.UDTB, head, &flink) {
		return false
	}

	cur := paging.VirtAddr(flink)
	for seen := 0; cur != head; seen++ {
		if seen >= maxModuleWalk {
			return false
		}
		entry := cur - paging.VirtAddr(off.InLoadOrderLinks)
		if !on(osplugin.ModuleID{Handle: uint64(entry)}) {
			return true
		}
		var next uint64
		if !readU64At(mem, proc.UDTB, cur, &next) {
			return false
		}
		cur = paging.VirtAddr(next)
	}
	return true
}

// ModName decodes mod's LDR_DATA_TABLE_ENTRY.FullDllName UNICODE_STRING
// and returns just the file name component.
func (p *Plugin) ModName(mem osplugin.PhysicalMemory, proc osplugin.ProcessID, mod osplugin.ModuleID) (string, bool) {
	off, ok := p.probedOffsets()
	if !ok {
		return "", false
	}

	var hdr [unicodeStringSize]byte
	if !readVirt(mem, proc.UDTB, paging.VirtAddr(mod.Handle)+paging.VirtAddr(off.FullDllName), hdr[:]) {
		return "", false
	}
	length := binary.LittleEndian.Uint16(hdr[0:2])
	bufPtr := binary.LittleEndian.Uint64(hdr[8:16])
	if length == 0 || bufPtr == 0 {
		return "", false
	}

	raw := make([]byte, length)
	if !readVirt(mem, proc.UDTB, paging.VirtAddr(bufPtr), raw) {
		return "", false
	}

	units := make([]uint16, length/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	full := string(utf16.Decode(units))
	if i := strings.LastIndexByte(full, '\\'); i >= 0 {
		full = full[i+1:]
	}
	return full, true
}

// ModSpan reads mod's DllBase and SizeOfImage fields.
func (p *Plugin) ModSpan(mem osplugin.PhysicalMemory, proc osplugin.ProcessID, mod osplugin.ModuleID) (osplugin.Span, bool) {
	off, ok := p.probedOffsets()
	if !ok {
		return osplugin.Span{}, false
	}

	base := paging.VirtAddr(mod.Handle)
	var dllBase uint64
	if !readU64At(mem, proc.UDTB, base+paging.VirtAddr(off.DllBase), &dllBase) {
		return osplugin.Span{}, false
	}
	var size uint32
	if !readU32At(mem, proc.UDTB, base+paging.VirtAddr(off.SizeOfImage), &size) {
		return osplugin.Span{}, false
	}
	return osplugin.Span{Addr: paging.VirtAddr(dllBase), Size: uint64(size)}, true
}

// VMAFind walks EPROCESS.VadRoot, an AVL tree keyed by page-aligned
// starting/ending virtual page numbers, looking for the node that
// contains addr.
func (p *Plugin) VMAFind(mem osplugin.PhysicalMemory, proc osplugin.ProcessID, addr paging.VirtAddr) (osplugin.VMA, bool) {
	off, ok := p.probedOffsets()
	if !ok {
		return osplugin.VMA{}, false
	}

	var rootRaw uint64
	if !readU64At(mem, p.kdtb, paging.VirtAddr(proc.Handle)+paging.VirtAddr(off.VadRoot), &rootRaw) || rootRaw == 0 {
		return osplugin.VMA{}, false
	}

	targetVpn := uint32(uint64(addr) >> 12)
	node := paging.VirtAddr(rootRaw)
	for depth := 0; depth < vadMaxDepth && node != 0; depth++ {
		var startVpn, endVpn uint32
		if !readU32At(mem, proc.UDTB, node+paging.VirtAddr(off.VadStartingVpn), &startVpn) ||
			!readU32At(mem, proc.UDTB, node+paging.VirtAddr(off.VadEndingVpn), &endVpn) {
			return osplugin.VMA{}, false
		}

		switch {
		case targetVpn < startVpn:
			node = p.vadChild(mem, proc, off, node, off.VadLeft)
		case targetVpn > endVpn:
			node = p.vadChild(mem, proc, off, node, off.VadRight)
		default:
			return osplugin.VMA{Handle: uint64(node)}, true
		}
	}
	return osplugin.VMA{}, false
}

func (p *Plugin) vadChild(mem osplugin.PhysicalMemory, proc osplugin.ProcessID, off Offsets, node paging.VirtAddr, childOff uint64) paging.VirtAddr {
	var raw uint64
	if !readU64At(mem, proc.UDTB, node+paging.VirtAddr(childOff), &raw) {
		return 0
	}
	return paging.VirtAddr(raw)
}

// VMASpan converts vma's page-number bounds back into a byte address and
// size. EndingVpn names the last page included in the area, so the size
// is (end - start + 1) pages.
func (p *Plugin) VMASpan(mem osplugin.PhysicalMemory, proc osplugin.ProcessID, vma osplugin.VMA) (osplugin.Span, bool) {
	off, ok := p.probedOffsets()
	if !ok {
		return osplugin.Span{}, false
	}

	node := paging.VirtAddr(vma.Handle)
	var startVpn, endVpn uint32
	if !readU32At(mem, proc.UDTB, node+paging.VirtAddr(off.VadStartingVpn), &startVpn) ||
		!readU32At(mem, proc.UDTB, node+paging.VirtAddr(off.VadEndingVpn), &endVpn) {
		return osplugin.Span{}, false
	}

	base := uint64(startVpn) << 12
	size := (uint64(endVpn) - uint64(startVpn) + 1) << 12
	return osplugin.Span{Addr: paging.VirtAddr(base), Size: size}, true
}

// IsKernelAddress delegates to the same canonical-high-half test the
// injector and memory facade use, so every layer agrees on the
// kernel/user split.
func (p *Plugin) IsKernelAddress(addr paging.VirtAddr) bool {
	return pagefault.IsKernelAddress(addr)
}

func readVirt(mem osplugin.PhysicalMemory, dtb paging.Dtb, virt paging.VirtAddr, dst []byte) bool {
	for len(dst) > 0 {
		t, ok := paging.Walk(mem, virt, dtb)
		if !ok {
			return false
		}

		pageRemaining := uint64(4096) - virt.Offset()
		n := pageRemaining
		if n > uint64(len(dst)) {
			n = uint64(len(dst))
		}

		switch t.Kind {
		case paging.Mapped:
			if !mem.ReadPhysical(dst[:n], uint64(t.Phys)) {
				return false
			}
		case paging.ZeroPage:
			for i := uint64(0); i < n; i++ {
				dst[i] = 0
			}
		default:
			return false
		}

		dst = dst[n:]
		virt += paging.VirtAddr(n)
	}
	return true
}

func readU64At(mem osplugin.PhysicalMemory, dtb paging.Dtb, virt paging.VirtAddr, out *uint64) bool {
	var buf [8]byte
	if !readVirt(mem, dtb, virt, buf[:]) {
		return false
	}
	*out = binary.LittleEndian.Uint64(buf[:])
	return true
}

func readU32At(mem osplugin.PhysicalMemory, dtb paging.Dtb, virt paging.VirtAddr, out *uint32) bool {
	var buf [4]byte
	if !readVirt(mem, dtb, virt, buf[:]) {
		return false
	}
	*out = binary.LittleEndian.Uint32(buf[:])
	return true
}
