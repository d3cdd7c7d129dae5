package winguest

// Offsets names the EPROCESS/PEB/LDR/MMVAD field offsets this plugin needs.
// Every 64-bit Windows NT build lays these structures out slightly
// differently, so the plugin carries a small table of known layouts and
// selects one by the kernel's NtBuildNumber, read out of
// KUSER_SHARED_DATA, rather than hardcoding a single layout.
type Offsets struct {
	// EPROCESS
	ActiveProcessLinks uint64
	UniqueProcessID    uint64
	ImageFileName      uint64
	ImageFileNameLen   uint64
	DirectoryTableBase uint64 // Pcb.DirectoryTableBase
	UserDirTableBase   uint64 // Pcb.UserDirectoryTableBase, 0 if the build predates meltdown mitigation KVA shadowing
	Peb                uint64
	VadRoot            uint64

	// PEB
	PebLdr uint64

	// PEB_LDR_DATA
	InLoadOrderModuleList uint64

	// LDR_DATA_TABLE_ENTRY
	InLoadOrderLinks uint64
	DllBase          uint64
	SizeOfImage      uint64
	FullDllName      uint64 // UNICODE_STRING

	// MMVAD_SHORT / MMVAD (the common VadNode prefix both share)
	VadLeft        uint64
	VadRight       uint64
	VadStartingVpn uint64
	VadEndingVpn   uint64
}

// unicodeString mirrors the UNICODE_STRING layout: a 16-bit length, a
// 16-bit max length, 4 bytes of padding to the pointer's natural alignment,
// and an 8-byte pointer to the (not necessarily NUL-terminated) UTF-16
// buffer.
type unicodeString struct {
	Length, MaximumLength uint16
	_                     uint32
	Buffer                uint64
}

const unicodeStringSize = 16

// win10_19041 is the layout observed on 64-bit Windows 10 20H2 (build
// 19041-19045), the reference build this plugin was validated against.
var win10_19041 = Offsets{
	ActiveProcessLinks: 0x448,
	UniqueProcessID:    0x440,
	ImageFileName:      0x5a8,
	ImageFileNameLen:   15,
	DirectoryTableBase: 0x28,
	UserDirTableBase:   0x278,
	Peb:                0x550,
	VadRoot:            0x7d8,

	PebLdr: 0x18,

	InLoadOrderModuleList: 0x10,

	InLoadOrderLinks: 0x00,
	DllBase:          0x30,
	SizeOfImage:      0x40,
	FullDllName:      0x48,

	VadLeft:        0x00,
	VadRight:       0x08,
	VadStartingVpn: 0x18,
	VadEndingVpn:   0x1c,
}

// win8_9200 is the layout observed on 64-bit Windows 8/Server 2012 (build
// 9200), which predates the meltdown-mitigation KVA shadow CR3
// (UserDirectoryTableBase) and has a shorter ImageFileName-adjacent header.
var win8_9200 = Offsets{
	ActiveProcessLinks: 0x2e8,
	UniqueProcessID:    0x2e0,
	ImageFileName:      0x438,
	ImageFileNameLen:   15,
	DirectoryTableBase: 0x28,
	UserDirTableBase:   0,
	Peb:                0x338,
	VadRoot:            0x590,

	PebLdr: 0x18,

	InLoadOrderModuleList: 0x10,

	InLoadOrderLinks: 0x00,
	DllBase:          0x30,
	SizeOfImage:      0x40,
	FullDllName:      0x48,

	VadLeft:        0x00,
	VadRight:       0x08,
	VadStartingVpn: 0x18,
	VadEndingVpn:   0x1c,
}

// buildLayout pairs a minimum NtBuildNumber with the Offsets table that
// applies from that build onward. Entries are kept in ascending order;
// selectOffsets keeps the last matching entry, so the highest matching
// minimum wins.
type buildLayout struct {
	minBuild uint32
	offsets  Offsets
}

var knownLayouts = []buildLayout{
	{minBuild: 9200, offsets: win8_9200},
	{minBuild: 18362, offsets: win10_19041},
}

// selectOffsets returns the Offsets table for the newest known layout
// whose minBuild does not exceed build, or false if build predates every
// layout this plugin knows about.
func selectOffsets(build uint32) (Offsets, bool) {
	best, ok := -1, false
	for i, l := range knownLayouts {
		if build >= l.minBuild {
			best, ok = i, true
		}
	}
	if !ok {
		return Offsets{}, false
	}
	return knownLayouts[best].offsets, true
}
