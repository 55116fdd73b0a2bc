package vmm

import "math"

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// entriesPerTable is the number of entries in each page table.
	entriesPerTable = 512

	// ptePhysPageMask extracts the physical address (bits 12-51) from a
	// page table entry.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// userHalfEntries is the number of top-level entries that cover the
	// lower (user) half of the canonical address space. Entries from
	// userHalfEntries up to recursiveEntryIndex are shared by every
	// address space and map the kernel.
	userHalfEntries = 256

	// recursiveEntryIndex is the top-level entry that points back to the
	// top-level table itself.
	recursiveEntryIndex = entriesPerTable - 1

	// tempMappingAddr is a reserved virtual page address used for
	// temporary physical page mappings (e.g. when initializing the
	// contents of a freshly allocated frame). For amd64 this address uses
	// the table indices 510, 511, 511, 511.
	tempMappingAddr = uintptr(0xffffff7ffffff000)

	// UserSpaceEnd is the first address past the lower canonical half;
	// user mappings must end at or below it.
	UserSpaceEnd = uintptr(0x0000800000000000)
)

var (
	// pdtVirtualAddr is the address of the active top-level table when
	// accessed through the recursive mapping: with all table indices set
	// to recursiveEntryIndex the MMU keeps landing on the top-level table.
	pdtVirtualAddr = uintptr(math.MaxUint64 &^ ((1 << 12) - 1))

	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level.
	pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

	// pageLevelShifts defines the shift required to access each page
	// table component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 2Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal prevents the TLB entry for this page from being flushed
	// when CR3 is reloaded.
	FlagGlobal

	// FlagNoExecute marks the page contents as non-executable. It is only
	// honored once EFER.NXE has been set during arch bring-up.
	FlagNoExecute = 1 << 63
)
