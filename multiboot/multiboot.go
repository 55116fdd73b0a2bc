// Package multiboot provides access to the multiboot2 information structure
// that the boot loader passes to the kernel.
//
// The kernel relies on the boot loader mapping the info structure and every
// boot module at an address equal to its physical address.
package multiboot

import (
	"reflect"
	"unsafe"
)

var (
	infoData uintptr
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

// tagHeader describes the header the preceedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Multiboot2 places each tag at an 8-byte aligned
	// address.
	size uint32
}

// mmapHeader describes the header of the memory map tag.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// moduleHeader describes the fixed part of a boot module tag. It is followed
// by the NULL-terminated module command line.
type moduleHeader struct {
	start uint32
	end   uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// Module describes a file loaded into memory by the boot loader.
type Module struct {
	// The physical address range occupied by the module contents.
	PhysStart uint64
	PhysEnd   uint64

	// The command line the boot loader associated with the module.
	CmdLine string
}

// Contents returns the module contents as a byte slice backed by the memory
// where the boot loader placed them.
func (m *Module) Contents() []byte {
	if m.PhysEnd <= m.PhysStart {
		return nil
	}

	return overlay(uintptr(m.PhysStart), int(m.PhysEnd-m.PhysStart))
}

// ModuleVisitor defines a visitor function that gets invoked by VisitModules
// for each boot module. The visitor must return true to continue or false to
// abort the scan.
type ModuleVisitor func(*Module) bool

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// InfoSize returns the total size of the multiboot info data including its
// header.
func InfoSize() uint32 {
	return *(*uint32)(unsafe.Pointer(infoData))
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemoryMapEntry
	for curPtr < endPtr {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// VisitModules invokes the supplied visitor for each boot module in the order
// they appear in the multiboot info data.
func VisitModules(visitor ModuleVisitor) {
	var mod Module

	curPtr := infoData + 8
	for ptrTagHeader := (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagModules {
			hdr := (*moduleHeader)(unsafe.Pointer(curPtr + 8))
			mod.PhysStart = uint64(hdr.start)
			mod.PhysEnd = uint64(hdr.end)
			mod.CmdLine = cString(curPtr+16, uintptr(ptrTagHeader.size)-16)

			if !visitor(&mod) {
				return
			}
		}

		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}
}

// BootCmdLine returns the command line passed to the kernel or an empty
// string if the boot loader did not supply one. The returned string points
// into the multiboot info data and no memory is allocated.
func BootCmdLine() string {
	curPtr, size := findTagByType(tagBootCmdLine)
	if size == 0 {
		return ""
	}

	return cString(curPtr, uintptr(size))
}

// cString returns a string overlaying the C-style NULL-terminated string at
// ptr. The scan never reads past maxLen bytes.
func cString(ptr, maxLen uintptr) string {
	var n uintptr
	for ; n < maxLen && *(*byte)(unsafe.Pointer(ptr + n)) != 0; n++ {
	}

	if n == 0 {
		return ""
	}

	var str string
	strHeader := (*reflect.StringHeader)(unsafe.Pointer(&str))
	strHeader.Len = int(n)
	strHeader.Data = ptr
	return str
}

func overlay(ptr uintptr, size int) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  size,
		Cap:  size,
		Data: ptr,
	}))
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	var ptrTagHeader *tagHeader

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}
