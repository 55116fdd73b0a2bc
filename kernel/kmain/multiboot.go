package kmain

import (
	"lunaviel/kernel/arch"
	"lunaviel/kernel/mm"
	"lunaviel/kernel/mm/pmm"
	"lunaviel/multiboot"
)

const (
	// lowMemoryEnd marks the end of the legacy BIOS area which is never
	// handed to the frame allocator.
	lowMemoryEnd = 0x100000

	maxFreeRegions     = 64
	maxReservedRegions = 16
)

// physRange describes the physical address range [start, end).
type physRange struct {
	start, end uint64
}

var (
	bootHandOff    HandOff
	freeRegionBuf  [maxFreeRegions]pmm.Region
	reservedBuf    [maxReservedRegions]physRange
	reservedCount  int
	freeRegionUsed int
)

// HandOffFromMultiboot builds the hand-off for Kmain from the multiboot2 info
// data at infoPtr. The first boot module becomes the init image. The kernel
// image, the info data, the boot modules and the low 1M of memory are
// excluded from the free memory regions.
//
// HandOffFromMultiboot does not allocate memory.
func HandOffFromMultiboot(infoPtr, kernelStart, kernelEnd uintptr, bootStack arch.Stack) *HandOff {
	multiboot.SetInfoPtr(infoPtr)

	h := &bootHandOff
	h.CmdLine = multiboot.BootCmdLine()
	h.BootStack = bootStack
	h.InitImage = nil

	reservedCount = 0
	reserve(0, lowMemoryEnd)
	reserve(uint64(kernelStart), uint64(kernelEnd))
	reserve(uint64(infoPtr), uint64(infoPtr)+uint64(multiboot.InfoSize()))

	multiboot.VisitModules(func(mod *multiboot.Module) bool {
		if h.InitImage == nil {
			h.InitImage = mod.Contents()
		}
		reserve(mod.PhysStart, mod.PhysEnd)
		return true
	})

	freeRegionUsed = 0
	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type == multiboot.MemAvailable {
			addFree(entry.PhysAddress, entry.PhysAddress+entry.Length, reservedBuf[:reservedCount])
		}
		return freeRegionUsed < maxFreeRegions
	})

	h.FreeMemory = freeRegionBuf[:freeRegionUsed]
	return h
}

// reserve records a page-aligned range that must not be handed to the frame
// allocator. Reservations past maxReservedRegions are ignored.
func reserve(start, end uint64) {
	if end <= start || reservedCount == maxReservedRegions {
		return
	}

	reservedBuf[reservedCount] = physRange{
		start: start &^ uint64(mm.PageSize-1),
		end:   (end + uint64(mm.PageSize-1)) &^ uint64(mm.PageSize-1),
	}
	reservedCount++
}

// addFree appends the parts of [start, end) that do not intersect any of the
// reserved ranges to the free region list.
func addFree(start, end uint64, reserved []physRange) {
	for i, r := range reserved {
		if r.end <= start || r.start >= end {
			continue
		}

		if r.start > start {
			addFree(start, r.start, reserved[i+1:])
		}

		start = r.end
		if start >= end {
			return
		}
	}

	if start >= end || freeRegionUsed == maxFreeRegions {
		return
	}

	freeRegionBuf[freeRegionUsed] = pmm.Region{PhysAddress: start, Length: end - start}
	freeRegionUsed++
}
