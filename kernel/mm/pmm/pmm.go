// Package pmm implements the physical frame allocator. The boot hand-off
// supplies the list of free physical memory regions; pmm tracks the state of
// every frame inside them with one bitmap per region.
package pmm

import (
	"lunaviel/kernel"
	"lunaviel/kernel/kfmt"
	"lunaviel/kernel/mm"
)

var (
	// frameAllocator is the allocator instance registered with the mm
	// package by Init.
	frameAllocator BitmapAllocator

	errNoUsableMemory    = &kernel.Error{Module: "pmm", Message: "no usable physical memory regions"}
	errOutOfMemory       = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errFrameNotAllocated = &kernel.Error{Module: "pmm", Message: "attempt to free a frame that is not allocated"}
)

// Region describes a block of free physical memory reported by the boot
// hand-off. Neither the address nor the length need to be page-aligned.
type Region struct {
	PhysAddress uint64
	Length      uint64
}

type framePool struct {
	// startFrame is the frame number for the first page in this pool;
	// bitmap bit i tracks frame (startFrame + i).
	startFrame mm.Frame

	// frameCount is the number of frames in the pool.
	frameCount uint32

	// freeCount lets the allocator skip exhausted pools without scanning
	// their bitmap.
	freeCount uint32

	bitmap []uint64
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps.
type BitmapAllocator struct {
	totalFrames    uint32
	reservedFrames uint32

	pools []framePool
}

// init builds a pool for every region that contains at least one whole page.
func (alloc *BitmapAllocator) init(regions []Region) *kernel.Error {
	pageSizeMinus1 := uint64(mm.PageSize - 1)

	alloc.pools = alloc.pools[:0]
	alloc.totalFrames, alloc.reservedFrames = 0, 0

	for _, region := range regions {
		// Round the start up and the end down so partial pages at the
		// region edges are never handed out.
		start := (region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1
		end := (region.PhysAddress + region.Length) & ^pageSizeMinus1
		if end <= start {
			continue
		}

		frameCount := uint32((end - start) >> mm.PageShift)
		alloc.pools = append(alloc.pools, framePool{
			startFrame: mm.Frame(start >> mm.PageShift),
			frameCount: frameCount,
			freeCount:  frameCount,
			bitmap:     make([]uint64, (frameCount+63)>>6),
		})
		alloc.totalFrames += frameCount
	}

	if alloc.totalFrames == 0 {
		return errNoUsableMemory
	}

	return nil
}

// AllocFrame reserves the lowest free frame of the first pool that still has
// free frames.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount == 0 {
			continue
		}

		for blockIndex, block := range pool.bitmap {
			if block == ^uint64(0) {
				continue
			}

			for bit := uint32(0); bit < 64; bit++ {
				frameIndex := uint32(blockIndex)<<6 + bit
				if frameIndex >= pool.frameCount {
					break
				}

				if block&(1<<bit) != 0 {
					continue
				}

				pool.bitmap[blockIndex] |= 1 << bit
				pool.freeCount--
				alloc.reservedFrames++
				return pool.startFrame + mm.Frame(frameIndex), nil
			}
		}
	}

	return mm.InvalidFrame, errOutOfMemory
}

// FreeFrame releases a frame previously returned by AllocFrame.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if frame < pool.startFrame || frame >= pool.startFrame+mm.Frame(pool.frameCount) {
			continue
		}

		frameIndex := uint32(frame - pool.startFrame)
		blockIndex, mask := frameIndex>>6, uint64(1)<<(frameIndex&63)
		if pool.bitmap[blockIndex]&mask == 0 {
			return errFrameNotAllocated
		}

		pool.bitmap[blockIndex] &^= mask
		pool.freeCount++
		alloc.reservedFrames--
		return nil
	}

	return errFrameNotAllocated
}

// FreeFrames returns the number of frames that can still be allocated.
func (alloc *BitmapAllocator) FreeFrames() uint32 {
	return alloc.totalFrames - alloc.reservedFrames
}

// Init sets up the physical frame allocator using the free memory regions
// supplied by the boot hand-off and registers it with the mm package.
func Init(regions []Region) *kernel.Error {
	if err := frameAllocator.init(regions); err != nil {
		return err
	}

	kfmt.Printf("[pmm] %d/%d frames available in %d region(s)\n",
		frameAllocator.FreeFrames(), frameAllocator.totalFrames, len(frameAllocator.pools))

	mm.SetFrameAllocator(allocFrame)
	mm.SetFrameReleaser(freeFrame)
	return nil
}

func allocFrame() (mm.Frame, *kernel.Error) {
	return frameAllocator.AllocFrame()
}

func freeFrame(frame mm.Frame) *kernel.Error {
	return frameAllocator.FreeFrame(frame)
}
