package mm

import (
	"lunaviel/kernel"
	"math"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame containing physAddr. Unaligned addresses
// are rounded down.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// FrameReleaserFn is a function that returns a physical frame to the
// allocator that reserved it.
type FrameReleaserFn func(Frame) *kernel.Error

var (
	frameAllocator FrameAllocatorFn
	frameReleaser  FrameReleaserFn

	errNoFrameReleaser = &kernel.Error{Module: "mm", Message: "no frame releaser registered"}
)

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// SetFrameReleaser registers the function used by FreeFrame.
func SetFrameReleaser(releaseFn FrameReleaserFn) { frameReleaser = releaseFn }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) { return frameAllocator() }

// FreeFrame returns a frame obtained via AllocFrame.
func FreeFrame(f Frame) *kernel.Error {
	if frameReleaser == nil {
		return errNoFrameReleaser
	}
	return frameReleaser(f)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page containing virtAddr. Unaligned addresses
// are rounded down.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}

// PageAlignDown rounds addr down to a page boundary.
func PageAlignDown(addr uintptr) uintptr {
	return addr & ^(PageSize - 1)
}

// PageAlignUp rounds addr up to a page boundary. The result wraps to zero for
// addresses in the last page of the address space.
func PageAlignUp(addr uintptr) uintptr {
	return (addr + PageSize - 1) & ^(PageSize - 1)
}
