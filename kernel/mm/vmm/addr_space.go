package vmm

import (
	"lunaviel/kernel"
	"lunaviel/kernel/mm"
	"lunaviel/kernel/sync"
	"sort"
	"unsafe"
)

var (
	// lock serializes every change to user address spaces as well as the
	// use of the shared temporary mapping slot.
	lock sync.Spinlock

	// ErrRegionOverlap is returned by Map when the requested range overlaps
	// an existing region.
	ErrRegionOverlap = &kernel.Error{Module: "vmm", Message: "range overlaps an existing region"}

	// ErrAddressSpaceReleased is returned by every AddressSpace operation
	// after Release has been invoked.
	ErrAddressSpaceReleased = &kernel.Error{Module: "vmm", Message: "address space has been released"}

	// ErrBadAddress is returned by CopyIn and CopyOut when the user range is
	// not fully mapped with the required permissions.
	ErrBadAddress = &kernel.Error{Module: "vmm", Message: "user range is not mapped"}

	errUnalignedRange    = &kernel.Error{Module: "vmm", Message: "range must be non-empty and page-aligned"}
	errRangeNotUser      = &kernel.Error{Module: "vmm", Message: "range extends past the user half of the address space"}
	errContentOutOfRange = &kernel.Error{Module: "vmm", Message: "content source does not fit in the mapped range"}
	errNoSuchRegion      = &kernel.Error{Module: "vmm", Message: "range does not match a mapped region"}
)

// Permission describes the access rights of a user region.
type Permission uint8

const (
	// PermRead allows user code to read the region.
	PermRead Permission = 1 << iota

	// PermWrite allows user code to write the region.
	PermWrite

	// PermExec allows user code to execute instructions from the region.
	PermExec
)

// pteFlags returns the leaf entry flags that implement p.
func (p Permission) pteFlags() PageTableEntryFlag {
	flags := FlagPresent | FlagUserAccessible
	if p&PermWrite != 0 {
		flags |= FlagRW
	}
	if p&PermExec == 0 {
		flags |= FlagNoExecute
	}
	return flags
}

// Range describes the half-open virtual address range [Start, End).
type Range struct {
	Start uintptr
	End   uintptr
}

// Size returns the number of bytes covered by r.
func (r Range) Size() uintptr {
	return r.End - r.Start
}

// Overlaps returns true if r and other share at least one address.
func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}

// BackingKind describes where the initial contents of a region came from.
type BackingKind uint8

const (
	// BackingZero regions start out zero-filled.
	BackingZero BackingKind = iota

	// BackingFile regions were initialized (at least partially) from a
	// file image; bytes past the file contents are zero-filled.
	BackingFile
)

// ContentSource describes the bytes used to initialize a new region. Data is
// copied to the region start plus Offset; every other byte of the region is
// zero.
type ContentSource struct {
	Data   []byte
	Offset uintptr
}

// Region describes a mapped range of a user address space.
type Region struct {
	Range Range
	Kind  BackingKind
	Perm  Permission

	frames []mm.Frame
}

// AddressSpace describes the user half of a virtual address space. The
// kernel half is shared with every other address space.
type AddressSpace struct {
	pdt      PageDirectoryTable
	regions  []Region
	released bool
}

// NewAddressSpace allocates and initializes a page directory table for a new
// user address space without any user mappings.
func NewAddressSpace() (*AddressSpace, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	pdtFrame, err := mm.AllocFrame()
	if err != nil {
		return nil, err
	}

	as := &AddressSpace{}
	if err = as.pdt.Init(pdtFrame); err != nil {
		_ = mm.FreeFrame(pdtFrame)
		return nil, err
	}

	return as, nil
}

// Map installs a new region covering rng with the supplied permissions. Every
// page of the region is backed by a freshly allocated frame that is zeroed
// and then initialized from src.
//
// Map either installs the whole region or, if any step fails, leaves the
// address space exactly as it was before the call.
func (as *AddressSpace) Map(rng Range, perm Permission, src ContentSource) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	if as.released {
		return ErrAddressSpaceReleased
	}

	if err := checkUserRange(rng); err != nil {
		return err
	}

	if src.Offset > rng.Size() || uintptr(len(src.Data)) > rng.Size()-src.Offset {
		return errContentOutOfRange
	}

	index := as.regionIndex(rng.Start)
	if (index > 0 && as.regions[index-1].Range.Overlaps(rng)) ||
		(index < len(as.regions) && as.regions[index].Range.Overlaps(rng)) {
		return ErrRegionOverlap
	}

	var (
		startPage = mm.PageFromAddress(rng.Start)
		pageCount = rng.Size() >> mm.PageShift
		frames    = make([]mm.Frame, 0, pageCount)
		flags     = perm.pteFlags()
	)

	for pageIndex := uintptr(0); pageIndex < pageCount; pageIndex++ {
		frame, err := fillFrame(pageIndex<<mm.PageShift, src)
		if err != nil {
			as.rollback(startPage, frames)
			return err
		}

		if err = as.pdt.Map(startPage+mm.Page(pageIndex), frame, flags); err != nil {
			_ = mm.FreeFrame(frame)
			as.rollback(startPage, frames)
			return err
		}

		frames = append(frames, frame)
	}

	kind := BackingZero
	if len(src.Data) != 0 {
		kind = BackingFile
	}

	as.regions = append(as.regions, Region{})
	copy(as.regions[index+1:], as.regions[index:])
	as.regions[index] = Region{Range: rng, Kind: kind, Perm: perm, frames: frames}

	return nil
}

// Unmap removes the region that exactly covers rng and releases its frames.
func (as *AddressSpace) Unmap(rng Range) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	if as.released {
		return ErrAddressSpaceReleased
	}

	index := as.regionIndex(rng.Start)
	if index == len(as.regions) || as.regions[index].Range != rng {
		return errNoSuchRegion
	}

	if err := as.unmapRegion(&as.regions[index]); err != nil {
		return err
	}

	as.regions = append(as.regions[:index], as.regions[index+1:]...)
	return nil
}

// Regions returns a snapshot of the regions of this address space ordered by
// start address.
func (as *AddressSpace) Regions() []Region {
	lock.Acquire()
	defer lock.Release()

	regions := make([]Region, len(as.regions))
	copy(regions, as.regions)
	return regions
}

// CheckRange returns true if every byte in [addr, addr+size) belongs to a
// region that grants all of the access permissions.
func (as *AddressSpace) CheckRange(addr, size uintptr, access Permission) bool {
	lock.Acquire()
	defer lock.Release()

	return !as.released && as.checkRange(addr, size, access)
}

// CopyIn copies len(dst) bytes starting at user address src into dst.
func (as *AddressSpace) CopyIn(dst []byte, src uintptr) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	if as.released {
		return ErrAddressSpaceReleased
	}

	if !as.checkRange(src, uintptr(len(dst)), PermRead) {
		return ErrBadAddress
	}

	return as.copyPages(src, dst, false)
}

// CopyOut copies src to the user address dst.
func (as *AddressSpace) CopyOut(dst uintptr, src []byte) *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	if as.released {
		return ErrAddressSpaceReleased
	}

	if !as.checkRange(dst, uintptr(len(src)), PermWrite) {
		return ErrBadAddress
	}

	return as.copyPages(dst, src, true)
}

// Activate loads the page directory table of this address space.
func (as *AddressSpace) Activate() *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	if as.released {
		return ErrAddressSpaceReleased
	}

	as.pdt.Activate()
	return nil
}

// Release unmaps every region and returns all frames owned by this address
// space, including its page tables, to the frame allocator. If the address
// space is active, the kernel page directory table is activated first.
func (as *AddressSpace) Release() *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	if as.released {
		return ErrAddressSpaceReleased
	}

	if activePDTFn() == as.pdt.Frame().Address() {
		kernelPDT.Activate()
	}

	for index := range as.regions {
		if err := as.unmapRegion(&as.regions[index]); err != nil {
			return err
		}
	}

	as.regions = nil
	as.released = true

	return as.pdt.releaseUserTables()
}

// regionIndex returns the index of the first region that ends after addr.
func (as *AddressSpace) regionIndex(addr uintptr) int {
	return sort.Search(len(as.regions), func(i int) bool {
		return as.regions[i].Range.End > addr
	})
}

// regionFor returns the region containing addr or nil.
func (as *AddressSpace) regionFor(addr uintptr) *Region {
	index := as.regionIndex(addr)
	if index == len(as.regions) || as.regions[index].Range.Start > addr {
		return nil
	}
	return &as.regions[index]
}

func (as *AddressSpace) checkRange(addr, size uintptr, access Permission) bool {
	end := addr + size
	if end < addr {
		return false
	}

	for cur := addr; cur < end; {
		region := as.regionFor(cur)
		if region == nil || region.Perm&access != access {
			return false
		}
		cur = region.Range.End
	}

	return true
}

// copyPages copies data to (toUser=true) or from the user range starting at
// addr one page at a time through the temporary mapping. The range must have
// already been validated.
func (as *AddressSpace) copyPages(addr uintptr, data []byte, toUser bool) *kernel.Error {
	for done := uintptr(0); done < uintptr(len(data)); {
		var (
			cur     = addr + done
			region  = as.regionFor(cur)
			frame   = region.frames[(cur-region.Range.Start)>>mm.PageShift]
			offset  = cur & (mm.PageSize - 1)
			chunk   = mm.PageSize - offset
			dataPtr = uintptr(unsafe.Pointer(&data[done]))
		)

		if rem := uintptr(len(data)) - done; chunk > rem {
			chunk = rem
		}

		page, err := mapTemporaryFn(frame)
		if err != nil {
			return err
		}

		if toUser {
			kernel.Memcopy(dataPtr, page.Address()+offset, chunk)
		} else {
			kernel.Memcopy(page.Address()+offset, dataPtr, chunk)
		}

		if err = unmapFn(page); err != nil {
			return err
		}

		done += chunk
	}

	return nil
}

// unmapRegion removes the mappings of every page in region and frees their
// frames.
func (as *AddressSpace) unmapRegion(region *Region) *kernel.Error {
	startPage := mm.PageFromAddress(region.Range.Start)

	// Pages are released from the top down and the region shrinks with
	// each one so an interrupted call never hands a frame back twice.
	for last := len(region.frames) - 1; last >= 0; last-- {
		if err := as.pdt.Unmap(startPage + mm.Page(last)); err != nil {
			return err
		}

		frame := region.frames[last]
		region.frames = region.frames[:last]
		region.Range.End -= mm.PageSize

		if err := mm.FreeFrame(frame); err != nil {
			return err
		}
	}

	region.frames = nil
	return nil
}

// rollback undoes the mappings installed by a failed Map call.
func (as *AddressSpace) rollback(startPage mm.Page, frames []mm.Frame) {
	for index, frame := range frames {
		_ = as.pdt.Unmap(startPage + mm.Page(index))
		_ = mm.FreeFrame(frame)
	}
}

// fillFrame allocates a frame for the page at pageOffset bytes into a new
// region and initializes it from src.
func fillFrame(pageOffset uintptr, src ContentSource) (mm.Frame, *kernel.Error) {
	frame, err := mm.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	page, err := mapTemporaryFn(frame)
	if err != nil {
		_ = mm.FreeFrame(frame)
		return mm.InvalidFrame, err
	}

	kernel.Memset(page.Address(), 0, mm.PageSize)

	var (
		dataStart = src.Offset
		dataEnd   = src.Offset + uintptr(len(src.Data))
		copyStart = pageOffset
		copyEnd   = pageOffset + mm.PageSize
	)
	if copyStart < dataStart {
		copyStart = dataStart
	}
	if copyEnd > dataEnd {
		copyEnd = dataEnd
	}
	if copyStart < copyEnd {
		kernel.Memcopy(
			uintptr(unsafe.Pointer(&src.Data[copyStart-dataStart])),
			page.Address()+(copyStart-pageOffset),
			copyEnd-copyStart,
		)
	}

	if err = unmapFn(page); err != nil {
		_ = mm.FreeFrame(frame)
		return mm.InvalidFrame, err
	}

	return frame, nil
}

// checkUserRange verifies that rng is non-empty, page-aligned and located
// entirely inside the user half of the address space.
func checkUserRange(rng Range) *kernel.Error {
	if rng.End <= rng.Start || rng.Start&(mm.PageSize-1) != 0 || rng.End&(mm.PageSize-1) != 0 {
		return errUnalignedRange
	}

	if rng.End > UserSpaceEnd {
		return errRangeNotUser
	}

	return nil
}
