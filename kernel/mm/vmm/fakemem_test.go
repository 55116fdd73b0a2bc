package vmm

import (
	"lunaviel/kernel"
	"lunaviel/kernel/cpu"
	"lunaviel/kernel/mm"
	"testing"
	"unsafe"
)

var (
	errFakeAlloc = &kernel.Error{Module: "test", Message: "out of memory"}
	errFakeUnmap = &kernel.Error{Module: "test", Message: "page table walk failed"}
)

type fakeMapping struct {
	frame mm.Frame
	flags PageTableEntryFlag
}

// fakeMachine emulates physical memory, the frame allocator and the
// page-table operations used by AddressSpace. Frame N is backed by the N-th
// page of a page-aligned Go buffer.
type fakeMachine struct {
	t *testing.T

	buf  []byte
	base uintptr

	frameCount int
	allocated  map[mm.Frame]bool

	// allocsLeft is decremented on each allocation; allocation fails once
	// it reaches zero. Negative values disable the limit.
	allocsLeft int

	// mapsLeft works like allocsLeft for calls to mapFn.
	mapsLeft int

	// unmapsLeft works like allocsLeft for calls to unmapFn that remove a
	// user mapping.
	unmapsLeft int

	active      uintptr
	kernelTable [entriesPerTable]pageTableEntry
	mappings    map[uintptr]map[mm.Page]fakeMapping
}

const fakeKernelPDTAddr = uintptr(0x7ff000)

func newFakeMachine(t *testing.T, frameCount int) *fakeMachine {
	m := &fakeMachine{
		t:          t,
		buf:        make([]byte, (frameCount+2)*int(mm.PageSize)),
		frameCount: frameCount,
		allocated:  make(map[mm.Frame]bool),
		allocsLeft: -1,
		mapsLeft:   -1,
		unmapsLeft: -1,
		active:     fakeKernelPDTAddr,
		mappings:   make(map[uintptr]map[mm.Page]fakeMapping),
	}
	m.base = mm.PageAlignUp(uintptr(unsafe.Pointer(&m.buf[0])))

	for index := userHalfEntries; index < recursiveEntryIndex; index++ {
		m.kernelTable[index] = pageTableEntry(uintptr(index)<<mm.PageShift) | pageTableEntry(FlagPresent|FlagRW)
	}

	return m
}

// install overrides the package hooks and returns a function that restores
// them.
func (m *fakeMachine) install() func() {
	origPtePtr := ptePtrFn
	kernelPDT.pdtFrame = mm.FrameFromAddress(fakeKernelPDTAddr)

	ptePtrFn = func(addr uintptr) unsafe.Pointer {
		if addr == pdtVirtualAddr {
			return unsafe.Pointer(&m.kernelTable[0])
		}
		return unsafe.Pointer(addr)
	}
	activePDTFn = func() uintptr { return m.active }
	switchPDTFn = func(addr uintptr) { m.active = addr }
	mapTemporaryFn = m.mapTemporary
	unmapFn = m.unmap
	mapFn = m.mapPage
	mm.SetFrameAllocator(m.allocFrame)
	mm.SetFrameReleaser(m.freeFrame)

	return func() {
		ptePtrFn = origPtePtr
		activePDTFn = cpu.ActivePDT
		switchPDTFn = cpu.SwitchPDT
		mapTemporaryFn = MapTemporary
		unmapFn = Unmap
		mapFn = Map
		mm.SetFrameAllocator(nil)
		mm.SetFrameReleaser(nil)
		kernelPDT.pdtFrame = 0
	}
}

func (m *fakeMachine) frameAddr(frame mm.Frame) uintptr {
	return m.base + uintptr(frame-1)*mm.PageSize
}

func (m *fakeMachine) frameBytes(frame mm.Frame) []byte {
	offset := m.frameAddr(frame) - uintptr(unsafe.Pointer(&m.buf[0]))
	return m.buf[offset : offset+mm.PageSize]
}

func (m *fakeMachine) isFakeMemory(page mm.Page) bool {
	addr := page.Address()
	return addr >= m.base && addr < m.base+uintptr(m.frameCount)*mm.PageSize
}

func (m *fakeMachine) allocFrame() (mm.Frame, *kernel.Error) {
	if m.allocsLeft == 0 {
		return mm.InvalidFrame, errFakeAlloc
	}
	if m.allocsLeft > 0 {
		m.allocsLeft--
	}

	for frame := mm.Frame(1); int(frame) <= m.frameCount; frame++ {
		if !m.allocated[frame] {
			m.allocated[frame] = true
			// Fill with junk so tests can verify that frames get cleared
			for i := range m.frameBytes(frame) {
				m.frameBytes(frame)[i] = 0xfe
			}
			return frame, nil
		}
	}

	return mm.InvalidFrame, errFakeAlloc
}

func (m *fakeMachine) freeFrame(frame mm.Frame) *kernel.Error {
	if !m.allocated[frame] {
		m.t.Errorf("attempt to free frame %d which is not allocated", frame)
	}
	delete(m.allocated, frame)
	return nil
}

func (m *fakeMachine) mapTemporary(frame mm.Frame) (mm.Page, *kernel.Error) {
	if int(frame) < 1 || int(frame) > m.frameCount {
		m.t.Fatalf("attempt to temporarily map unknown frame %d", frame)
	}
	return mm.PageFromAddress(m.frameAddr(frame)), nil
}

func (m *fakeMachine) mapPage(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if m.mapsLeft == 0 {
		return errFakeAlloc
	}
	if m.mapsLeft > 0 {
		m.mapsLeft--
	}

	table := m.mappings[m.active]
	if table == nil {
		table = make(map[mm.Page]fakeMapping)
		m.mappings[m.active] = table
	}
	table[page] = fakeMapping{frame: frame, flags: flags}
	return nil
}

func (m *fakeMachine) unmap(page mm.Page) *kernel.Error {
	if m.isFakeMemory(page) {
		return nil
	}

	if m.unmapsLeft == 0 {
		return errFakeUnmap
	}
	if m.unmapsLeft > 0 {
		m.unmapsLeft--
	}

	table := m.mappings[m.active]
	if _, ok := table[page]; !ok {
		return ErrInvalidMapping
	}
	delete(table, page)
	return nil
}

// userMappings returns the installed mappings of the PDT stored in frame.
func (m *fakeMachine) userMappings(pdtFrame mm.Frame) map[mm.Page]fakeMapping {
	return m.mappings[pdtFrame.Address()]
}
