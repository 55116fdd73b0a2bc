package vmm

import (
	"lunaviel/kernel"
	"lunaviel/kernel/cpu"
	"lunaviel/kernel/mm"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// mapFn is used by tests and is automatically inlined by the compiler.
	mapFn = Map

	// mapTemporaryFn is used by tests and is automatically inlined by the compiler.
	mapTemporaryFn = MapTemporary

	// unmapFn is used by tests and is automatically inlined by the compiler.
	unmapFn = Unmap
)

// PageDirectoryTable describes the top-most table in a multi-level paging scheme.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
}

// Init sets up the page table directory starting at the supplied physical
// address. If the supplied frame does not match the currently active PDT, then
// Init assumes that this is a new page table directory that needs
// bootstapping. In such a case, a temporary mapping is established so that
// Init can:
//   - clear the frame contents
//   - copy the kernel half entries of the active PDT so the kernel stays
//     mapped after the new table is activated
//   - setup a recursive mapping for the last table entry to the page itself.
func (pdt *PageDirectoryTable) Init(pdtFrame mm.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	if pdtFrame.Address() == activePDTFn() {
		return nil
	}

	pdtPage, err := mapTemporaryFn(pdtFrame)
	if err != nil {
		return err
	}

	kernel.Memset(pdtPage.Address(), 0, mm.PageSize)

	var (
		table  = tableAt(pdtPage.Address())
		active = tableAt(pdtVirtualAddr)
	)
	for index := userHalfEntries; index < recursiveEntryIndex; index++ {
		table[index] = active[index]
	}

	table[recursiveEntryIndex] = 0
	table[recursiveEntryIndex].SetFlags(FlagPresent | FlagRW | FlagNoExecute)
	table[recursiveEntryIndex].SetFrame(pdtFrame)

	return unmapFn(pdtPage)
}

// Frame returns the physical frame that holds this table.
func (pdt PageDirectoryTable) Frame() mm.Frame {
	return pdt.pdtFrame
}

// Map establishes a mapping between a virtual page and a physical memory frame
// using this PDT. Inactive tables are switched in for the duration of the
// call; this is safe as every PDT shares the kernel half of the address space.
func (pdt PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	prevPdtAddr := pdt.enter()
	defer pdt.leave(prevPdtAddr)

	return mapFn(page, frame, flags)
}

// Unmap removes a mapping previously installed by a call to Map() on this PDT.
func (pdt PageDirectoryTable) Unmap(page mm.Page) *kernel.Error {
	prevPdtAddr := pdt.enter()
	defer pdt.leave(prevPdtAddr)

	return unmapFn(page)
}

// Activate enables this page directory table and flushes the TLB
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}

// enter activates pdt if required and returns the address of the table that
// was active before.
func (pdt PageDirectoryTable) enter() uintptr {
	prevPdtAddr := activePDTFn()
	if prevPdtAddr != pdt.pdtFrame.Address() {
		switchPDTFn(pdt.pdtFrame.Address())
	}
	return prevPdtAddr
}

func (pdt PageDirectoryTable) leave(prevPdtAddr uintptr) {
	if prevPdtAddr != pdt.pdtFrame.Address() {
		switchPDTFn(prevPdtAddr)
	}
}

// releaseUserTables returns the frames of every page table reachable from the
// user half of pdt, and the frame of pdt itself, to the frame allocator. The
// frames of the leaf mappings are not touched; they must have been unmapped
// and released by the caller.
func (pdt PageDirectoryTable) releaseUserTables() *kernel.Error {
	if err := releaseTable(pdt.pdtFrame, 0, userHalfEntries); err != nil {
		return err
	}

	return mm.FreeFrame(pdt.pdtFrame)
}

// releaseTable frees the frames of the tables referenced by the first
// entryCount entries of the level pteLevel table stored in frame.
func releaseTable(frame mm.Frame, pteLevel uint8, entryCount int) *kernel.Error {
	// Entries of the last level point to data frames.
	if pteLevel == pageLevels-1 {
		return nil
	}

	page, err := mapTemporaryFn(frame)
	if err != nil {
		return err
	}

	var (
		table    = tableAt(page.Address())
		children [entriesPerTable]mm.Frame
		count    int
	)
	for index := 0; index < entryCount; index++ {
		if table[index].HasFlags(FlagPresent) {
			children[count] = table[index].Frame()
			count++
		}
	}

	if err = unmapFn(page); err != nil {
		return err
	}

	for _, child := range children[:count] {
		if err = releaseTable(child, pteLevel+1, entriesPerTable); err != nil {
			return err
		}
		if err = mm.FreeFrame(child); err != nil {
			return err
		}
	}

	return nil
}
