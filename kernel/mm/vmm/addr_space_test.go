package vmm

import (
	"bytes"
	"lunaviel/kernel"
	"lunaviel/kernel/mm"
	"testing"
)

func newTestAddressSpace(t *testing.T, m *fakeMachine) *AddressSpace {
	as, err := NewAddressSpace()
	if err != nil {
		t.Fatal(err)
	}
	return as
}

func assertLockReleased(t *testing.T) {
	if !lock.TryToAcquire() {
		t.Fatal("expected vmm lock to be released")
	}
	lock.Release()
}

func TestPermissionFlags(t *testing.T) {
	specs := []struct {
		perm Permission
		exp  PageTableEntryFlag
	}{
		{PermRead, FlagPresent | FlagUserAccessible | FlagNoExecute},
		{PermRead | PermWrite, FlagPresent | FlagUserAccessible | FlagRW | FlagNoExecute},
		{PermRead | PermExec, FlagPresent | FlagUserAccessible},
		{PermRead | PermWrite | PermExec, FlagPresent | FlagUserAccessible | FlagRW},
	}

	for specIndex, spec := range specs {
		if got := spec.perm.pteFlags(); got != spec.exp {
			t.Errorf("[spec %d] expected flags 0x%x; got 0x%x", specIndex, spec.exp, got)
		}
	}
}

func TestRangeOverlaps(t *testing.T) {
	specs := []struct {
		a, b Range
		exp  bool
	}{
		{Range{0x1000, 0x2000}, Range{0x2000, 0x3000}, false},
		{Range{0x1000, 0x3000}, Range{0x2000, 0x3000}, true},
		{Range{0x2000, 0x3000}, Range{0x1000, 0x2001}, true},
		{Range{0x1000, 0x4000}, Range{0x2000, 0x3000}, true},
		{Range{0x5000, 0x6000}, Range{0x1000, 0x2000}, false},
	}

	for specIndex, spec := range specs {
		if got := spec.a.Overlaps(spec.b); got != spec.exp {
			t.Errorf("[spec %d] expected Overlaps to return %t; got %t", specIndex, spec.exp, got)
		}
		if got := spec.b.Overlaps(spec.a); got != spec.exp {
			t.Errorf("[spec %d] expected Overlaps to be symmetric", specIndex)
		}
	}
}

func TestNewAddressSpace(t *testing.T) {
	m := newFakeMachine(t, 8)
	defer m.install()()

	as := newTestAddressSpace(t, m)
	defer assertLockReleased(t)

	if m.active != fakeKernelPDTAddr {
		t.Fatal("expected the active PDT not to change")
	}

	pdtFrame := as.pdt.Frame()
	if !m.allocated[pdtFrame] {
		t.Fatal("expected PDT frame to be allocated from the frame allocator")
	}

	table := tableAt(m.frameAddr(pdtFrame))
	for index := 0; index < entriesPerTable; index++ {
		switch {
		case index < userHalfEntries:
			if table[index] != 0 {
				t.Errorf("expected user half entry %d to be cleared; got 0x%x", index, table[index])
			}
		case index == recursiveEntryIndex:
			if !table[index].HasFlags(FlagPresent|FlagRW) || table[index].Frame() != pdtFrame {
				t.Errorf("expected last entry to be recursively mapped to frame %d; got 0x%x", pdtFrame, table[index])
			}
		default:
			if table[index] != m.kernelTable[index] {
				t.Errorf("expected kernel half entry %d to be copied from the active PDT", index)
			}
		}
	}

	t.Run("allocation failure", func(t *testing.T) {
		m.allocsLeft = 0
		defer func() { m.allocsLeft = -1 }()

		if _, err := NewAddressSpace(); err != errFakeAlloc {
			t.Fatalf("expected error: %v; got %v", errFakeAlloc, err)
		}
	})
}

func TestAddressSpaceMap(t *testing.T) {
	m := newFakeMachine(t, 16)
	defer m.install()()
	defer assertLockReleased(t)

	as := newTestAddressSpace(t, m)

	// A segment with filesz 0x10 and memsz 0x20 at 0x400000
	fileData := []byte("0123456789abcdef")
	codeRange := Range{0x400000, 0x401000}
	if err := as.Map(codeRange, PermRead|PermExec, ContentSource{Data: fileData}); err != nil {
		t.Fatal(err)
	}

	dataRange := Range{0x600000, 0x603000}
	if err := as.Map(dataRange, PermRead|PermWrite, ContentSource{Data: []byte("hello"), Offset: 0xffe}); err != nil {
		t.Fatal(err)
	}

	if m.active != fakeKernelPDTAddr {
		t.Fatal("expected the previously active PDT to be restored after Map")
	}

	regions := as.Regions()
	if len(regions) != 2 {
		t.Fatalf("expected 2 regions; got %d", len(regions))
	}

	if regions[0].Range != codeRange || regions[0].Kind != BackingFile || regions[0].Perm != PermRead|PermExec {
		t.Errorf("unexpected code region: %+v", regions[0])
	}

	if regions[1].Range != dataRange || regions[1].Kind != BackingFile || regions[1].Perm != PermRead|PermWrite {
		t.Errorf("unexpected data region: %+v", regions[1])
	}

	mappings := m.userMappings(as.pdt.Frame())
	if exp := 4; len(mappings) != exp {
		t.Fatalf("expected %d page mappings; got %d", exp, len(mappings))
	}

	if got := mappings[mm.PageFromAddress(0x400000)].flags; got != (PermRead | PermExec).pteFlags() {
		t.Errorf("expected code page flags 0x%x; got 0x%x", (PermRead | PermExec).pteFlags(), got)
	}

	for page := mm.PageFromAddress(dataRange.Start); page < mm.PageFromAddress(dataRange.End); page++ {
		if got := mappings[page].flags; got != (PermRead | PermWrite).pteFlags() {
			t.Errorf("expected data page flags 0x%x; got 0x%x", (PermRead | PermWrite).pteFlags(), got)
		}
	}

	t.Run("file bytes followed by zeroes", func(t *testing.T) {
		got := make([]byte, 0x20)
		if err := as.CopyIn(got, 0x400000); err != nil {
			t.Fatal(err)
		}

		exp := append(append([]byte{}, fileData...), make([]byte, 0x10)...)
		if !bytes.Equal(got, exp) {
			t.Fatalf("expected contents:\n% x\ngot:\n% x", exp, got)
		}

		rest := make([]byte, mm.PageSize-0x20)
		if err := as.CopyIn(rest, 0x400020); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(rest, make([]byte, len(rest))) {
			t.Fatal("expected the rest of the page to be zero-filled")
		}
	})

	t.Run("content spanning a page boundary", func(t *testing.T) {
		got := make([]byte, 9)
		if err := as.CopyIn(got, 0x600ffc); err != nil {
			t.Fatal(err)
		}

		if exp := []byte("\x00\x00hello\x00\x00"); !bytes.Equal(got, exp) {
			t.Fatalf("expected contents %q; got %q", exp, got)
		}
	})

	t.Run("overlap", func(t *testing.T) {
		allocated := len(m.allocated)
		before := as.Regions()

		specs := []Range{
			{0x400000, 0x401000},
			{0x3ff000, 0x401000},
			{0x602000, 0x604000},
			{0x5ff000, 0x605000},
		}

		for specIndex, spec := range specs {
			if err := as.Map(spec, PermRead, ContentSource{}); err != ErrRegionOverlap {
				t.Errorf("[spec %d] expected error: %v; got %v", specIndex, ErrRegionOverlap, err)
			}
		}

		if after := as.Regions(); len(after) != len(before) {
			t.Fatalf("expected region set to remain unchanged; got %d regions", len(after))
		}

		if len(m.allocated) != allocated {
			t.Fatalf("expected no frames to be allocated by a rejected Map call")
		}
	})

	t.Run("adjacent region", func(t *testing.T) {
		if err := as.Map(Range{0x401000, 0x402000}, PermRead, ContentSource{}); err != nil {
			t.Fatal(err)
		}

		regions := as.Regions()
		if len(regions) != 3 || regions[1].Range.Start != 0x401000 || regions[1].Kind != BackingZero {
			t.Fatalf("expected zero-backed region to be inserted in order; got %+v", regions)
		}
	})
}

func TestAddressSpaceMapValidation(t *testing.T) {
	m := newFakeMachine(t, 4)
	defer m.install()()
	defer assertLockReleased(t)

	as := newTestAddressSpace(t, m)

	specs := []struct {
		name   string
		rng    Range
		src    ContentSource
		expErr *kernel.Error
	}{
		{"empty range", Range{0x400000, 0x400000}, ContentSource{}, errUnalignedRange},
		{"inverted range", Range{0x401000, 0x400000}, ContentSource{}, errUnalignedRange},
		{"unaligned start", Range{0x400010, 0x401000}, ContentSource{}, errUnalignedRange},
		{"unaligned end", Range{0x400000, 0x400010}, ContentSource{}, errUnalignedRange},
		{"kernel half", Range{UserSpaceEnd - mm.PageSize, UserSpaceEnd + mm.PageSize}, ContentSource{}, errRangeNotUser},
		{"content past range end", Range{0x400000, 0x401000}, ContentSource{Data: []byte{1, 2}, Offset: mm.PageSize - 1}, errContentOutOfRange},
		{"offset past range end", Range{0x400000, 0x401000}, ContentSource{Offset: mm.PageSize + 1}, errContentOutOfRange},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			if err := as.Map(spec.rng, PermRead, spec.src); err != spec.expErr {
				t.Fatalf("expected error: %v; got %v", spec.expErr, err)
			}
		})
	}

	if len(as.Regions()) != 0 {
		t.Fatal("expected no regions to be installed")
	}
}

func TestAddressSpaceMapRollback(t *testing.T) {
	specs := []struct {
		name       string
		allocsLeft int
		mapsLeft   int
	}{
		{"frame allocation fails", 3, -1},
		{"page mapping fails", -1, 2},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			m := newFakeMachine(t, 16)
			defer m.install()()
			defer assertLockReleased(t)

			as := newTestAddressSpace(t, m)
			if err := as.Map(Range{0x800000, 0x801000}, PermRead, ContentSource{}); err != nil {
				t.Fatal(err)
			}

			allocated := len(m.allocated)
			m.allocsLeft, m.mapsLeft = spec.allocsLeft, spec.mapsLeft

			err := as.Map(Range{0x400000, 0x405000}, PermRead|PermWrite, ContentSource{Data: []byte("data")})
			if err != errFakeAlloc {
				t.Fatalf("expected error: %v; got %v", errFakeAlloc, err)
			}

			if len(m.allocated) != allocated {
				t.Errorf("expected all frames allocated by the failed call to be released; %d leaked", len(m.allocated)-allocated)
			}

			if got := len(m.userMappings(as.pdt.Frame())); got != 1 {
				t.Errorf("expected only the original mapping to remain; got %d mappings", got)
			}

			if regions := as.Regions(); len(regions) != 1 || regions[0].Range.Start != 0x800000 {
				t.Errorf("expected region set to remain unchanged; got %+v", regions)
			}

			if m.active != fakeKernelPDTAddr {
				t.Error("expected the previously active PDT to be restored")
			}
		})
	}
}

func TestAddressSpaceUnmap(t *testing.T) {
	m := newFakeMachine(t, 8)
	defer m.install()()
	defer assertLockReleased(t)

	as := newTestAddressSpace(t, m)
	rng := Range{0x400000, 0x402000}
	if err := as.Map(rng, PermRead, ContentSource{}); err != nil {
		t.Fatal(err)
	}

	for _, partial := range []Range{{0x400000, 0x401000}, {0x401000, 0x402000}, {0x500000, 0x501000}} {
		if err := as.Unmap(partial); err != errNoSuchRegion {
			t.Errorf("expected error: %v; got %v", errNoSuchRegion, err)
		}
	}

	if err := as.Unmap(rng); err != nil {
		t.Fatal(err)
	}

	if len(as.Regions()) != 0 {
		t.Fatal("expected region to be removed")
	}

	if got := len(m.userMappings(as.pdt.Frame())); got != 0 {
		t.Fatalf("expected page mappings to be removed; got %d", got)
	}

	if len(m.allocated) != 1 {
		t.Fatalf("expected only the PDT frame to remain allocated; got %d frames", len(m.allocated))
	}
}

func TestAddressSpaceCheckRange(t *testing.T) {
	m := newFakeMachine(t, 8)
	defer m.install()()
	defer assertLockReleased(t)

	as := newTestAddressSpace(t, m)
	_ = as.Map(Range{0x400000, 0x401000}, PermRead|PermExec, ContentSource{})
	_ = as.Map(Range{0x401000, 0x403000}, PermRead|PermWrite, ContentSource{})
	_ = as.Map(Range{0x404000, 0x405000}, PermRead|PermWrite, ContentSource{})

	specs := []struct {
		addr, size uintptr
		access     Permission
		exp        bool
	}{
		{0x400000, 0, PermRead, true},
		{0x400000, 0x1000, PermRead, true},
		{0x400ff0, 0x20, PermRead, true},
		{0x400ff0, 0x20, PermWrite, false},
		{0x401000, 0x2000, PermRead | PermWrite, true},
		{0x402ff0, 0x20, PermRead, false},
		{0x3ffff0, 0x20, PermRead, false},
		{0x404000, 0x1001, PermRead, false},
		{^uintptr(0) - 8, 0x20, PermRead, false},
	}

	for specIndex, spec := range specs {
		if got := as.CheckRange(spec.addr, spec.size, spec.access); got != spec.exp {
			t.Errorf("[spec %d] expected CheckRange(0x%x, 0x%x) to return %t; got %t", specIndex, spec.addr, spec.size, spec.exp, got)
		}
	}
}

func TestAddressSpaceCopy(t *testing.T) {
	m := newFakeMachine(t, 8)
	defer m.install()()
	defer assertLockReleased(t)

	as := newTestAddressSpace(t, m)
	_ = as.Map(Range{0x400000, 0x401000}, PermRead|PermExec, ContentSource{Data: []byte{0xaa}})
	_ = as.Map(Range{0x401000, 0x403000}, PermRead|PermWrite, ContentSource{})

	payload := bytes.Repeat([]byte("0123456789"), 500)
	if err := as.CopyOut(0x401100, payload); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len(payload))
	if err := as.CopyIn(got, 0x401100); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(got, payload) {
		t.Fatal("expected CopyIn to return the bytes written by CopyOut")
	}

	if err := as.CopyOut(0x400000, []byte{1}); err != ErrBadAddress {
		t.Fatalf("expected writing to a read-only region to fail with %v; got %v", ErrBadAddress, err)
	}

	if err := as.CopyIn(make([]byte, 16), 0x402ff8); err != ErrBadAddress {
		t.Fatalf("expected reading past the mapped range to fail with %v; got %v", ErrBadAddress, err)
	}

	if m.active != fakeKernelPDTAddr {
		t.Fatal("expected copy operations not to change the active PDT")
	}
}

func TestAddressSpaceRelease(t *testing.T) {
	m := newFakeMachine(t, 32)
	defer m.install()()
	defer assertLockReleased(t)

	as := newTestAddressSpace(t, m)
	_ = as.Map(Range{0x400000, 0x402000}, PermRead|PermExec, ContentSource{Data: []byte{1}})
	_ = as.Map(Range{0x7fffffff0000, 0x7ffffffff000}, PermRead|PermWrite, ContentSource{})

	if err := as.Activate(); err != nil {
		t.Fatal(err)
	}

	if m.active != as.pdt.Frame().Address() {
		t.Fatal("expected Activate to switch to the address space PDT")
	}

	if err := as.Release(); err != nil {
		t.Fatal(err)
	}

	if m.active != fakeKernelPDTAddr {
		t.Fatal("expected the kernel PDT to be activated when releasing the active address space")
	}

	if len(m.allocated) != 0 {
		t.Fatalf("expected every frame to be released; %d still allocated", len(m.allocated))
	}

	if got := len(m.userMappings(as.pdt.Frame())); got != 0 {
		t.Fatalf("expected all mappings to be removed; got %d", got)
	}

	if len(as.Regions()) != 0 {
		t.Fatal("expected released address space to have no regions")
	}

	specs := []struct {
		name string
		fn   func() *kernel.Error
	}{
		{"Map", func() *kernel.Error { return as.Map(Range{0x400000, 0x401000}, PermRead, ContentSource{}) }},
		{"Unmap", func() *kernel.Error { return as.Unmap(Range{0x400000, 0x402000}) }},
		{"CopyIn", func() *kernel.Error { return as.CopyIn(make([]byte, 1), 0x400000) }},
		{"CopyOut", func() *kernel.Error { return as.CopyOut(0x400000, []byte{1}) }},
		{"Activate", func() *kernel.Error { return as.Activate() }},
		{"Release", func() *kernel.Error { return as.Release() }},
	}

	for _, spec := range specs {
		if err := spec.fn(); err != ErrAddressSpaceReleased {
			t.Errorf("expected %s to fail with %v; got %v", spec.name, ErrAddressSpaceReleased, err)
		}
	}

	if as.CheckRange(0x400000, 1, PermRead) {
		t.Error("expected CheckRange to fail for a released address space")
	}
}

func TestAddressSpaceReleaseRetry(t *testing.T) {
	specs := []struct {
		unmapsLeft int
		expRegions []Range
	}{
		{0, []Range{{0x400000, 0x402000}, {0x7fffffffd000, 0x7ffffffff000}}},
		{1, []Range{{0x400000, 0x401000}, {0x7fffffffd000, 0x7ffffffff000}}},
		{2, []Range{{0x400000, 0x400000}, {0x7fffffffd000, 0x7ffffffff000}}},
		{3, []Range{{0x400000, 0x400000}, {0x7fffffffd000, 0x7fffffffe000}}},
	}

	for specIndex, spec := range specs {
		m := newFakeMachine(t, 32)
		restore := m.install()

		as := newTestAddressSpace(t, m)
		_ = as.Map(Range{0x400000, 0x402000}, PermRead|PermExec, ContentSource{Data: []byte{1}})
		_ = as.Map(Range{0x7fffffffd000, 0x7ffffffff000}, PermRead|PermWrite, ContentSource{})

		m.unmapsLeft = spec.unmapsLeft
		if err := as.Release(); err != errFakeUnmap {
			t.Errorf("[spec %d] expected error: %v; got %v", specIndex, errFakeUnmap, err)
		}
		assertLockReleased(t)

		regions := as.Regions()
		if len(regions) != len(spec.expRegions) {
			t.Fatalf("[spec %d] expected %d regions; got %d", specIndex, len(spec.expRegions), len(regions))
		}

		for index, region := range regions {
			if region.Range != spec.expRegions[index] || len(region.frames) != int(region.Range.Size()>>mm.PageShift) {
				t.Errorf("[spec %d] expected region %d to cover %v with a frame per page; got %v with %d frames",
					specIndex, index, spec.expRegions[index], region.Range, len(region.frames))
			}
		}

		if as.CheckRange(spec.expRegions[0].End, 1, PermRead) {
			t.Errorf("[spec %d] expected released pages to be inaccessible", specIndex)
		}

		// Retrying must hand every remaining frame back exactly once
		m.unmapsLeft = -1
		if err := as.Release(); err != nil {
			t.Errorf("[spec %d] expected retried release to succeed; got %v", specIndex, err)
		}

		if len(m.allocated) != 0 {
			t.Errorf("[spec %d] expected every frame to be released; %d still allocated", specIndex, len(m.allocated))
		}

		restore()
	}
}
