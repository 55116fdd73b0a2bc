// Package loader turns a static ELF64 executable image into a process
// ready to run. The image is fully validated before any memory is mapped and
// a failed load leaves nothing behind.
package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"lunaviel/kernel"
	"lunaviel/kernel/gate"
	"lunaviel/kernel/kfmt"
	"lunaviel/kernel/mm"
	"lunaviel/kernel/mm/vmm"
	"lunaviel/kernel/proc"
	"sort"
)

const (
	// UserStackTop is the address just past the initial user stack.
	UserStackTop = uintptr(0x7ffffffff000)

	// DefaultUserStackPages is the size of the initial user stack unless
	// overridden with SetUserStackPages.
	DefaultUserStackPages = 16

	// initialFrameSize is the space reserved at the top of the stack for
	// argc, the argv and envp terminators and the AT_NULL auxv entry. The
	// stack is zero-filled so these describe a program started without
	// arguments or environment.
	initialFrameSize = 48

	// initialRFlags has IF and the reserved bit 1 set.
	initialRFlags = 0x202

	// progHeaderSize is the size of an ELF64 program header.
	progHeaderSize = 56
)

// addressSpace is the part of *vmm.AddressSpace used while loading.
type addressSpace interface {
	proc.AddressSpace
	Map(rng vmm.Range, perm vmm.Permission, src vmm.ContentSource) *kernel.Error
}

var (
	userStackPages uintptr = DefaultUserStackPages

	// newAddressSpaceFn is mocked by tests.
	newAddressSpaceFn = func() (addressSpace, *kernel.Error) {
		as, err := vmm.NewAddressSpace()
		if err != nil {
			return nil, err
		}
		return as, nil
	}

	// ErrBadMagic is returned for images that do not start with the ELF
	// magic bytes, including empty images.
	ErrBadMagic = &kernel.Error{Module: "loader", Message: "image is not an ELF file"}

	// ErrUnsupportedClass is returned for images that are not 64-bit
	// little-endian ELF files.
	ErrUnsupportedClass = &kernel.Error{Module: "loader", Message: "image is not a 64-bit little-endian ELF file"}

	// ErrUnsupportedMachine is returned for images built for an
	// architecture other than x86_64.
	ErrUnsupportedMachine = &kernel.Error{Module: "loader", Message: "image targets an unsupported machine"}

	// ErrUnsupportedType is returned for images that are not statically
	// linked executables.
	ErrUnsupportedType = &kernel.Error{Module: "loader", Message: "image is not a static executable"}

	// ErrMalformedImage is returned when the headers or segment table are
	// inconsistent with the image contents.
	ErrMalformedImage = &kernel.Error{Module: "loader", Message: "malformed ELF image"}

	// ErrSegmentOutOfRange is returned for segments that do not fit in the
	// user half of the address space.
	ErrSegmentOutOfRange = &kernel.Error{Module: "loader", Message: "segment lies outside the user address space"}

	// ErrSegmentOverlap is returned when two loadable segments, or a
	// segment and the user stack, share a page.
	ErrSegmentOverlap = &kernel.Error{Module: "loader", Message: "loadable segments overlap"}

	// ErrBadEntry is returned when the entry point does not lie inside an
	// executable loadable segment.
	ErrBadEntry = &kernel.Error{Module: "loader", Message: "entry point is not in an executable segment"}
)

// SetUserStackPages sets the number of pages reserved for the initial user
// stack of processes created by Load.
func SetUserStackPages(pages uint32) {
	userStackPages = uintptr(pages)
}

// segment describes a loadable segment that passed validation.
type segment struct {
	vaddr  uintptr
	offset uintptr
	filesz uintptr
	memsz  uintptr
	flags  elf.ProgFlag

	// pages is the page-aligned range covering [vaddr, vaddr+memsz).
	pages vmm.Range
}

// image holds the parts of an ELF file needed to build a process.
type image struct {
	class    elf.Class
	machine  elf.Machine
	fileType elf.Type
	entry    uintptr
	segments []segment
}

// Load validates the static ELF64 executable in data and returns a process
// in the Created state whose address space contains the loadable segments
// of the image and a zero-filled user stack. On error no address space or
// mapping survives.
func Load(data []byte) (*proc.Process, *kernel.Error) {
	img, err := parse(data)
	if err != nil {
		return nil, err
	}

	stack := stackRange()
	if err = checkOverlaps(img.segments, stack); err != nil {
		return nil, err
	}

	if err = checkEntry(img.entry, img.segments); err != nil {
		return nil, err
	}

	as, err := newAddressSpaceFn()
	if err != nil {
		return nil, err
	}

	if err = mapImage(as, data, img, stack); err != nil {
		_ = as.Release()
		return nil, err
	}

	p := proc.New(as, gate.Registers{
		RIP:    uint64(img.entry),
		CS:     uint64(gate.UserCodeSelector),
		RFlags: initialRFlags,
		RSP:    uint64(stack.End - initialFrameSize),
		SS:     uint64(gate.UserDataSelector),
	})

	kfmt.Printf("[loader] loaded %d segment(s); entry 0x%x, pid %d\n", len(img.segments), img.entry, p.ID())
	return p, nil
}

// parse decodes and validates the ELF header and program headers of data.
// Section headers are ignored so stripped images with a dangling section
// table still load.
func parse(data []byte) (*image, *kernel.Error) {
	if len(data) < len(elf.ELFMAG) || string(data[:len(elf.ELFMAG)]) != elf.ELFMAG {
		return nil, ErrBadMagic
	}

	if len(data) <= elf.EI_DATA ||
		elf.Class(data[elf.EI_CLASS]) != elf.ELFCLASS64 ||
		elf.Data(data[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return nil, ErrUnsupportedClass
	}

	var hdr elf.Header64
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &hdr); err != nil {
		return nil, ErrMalformedImage
	}

	if elf.Version(hdr.Ident[elf.EI_VERSION]) != elf.EV_CURRENT || elf.Version(hdr.Version) != elf.EV_CURRENT {
		return nil, ErrMalformedImage
	}

	img := &image{
		class:    elf.Class(hdr.Ident[elf.EI_CLASS]),
		machine:  elf.Machine(hdr.Machine),
		fileType: elf.Type(hdr.Type),
		entry:    uintptr(hdr.Entry),
	}

	if img.machine != elf.EM_X86_64 {
		return nil, ErrUnsupportedMachine
	}

	if img.fileType != elf.ET_EXEC {
		return nil, ErrUnsupportedType
	}

	imageLen := uint64(len(data))
	if hdr.Phnum != 0 && hdr.Phentsize != progHeaderSize {
		return nil, ErrMalformedImage
	}

	tableSize := uint64(hdr.Phnum) * progHeaderSize
	if hdr.Phoff > imageLen || tableSize > imageLen-hdr.Phoff {
		return nil, ErrMalformedImage
	}

	table := bytes.NewReader(data[hdr.Phoff : hdr.Phoff+tableSize])
	for i := uint16(0); i < hdr.Phnum; i++ {
		var prog elf.Prog64
		if err := binary.Read(table, binary.LittleEndian, &prog); err != nil {
			return nil, ErrMalformedImage
		}

		switch elf.ProgType(prog.Type) {
		case elf.PT_INTERP, elf.PT_DYNAMIC:
			return nil, ErrUnsupportedType
		case elf.PT_LOAD:
		default:
			continue
		}

		seg, err := checkSegment(&prog, imageLen)
		if err != nil {
			return nil, err
		}

		if seg.memsz != 0 {
			img.segments = append(img.segments, seg)
		}
	}

	if len(img.segments) == 0 {
		return nil, ErrMalformedImage
	}

	return img, nil
}

// checkSegment validates a PT_LOAD program header against an image of
// imageLen bytes.
func checkSegment(hdr *elf.Prog64, imageLen uint64) (segment, *kernel.Error) {
	if hdr.Filesz > hdr.Memsz ||
		hdr.Off+hdr.Filesz < hdr.Off ||
		hdr.Off+hdr.Filesz > imageLen {
		return segment{}, ErrMalformedImage
	}

	userEnd := uint64(vmm.UserSpaceEnd)
	if hdr.Vaddr >= userEnd || hdr.Memsz > userEnd-hdr.Vaddr {
		return segment{}, ErrSegmentOutOfRange
	}

	seg := segment{
		vaddr:  uintptr(hdr.Vaddr),
		offset: uintptr(hdr.Off),
		filesz: uintptr(hdr.Filesz),
		memsz:  uintptr(hdr.Memsz),
		flags:  elf.ProgFlag(hdr.Flags),
	}
	seg.pages = vmm.Range{
		Start: mm.PageAlignDown(seg.vaddr),
		End:   mm.PageAlignUp(seg.vaddr + seg.memsz),
	}

	// The null page stays unmapped.
	if seg.memsz != 0 && seg.pages.Start == 0 {
		return segment{}, ErrSegmentOutOfRange
	}

	return seg, nil
}

// checkEntry rejects entry points that do not fall inside an executable
// loadable segment.
func checkEntry(entry uintptr, segments []segment) *kernel.Error {
	if entry >= vmm.UserSpaceEnd {
		return ErrBadEntry
	}

	for _, seg := range segments {
		if seg.flags&elf.PF_X != 0 && entry >= seg.vaddr && entry-seg.vaddr < seg.memsz {
			return nil
		}
	}

	return ErrBadEntry
}

// checkOverlaps rejects images whose segments share a page with each other
// or with the user stack.
func checkOverlaps(segments []segment, stack vmm.Range) *kernel.Error {
	ranges := make([]vmm.Range, 0, len(segments)+1)
	for _, seg := range segments {
		ranges = append(ranges, seg.pages)
	}
	ranges = append(ranges, stack)

	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })

	for i := 1; i < len(ranges); i++ {
		if ranges[i-1].Overlaps(ranges[i]) {
			return ErrSegmentOverlap
		}
	}

	return nil
}

// mapImage maps every segment of img and the user stack into as.
func mapImage(as addressSpace, data []byte, img *image, stack vmm.Range) *kernel.Error {
	for _, seg := range img.segments {
		src := vmm.ContentSource{
			Data:   data[seg.offset : seg.offset+seg.filesz],
			Offset: seg.vaddr - seg.pages.Start,
		}

		if err := as.Map(seg.pages, permissions(seg.flags), src); err != nil {
			return err
		}
	}

	return as.Map(stack, vmm.PermRead|vmm.PermWrite, vmm.ContentSource{})
}

// permissions converts ELF segment flags to region permissions. Present
// pages are always readable on x86_64 so PermRead is implied.
func permissions(flags elf.ProgFlag) vmm.Permission {
	perm := vmm.PermRead
	if flags&elf.PF_W != 0 {
		perm |= vmm.PermWrite
	}
	if flags&elf.PF_X != 0 {
		perm |= vmm.PermExec
	}
	return perm
}

func stackRange() vmm.Range {
	return vmm.Range{
		Start: UserStackTop - userStackPages*mm.PageSize,
		End:   UserStackTop,
	}
}
