// Package arch brings the CPU into the state required for running user
// code: a GDT with ring-3 segments, a TSS with dedicated kernel stacks for
// traps and double faults, and the EFER/CR0 protection features.
package arch

import (
	"encoding/binary"
	"lunaviel/kernel"
	"lunaviel/kernel/cpu"
	"lunaviel/kernel/gate"
	"lunaviel/kernel/kfmt"
	"lunaviel/kernel/mm"
	"unsafe"
)

const (
	// trapStackSize is the size of the stack loaded into RSP0 (and used by
	// the SYSCALL entry) when user code traps into the kernel.
	trapStackSize = 4 * mm.PageSize

	// doubleFaultStackSize is the size of the IST1 stack.
	doubleFaultStackSize = 4 * mm.PageSize

	// tssSize is the size of the 64-bit TSS without an I/O permission bitmap.
	tssSize = 104

	tssRSP0Offset = 4
	tssIST1Offset = 36
	tssIOPBOffset = 102

	// tssTypeAvailable describes a present, available 64-bit TSS.
	tssTypeAvailable = uint64(0x89)
)

// 8259 PIC ports and initialization words. The PICs are remapped above the
// exception vectors and then fully masked; the kernel takes no IRQs.
const (
	picMasterCmd  = uint16(0x20)
	picMasterData = uint16(0x21)
	picSlaveCmd   = uint16(0xa0)
	picSlaveData  = uint16(0xa1)

	picICW1Init      = uint8(0x11)
	picMasterVector  = uint8(0x20)
	picSlaveVector   = uint8(0x28)
	picMasterCascade = uint8(1 << 2)
	picSlaveCascade  = uint8(2)
	picICW48086      = uint8(0x01)
	picMaskAll       = uint8(0xff)
)

// GDT slots. Slot N corresponds to selector N*8.
const (
	gdtNull = iota
	gdtKernelCode
	gdtKernelData
	gdtUserData
	gdtUserCode
	gdtTSSLow
	gdtTSSHigh
	gdtEntryCount
)

// Stack describes the address range [Bottom, Top) of a stack.
type Stack struct {
	Bottom uintptr
	Top    uintptr
}

func (s Stack) overlaps(other Stack) bool {
	return s.Bottom < other.Top && other.Bottom < s.Top
}

var (
	initialized bool

	gdt        [gdtEntryCount]uint64
	gdtPointer cpu.TablePointer
	tss        [tssSize]byte

	// The stack arrays are over-allocated by a page so a page-aligned
	// stack of the requested size can always be carved out of them.
	trapStackMem        [trapStackSize + mm.PageSize]byte
	doubleFaultStackMem [doubleFaultStackSize + mm.PageSize]byte

	bootStack Stack

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	hasNoExecuteFn     = cpu.HasNoExecute
	loadGDTFn          = cpu.LoadGDT
	reloadSegmentsFn   = cpu.ReloadSegments
	loadTaskRegisterFn = cpu.LoadTaskRegister
	readMSRFn          = cpu.ReadMSR
	writeMSRFn         = cpu.WriteMSR
	readCR0Fn          = cpu.ReadCR0
	writeCR0Fn         = cpu.WriteCR0
	trapCountFn        = gate.TrapCount
	portWriteByteFn    = cpu.PortWriteByte

	errNoNXSupport      = &kernel.Error{Module: "arch", Message: "CPU does not support the no-execute page flag"}
	errReinitAfterTraps = &kernel.Error{Module: "arch", Message: "arch bring-up repeated after traps have been serviced"}
	errStackOverlap     = &kernel.Error{Module: "arch", Message: "kernel stacks overlap"}
)

// SetBootStack records the range of the stack set up by the boot code so that
// Init can verify that the trap stacks do not overlap it.
func SetBootStack(stack Stack) {
	bootStack = stack
}

// TrapStack returns the stack loaded into TSS.RSP0.
func TrapStack() Stack {
	return alignedStack(uintptr(unsafe.Pointer(&trapStackMem[0])), trapStackSize)
}

// DoubleFaultStack returns the stack loaded into TSS.IST1.
func DoubleFaultStack() Stack {
	return alignedStack(uintptr(unsafe.Pointer(&doubleFaultStackMem[0])), doubleFaultStackSize)
}

// Stacks returns every kernel stack known to the arch package: the trap
// stack, the double fault stack and, if recorded, the boot stack.
func Stacks() []Stack {
	stacks := []Stack{TrapStack(), DoubleFaultStack()}
	if bootStack.Top != 0 {
		stacks = append(stacks, bootStack)
	}
	return stacks
}

// Init masks the legacy PICs, loads the GDT and TSS, enables SYSCALL/SYSRET
// and the no-execute page flag and turns on supervisor write protection. Init must run before any
// other bring-up step; calling it again is a no-op unless traps have already
// been serviced in which case errReinitAfterTraps is returned.
func Init() *kernel.Error {
	if initialized {
		if trapCountFn() > 0 {
			return errReinitAfterTraps
		}
		return nil
	}

	if !hasNoExecuteFn() {
		return errNoNXSupport
	}

	stacks := Stacks()
	for i := 0; i < len(stacks); i++ {
		for j := i + 1; j < len(stacks); j++ {
			if stacks[i].overlaps(stacks[j]) {
				return errStackOverlap
			}
		}
	}

	maskPIC()

	setupTSS(TrapStack().Top, DoubleFaultStack().Top)
	setupGDT(uintptr(unsafe.Pointer(&tss[0])))

	gdtPointer = cpu.NewTablePointer(uintptr(unsafe.Pointer(&gdt[0])), unsafe.Sizeof(gdt))
	loadGDTFn(uintptr(unsafe.Pointer(&gdtPointer)))

	// The runtime locates g through the FS base
	fsBase := readMSRFn(cpu.MSRFSBase)
	reloadSegmentsFn(gate.KernelCodeSelector, gate.KernelDataSelector)
	writeMSRFn(cpu.MSRFSBase, fsBase)

	loadTaskRegisterFn(gate.TSSSelector)

	writeMSRFn(cpu.MSREFER, readMSRFn(cpu.MSREFER)|cpu.EFERSyscallEnable|cpu.EFERNoExecuteEnable)
	writeCR0Fn(readCR0Fn() | cpu.CR0WriteProtect)

	initialized = true
	kfmt.Printf("[arch] GDT and TSS loaded; trap stack 0x%x, double fault stack 0x%x\n", TrapStack().Top, DoubleFaultStack().Top)
	return nil
}

// maskPIC remaps both 8259 PICs to vectors 0x20-0x2f and masks every IRQ
// line. Left at their power-on mapping, timer ticks would arrive on the
// double fault vector.
func maskPIC() {
	portWriteByteFn(picMasterCmd, picICW1Init)
	portWriteByteFn(picSlaveCmd, picICW1Init)
	portWriteByteFn(picMasterData, picMasterVector)
	portWriteByteFn(picSlaveData, picSlaveVector)
	portWriteByteFn(picMasterData, picMasterCascade)
	portWriteByteFn(picSlaveData, picSlaveCascade)
	portWriteByteFn(picMasterData, picICW48086)
	portWriteByteFn(picSlaveData, picICW48086)

	portWriteByteFn(picMasterData, picMaskAll)
	portWriteByteFn(picSlaveData, picMaskAll)
}

// setupGDT populates the GDT with flat kernel and user segments and the
// descriptor for the TSS located at tssAddr.
func setupGDT(tssAddr uintptr) {
	gdt[gdtNull] = 0
	gdt[gdtKernelCode] = segmentDescriptor(0x9a, 0xa)
	gdt[gdtKernelData] = segmentDescriptor(0x92, 0xc)
	gdt[gdtUserData] = segmentDescriptor(0xf2, 0xc)
	gdt[gdtUserCode] = segmentDescriptor(0xfa, 0xa)
	gdt[gdtTSSLow], gdt[gdtTSSHigh] = tssDescriptor(tssAddr, tssSize-1)
}

// setupTSS sets RSP0 and IST1 and disables the I/O permission bitmap.
func setupTSS(rsp0, ist1 uintptr) {
	for i := range tss {
		tss[i] = 0
	}

	binary.LittleEndian.PutUint64(tss[tssRSP0Offset:], uint64(rsp0))
	binary.LittleEndian.PutUint64(tss[tssIST1Offset+8*(int(gate.DoubleFaultIST)-1):], uint64(ist1))
	binary.LittleEndian.PutUint16(tss[tssIOPBOffset:], tssSize)
}

// segmentDescriptor encodes a flat (base 0, limit 4G) segment descriptor with
// the supplied access byte and flags nibble.
func segmentDescriptor(access, flags uint8) uint64 {
	return 0xffff | uint64(access)<<40 | uint64(0xf|flags<<4)<<48
}

// tssDescriptor encodes the two halves of a 16-byte system segment
// descriptor for a TSS.
func tssDescriptor(base uintptr, limit uint32) (uint64, uint64) {
	low := uint64(limit&0xffff) |
		uint64(base&0xffffff)<<16 |
		tssTypeAvailable<<40 |
		uint64((limit>>16)&0xf)<<48 |
		uint64((base>>24)&0xff)<<56

	return low, uint64(base >> 32)
}

func alignedStack(memStart, size uintptr) Stack {
	bottom := mm.PageAlignUp(memStart)
	return Stack{Bottom: bottom, Top: bottom + size}
}
