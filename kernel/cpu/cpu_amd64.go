package cpu

import "encoding/binary"

const (
	// MSREFER is the extended feature enable register.
	MSREFER = uint32(0xc0000080)

	// MSRSTAR holds the segment selector bases used by SYSCALL/SYSRET.
	MSRSTAR = uint32(0xc0000081)

	// MSRLSTAR holds the 64-bit SYSCALL entry point.
	MSRLSTAR = uint32(0xc0000082)

	// MSRSFMASK holds the RFLAGS bits cleared on SYSCALL entry.
	MSRSFMASK = uint32(0xc0000084)

	// MSRFSBase holds the base address of the FS segment.
	MSRFSBase = uint32(0xc0000100)

	// EFERSyscallEnable enables the SYSCALL/SYSRET instructions.
	EFERSyscallEnable = uint64(1 << 0)

	// EFERNoExecuteEnable enables the NX bit in page table entries.
	EFERNoExecuteEnable = uint64(1 << 11)

	// CR0WriteProtect prevents ring-0 code from writing to read-only pages.
	CR0WriteProtect = uint64(1 << 16)

	// extendedFeatureLeaf is the CPUID leaf reporting extended features.
	extendedFeatureLeaf = uint32(0x80000001)

	// nxFeatureBit is the EDX bit of extendedFeatureLeaf advertising NX.
	nxFeatureBit = uint32(1 << 20)
)

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt disables interrupts and stops instruction execution. Halt never
// returns.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ReadCR0 returns the value stored in the CR0 register.
func ReadCR0() uint64

// WriteCR0 stores val in the CR0 register.
func WriteCR0(val uint64)

// ReadMSR returns the contents of a model-specific register.
func ReadMSR(msr uint32) uint64

// WriteMSR stores val in a model-specific register.
func WriteMSR(msr uint32, val uint64)

// LoadGDT loads the descriptor-table pointer at descAddr into GDTR.
func LoadGDT(descAddr uintptr)

// LoadIDT loads the descriptor-table pointer at descAddr into IDTR.
func LoadIDT(descAddr uintptr)

// LoadTaskRegister loads the TSS selector into the task register.
func LoadTaskRegister(selector uint16)

// ReloadSegments reloads CS with codeSelector (via a far return) and the DS,
// ES and SS registers with dataSelector. FS and GS are not modified.
func ReloadSegments(codeSelector, dataSelector uint16)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// HasNoExecute returns true if the CPU supports the page-level no-execute
// (NX/XD) bit.
func HasNoExecute() bool {
	if maxLeaf, _, _, _ := cpuidFn(0x80000000); maxLeaf < extendedFeatureLeaf {
		return false
	}

	_, _, _, edx := cpuidFn(extendedFeatureLeaf)
	return edx&nxFeatureBit != 0
}

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8

// TablePointer is the packed 10-byte operand of the LGDT and LIDT
// instructions: a 16-bit limit followed by the 64-bit linear base address.
type TablePointer [10]byte

// NewTablePointer returns the TablePointer for a descriptor table of
// sizeBytes bytes starting at base.
func NewTablePointer(base uintptr, sizeBytes uintptr) TablePointer {
	var ptr TablePointer
	binary.LittleEndian.PutUint16(ptr[0:2], uint16(sizeBytes-1))
	binary.LittleEndian.PutUint64(ptr[2:10], uint64(base))
	return ptr
}

// Base returns the table base address encoded in ptr.
func (ptr *TablePointer) Base() uintptr {
	return uintptr(binary.LittleEndian.Uint64(ptr[2:10]))
}

// Limit returns the offset of the last valid byte of the table.
func (ptr *TablePointer) Limit() uint16 {
	return binary.LittleEndian.Uint16(ptr[0:2])
}
