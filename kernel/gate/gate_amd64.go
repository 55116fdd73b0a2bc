package gate

import (
	"io"
	"lunaviel/kernel"
	"lunaviel/kernel/cpu"
	"lunaviel/kernel/kfmt"
	"sync/atomic"
	"unsafe"
)

// Registers contains a snapshot of all register values when an exception
// or syscall occurs. The field order matches the layout of the frame built
// on the kernel stack by the entry stubs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Vector is the exception number or SyscallVector for frames built
	// by the SYSCALL entry point.
	Vector uint64

	// Info contains the exception error code (0 if the exception does not
	// push one).
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// FromUserMode returns true if the frame was captured while running ring-3
// code.
func (r *Registers) FromUserMode() bool {
	return r.CS&3 == 3
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "VEC = %16x ERR = %16x\n", r.Vector, r.Info)
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}

// Segment selectors. The GDT built during arch bring-up places the
// descriptors at these offsets; the user data/code order is the one SYSRET
// expects.
const (
	KernelCodeSelector = uint16(0x08)
	KernelDataSelector = uint16(0x10)
	UserDataSelector   = uint16(0x18 | 3)
	UserCodeSelector   = uint16(0x20 | 3)
	TSSSelector        = uint16(0x28)
)

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems.
	NMI = InterruptNumber(2)

	// Breakpoint is raised by the INT3 instruction.
	Breakpoint = InterruptNumber(3)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1.
	SIMDFloatingPointException = InterruptNumber(19)
)

const (
	// exceptionCount is the number of CPU exception vectors. Each one has
	// an entry stub; the remaining IDT slots stay non-present.
	exceptionCount = 32

	idtEntryCount = 256

	// DoubleFaultIST is the interrupt stack table slot used by the double
	// fault handler. Arch bring-up points it at a dedicated stack.
	DoubleFaultIST = uint8(1)

	// gateTypeInterrupt describes a present, DPL 0, 64-bit interrupt gate.
	// Interrupt gates clear IF on entry.
	gateTypeInterrupt = uint8(0x8e)
)

var (
	idt        [idtEntryCount]idtEntry
	idtPointer cpu.TablePointer
	handlers   [exceptionCount]func(*Registers)

	// trapCount is the number of traps (exceptions and syscalls) that have
	// been dispatched so far.
	trapCount uint64

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	loadIDTFn     = cpu.LoadIDT
	trapStubsAddr = trapStubs

	errUnhandledVector   = &kernel.Error{Module: "gate", Message: "trap on vector without a registered handler"}
	errUnsupportedVector = &kernel.Error{Module: "gate", Message: "handlers can only be registered for exception vectors"}
	errDoubleFault       = &kernel.Error{Module: "gate", Message: "double fault"}
	errNoSyscallHandler  = &kernel.Error{Module: "gate", Message: "syscall trap without a registered syscall handler"}
)

// idtEntry is a 16-byte long mode gate descriptor.
type idtEntry struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

func (e *idtEntry) set(handlerAddr uintptr, ist uint8) {
	e.offsetLow = uint16(handlerAddr)
	e.offsetMid = uint16(handlerAddr >> 16)
	e.offsetHigh = uint32(handlerAddr >> 32)
	e.selector = KernelCodeSelector
	e.ist = ist & 0x7
	e.typeAttr = gateTypeInterrupt
	e.reserved = 0
}

func (e *idtEntry) handlerAddress() uintptr {
	return uintptr(e.offsetLow) | uintptr(e.offsetMid)<<16 | uintptr(e.offsetHigh)<<32
}

func (e *idtEntry) present() bool {
	return e.typeAttr&0x80 != 0
}

// Init builds the IDT with an entry stub for each exception vector, installs
// the double fault handler on its dedicated interrupt stack and loads the
// IDT. Handlers registered before Init keep their IST slot.
func Init() {
	stubs := (*[exceptionCount]uintptr)(unsafe.Pointer(trapStubsAddr()))
	for vector := 0; vector < exceptionCount; vector++ {
		idt[vector].set(stubs[vector], idt[vector].ist)
	}

	HandleInterrupt(DoubleFault, DoubleFaultIST, doubleFaultHandler)

	idtPointer = cpu.NewTablePointer(uintptr(unsafe.Pointer(&idt[0])), unsafe.Sizeof(idt))
	loadIDTFn(uintptr(unsafe.Pointer(&idtPointer)))
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular exception occurs. The value of the istOffset argument specifies
// the slot in the interrupt stack table (if 0 then IST is not used).
func HandleInterrupt(intNumber InterruptNumber, istOffset uint8, handler func(*Registers)) {
	if intNumber >= exceptionCount {
		panic(errUnsupportedVector)
	}

	handlers[intNumber] = handler
	idt[intNumber].ist = istOffset & 0x7
}

// TrapCount returns the number of traps serviced since boot.
func TrapCount() uint64 {
	return atomic.LoadUint64(&trapCount)
}

// dispatchInterrupt is invoked by the exception entry stubs to route an
// incoming exception to the registered handler.
func dispatchInterrupt(regs *Registers) {
	atomic.AddUint64(&trapCount, 1)

	if regs.Vector < exceptionCount {
		if handler := handlers[regs.Vector]; handler != nil {
			handler(regs)
			return
		}
	}

	kfmt.Printf("\nUnhandled trap %d (error code 0x%x)\nRegisters:\n", regs.Vector, regs.Info)
	regs.DumpTo(kfmt.GetOutputSink())
	panic(errUnhandledVector)
}

func doubleFaultHandler(regs *Registers) {
	kfmt.Printf("\nDouble fault\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())
	panic(errDoubleFault)
}

// trapStubs returns the address of a table with the entry point address of
// each exception stub.
func trapStubs() uintptr
