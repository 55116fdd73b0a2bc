package vmm

import (
	"lunaviel/kernel"
	"lunaviel/kernel/cpu"
	"lunaviel/kernel/gate"
	"lunaviel/kernel/kfmt"
	"lunaviel/kernel/mm"
)

var (
	// kernelPDT is the table that was active when Init was invoked. It is
	// activated whenever the active user address space gets released.
	kernelPDT PageDirectoryTable

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	readCR2Fn         = cpu.ReadCR2
	translateFn       = Translate
	handleInterruptFn = gate.HandleInterrupt

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// Init records the active page directory table as the kernel PDT and
// installs paging-related exception handlers.
func Init() {
	kernelPDT.pdtFrame = mm.FrameFromAddress(activePDTFn())

	handleInterruptFn(gate.PageFaultException, 0, pageFaultHandler)
	handleInterruptFn(gate.GPFException, 0, generalProtectionFaultHandler)
}

// pageFaultHandler is invoked when a PDT or PDT-entry is not present or when a
// privilege or RW protection check fails. No demand paging is supported so
// every fault is fatal.
func pageFaultHandler(regs *gate.Registers) {
	faultAddress := uintptr(readCR2Fn())

	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	if regs.Info&1 == 0 {
		kfmt.Printf("non-present page")
	} else {
		kfmt.Printf("page protection violation")
	}

	switch {
	case regs.Info&16 != 0:
		kfmt.Printf(" (instruction fetch)")
	case regs.Info&2 != 0:
		kfmt.Printf(" (write)")
	default:
		kfmt.Printf(" (read)")
	}

	if regs.Info&4 != 0 {
		kfmt.Printf(" in user-mode")
	}

	if regs.Info&8 != 0 {
		kfmt.Printf(", page table has reserved bit set")
	}

	if physAddr, err := translateFn(faultAddress); err == nil {
		kfmt.Printf("\nMapped to physical address: 0x%16x", physAddr)
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnrecoverableFault)
}

// generalProtectionFaultHandler is invoked for various reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
func generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault (selector error code: 0x%x)\n", regs.Info)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnrecoverableFault)
}
