package syscall

import (
	"lunaviel/kernel"
	"lunaviel/kernel/gate"
	"lunaviel/kernel/proc"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	handleSyscallFn = gate.HandleSyscall
	activeProcessFn = proc.Active

	errNoActiveProcess = &kernel.Error{Module: "syscall", Message: "syscall trap without a running process"}
)

// InitGateway routes the frames captured by the SYSCALL entry point to the
// dispatch table.
func InitGateway() {
	handleSyscallFn(gatewayEntry)
}

// gatewayEntry turns the captured frame into a request, dispatches it and
// stores the result in RAX. No other register is modified.
func gatewayEntry(regs *gate.Registers) {
	p := activeProcessFn()
	if p == nil {
		panic(errNoActiveProcess)
	}

	req := Request{
		Number: regs.RAX,
		Args:   [6]uint64{regs.RDI, regs.RSI, regs.RDX, regs.R10, regs.R8, regs.R9},
	}

	regs.RAX = uint64(Dispatch(p, req))

	_ = p.SaveContext(regs)
}
