package gate

import (
	"lunaviel/kernel/cpu"
	"sync/atomic"
)

const (
	// SyscallVector is stored in the Vector field of frames built by the
	// SYSCALL entry point. It lies outside the range of IDT vectors.
	SyscallVector = uint64(0x100)

	// syscallFlagMask lists the RFLAGS bits cleared by the CPU on SYSCALL
	// entry: TF (bit 8), IF (bit 9) and DF (bit 10).
	syscallFlagMask = uint64(0x700)

	// sysretSelectorBase is the STAR[63:48] value. SYSRET loads SS from
	// base+8 and CS from base+16 and forces RPL 3 on both.
	sysretSelectorBase = uint64(UserDataSelector&^3) - 8
)

var (
	// syscallHandler receives every frame captured by the SYSCALL entry.
	syscallHandler func(*Registers)

	// syscallStackTop is loaded into RSP by the SYSCALL entry before any
	// register is saved. syscallUserRSP is scratch space for the user stack
	// pointer while the switch takes place. Both are accessed from
	// assembly.
	syscallStackTop uintptr
	syscallUserRSP  uint64

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	writeMSRFn         = cpu.WriteMSR
	syscallEntryAddrFn = syscallEntryAddr
)

// InitSyscall programs the SYSCALL/SYSRET MSRs so that SYSCALL instructions
// executed by user code switch to the kernel stack ending at stackTop and
// enter the kernel through the registered syscall handler. EFER.SCE must be
// set separately during arch bring-up.
func InitSyscall(stackTop uintptr) {
	syscallStackTop = stackTop

	writeMSRFn(cpu.MSRSTAR, uint64(KernelCodeSelector)<<32|sysretSelectorBase<<48)
	writeMSRFn(cpu.MSRLSTAR, uint64(syscallEntryAddrFn()))
	writeMSRFn(cpu.MSRSFMASK, syscallFlagMask)
}

// HandleSyscall registers the function that services syscall traps. The
// handler reads the request from regs and stores the result in regs.RAX.
func HandleSyscall(handler func(*Registers)) {
	syscallHandler = handler
}

// dispatchSyscall is invoked by the SYSCALL entry point with interrupts
// disabled and the frame of the calling user thread.
func dispatchSyscall(regs *Registers) {
	atomic.AddUint64(&trapCount, 1)

	if syscallHandler == nil {
		panic(errNoSyscallHandler)
	}

	syscallHandler(regs)
}

// EnterUserMode loads the register state in regs and transfers control to
// ring 3 via IRETQ. It does not return; later entries into the kernel happen
// through traps and syscalls.
func EnterUserMode(regs *Registers)

// syscallEntryAddr returns the address of the SYSCALL entry point.
func syscallEntryAddr() uintptr
