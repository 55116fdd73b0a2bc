// Package kmain contains the kernel entrypoint that brings up the CPU and
// memory subsystems and starts the init process.
package kmain

import (
	"lunaviel/kernel"
	"lunaviel/kernel/arch"
	"lunaviel/kernel/config"
	"lunaviel/kernel/gate"
	"lunaviel/kernel/hal"
	"lunaviel/kernel/kfmt"
	"lunaviel/kernel/loader"
	"lunaviel/kernel/mm/pmm"
	"lunaviel/kernel/mm/vmm"
	"lunaviel/kernel/proc"
	"lunaviel/kernel/syscall"

	// Drivers register themselves with the device package when imported.
	_ "lunaviel/device/serial"
)

// HandOff describes the machine state the boot stage passes to Kmain.
type HandOff struct {
	// CmdLine is the kernel command line.
	CmdLine string

	// FreeMemory lists the physical memory regions that the frame
	// allocator may hand out.
	FreeMemory []pmm.Region

	// InitImage holds the static ELF executable started as the first
	// process.
	InitImage []byte

	// BootStack is the stack Kmain is running on.
	BootStack arch.Stack
}

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errNoInitImage   = &kernel.Error{Module: "kmain", Message: "boot loader did not supply an init image"}

	// the following functions are mocked by tests.
	detectHardwareFn = hal.DetectHardware
	archInitFn       = arch.Init
	gateInitFn       = gate.Init
	pmmInitFn        = pmm.Init
	vmmInitFn        = vmm.Init
	initSyscallFn    = gate.InitSyscall
	initGatewayFn    = syscall.InitGateway
	loadFn           = loader.Load
	runFn            = proc.Run
	panicFn          = kfmt.Panic
)

// Kmain is invoked by the boot stage once the Go runtime is able to allocate
// memory. The boot stage passes the command line, the free physical memory
// regions and the init image in h.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(h *HandOff) {
	cfg := config.Parse(h.CmdLine)
	detectHardwareFn(cfg)

	kfmt.Printf("[kmain] starting (strace=%t, ustack=%d pages)\n", cfg.Strace, cfg.UserStackPages)
	syscall.SetTracing(cfg.Strace)
	loader.SetUserStackPages(cfg.UserStackPages)

	arch.SetBootStack(h.BootStack)

	var err *kernel.Error
	if err = archInitFn(); err != nil {
		panic(err)
	}

	gateInitFn()

	if err = pmmInitFn(h.FreeMemory); err != nil {
		panic(err)
	}

	vmmInitFn()
	initSyscallFn(arch.TrapStack().Top)
	initGatewayFn()

	if len(h.InitImage) == 0 {
		panic(errNoInitImage)
	}

	p, err := loadFn(h.InitImage)
	if err != nil {
		panic(err)
	}

	if err = runFn(p); err != nil {
		panic(err)
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}
