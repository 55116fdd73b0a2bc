package syscall

import (
	"lunaviel/kernel/cpu"
	"lunaviel/kernel/kfmt"
	"lunaviel/kernel/proc"
)

// exitHaltFn is invoked once the calling process has exited. With no
// scheduler to switch to, the machine halts.
var exitHaltFn = cpu.Halt

// sysGetpid implements getpid().
func sysGetpid(p *proc.Process, _ [6]uint64) int64 {
	return int64(p.ID())
}

// sysExit implements exit(status). It does not return.
func sysExit(p *proc.Process, args [6]uint64) int64 {
	status := int64(int32(args[0]))

	if err := p.Exit(status); err != nil {
		kfmt.Printf("[syscall] exit: %s\n", err.Message)
	}

	kfmt.Printf("[syscall] no runnable process left; halting\n")
	exitHaltFn()
	return 0
}
