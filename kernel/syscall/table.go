// Package syscall implements the Linux-compatible system call surface: the
// dispatch table mapping syscall numbers to handlers, the handlers
// themselves and the gateway glue that turns a captured register frame into
// a request.
package syscall

import (
	"lunaviel/kernel/kfmt"
	"lunaviel/kernel/proc"
)

// Syscall numbers (x86_64 Linux ABI).
const (
	SysRead   = 0
	SysWrite  = 1
	SysOpen   = 2
	SysClose  = 3
	SysFstat  = 5
	SysGetpid = 39
	SysExit   = 60
)

// Request is a syscall number plus its six argument words as passed in
// registers by user code.
type Request struct {
	Number uint64
	Args   [6]uint64
}

// Handler services a syscall on behalf of p. It returns a non-negative
// result on success or a negative errno value.
type Handler func(p *proc.Process, args [6]uint64) int64

type tableEntry struct {
	name    string
	handler Handler
}

var (
	// table is indexed by syscall number. Unlisted numbers have a nil
	// handler. The table is never modified after package initialization.
	table = [...]tableEntry{
		SysRead:   {"read", sysRead},
		SysWrite:  {"write", sysWrite},
		SysOpen:   {"open", sysOpen},
		SysClose:  {"close", sysClose},
		SysFstat:  {"fstat", sysFstat},
		SysGetpid: {"getpid", sysGetpid},
		SysExit:   {"exit", sysExit},
	}

	traceEnabled bool
)

// SetTracing enables or disables logging of every dispatched syscall.
func SetTracing(enabled bool) {
	traceEnabled = enabled
}

// Dispatch invokes the handler registered for req.Number and returns its
// result. Numbers without a handler yield ENOSYS.
func Dispatch(p *proc.Process, req Request) int64 {
	if req.Number >= uint64(len(table)) || table[req.Number].handler == nil {
		if traceEnabled {
			kfmt.Printf("[strace] syscall_%d() = %d\n", req.Number, ENOSYS)
		}
		return ENOSYS
	}

	entry := &table[req.Number]
	if traceEnabled {
		kfmt.Printf("[strace] %s(0x%x, 0x%x, 0x%x)", entry.name, req.Args[0], req.Args[1], req.Args[2])
	}

	res := entry.handler(p, req.Args)

	if traceEnabled {
		kfmt.Printf(" = %d\n", res)
	}

	return res
}

// Each invokes fn for every implemented syscall in ascending number order.
func Each(fn func(number uint64, name string)) {
	for number := range table {
		if table[number].handler != nil {
			fn(uint64(number), table[number].name)
		}
	}
}
