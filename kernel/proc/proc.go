// Package proc implements the process lifecycle: a process owns a user
// address space, a saved register context and a file table and moves from
// Created to Running to Exited. At most one process runs at any time.
package proc

import (
	"lunaviel/kernel"
	"lunaviel/kernel/gate"
	"lunaviel/kernel/kfmt"
	"lunaviel/kernel/mm/vmm"
	"sync/atomic"
)

// AddressSpace is the view of a user address space required by the process
// model and the syscall handlers. It is implemented by *vmm.AddressSpace.
type AddressSpace interface {
	CheckRange(addr, size uintptr, access vmm.Permission) bool
	CopyIn(dst []byte, src uintptr) *kernel.Error
	CopyOut(dst uintptr, src []byte) *kernel.Error
	Activate() *kernel.Error
	Release() *kernel.Error
}

var _ AddressSpace = (*vmm.AddressSpace)(nil)

// State describes the lifecycle state of a process.
type State uint8

const (
	StateCreated State = iota
	StateRunning
	StateExited
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

var (
	lastID uint64

	// active points to the process currently in the Running state.
	active *Process

	// enterUserModeFn is mocked by tests; the real implementation does
	// not return.
	enterUserModeFn = gate.EnterUserMode

	// ErrAnotherRunning is returned by Run while a different process is
	// running.
	ErrAnotherRunning = &kernel.Error{Module: "proc", Message: "another process is already running"}

	// ErrExited is returned by every operation that would reach the
	// resources of a process that has exited.
	ErrExited = &kernel.Error{Module: "proc", Message: "process has exited"}

	errNotCreated = &kernel.Error{Module: "proc", Message: "process has already been started"}
)

// Process ties together a user address space, the register context used to
// resume it and its open files.
type Process struct {
	id         uint64
	state      State
	as         AddressSpace
	ctx        gate.Registers
	files      *FileTable
	exitStatus int64
}

// New returns a process in the Created state that will start executing with
// the register state in ctx. The process takes ownership of as and gets a
// file table with the standard descriptors bound to the console.
func New(as AddressSpace, ctx gate.Registers) *Process {
	return &Process{
		id:    atomic.AddUint64(&lastID, 1),
		state: StateCreated,
		as:    as,
		ctx:   ctx,
		files: NewFileTable(),
	}
}

// Active returns the running process or nil if no process is running.
func Active() *Process {
	return active
}

// Run activates the address space of p and transfers control to its saved
// context in user mode. On success Run does not return.
func Run(p *Process) *kernel.Error {
	switch {
	case p.state == StateExited:
		return ErrExited
	case p.state != StateCreated:
		return errNotCreated
	case active != nil:
		return ErrAnotherRunning
	}

	if err := p.as.Activate(); err != nil {
		return err
	}

	p.state = StateRunning
	active = p

	kfmt.Printf("[proc] starting process %d at 0x%x\n", p.id, p.ctx.RIP)
	enterUserModeFn(&p.ctx)
	return nil
}

// ID returns the unique process identifier.
func (p *Process) ID() uint64 { return p.id }

// State returns the lifecycle state of p.
func (p *Process) State() State { return p.state }

// ExitStatus returns the status passed to Exit.
func (p *Process) ExitStatus() int64 { return p.exitStatus }

// AddressSpace returns the address space of p.
func (p *Process) AddressSpace() (AddressSpace, *kernel.Error) {
	if p.state == StateExited {
		return nil, ErrExited
	}
	return p.as, nil
}

// Files returns the file table of p.
func (p *Process) Files() (*FileTable, *kernel.Error) {
	if p.state == StateExited {
		return nil, ErrExited
	}
	return p.files, nil
}

// Context returns a copy of the saved register context.
func (p *Process) Context() gate.Registers {
	return p.ctx
}

// SaveContext records the register state captured by the syscall gateway.
func (p *Process) SaveContext(regs *gate.Registers) *kernel.Error {
	if p.state == StateExited {
		return ErrExited
	}
	p.ctx = *regs
	return nil
}

// Exit moves p to the terminal Exited state and releases its file table and
// address space. The process no longer counts as running even if releasing
// its resources fails.
func (p *Process) Exit(status int64) *kernel.Error {
	if p.state == StateExited {
		return ErrExited
	}

	p.state = StateExited
	p.exitStatus = status
	if active == p {
		active = nil
	}

	kfmt.Printf("[proc] process %d exited with status %d\n", p.id, status)

	files, as := p.files, p.as
	p.files, p.as = nil, nil

	ferr := files.Release()
	if err := as.Release(); err != nil {
		return err
	}
	return ferr
}
