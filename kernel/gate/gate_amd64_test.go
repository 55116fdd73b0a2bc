package gate

import (
	"bytes"
	"lunaviel/kernel/cpu"
	"lunaviel/kernel/kfmt"
	"strings"
	"testing"
	"unsafe"
)

func TestRegistersLayout(t *testing.T) {
	var regs Registers

	specs := []struct {
		name   string
		offset uintptr
		exp    uintptr
	}{
		{"RAX", unsafe.Offsetof(regs.RAX), 0},
		{"R15", unsafe.Offsetof(regs.R15), 112},
		{"Vector", unsafe.Offsetof(regs.Vector), 120},
		{"Info", unsafe.Offsetof(regs.Info), 128},
		{"RIP", unsafe.Offsetof(regs.RIP), 136},
		{"CS", unsafe.Offsetof(regs.CS), 144},
		{"RFlags", unsafe.Offsetof(regs.RFlags), 152},
		{"RSP", unsafe.Offsetof(regs.RSP), 160},
		{"SS", unsafe.Offsetof(regs.SS), 168},
	}

	for _, spec := range specs {
		if spec.offset != spec.exp {
			t.Errorf("expected field %s to be at offset %d; got %d", spec.name, spec.exp, spec.offset)
		}
	}

	if got := unsafe.Sizeof(regs); got != 176 {
		t.Errorf("expected Registers size to be 176; got %d", got)
	}

	if got := unsafe.Sizeof(idtEntry{}); got != 16 {
		t.Errorf("expected idtEntry size to be 16; got %d", got)
	}
}

func TestRegistersDumpTo(t *testing.T) {
	regs := Registers{
		RAX: 1, RBX: 2, RCX: 3, RDX: 4, RSI: 5, RDI: 6, RBP: 7,
		R8: 8, R9: 9, R10: 10, R11: 11, R12: 12, R13: 13, R14: 14, R15: 15,
		Vector: 14, Info: 2,
		RIP: 16, CS: 17, RFlags: 18, RSP: 19, SS: 20,
	}

	exp := "RAX = 0000000000000001 RBX = 0000000000000002\n" +
		"RCX = 0000000000000003 RDX = 0000000000000004\n" +
		"RSI = 0000000000000005 RDI = 0000000000000006\n" +
		"RBP = 0000000000000007\n" +
		"R8  = 0000000000000008 R9  = 0000000000000009\n" +
		"R10 = 000000000000000a R11 = 000000000000000b\n" +
		"R12 = 000000000000000c R13 = 000000000000000d\n" +
		"R14 = 000000000000000e R15 = 000000000000000f\n" +
		"\n" +
		"VEC = 000000000000000e ERR = 0000000000000002\n" +
		"RIP = 0000000000000010 CS  = 0000000000000011\n" +
		"RSP = 0000000000000013 SS  = 0000000000000014\n" +
		"RFL = 0000000000000012\n"

	var buf bytes.Buffer
	regs.DumpTo(&buf)

	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}

func TestFromUserMode(t *testing.T) {
	if (&Registers{CS: uint64(KernelCodeSelector)}).FromUserMode() {
		t.Error("expected kernel CS frame not to be reported as user mode")
	}

	if !(&Registers{CS: uint64(UserCodeSelector)}).FromUserMode() {
		t.Error("expected user CS frame to be reported as user mode")
	}
}

func resetGate() {
	idt = [idtEntryCount]idtEntry{}
	handlers = [exceptionCount]func(*Registers){}
	loadIDTFn = cpu.LoadIDT
	trapStubsAddr = trapStubs
	trapCount = 0
}

func TestInit(t *testing.T) {
	defer resetGate()

	var fakeStubs [exceptionCount]uintptr
	for i := range fakeStubs {
		fakeStubs[i] = 0xffff800000100000 + uintptr(i)*0x10
	}
	trapStubsAddr = func() uintptr { return uintptr(unsafe.Pointer(&fakeStubs[0])) }

	var loadedPtr *cpu.TablePointer
	loadIDTFn = func(addr uintptr) {
		loadedPtr = (*cpu.TablePointer)(unsafe.Pointer(addr))
	}

	// Handlers registered before Init keep their IST slot
	HandleInterrupt(PageFaultException, 2, func(_ *Registers) {})

	Init()

	if loadedPtr == nil {
		t.Fatal("expected Init to load the IDT")
	}

	if exp := uintptr(unsafe.Pointer(&idt[0])); loadedPtr.Base() != exp {
		t.Errorf("expected IDT base to be 0x%x; got 0x%x", exp, loadedPtr.Base())
	}

	if exp := uint16(idtEntryCount*16 - 1); loadedPtr.Limit() != exp {
		t.Errorf("expected IDT limit to be %d; got %d", exp, loadedPtr.Limit())
	}

	for vector := 0; vector < idtEntryCount; vector++ {
		entry := idt[vector]
		if vector >= exceptionCount {
			if entry.present() {
				t.Errorf("expected IDT entry %d to be non-present", vector)
			}
			continue
		}

		if !entry.present() || entry.typeAttr != gateTypeInterrupt {
			t.Errorf("expected IDT entry %d to be a present interrupt gate; got type 0x%x", vector, entry.typeAttr)
		}

		if got := entry.handlerAddress(); got != fakeStubs[vector] {
			t.Errorf("expected IDT entry %d to point to 0x%x; got 0x%x", vector, fakeStubs[vector], got)
		}

		if entry.selector != KernelCodeSelector {
			t.Errorf("expected IDT entry %d selector to be 0x%x; got 0x%x", vector, KernelCodeSelector, entry.selector)
		}

		expIST := uint8(0)
		switch InterruptNumber(vector) {
		case DoubleFault:
			expIST = DoubleFaultIST
		case PageFaultException:
			expIST = 2
		}

		if entry.ist != expIST {
			t.Errorf("expected IDT entry %d IST to be %d; got %d", vector, expIST, entry.ist)
		}
	}

	if handlers[DoubleFault] == nil {
		t.Error("expected Init to install a double fault handler")
	}
}

func TestInitWithAssemblyStubs(t *testing.T) {
	defer resetGate()

	loadIDTFn = func(_ uintptr) {}
	Init()

	seen := make(map[uintptr]bool)
	for vector := 0; vector < exceptionCount; vector++ {
		addr := idt[vector].handlerAddress()
		if addr == 0 {
			t.Fatalf("expected IDT entry %d to point to an entry stub", vector)
		}
		if seen[addr] {
			t.Fatalf("expected IDT entry %d to use a distinct entry stub", vector)
		}
		seen[addr] = true
	}
}

func TestHandleInterruptUnsupportedVector(t *testing.T) {
	defer resetGate()
	defer func() {
		if err := recover(); err != errUnsupportedVector {
			t.Fatalf("expected to recover errUnsupportedVector; got %v", err)
		}
	}()

	HandleInterrupt(InterruptNumber(exceptionCount), 0, func(_ *Registers) {})
}

func TestDispatchInterrupt(t *testing.T) {
	defer resetGate()
	defer kfmt.SetOutputSink(nil)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	t.Run("registered handler", func(t *testing.T) {
		var got *Registers
		HandleInterrupt(InvalidOpcode, 0, func(regs *Registers) { got = regs })

		regs := &Registers{Vector: uint64(InvalidOpcode)}
		before := TrapCount()
		dispatchInterrupt(regs)

		if got != regs {
			t.Fatal("expected handler to be invoked with the trap frame")
		}

		if TrapCount() != before+1 {
			t.Fatalf("expected trap count to be %d; got %d", before+1, TrapCount())
		}
	})

	t.Run("vector without handler", func(t *testing.T) {
		buf.Reset()
		defer func() {
			if err := recover(); err != errUnhandledVector {
				t.Fatalf("expected to recover errUnhandledVector; got %v", err)
			}

			if !strings.Contains(buf.String(), "Unhandled trap 5") {
				t.Fatalf("expected trap details to be logged; got %q", buf.String())
			}
		}()

		dispatchInterrupt(&Registers{Vector: uint64(5)})
	})

	t.Run("double fault", func(t *testing.T) {
		defer func() {
			if err := recover(); err != errDoubleFault {
				t.Fatalf("expected to recover errDoubleFault; got %v", err)
			}
		}()

		doubleFaultHandler(&Registers{Vector: uint64(DoubleFault)})
	})
}

func TestInitSyscall(t *testing.T) {
	defer func() {
		writeMSRFn = cpu.WriteMSR
		syscallEntryAddrFn = syscallEntryAddr
		syscallStackTop = 0
	}()

	msrs := make(map[uint32]uint64)
	writeMSRFn = func(msr uint32, val uint64) { msrs[msr] = val }
	syscallEntryAddrFn = func() uintptr { return 0xffff800000200000 }

	InitSyscall(0xffff800000400000)

	if syscallStackTop != 0xffff800000400000 {
		t.Errorf("expected syscall stack top to be 0xffff800000400000; got 0x%x", syscallStackTop)
	}

	specs := []struct {
		msr uint32
		exp uint64
	}{
		{cpu.MSRSTAR, 0x0010000800000000},
		{cpu.MSRLSTAR, 0xffff800000200000},
		{cpu.MSRSFMASK, 0x700},
	}

	for _, spec := range specs {
		if got, ok := msrs[spec.msr]; !ok || got != spec.exp {
			t.Errorf("expected MSR 0x%x to be set to 0x%x; got 0x%x", spec.msr, spec.exp, got)
		}
	}

	// SYSRET derives the user selectors from STAR[63:48]
	sysretBase := msrs[cpu.MSRSTAR] >> 48
	if ss := uint16(sysretBase+8) | 3; ss != UserDataSelector {
		t.Errorf("expected SYSRET SS to be 0x%x; got 0x%x", UserDataSelector, ss)
	}
	if cs := uint16(sysretBase+16) | 3; cs != UserCodeSelector {
		t.Errorf("expected SYSRET CS to be 0x%x; got 0x%x", UserCodeSelector, cs)
	}
}

func TestDispatchSyscall(t *testing.T) {
	defer func() {
		syscallHandler = nil
		trapCount = 0
	}()

	t.Run("without handler", func(t *testing.T) {
		defer func() {
			if err := recover(); err != errNoSyscallHandler {
				t.Fatalf("expected to recover errNoSyscallHandler; got %v", err)
			}
		}()

		dispatchSyscall(&Registers{Vector: SyscallVector})
	})

	t.Run("with handler", func(t *testing.T) {
		HandleSyscall(func(regs *Registers) { regs.RAX = 42 })

		regs := &Registers{Vector: SyscallVector, RAX: 1}
		before := TrapCount()
		dispatchSyscall(regs)

		if regs.RAX != 42 {
			t.Fatalf("expected handler to update RAX to 42; got %d", regs.RAX)
		}

		if TrapCount() != before+1 {
			t.Fatalf("expected trap count to be %d; got %d", before+1, TrapCount())
		}
	})
}
