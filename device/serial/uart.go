// Package serial provides a polled driver for 16550-compatible UARTs. The
// first port (COM1) serves as the kernel console.
package serial

import (
	"io"
	"lunaviel/device"
	"lunaviel/kernel"
	"lunaviel/kernel/cpu"
	"lunaviel/kernel/kfmt"
)

const (
	// COM1 is the I/O port base of the first serial port.
	COM1 = uint16(0x3f8)

	// Register offsets relative to the port base.
	regData        = 0 // THR/RBR; DLL when DLAB is set
	regIntEnable   = 1 // IER; DLM when DLAB is set
	regFifoControl = 2
	regLineControl = 3
	regModemCtrl   = 4
	regLineStatus  = 5
	regScratch     = 7

	lineControlDLAB = 0x80
	lineControl8N1  = 0x03
	fifoEnableClear = 0xc7 // enable and clear FIFOs, 14 byte threshold
	modemLoopback   = 0x1e
	modemNormal     = 0x0f // DTR, RTS, OUT1 and OUT2
	lineStatusTHRE  = 0x20

	// baudDivisor selects 38400 baud from the 115200 base clock.
	baudDivisor = 3

	loopbackTestByte = 0xae
	scratchTestByte  = 0x5a

	// maxTxSpins bounds the wait for the transmit holding register.
	maxTxSpins = 1 << 16
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	errLoopbackFailed = &kernel.Error{Module: "serial", Message: "loopback self-test failed"}
	errTxTimeout      = &kernel.Error{Module: "serial", Message: "timed out waiting for the transmitter"}
)

// Port is a 16550 UART accessed through I/O ports. Port implements
// device.Driver and io.Writer.
type Port struct {
	base uint16
}

var _ io.Writer = (*Port)(nil)

// NewPort returns a driver for the UART at the supplied I/O port base.
func NewPort(base uint16) *Port {
	return &Port{base: base}
}

// DriverName returns the name of this driver.
func (p *Port) DriverName() string {
	return "serial_16550"
}

// DriverVersion returns the version of this driver.
func (p *Port) DriverVersion() (uint16, uint16, uint16) {
	return 0, 1, 0
}

// DriverInit programs the UART for 38400 baud 8N1 with FIFOs enabled and
// verifies it with a loopback self-test.
func (p *Port) DriverInit(w io.Writer) *kernel.Error {
	p.out(regIntEnable, 0)
	p.out(regLineControl, lineControlDLAB)
	p.out(regData, baudDivisor&0xff)
	p.out(regIntEnable, baudDivisor>>8)
	p.out(regLineControl, lineControl8N1)
	p.out(regFifoControl, fifoEnableClear)

	p.out(regModemCtrl, modemLoopback)
	p.out(regData, loopbackTestByte)
	if got := p.in(regData); got != loopbackTestByte {
		return errLoopbackFailed
	}

	p.out(regModemCtrl, modemNormal)

	kfmt.Fprintf(w, "port 0x%x, %d baud 8N1\n", p.base, 115200/baudDivisor)
	return nil
}

// Write sends p to the UART, translating "\n" into "\r\n". It blocks until
// every byte has been accepted by the transmitter.
func (p *Port) Write(data []byte) (int, error) {
	for i, b := range data {
		if b == '\n' {
			if err := p.writeByte('\r'); err != nil {
				return i, err
			}
		}

		if err := p.writeByte(b); err != nil {
			return i, err
		}
	}

	return len(data), nil
}

func (p *Port) writeByte(b byte) *kernel.Error {
	for spins := 0; p.in(regLineStatus)&lineStatusTHRE == 0; spins++ {
		if spins == maxTxSpins {
			return errTxTimeout
		}
	}

	p.out(regData, b)
	return nil
}

func (p *Port) out(reg uint16, val uint8) {
	portWriteByteFn(p.base+reg, val)
}

func (p *Port) in(reg uint16) uint8 {
	return portReadByteFn(p.base + reg)
}

// probeForCOM1 checks for the presence of COM1 using the scratch register.
func probeForCOM1() device.Driver {
	p := NewPort(COM1)

	p.out(regScratch, scratchTestByte)
	if p.in(regScratch) != scratchTestByte {
		return nil
	}

	return p
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: probeForCOM1,
	})
}
