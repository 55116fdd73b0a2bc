// Package kfmt implements the kernel's logging facilities: an allocation-free
// Printf that can be used before the Go allocator is available, an early ring
// buffer that captures output until a console sink is attached, and the
// Panic routine that halts the machine on unrecoverable errors.
package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize defines the buffer size for formatting numbers. The width of a
// formatted number is clipped to numBufSize - 1.
const numBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	hexDigits       = "0123456789abcdef"

	// numBuf is a shared scratch buffer for formatting numbers.
	numBuf [numBufSize]byte

	// oneByte is used as a shared buffer for passing single characters
	// to doWrite.
	oneByte = []byte(" ")
)

// Printf provides a minimal Printf implementation that can be safely used
// before the Go runtime has been properly initialized. It does not allocate.
//
// The following verbs are supported:
//
//	%s  string or []byte
//	%d  base 10 integer
//	%x  base 16 integer (lower-case)
//	%o  base 8 integer
//	%t  bool
//	%%  literal percent sign
//
// An optional decimal width may precede the verb. Strings and base-10 numbers
// are left-padded with spaces; base-8 and base-16 numbers are left-padded with
// zeroes.
//
// Output goes to the sink registered via SetOutputSink or to the early ring
// buffer when no sink has been registered yet.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
		verb     byte
	)

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		width = 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			doWrite(w, errNoVerb)
			break
		}

		switch verb = format[i]; verb {
		case '%':
			writeByte(w, '%')
			continue
		case 'd', 'x', 'o', 's', 't':
		default:
			doWrite(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		switch verb {
		case 'd':
			fmtInt(w, args[argIndex], 10, width)
		case 'x':
			fmtInt(w, args[argIndex], 16, width)
		case 'o':
			fmtInt(w, args[argIndex], 8, width)
		case 's':
			fmtString(w, args[argIndex], width)
		case 't':
			fmtBool(w, args[argIndex])
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		writeRepeat(w, ' ', width-len(s))
		// string -> []byte conversions allocate; write one byte at a time.
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		writeRepeat(w, ' ', width-len(s))
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

// fmtInt formats any built-in integer type in the requested base.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		mag uint64
		neg bool
	)

	switch n := v.(type) {
	case uint8:
		mag = uint64(n)
	case uint16:
		mag = uint64(n)
	case uint32:
		mag = uint64(n)
	case uint64:
		mag = n
	case uint:
		mag = uint64(n)
	case uintptr:
		mag = uint64(n)
	case int8:
		mag, neg = signedMagnitude(int64(n))
	case int16:
		mag, neg = signedMagnitude(int64(n))
	case int32:
		mag, neg = signedMagnitude(int64(n))
	case int64:
		mag, neg = signedMagnitude(n)
	case int:
		mag, neg = signedMagnitude(int64(n))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if width >= numBufSize {
		width = numBufSize - 1
	}

	// Digits are emitted right-to-left starting at the end of numBuf.
	pos := numBufSize
	for {
		pos--
		numBuf[pos] = hexDigits[mag%base]
		if mag /= base; mag == 0 {
			break
		}
	}

	digits := numBufSize - pos
	if neg {
		digits++
	}

	if base == 10 {
		writeRepeat(w, ' ', width-digits)
		if neg {
			writeByte(w, '-')
		}
	} else {
		if neg {
			writeByte(w, '-')
		}
		writeRepeat(w, '0', width-digits)
	}

	doWrite(w, numBuf[pos:])
}

func signedMagnitude(n int64) (uint64, bool) {
	if n < 0 {
		return uint64(-n), true
	}
	return uint64(n), false
}

func writeRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

func writeByte(w io.Writer, ch byte) {
	oneByte[0] = ch
	doWrite(w, oneByte)
}

// doWrite hides p from the compiler's escape analysis. Without this, passing p
// to the yet-unknown io.Writer flags it as escaping and every Printf call
// would trigger a heap allocation, crashing the kernel if invoked before the
// Go allocator has been bootstrapped.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		_, _ = w.Write(p)
		return
	}

	_, _ = earlyPrintBuffer.Write(p)
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
