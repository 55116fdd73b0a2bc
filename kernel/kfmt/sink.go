package kfmt

import "io"

// earlyBufferSize is the capacity of the buffer that captures Printf output
// before a sink is attached. It must be a power of 2.
const earlyBufferSize = 4096

var (
	// earlyPrintBuffer captures Printf output until SetOutputSink is
	// invoked with a non-nil writer.
	earlyPrintBuffer ringBuffer

	// outputSink receives all Printf output. When nil, output is
	// redirected to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for calls to Printf to w and replays any
// output accumulated in the early buffer.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently active output sink. The returned value
// is nil if no sink has been attached yet.
func GetOutputSink() io.Writer {
	return outputSink
}

// ringBuffer is a fixed-size byte queue where writes overwrite the oldest
// unread bytes once the buffer is full.
type ringBuffer struct {
	data       [earlyBufferSize]byte
	head, tail int
}

// Write appends p to the buffer, dropping the oldest bytes on overflow.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.data[rb.tail] = b
		rb.tail = (rb.tail + 1) & (earlyBufferSize - 1)
		if rb.tail == rb.head {
			rb.head = (rb.head + 1) & (earlyBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read drains up to len(p) buffered bytes into p. It returns io.EOF when the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.head == rb.tail {
		return 0, io.EOF
	}

	end := rb.tail
	if rb.tail < rb.head {
		end = earlyBufferSize
	}

	n := copy(p, rb.data[rb.head:end])
	rb.head = (rb.head + n) & (earlyBufferSize - 1)
	return n, nil
}
