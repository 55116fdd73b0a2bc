package main

import (
	"lunaviel/kernel/arch"
	"lunaviel/kernel/kmain"
)

// The rt0 code stores the multiboot info pointer, the physical range of the
// kernel image and the boot stack here before jumping to main.
var (
	multibootInfoPtr uintptr
	kernelStart      uintptr
	kernelEnd        uintptr
	bootStackBottom  uintptr
	bootStackTop     uintptr
)

// main makes a call to the actual kernel main entrypoint function. It is
// intentionally defined to prevent the Go compiler from optimizing away the
// real kernel code.
//
// Global variables are passed as arguments to prevent the compiler from
// inlining the actual call and removing Kmain from the generated .o file.
func main() {
	kmain.Kmain(kmain.HandOffFromMultiboot(
		multibootInfoPtr,
		kernelStart,
		kernelEnd,
		arch.Stack{Bottom: bootStackBottom, Top: bootStackTop},
	))
}
