// Package hal adapts the QEMU/Bochs debug console (I/O port 0xE9, the
// "debugcon" device) to klog.Sink, so the kernel's structured logger has
// somewhere to write before any interrupt-driven device has been probed.
// This mirrors put()'s outb(0xE9, byte) loop in the original C kernel,
// minus the linear-framebuffer terminal half of that function: rendering
// glyphs into a Limine framebuffer is out of scope here, so only the port
// write survives the port to Go.
package hal

import "github.com/KevinAlavik/genoa/kernel/cpu"

// debugconPort is the fixed I/O port QEMU (and Bochs) treat as a byte sink
// for early-boot logging, with no device probing required.
const debugconPort uint16 = 0xE9

// ConsoleSink writes every byte to the debugcon port. Production code
// drives outb directly; tests substitute outbFn with one that appends to a
// slice, the same mockable-seam technique the vmm package's table walker
// uses to stand in for physical memory.
type ConsoleSink struct {
	outbFn func(port uint16, value uint8)
}

// NewConsoleSink returns a Sink that writes to the debugcon port.
func NewConsoleSink() *ConsoleSink {
	return &ConsoleSink{outbFn: cpu.Outb}
}

// NewForTest returns a ConsoleSink whose writes are captured through outbFn
// instead of reaching real hardware.
func NewForTest(outbFn func(port uint16, value uint8)) *ConsoleSink {
	return &ConsoleSink{outbFn: outbFn}
}

// WriteByte implements klog.Sink.
func (s *ConsoleSink) WriteByte(b byte) { s.outbFn(debugconPort, b) }

// Write implements klog.Sink.
func (s *ConsoleSink) Write(p []byte) {
	for _, b := range p {
		s.outbFn(debugconPort, b)
	}
}
