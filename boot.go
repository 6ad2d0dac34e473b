package main

import (
	"github.com/KevinAlavik/genoa/kernel"
	"github.com/KevinAlavik/genoa/kernel/bootinfo"
	"github.com/KevinAlavik/genoa/kernel/cpu"
	"github.com/KevinAlavik/genoa/kernel/hal"
)

// The variables below stand in for values the real boot chain would supply
// and that this module deliberately does not decode itself: the Limine
// boot protocol response structures (bootInfoPtr) and the linker script's
// section symbols (__text_start and friends). Decoding either is an
// external collaborator's job -- see bootinfo's package doc -- so rt0 (or,
// on this host-testable build, whatever populates these before main runs)
// is expected to have already turned them into the plain values below.
var (
	bootInfoPtr uintptr

	hhdmOffset, kernelPhysBase, kernelVirtBase, kernelStackTop uintptr
	memoryMap                                                  []bootinfo.MemoryMapEntry
	framebuffer                                                bootinfo.FramebufferInfo

	textStart, textEnd     uintptr
	rodataStart, rodataEnd uintptr
	dataStart, dataEnd     uintptr
)

// main is the only Go symbol that is visible (exported) from the rt0
// initialization code. It is a trampoline into kernel.New, the real
// entrypoint, and is intentionally defined as its own function to prevent
// the Go compiler from optimizing away the kernel code: rt0 is unaware of
// it, so nothing short of main's own presence keeps it linked in.
//
// main is invoked by the rt0 assembly code after setting up the GDT and a
// minimal g0 struct that allows Go code to run on the 4 KiB stack the
// assembly stub allocated.
//
// main does not return: once kernel.New hands back the assembled Kernel,
// main enables interrupts and halts in a loop, waking only to service them.
func main() {
	_ = bootInfoPtr // consumed once boot-protocol decoding is wired in

	bi := bootinfo.FromBootProtocol(memoryMap, hhdmOffset, kernelPhysBase, kernelVirtBase, kernelStackTop)
	bi.Framebuffer = framebuffer

	syms := kernel.LinkerSymbols{
		TextStart:   textStart,
		TextEnd:     textEnd,
		RodataStart: rodataStart,
		RodataEnd:   rodataEnd,
		DataStart:   dataStart,
		DataEnd:     dataEnd,
	}

	sink := hal.NewConsoleSink()
	k := kernel.New(bi, syms, sink)
	k.Log.Infof("scheduler online, enabling interrupts")

	// Every process is now driven by the timer tick dispatched through
	// k.IRQ; main's only remaining job is to idle until the next one
	// fires.
	cpu.EnableInterrupts()
	for {
		cpu.Halt()
	}
}
