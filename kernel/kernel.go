// Package kernel is the module root: the shared Error/Kind vocabulary, the
// panic path, and Kernel, the type that sequences every subsystem's New
// call into a running system in the fixed order the hardware requires --
// physical frames before page tables, page tables before the heap, the
// heap before the scheduler, the scheduler before interrupts are ever
// unmasked. It is the one place allowed to know about every other package
// at once.
package kernel

import (
	"unsafe"

	"github.com/KevinAlavik/genoa/kernel/bootinfo"
	"github.com/KevinAlavik/genoa/kernel/cpu"
	"github.com/KevinAlavik/genoa/kernel/heap"
	"github.com/KevinAlavik/genoa/kernel/irq"
	"github.com/KevinAlavik/genoa/kernel/klog"
	"github.com/KevinAlavik/genoa/kernel/mem"
	"github.com/KevinAlavik/genoa/kernel/mem/pmm"
	"github.com/KevinAlavik/genoa/kernel/mem/vma"
	"github.com/KevinAlavik/genoa/kernel/mem/vmm"
	"github.com/KevinAlavik/genoa/kernel/sched"
)

// identityMapBytes is how much of the bottom of physical memory the
// initial kernel pagemap covers with an HHDM mapping. Memory-map entries
// above this limit are still reachable through the per-entry HHDM mappings
// BuildInitialKernelPagemap installs for every memory-map entry.
const identityMapBytes = 4 * uint64(mem.Gb)

// LinkerSymbols carries the section boundaries a real linker script would
// provide (__text_start, __text_end, ...). There is no linker in this
// build; the boot stub is expected to fill this in from whatever the
// actual toolchain produces, the same arm's-length relationship a
// //go:linkname pull of a runtime symbol has with the symbol itself.
type LinkerSymbols struct {
	TextStart, TextEnd     uintptr
	RodataStart, RodataEnd uintptr
	DataStart, DataEnd     uintptr
}

// Kernel owns every live subsystem once boot has handed off. The zero
// value is not usable; construct with New.
type Kernel struct {
	BootInfo bootinfo.BootInfo
	Log      *klog.Logger

	PMM   *pmm.Allocator
	VMM   *vmm.Manager
	Vma   *vma.Manager
	Heap  *heap.Heap
	Sched *sched.Scheduler
	IRQ   *irq.VectorTable

	kernelCtx *vma.Context
}

// errKmainReturned describes a kernel entry point that returned. No code
// path in this package raises it: New returns the assembled Kernel once
// every init step has succeeded.
var errKmainReturned = &Error{Module: "kernel", Kind: KindUnknown, Message: "kernel initialization returned"}

// New sequences every subsystem's construction over bi and syms, in the
// only order the hardware allows: frames, then page tables, then the
// region arena, then the heap, then the scheduler, then interrupt
// dispatch. There is no recovery path for a kernel that cannot establish
// its own memory management, so any failure along the way is fatal: New
// reports it through Panic and never returns.
//
//go:noinline
func New(bi bootinfo.BootInfo, syms LinkerSymbols, sink klog.Sink) *Kernel {
	log := klog.New(sink, "kernel", klog.LevelInfo)

	bitmapWords, carvedMap := carveBitmap(bi)
	bi.MemoryMap = carvedMap

	allocator := pmm.New(bi, bitmapWords, klog.New(sink, "pmm", klog.LevelInfo))

	allocFrame := func() (pmm.Frame, *Error) { return allocator.Request(1) }
	releaseFrame := func(f pmm.Frame, pages uint64) { allocator.Release(f, pages) }

	vmmMgr := vmm.New(bi.HHDMOffset, allocFrame, releaseFrame, klog.New(sink, "vmm", klog.LevelInfo))

	layout := vmm.KernelLayout{
		StackTop:         bi.KernelStackTop,
		StackPages:       4,
		TextStart:        syms.TextStart,
		TextEnd:          syms.TextEnd,
		RodataStart:      syms.RodataStart,
		RodataEnd:        syms.RodataEnd,
		DataStart:        syms.DataStart,
		DataEnd:          syms.DataEnd,
		KernelPhysBase:   bi.KernelPhysBase,
		KernelVirtBase:   bi.KernelVirtBase,
		IdentityMapBytes: identityMapBytes,
	}

	kernelPM, kerr := vmmMgr.BuildInitialKernelPagemap(bi, layout)
	if kerr != nil {
		Panic(sink, kerr)
		return nil
	}
	vmmMgr.SetKernelPagemap(kernelPM)
	cpu.SwitchPDT(kernelPM.Top.Address())

	vmaMgr := vma.New(
		func(pages uint64) (pmm.Frame, *Error) { return allocator.Request(pages) },
		func(f pmm.Frame, pages uint64) { allocator.Release(f, pages) },
		vmmMgr, bi.HHDMOffset, klog.New(sink, "vma", klog.LevelInfo),
	)

	kernelCtx, verr := vmaMgr.Create(kernelPM)
	if verr != nil {
		Panic(sink, verr)
		return nil
	}

	h := heap.New(vmaMgr, kernelCtx)

	scheduler := sched.New(vmaMgr, vmmMgr, h, klog.New(sink, "sched", klog.LevelInfo))
	if serr := scheduler.Init(); serr != nil {
		Panic(sink, serr)
		return nil
	}

	table := irq.NewVectorTable(func(ctx *irq.RegisterCtx) {
		FormatPanic(sink, &Error{Module: "irq", Kind: KindUnknown, Message: "unhandled interrupt vector"}, ctx)
	})
	table.SetTickHook(func(ctx *irq.RegisterCtx) { scheduler.Tick(ctx) })

	return &Kernel{
		BootInfo:  bi,
		Log:       log,
		PMM:       allocator,
		VMM:       vmmMgr,
		Vma:       vmaMgr,
		Heap:      h,
		Sched:     scheduler,
		IRQ:       table,
		kernelCtx: kernelCtx,
	}
}

// carveBitmap finds the first usable memory-map entry large enough to hold
// the PMM bitmap, places the bitmap at that region's HHDM address, and
// returns a shrunk copy of the memory map with that storage excised --
// mirroring the original C kernel's pmm_init, which carves the bitmap out
// of the region it lives in, before any free bit is marked, so the
// bitmap's own backing pages are never themselves handed out as free
// frames.
func carveBitmap(bi bootinfo.BootInfo) ([]uint64, []bootinfo.MemoryMapEntry) {
	words := pmm.BitmapWords(bi.HighestUsableAddress())
	bitmapBytes := words * 8
	// The region handed back to the bitmap's own words is page-aligned up,
	// not just byte-aligned: e.Base must land back on a frame boundary, or
	// the PMM's clear-bits pass below would round that boundary down into
	// the frame still holding the bitmap's tail and mark it free.
	carvedBytes := uint64(mem.Size(bitmapBytes).Pages()) * uint64(mem.PageSize)

	out := make([]bootinfo.MemoryMapEntry, len(bi.MemoryMap))
	copy(out, bi.MemoryMap)

	var bitmapWords []uint64
	for i := range out {
		e := &out[i]
		if e.Type != bootinfo.MemoryUsable || e.Length < carvedBytes {
			continue
		}

		hhdmAddr := uintptr(e.Base) + bi.HHDMOffset
		bitmapWords = unsafe.Slice((*uint64)(unsafe.Pointer(hhdmAddr)), words)

		e.Base += carvedBytes
		e.Length -= carvedBytes
		break
	}

	if bitmapWords == nil {
		// No region was large enough; fall back to a freestanding slice
		// sized identically to what production would have carved, so a
		// misconfigured memory map degrades to "no free memory" rather
		// than a nil-slice panic inside pmm.New.
		bitmapWords = make([]uint64, words)
	}

	return bitmapWords, out
}
