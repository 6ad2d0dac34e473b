// Package pmm implements the kernel's physical frame allocator: a flat
// bitmap over every usable byte of RAM the bootloader reports, backed by a
// small LIFO cache of recently freed single pages for the common
// allocate-one-page fast path.
//
// The bitmap itself lives inside the RAM it describes (the kernel package
// carves its backing pages out of the first usable region large enough to
// hold it and passes them to New) and is always accessed through the HHDM, mirroring
// how every other physical frame is accessed once paging is live.
package pmm

import (
	"github.com/KevinAlavik/genoa/kernel"
	"github.com/KevinAlavik/genoa/kernel/bootinfo"
	"github.com/KevinAlavik/genoa/kernel/klog"
	"github.com/KevinAlavik/genoa/kernel/mem"
	"github.com/KevinAlavik/genoa/kernel/sync"
)

const (
	bitmapWordBits = 64
	pageCacheSize  = 1024
)

// Frame identifies a 4 KiB physical page by its page number (phys / PageSize).
type Frame uint64

// InvalidFrame is returned by failed allocations.
const InvalidFrame = Frame(^uint64(0))

// Address returns the physical address of the frame.
func (f Frame) Address() uintptr { return uintptr(f) << mem.PageShift }

var (
	// ErrOutOfMemory is returned when no run of free frames satisfies a
	// request.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}
	// ErrInvalidArgument is returned for a zero-page request.
	ErrInvalidArgument = &kernel.Error{Module: "pmm", Message: "invalid argument"}
)

// Allocator is the bitmap physical frame allocator. The zero value is not
// usable; construct with New.
type Allocator struct {
	lock sync.Spinlock

	bitmap      []uint64 // one bit per frame; 1 = used
	totalFrames uint64
	freePages   uint64

	cache      [pageCacheSize]Frame
	cacheIndex int

	log *klog.Logger
}

// New constructs an Allocator from a bootinfo snapshot. bitmapWords must
// hold at least BitmapWords(bi.HighestUsableAddress()) words, addressed
// through the HHDM by the caller -- in the real kernel this slice is
// obtained by carving bitmap-sized bytes out of the first usable memmap
// entry large enough to hold it and overlaying a []uint64 on the HHDM
// address; tests pass a plain Go slice instead.
func New(bi bootinfo.BootInfo, bitmapWords []uint64, log *klog.Logger) *Allocator {
	a := &Allocator{
		bitmap: bitmapWords,
		log:    log,
	}

	highest := bi.HighestUsableAddress()
	a.totalFrames = (highest + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)

	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
	}

	bi.UsableRegions(func(e bootinfo.MemoryMapEntry) {
		a.freePages += e.Length / uint64(mem.PageSize)
		for addr := e.Base; addr < e.End(); addr += uint64(mem.PageSize) {
			frame := addr / uint64(mem.PageSize)
			if frame < a.totalFrames {
				a.clearBit(frame)
			}
		}
	})

	if log != nil {
		log.Infof("pmm initialized: %d frames tracked, %d free", a.totalFrames, a.freePages)
	}

	return a
}

// FreePages returns the number of frames currently free.
func (a *Allocator) FreePages() uint64 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.freePages
}

// TotalFrames returns the number of frames tracked by the bitmap.
func (a *Allocator) TotalFrames() uint64 {
	return a.totalFrames
}

// Request allocates a run of pages contiguous physical frames and returns
// the first frame, or ErrOutOfMemory/ErrInvalidArgument on failure.
func (a *Allocator) Request(pages uint64) (Frame, *kernel.Error) {
	if pages == 0 {
		return InvalidFrame, ErrInvalidArgument
	}

	a.lock.Acquire()
	defer a.lock.Release()

	if pages > a.freePages {
		return InvalidFrame, ErrOutOfMemory
	}

	if pages == 1 && a.cacheIndex > 0 {
		a.cacheIndex--
		frame := a.cache[a.cacheIndex]
		a.setBit(uint64(frame))
		a.freePages--
		return frame, nil
	}

	wordCount := (a.totalFrames + bitmapWordBits - 1) / bitmapWordBits
	consecutive := uint64(0)
	for i := uint64(0); i < wordCount; i++ {
		if a.bitmap[i] == ^uint64(0) {
			consecutive = 0
			continue
		}

		startBit := i * bitmapWordBits

		for j := uint64(0); j < bitmapWordBits && startBit+j < a.totalFrames; j++ {
			bit := startBit + j
			if a.testBit(bit) {
				consecutive = 0
				continue
			}

			consecutive++
			if consecutive != pages {
				continue
			}

			// The explicit start computation below (rather than
			// reusing a running index clipped to the current
			// word) is what keeps a run that crosses a word
			// boundary from being mis-reported -- see SPEC_FULL.md.
			start := bit - pages + 1
			for k := uint64(0); k < pages; k++ {
				a.setBit(start + k)
			}
			a.freePages -= pages
			return Frame(start), nil
		}
	}

	return InvalidFrame, ErrOutOfMemory
}

// Release returns pages frames starting at frame to the free pool (use
// ReleaseAddr for an HHDM-tagged address). Releasing an already-free frame
// is a silent no-op; a range crossing the end of the bitmap is logged and
// ignored rather than causing a panic.
func (a *Allocator) Release(frame Frame, pages uint64) {
	a.lock.Acquire()
	defer a.lock.Release()

	start := uint64(frame)
	if start+pages > a.totalFrames {
		if a.log != nil {
			a.log.Errorf("release: range [%d,%d) exceeds tracked frames", start, start+pages)
		}
		return
	}

	for i := uint64(0); i < pages; i++ {
		bit := start + i
		if !a.testBit(bit) {
			continue
		}
		a.clearBit(bit)
		a.freePages++

		if pages == 1 && a.cacheIndex < pageCacheSize {
			a.cache[a.cacheIndex] = Frame(start)
			a.cacheIndex++
		}
	}
}

// ReleaseAddr is a convenience wrapper that normalizes an HHDM-tagged
// address before releasing pages frames starting at it, matching a
// pointer-based release entry point.
func (a *Allocator) ReleaseAddr(addr uintptr, hhdmOffset uintptr, pages uint64) {
	if hhdmOffset != 0 && addr >= hhdmOffset {
		addr -= hhdmOffset
	}
	a.Release(Frame(uint64(addr)/uint64(mem.PageSize)), pages)
}

func (a *Allocator) testBit(bit uint64) bool {
	return a.bitmap[bit/bitmapWordBits]&(1<<(bit%bitmapWordBits)) != 0
}

func (a *Allocator) setBit(bit uint64) {
	a.bitmap[bit/bitmapWordBits] |= 1 << (bit % bitmapWordBits)
}

func (a *Allocator) clearBit(bit uint64) {
	a.bitmap[bit/bitmapWordBits] &^= 1 << (bit % bitmapWordBits)
}

// BitmapWords computes the number of uint64 words required to track a
// memory map whose highest usable address is highest.
func BitmapWords(highest uint64) uint64 {
	frames := (highest + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
	return (frames + bitmapWordBits - 1) / bitmapWordBits
}
