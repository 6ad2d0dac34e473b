// Package vmm implements the x86_64 four-level page table walker: mapping,
// unmapping, translation, and the construction/teardown of address-space
// pagemaps. Physical frames come from pmm; every intermediate table is
// reached through the bootloader's higher-half direct map, exactly as the
// teacher's walker reaches its tables -- only the addressing scheme (HHDM
// instead of a recursive self-mapping) differs.
package vmm

import (
	"unsafe"

	"github.com/KevinAlavik/genoa/kernel"
	"github.com/KevinAlavik/genoa/kernel/bootinfo"
	"github.com/KevinAlavik/genoa/kernel/cpu"
	"github.com/KevinAlavik/genoa/kernel/klog"
	"github.com/KevinAlavik/genoa/kernel/mem"
	"github.com/KevinAlavik/genoa/kernel/mem/pmm"
)

const pageLevels = 4

// shiftForLevel holds the bit shift for the PML4/PML3/PML2/PML1 index at
// each of the four levels, from the top of the tree down to the leaf.
var shiftForLevel = [pageLevels]uint{39, 30, 21, 12}

const entriesPerTable = 512

// Pagemap identifies an address space by the physical frame backing its
// top-level (PML4) table.
type Pagemap struct {
	Top pmm.Frame
}

var (
	// ErrNoSuchMapping describes a virtual address with no leaf entry.
	// Unmap treats that case as a no-op and Translate reports it through
	// its bool result; neither returns this error.
	ErrNoSuchMapping = &kernel.Error{Module: "vmm", Kind: kernel.KindInvalidAddress, Message: "virtual address is not mapped"}
	// ErrHugePage is returned when a walk encounters a huge page where a
	// normal table was expected; huge pages are unsupported.
	ErrHugePage = &kernel.Error{Module: "vmm", Kind: kernel.KindInvalidAddress, Message: "huge pages are not supported"}
)

// FrameAllocFn requests a single physical frame. The frame need not be
// zeroed; the Manager zeroes every table frame it allocates.
type FrameAllocFn func() (pmm.Frame, *kernel.Error)

// FrameReleaseFn returns pages frames starting at f to the PMM.
type FrameReleaseFn func(f pmm.Frame, pages uint64)

// Manager owns the function seams used to reach physical memory and the
// currently active kernel pagemap. Production code constructs one with
// New; tests construct one with NewForTest and override tableFn.
type Manager struct {
	hhdmOffset    uintptr
	allocFrame    FrameAllocFn
	releaseFrame  FrameReleaseFn
	kernelPagemap *Pagemap
	log           *klog.Logger

	// tableFn returns the 512-entry table backed by physical frame f.
	// The production implementation overlays the HHDM address; tests
	// substitute a function that indexes into host Go arrays, following
	// the same mockable-seam technique the walker's own
	// tests use to drive it without real hardware.
	tableFn func(pmm.Frame) *[entriesPerTable]PTE

	flushTLBEntryFn func(uintptr)
	switchCR3Fn      func(uintptr)
}

// New constructs a Manager that reaches physical memory through the HHDM at
// hhdmOffset.
func New(hhdmOffset uintptr, allocFrame FrameAllocFn, releaseFrame FrameReleaseFn, log *klog.Logger) *Manager {
	m := &Manager{
		hhdmOffset:      hhdmOffset,
		allocFrame:      allocFrame,
		releaseFrame:    releaseFrame,
		log:             log,
		flushTLBEntryFn: cpu.FlushTLBEntry,
		switchCR3Fn:     cpu.SwitchPDT,
	}
	m.tableFn = m.hhdmTable
	return m
}

func (m *Manager) hhdmTable(f pmm.Frame) *[entriesPerTable]PTE {
	return (*[entriesPerTable]PTE)(unsafe.Pointer(f.Address() + m.hhdmOffset))
}

func index(virt uintptr, shift uint) uintptr {
	return (virt >> shift) & 0x1ff
}

func zeroTable(tbl *[entriesPerTable]PTE) {
	for i := range tbl {
		tbl[i] = 0
	}
}

// walkCreate descends from the top-level table to the leaf level for virt,
// allocating and zeroing any missing intermediate table, and OR-ing the low
// byte of flags into each intermediate entry it creates or visits. It
// returns the final-level table and the index of the leaf entry within it.
func (m *Manager) walkCreate(pm *Pagemap, virt uintptr, flags PTE) (*[entriesPerTable]PTE, uintptr, *kernel.Error) {
	table := m.tableFn(pm.Top)

	for level := 0; level < pageLevels-1; level++ {
		idx := index(virt, shiftForLevel[level])
		entry := &table[idx]

		if !entry.Present() {
			frame, err := m.allocFrame()
			if err != nil {
				return nil, 0, err
			}
			next := m.tableFn(frame)
			zeroTable(next)
			entry.SetFrame(frame)
			entry.SetFlags(FlagPresent | FlagWrite | FlagUser)
		} else if entry.HasFlags(FlagHugePage) {
			return nil, 0, ErrHugePage
		}
		entry.SetFlags(flags & intermediateFlagMask)

		table = m.tableFn(entry.Frame())
	}

	return table, index(virt, shiftForLevel[pageLevels-1]), nil
}

// walk descends from the top-level table to the leaf level for virt without
// creating any missing table; ok is false if any level along the way is not
// present.
func (m *Manager) walk(pm *Pagemap, virt uintptr) (table *[entriesPerTable]PTE, leafIdx uintptr, ok bool) {
	table = m.tableFn(pm.Top)

	for level := 0; level < pageLevels-1; level++ {
		idx := index(virt, shiftForLevel[level])
		entry := table[idx]
		if !entry.Present() {
			return nil, 0, false
		}
		table = m.tableFn(entry.Frame())
	}

	return table, index(virt, shiftForLevel[pageLevels-1]), true
}

// Map installs virt -> phys with the given flags in pm, allocating any
// intermediate tables on demand. Overwrites any prior mapping at virt.
func (m *Manager) Map(pm *Pagemap, virt uintptr, phys uintptr, flags PTE) *kernel.Error {
	table, idx, err := m.walkCreate(pm, virt, flags)
	if err != nil {
		return err
	}

	entry := &table[idx]
	*entry = 0
	entry.SetFrame(pmm.Frame(phys >> mem.PageShift))
	entry.SetFlags(flags)
	return nil
}

// Unmap clears the leaf entry for virt and flushes its TLB entry. Unmapping
// an address with no mapping (or missing intermediate tables) is a no-op.
func (m *Manager) Unmap(pm *Pagemap, virt uintptr) *kernel.Error {
	table, idx, ok := m.walk(pm, virt)
	if !ok {
		return nil
	}

	if !table[idx].Present() {
		return nil
	}

	table[idx] = 0
	m.flushTLBEntryFn(virt)
	return nil
}

// Translate returns the physical address virt currently maps to.
func (m *Manager) Translate(pm *Pagemap, virt uintptr) (uintptr, bool) {
	table, idx, ok := m.walk(pm, virt)
	if !ok || !table[idx].Present() {
		return 0, false
	}
	return table[idx].Frame().Address() | (virt & uintptr(mem.PageSize-1)), true
}

// NewPagemap allocates a fresh top-level table. If a kernel pagemap has
// been installed via SetKernelPagemap, its upper half (entries 256-511,
// the shared kernel mappings) is copied into the new table; user entries
// (0-255) start zeroed.
func (m *Manager) NewPagemap() (*Pagemap, *kernel.Error) {
	frame, err := m.allocFrame()
	if err != nil {
		return nil, err
	}

	table := m.tableFn(frame)
	zeroTable(table)

	if m.kernelPagemap != nil {
		kernelTable := m.tableFn(m.kernelPagemap.Top)
		copy(table[256:], kernelTable[256:])
	} else if m.log != nil {
		m.log.Warnf("new pagemap created with no kernel pagemap installed; kernel space not inherited")
	}

	return &Pagemap{Top: frame}, nil
}

// DestroyPagemap releases only the top-level table back to the PMM. The
// caller is responsible for releasing any mapped frames and intermediate
// tables first (in practice, by destroying the owning VmaContext).
func (m *Manager) DestroyPagemap(pm *Pagemap) {
	if pm == nil {
		if m.log != nil {
			m.log.Warnf("tried to destroy a nil pagemap")
		}
		return
	}
	m.releaseFrame(pm.Top, 1)
}

// SwitchPagemap loads CR3 with pm's physical address.
func (m *Manager) SwitchPagemap(pm *Pagemap) {
	m.switchCR3Fn(pm.Top.Address())
}

// SetKernelPagemap installs pm as the pagemap every NewPagemap call
// inherits its upper half from.
func (m *Manager) SetKernelPagemap(pm *Pagemap) { m.kernelPagemap = pm }

// KernelPagemap returns the currently installed kernel pagemap, or nil.
func (m *Manager) KernelPagemap() *Pagemap { return m.kernelPagemap }

// KernelLayout describes the boundaries BuildInitialKernelPagemap needs in
// order to map the running kernel image into the pagemap it constructs.
// In the real kernel these addresses come from linker-provided symbols
// (__text_start, __text_end, ...) and the bootloader's kernel address
// response; they are modeled here as plain fields so the builder can be
// exercised without a linker.
type KernelLayout struct {
	StackTop           uintptr
	StackPages         uint64
	RequestsStart, RequestsEnd uintptr
	TextStart, TextEnd         uintptr
	RodataStart, RodataEnd     uintptr
	DataStart, DataEnd         uintptr
	KernelPhysBase, KernelVirtBase uintptr

	// IdentityMapBytes is how much of the bottom of physical memory to
	// cover with an HHDM identity mapping. Production callers pass 4 GiB
	// (see kernel.New); tests pass a much smaller value so the walk
	// doesn't need thousands of synthetic frames.
	IdentityMapBytes uint64
}

// identityDeltaFor translates a kernel virtual address in [KernelVirtBase,..)
// back to its physical counterpart.
func (l KernelLayout) identityDeltaFor(virt uintptr) uintptr {
	return virt - l.KernelVirtBase + l.KernelPhysBase
}

func (m *Manager) mapRange(pm *Pagemap, virtStart, physStart uintptr, pages uint64, flags PTE) *kernel.Error {
	for i := uint64(0); i < pages; i++ {
		off := uintptr(i) * uintptr(mem.PageSize)
		if err := m.Map(pm, virtStart+off, physStart+off, flags); err != nil {
			return err
		}
	}
	return nil
}

// BuildInitialKernelPagemap constructs the pagemap that will be active for
// every kernel thread: the boot-time kernel stack, the bootloader request
// region, .text/.rodata/.data, every entry in the memory map (mapped at its
// HHDM address) and an identity-style HHDM cover of the first 4 GiB of
// physical memory. It does not switch CR3; the caller does that once the
// pagemap is installed via SetKernelPagemap.
func (m *Manager) BuildInitialKernelPagemap(bi bootinfo.BootInfo, layout KernelLayout) (*Pagemap, *kernel.Error) {
	frame, err := m.allocFrame()
	if err != nil {
		return nil, err
	}
	zeroTable(m.tableFn(frame))
	pm := &Pagemap{Top: frame}

	stackBottom := mem.AlignUp(layout.StackTop) - uintptr(layout.StackPages)*uintptr(mem.PageSize)
	if err := m.mapRange(pm, stackBottom, stackBottom, layout.StackPages, FlagPresent|FlagWrite|FlagNoExecute); err != nil {
		return nil, err
	}

	if layout.RequestsEnd > layout.RequestsStart {
		start := mem.AlignDown(layout.RequestsStart)
		end := mem.AlignUp(layout.RequestsEnd)
		pages := uint64(end-start) / uint64(mem.PageSize)
		if err := m.mapRange(pm, start, layout.identityDeltaFor(start), pages, FlagPresent|FlagWrite); err != nil {
			return nil, err
		}
	}

	type section struct {
		start, end uintptr
		flags      PTE
	}
	for _, s := range []section{
		{layout.TextStart, layout.TextEnd, FlagPresent},
		{layout.RodataStart, layout.RodataEnd, FlagPresent | FlagNoExecute},
		{layout.DataStart, layout.DataEnd, FlagPresent | FlagWrite | FlagNoExecute},
	} {
		if s.end <= s.start {
			continue
		}
		start := mem.AlignDown(s.start)
		end := mem.AlignUp(s.end)
		pages := uint64(end-start) / uint64(mem.PageSize)
		if err := m.mapRange(pm, start, layout.identityDeltaFor(start), pages, s.flags); err != nil {
			return nil, err
		}
	}

	var mapErr *kernel.Error
	for _, e := range bi.MemoryMap {
		base := mem.AlignDown(uintptr(e.Base))
		end := mem.AlignUp(uintptr(e.End()))
		pages := uint64(end-base) / uint64(mem.PageSize)
		if mapErr = m.mapRange(pm, base+bi.HHDMOffset, base, pages, FlagPresent|FlagWrite|FlagNoExecute); mapErr != nil {
			return nil, mapErr
		}
	}

	identityBytes := layout.IdentityMapBytes
	if identityBytes == 0 {
		identityBytes = uint64(4) * uint64(mem.Gb)
	}
	pages := identityBytes / uint64(mem.PageSize)
	if err := m.mapRange(pm, bi.HHDMOffset, 0, pages, FlagPresent|FlagWrite); err != nil {
		return nil, err
	}

	if m.log != nil {
		m.log.Infof("initial kernel pagemap constructed")
	}

	return pm, nil
}
