// Package vma implements the per-address-space virtual memory arena: a
// sorted, disjoint list of [start, size, flags) regions layered on top of
// the vmm page table walker and the pmm frame allocator. Region headers
// themselves are heap-free -- each one occupies its own PMM page, reached
// through the HHDM, matching the deliberately simple one-header-per-page
// design this package implements.
//
// The original C kernel this module is modeled on left vma_alloc/vma_free
// as unimplemented stubs (`kpanic(..., "is unimplemented")`); this package
// is a full implementation of that contract, built from the data-model
// description rather than adapted from working reference code.
package vma

import (
	"unsafe"

	"github.com/KevinAlavik/genoa/kernel"
	"github.com/KevinAlavik/genoa/kernel/klog"
	"github.com/KevinAlavik/genoa/kernel/mem"
	"github.com/KevinAlavik/genoa/kernel/mem/pmm"
	"github.com/KevinAlavik/genoa/kernel/mem/vmm"
)

// MinAddress is the lowest virtual address any region may begin at.
const MinAddress = uintptr(0x100000)

var (
	// ErrInvalidArgument is returned for a zero-page request or a nil
	// context/pagemap.
	ErrInvalidArgument = &kernel.Error{Module: "vma", Kind: kernel.KindInvalidArgument, Message: "invalid argument"}
	// ErrRegionNotFound is returned by Free when ptr does not match the
	// start of any region in the context.
	ErrRegionNotFound = &kernel.Error{Module: "vma", Kind: kernel.KindRegionNotFound, Message: "region not found"}
	// ErrOutOfMemory is returned when no gap is large enough, or PMM runs
	// out of frames mid-allocation.
	ErrOutOfMemory = &kernel.Error{Module: "vma", Kind: kernel.KindOutOfPhysicalMemory, Message: "out of memory"}
)

// region is the in-memory shape of a VmaRegion header. Exactly one region
// lives per PMM page; headerFrame records that page so Free/Destroy can
// return it.
type region struct {
	start uintptr
	size  uint64 // bytes, always a multiple of mem.PageSize
	flags vmm.PTE

	headerFrame pmm.Frame
	prev, next  *region
}

// Context is one address space's region arena.
type Context struct {
	pagemap *vmm.Pagemap
	root    *region
}

// Manager wires the arena to the frame allocator and page table walker it
// drives. One Manager is shared by every Context in the system.
type Manager struct {
	pmmAlloc   func(pages uint64) (pmm.Frame, *kernel.Error)
	pmmRelease func(f pmm.Frame, pages uint64)
	vmmMgr     *vmm.Manager
	hhdmOffset uintptr
	log        *klog.Logger

	// headerAtFn resolves a region header's backing frame to a pointer.
	// Production code overlays the HHDM address; tests substitute a
	// function indexing into a host-heap-backed pool, the same
	// mockable-seam technique vmm's tests use for page tables.
	headerAtFn func(pmm.Frame) *region
}

// New constructs a Manager.
func New(pmmAlloc func(uint64) (pmm.Frame, *kernel.Error), pmmRelease func(pmm.Frame, uint64), vmmMgr *vmm.Manager, hhdmOffset uintptr, log *klog.Logger) *Manager {
	m := &Manager{pmmAlloc: pmmAlloc, pmmRelease: pmmRelease, vmmMgr: vmmMgr, hhdmOffset: hhdmOffset, log: log}
	m.headerAtFn = m.defaultHeaderAt
	return m
}

func (m *Manager) defaultHeaderAt(f pmm.Frame) *region {
	return (*region)(unsafe.Pointer(f.Address() + m.hhdmOffset))
}

func (m *Manager) headerAt(f pmm.Frame) *region {
	return m.headerAtFn(f)
}

// Create allocates a fresh, empty Context over pm.
func (m *Manager) Create(pm *vmm.Pagemap) (*Context, *kernel.Error) {
	if pm == nil {
		return nil, ErrInvalidArgument
	}
	return &Context{pagemap: pm}, nil
}

// Destroy frees every region in ctx (and the frames they own) and returns
// ctx to an empty state. It does not destroy the pagemap itself.
func (m *Manager) Destroy(ctx *Context) {
	if ctx == nil {
		return
	}
	for r := ctx.root; r != nil; {
		next := r.next
		m.releaseRegion(ctx, r)
		r = next
	}
	ctx.root = nil
}

// Pagemap returns the pagemap ctx was created over.
func (ctx *Context) Pagemap() *vmm.Pagemap { return ctx.pagemap }

// Alloc finds the lowest gap of at least pages*PageSize bytes at or after
// MinAddress, backs every page in it with a freshly allocated physical
// frame mapped with flags, and returns the region's start address. On any
// failure partway through, every mapping and frame installed so far for
// this call is unwound before returning the error.
func (m *Manager) Alloc(ctx *Context, pages uint64, flags vmm.PTE) (uintptr, *kernel.Error) {
	if ctx == nil || ctx.pagemap == nil || pages == 0 {
		return 0, ErrInvalidArgument
	}

	size := pages * uint64(mem.PageSize)
	start := m.findGap(ctx, size)

	headerFrame, err := m.pmmAlloc(1)
	if err != nil {
		return 0, ErrOutOfMemory
	}

	r := m.headerAt(headerFrame)
	*r = region{start: start, size: size, flags: flags, headerFrame: headerFrame}

	mapped := uint64(0)
	for i := uint64(0); i < pages; i++ {
		frame, ferr := m.pmmAlloc(1)
		if ferr != nil {
			m.unwind(ctx, r, mapped)
			m.pmmRelease(headerFrame, 1)
			return 0, ErrOutOfMemory
		}

		virt := start + uintptr(i)*uintptr(mem.PageSize)
		if merr := m.vmmMgr.Map(ctx.pagemap, virt, frame.Address(), flags); merr != nil {
			m.pmmRelease(frame, 1)
			m.unwind(ctx, r, mapped)
			m.pmmRelease(headerFrame, 1)
			return 0, merr
		}
		mapped++
	}

	m.insert(ctx, r)
	if m.log != nil {
		m.log.Debugf("vma alloc: [%x,%x) flags=%x", start, start+uintptr(size), uint64(flags))
	}
	return start, nil
}

// unwind undoes the first mappedPages mappings/frames installed by a
// partially failed Alloc call for region r.
func (m *Manager) unwind(ctx *Context, r *region, mappedPages uint64) {
	for i := uint64(0); i < mappedPages; i++ {
		virt := r.start + uintptr(i)*uintptr(mem.PageSize)
		if phys, ok := m.vmmMgr.Translate(ctx.pagemap, virt); ok {
			m.vmmMgr.Unmap(ctx.pagemap, virt)
			m.pmmRelease(pmm.Frame(uint64(phys)>>mem.PageShift), 1)
		}
	}
}

// Free releases the region starting exactly at ptr: every page is unmapped
// and its frame returned to the PMM, then the region header's own page is
// released. Freeing an address that is not a region's exact start is a
// logged no-op.
func (m *Manager) Free(ctx *Context, ptr uintptr) *kernel.Error {
	if ctx == nil {
		return ErrInvalidArgument
	}

	r := ctx.root
	for r != nil && r.start != ptr {
		r = r.next
	}
	if r == nil {
		if m.log != nil {
			m.log.Errorf("vma free: no region at %x", ptr)
		}
		return ErrRegionNotFound
	}

	m.unlink(ctx, r)
	m.releaseRegion(ctx, r)
	return nil
}

func (m *Manager) releaseRegion(ctx *Context, r *region) {
	pages := r.size / uint64(mem.PageSize)
	for i := uint64(0); i < pages; i++ {
		virt := r.start + uintptr(i)*uintptr(mem.PageSize)
		if phys, ok := m.vmmMgr.Translate(ctx.pagemap, virt); ok {
			m.vmmMgr.Unmap(ctx.pagemap, virt)
			m.pmmRelease(pmm.Frame(uint64(phys)>>mem.PageShift), 1)
		}
	}
	m.pmmRelease(r.headerFrame, 1)
}

// findGap scans the sorted region list starting at MinAddress for the
// first gap at least size bytes wide.
func (m *Manager) findGap(ctx *Context, size uint64) uintptr {
	gapStart := MinAddress

	for r := ctx.root; r != nil; r = r.next {
		if uint64(r.start-gapStart) >= size {
			return gapStart
		}
		gapStart = r.start + uintptr(r.size)
	}

	return gapStart
}

// insert places r into ctx's sorted, disjoint region list.
func (m *Manager) insert(ctx *Context, r *region) {
	if ctx.root == nil || r.start < ctx.root.start {
		r.next = ctx.root
		if ctx.root != nil {
			ctx.root.prev = r
		}
		ctx.root = r
		return
	}

	cur := ctx.root
	for cur.next != nil && cur.next.start < r.start {
		cur = cur.next
	}
	r.next = cur.next
	r.prev = cur
	if cur.next != nil {
		cur.next.prev = r
	}
	cur.next = r
}

func (m *Manager) unlink(ctx *Context, r *region) {
	if r.prev != nil {
		r.prev.next = r.next
	} else {
		ctx.root = r.next
	}
	if r.next != nil {
		r.next.prev = r.prev
	}
	r.prev, r.next = nil, nil
}

// Regions returns the [start, size) of every region in ctx, in ascending
// order, for introspection and tests.
func (ctx *Context) Regions() []struct {
	Start uintptr
	Size  uint64
} {
	var out []struct {
		Start uintptr
		Size  uint64
	}
	for r := ctx.root; r != nil; r = r.next {
		out = append(out, struct {
			Start uintptr
			Size  uint64
		}{r.start, r.size})
	}
	return out
}
