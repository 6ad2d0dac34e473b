// Package heap implements the kernel's general-purpose allocator:
// kmalloc/kcalloc/kfree layered directly on a kernel VmaContext. Requests
// are satisfied by first-fit over a singly linked free list threaded
// through the header of each span; when nothing on the list fits, a new
// span of whole pages is carved from the VMA and any large enough
// remainder is split off onto the free list. Freed spans are neither
// merged nor returned to the VMA. This is in
// the style of a page-reservation helper layered over a real carving
// allocator, since this heap exists to back the scheduler's PCB table
// and the VMA's own region headers, which must work before (and without
// depending on) a fully bootstrapped Go runtime allocator.
package heap

import (
	"unsafe"

	"github.com/KevinAlavik/genoa/kernel"
	"github.com/KevinAlavik/genoa/kernel/mem"
	"github.com/KevinAlavik/genoa/kernel/mem/vma"
	"github.com/KevinAlavik/genoa/kernel/mem/vmm"
	"github.com/KevinAlavik/genoa/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when the underlying VMA cannot satisfy a
	// new span request.
	ErrOutOfMemory = &kernel.Error{Module: "heap", Kind: kernel.KindOutOfPhysicalMemory, Message: "out of memory"}
	// ErrInvalidArgument is returned for a zero-size request.
	ErrInvalidArgument = &kernel.Error{Module: "heap", Kind: kernel.KindInvalidArgument, Message: "invalid argument"}
)

// spanHeader prefixes every span (one or more contiguous pages) carved out
// of the kernel VMA. free spans are threaded into a singly linked list;
// allocated spans keep size so that, once freed, they can be matched
// against later requests.
type spanHeader struct {
	size uintptr // total span size in bytes, including this header
	next *spanHeader
}

const headerSize = unsafe.Sizeof(spanHeader{})

// Heap is a page-granular first-fit allocator over a kernel VmaContext.
type Heap struct {
	lock     sync.Spinlock
	vmaMgr   *vma.Manager
	ctx      *vma.Context
	flags    vmm.PTE
	freeList *spanHeader
}

// New constructs a Heap that carves its spans from ctx via vmaMgr, mapping
// every new span present|write|no-execute.
func New(vmaMgr *vma.Manager, ctx *vma.Context) *Heap {
	return &Heap{vmaMgr: vmaMgr, ctx: ctx, flags: vmm.FlagPresent | vmm.FlagWrite | vmm.FlagNoExecute}
}

// Alloc returns a pointer to a block of at least size bytes, or
// ErrOutOfMemory/ErrInvalidArgument on failure.
func (h *Heap) Alloc(size uintptr) (unsafe.Pointer, *kernel.Error) {
	if size == 0 {
		return nil, ErrInvalidArgument
	}

	need := size + headerSize

	h.lock.Acquire()
	defer h.lock.Release()

	if span := h.takeFromFreeList(need); span != nil {
		return unsafe.Pointer(uintptr(unsafe.Pointer(span)) + headerSize), nil
	}

	pages := mem.Size(need).Pages()
	start, err := h.vmaMgr.Alloc(h.ctx, pages, h.flags)
	if err != nil {
		return nil, ErrOutOfMemory
	}

	span := (*spanHeader)(unsafe.Pointer(start))
	span.size = uintptr(pages) * uintptr(mem.PageSize)
	span.next = nil

	if remainder := span.size - need; remainder > headerSize {
		h.pushFree(splitSpan(span, need))
	}

	return unsafe.Pointer(start + headerSize), nil
}

// Calloc allocates n*size bytes and zeroes them before returning.
func (h *Heap) Calloc(n, size uintptr) (unsafe.Pointer, *kernel.Error) {
	total := n * size
	if total == 0 {
		return nil, ErrInvalidArgument
	}
	ptr, err := h.Alloc(total)
	if err != nil {
		return nil, err
	}
	mem.Memset(uintptr(ptr), 0, mem.Size(total))
	return ptr, nil
}

// Free returns the block at ptr (as previously returned by Alloc/Calloc) to
// the free list.
func (h *Heap) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	h.lock.Acquire()
	defer h.lock.Release()

	span := (*spanHeader)(unsafe.Pointer(uintptr(ptr) - headerSize))
	h.pushFree(span)
}

func (h *Heap) pushFree(span *spanHeader) {
	span.next = h.freeList
	h.freeList = span
}

// takeFromFreeList removes and returns the first free span of at least
// need bytes, unlinking it from the list. Returns nil if none fits.
func (h *Heap) takeFromFreeList(need uintptr) *spanHeader {
	var prev *spanHeader
	for span := h.freeList; span != nil; span = span.next {
		if span.size >= need {
			if prev == nil {
				h.freeList = span.next
			} else {
				prev.next = span.next
			}
			span.next = nil
			return span
		}
		prev = span
	}
	return nil
}

// splitSpan carves a used-sized front portion off span and returns a new
// free span header describing the remainder.
func splitSpan(span *spanHeader, usedSize uintptr) *spanHeader {
	remainderAddr := uintptr(unsafe.Pointer(span)) + usedSize
	remainder := (*spanHeader)(unsafe.Pointer(remainderAddr))
	remainder.size = span.size - usedSize
	remainder.next = nil
	span.size = usedSize
	return remainder
}
