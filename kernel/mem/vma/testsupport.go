package vma

import (
	"github.com/KevinAlavik/genoa/kernel"
	"github.com/KevinAlavik/genoa/kernel/mem/pmm"
	"github.com/KevinAlavik/genoa/kernel/mem/vmm"
)

var errTestPoolExhausted = &kernel.Error{Module: "vma", Message: "test frame pool exhausted"}

// NewForTest builds a Manager (and the vmm.Manager it drives) entirely
// over host-heap-backed pools: region headers and page-table frames both
// come from plain Go slices instead of physical memory, following the same
// mockable-seam technique vmm's own tests use. framePool bounds how
// many single-page frames the harness can hand out across both managers
// before failing with an out-of-memory error, mirroring a real PMM running
// out of frames.
func NewForTest(framePool int) (*vmm.Manager, *Manager) {
	headers := make([]region, framePool)
	freeList := make([]pmm.Frame, 0, framePool)
	next := uint64(0)

	alloc := func(pages uint64) (pmm.Frame, *kernel.Error) {
		if pages != 1 {
			return pmm.InvalidFrame, errTestPoolExhausted
		}
		if n := len(freeList); n > 0 {
			f := freeList[n-1]
			freeList = freeList[:n-1]
			return f, nil
		}
		if next >= uint64(framePool) {
			return pmm.InvalidFrame, errTestPoolExhausted
		}
		f := pmm.Frame(next)
		next++
		return f, nil
	}
	release := func(f pmm.Frame, pages uint64) {
		for i := uint64(0); i < pages; i++ {
			freeList = append(freeList, f+pmm.Frame(i))
		}
	}

	vmmMgr := vmm.NewForTest(framePool)
	vmaMgr := New(alloc, release, vmmMgr, 0, nil)
	vmaMgr.headerAtFn = func(f pmm.Frame) *region { return &headers[int(f)] }

	return vmmMgr, vmaMgr
}
