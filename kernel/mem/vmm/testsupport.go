package vmm

import (
	"github.com/KevinAlavik/genoa/kernel"
	"github.com/KevinAlavik/genoa/kernel/mem/pmm"
)

var errTestPoolExhausted = &kernel.Error{Module: "vmm", Message: "test frame pool exhausted"}

// NewForTest builds a Manager whose table frames are drawn from a
// host-heap-backed pool of framePool tables instead of real physical
// memory, through the tableFn/flushTLBEntryFn/switchCR3Fn seams Manager
// exposes for that purpose. It is exported (rather
// than living in a _test.go file) so that other packages' host-simulated
// test harnesses -- the vma package's, in particular -- can build a real
// vmm.Manager without reimplementing this plumbing.
func NewForTest(framePool int) *Manager {
	pool := make([][entriesPerTable]PTE, framePool)
	next := 0

	m := &Manager{
		allocFrame: func() (pmm.Frame, *kernel.Error) {
			if next >= len(pool) {
				return pmm.InvalidFrame, errTestPoolExhausted
			}
			f := pmm.Frame(next)
			next++
			return f, nil
		},
		releaseFrame: func(pmm.Frame, uint64) {},
	}
	m.tableFn = func(f pmm.Frame) *[entriesPerTable]PTE { return &pool[int(f)] }
	m.flushTLBEntryFn = func(uintptr) {}
	m.switchCR3Fn = func(uintptr) {}
	return m
}
