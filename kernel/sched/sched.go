// Package sched implements the preemptive round-robin process scheduler:
// a fixed-capacity PCB table, process creation, the timer-tick preemption
// path, and process exit/reap. It is grounded on the original kernel's
// sys/sched.c, generalized from that C source's global procs array and
// spinlock into a struct the rest of this module constructs explicitly
// rather than reaching for package-level globals.
package sched

import (
	"unsafe"

	"github.com/KevinAlavik/genoa/kernel"
	"github.com/KevinAlavik/genoa/kernel/cpu"
	"github.com/KevinAlavik/genoa/kernel/heap"
	"github.com/KevinAlavik/genoa/kernel/irq"
	"github.com/KevinAlavik/genoa/kernel/klog"
	"github.com/KevinAlavik/genoa/kernel/mem"
	"github.com/KevinAlavik/genoa/kernel/mem/vma"
	"github.com/KevinAlavik/genoa/kernel/mem/vmm"
	"github.com/KevinAlavik/genoa/kernel/sync"
)

// MaxProcs bounds the process table, PROC_MAX_PROCS in the original kernel.
const MaxProcs = 2048

// DefaultTimeslice is the number of ticks a process runs before being
// preempted, PROC_DEFAULT_TIME in the original kernel (5ms at a 200Hz
// timer).
const DefaultTimeslice = uint64(1)

// Kernel segment selectors, matching the GDT this kernel installs.
const (
	kernelCodeSelector = uint64(0x08)
	kernelDataSelector = uint64(0x10)
	userCodeSelector   = uint64(0x1B)
	userDataSelector   = uint64(0x23)
)

// mirrorRangeBytes is the size of the low-memory window (above 0x1000)
// mirrored into every new process's pagemap alongside the PCB table, per
// the original scheduler_spawn's map_range_to_pagemap(..., 0x1000, 0x10000, ...).
const mirrorRangeBytes = uint64(0x10000)

// ProcessState is a process's scheduling state.
type ProcessState uint8

const (
	Ready ProcessState = iota
	Running
	Waiting
	Terminated
)

func (s ProcessState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Pcb is one process's control block. It is allocated out of the kernel
// heap rather than the Go runtime's allocator, because it must have a
// well-defined address the VMM can mirror-map into the owning process's
// own pagemap (see Spawn).
type Pcb struct {
	SavedRegisters irq.RegisterCtx
	Pid            uint64
	State          ProcessState
	Timeslice      uint64
	Pagemap        *vmm.Pagemap
	Vma            *vma.Context
	InSyscall      bool
}

var (
	// ErrTableFull is returned by Spawn once MaxProcs processes have ever
	// been assigned a pid.
	ErrTableFull = &kernel.Error{Module: "sched", Kind: kernel.KindTableCapacityExceeded, Message: "process table is full"}
	// ErrNotInitialized is returned by Spawn if called before Init. Tick
	// is a no-op and Current returns nil before Init.
	ErrNotInitialized = &kernel.Error{Module: "sched", Kind: kernel.KindInvalidArgument, Message: "scheduler not initialized"}
)

// Scheduler owns the process table and the single spinlock guarding it,
// the table's live count, the currently selected slot, and the optional
// final hook invoked when the last process exits.
type Scheduler struct {
	lock sync.Spinlock

	vmaMgr *vma.Manager
	vmmMgr *vmm.Manager
	heap   *heap.Heap
	log    *klog.Logger

	haltFn func()

	procs          []*Pcb
	procsTableAddr uintptr
	procsTableSize uint64

	nextPid    uint64
	count      uint64
	currentIdx uint64
	finalHook  func()
}

// New constructs a Scheduler. Call Init before Spawn/Tick/Exit.
func New(vmaMgr *vma.Manager, vmmMgr *vmm.Manager, h *heap.Heap, log *klog.Logger) *Scheduler {
	return &Scheduler{vmaMgr: vmaMgr, vmmMgr: vmmMgr, heap: h, log: log, haltFn: cpu.Halt}
}

// Init allocates the fixed-size process table from the kernel heap,
// mirroring scheduler_init's single kcalloc call.
func (s *Scheduler) Init() *kernel.Error {
	slotSize := unsafe.Sizeof((*Pcb)(nil))
	ptr, err := s.heap.Calloc(MaxProcs, slotSize)
	if err != nil {
		return err
	}

	s.procs = unsafe.Slice((**Pcb)(ptr), MaxProcs)
	s.procsTableAddr = uintptr(ptr)
	s.procsTableSize = uint64(MaxProcs) * uint64(slotSize)

	if s.log != nil {
		s.log.Infof("initialized scheduler process list, %d bytes (%d max processes)", s.procsTableSize, MaxProcs)
	}
	return nil
}

// SetFinalHook installs fn to be called when the last live process exits,
// just before the scheduler halts the CPU.
func (s *Scheduler) SetFinalHook(fn func()) {
	s.lock.Acquire()
	s.finalHook = fn
	s.lock.Release()
}

// Spawn creates a new process: a zeroed PCB, a pagemap (adopted from
// pagemap if non-nil, otherwise freshly created), a VMA context, and a
// kernel or user stack (4 or 8 pages). saved_registers is initialized so
// that iretq enters entry with that stack. The PCB, the process table,
// and the low 64 KiB above 0x1000 are then mirror-mapped from the kernel
// pagemap into the new one, matching the original scheduler_spawn.
func (s *Scheduler) Spawn(user bool, entry uintptr, pagemap *vmm.Pagemap) (uint64, *kernel.Error) {
	if s.procs == nil {
		return 0, ErrNotInitialized
	}

	s.lock.Acquire()
	defer s.lock.Release()

	if s.nextPid >= MaxProcs {
		return 0, ErrTableFull
	}

	pm := pagemap
	if pm == nil {
		var err *kernel.Error
		pm, err = s.vmmMgr.NewPagemap()
		if err != nil {
			return 0, err
		}
	}

	vmaCtx, err := s.vmaMgr.Create(pm)
	if err != nil {
		return 0, err
	}

	raw, aerr := s.heap.Alloc(unsafe.Sizeof(Pcb{}))
	if aerr != nil {
		s.vmaMgr.Destroy(vmaCtx)
		if pagemap == nil {
			s.vmmMgr.DestroyPagemap(pm)
		}
		return 0, aerr
	}
	proc := (*Pcb)(raw)
	*proc = Pcb{}

	pid := s.nextPid
	s.nextPid++

	proc.Pid = pid
	proc.State = Ready
	proc.Timeslice = DefaultTimeslice
	proc.Pagemap = pm
	proc.Vma = vmaCtx

	stackPages := uint64(4)
	mapFlags := vmm.FlagPresent | vmm.FlagWrite
	csSel, ssSel := kernelCodeSelector, kernelDataSelector
	if user {
		stackPages = 8
		mapFlags |= vmm.FlagUser
		csSel, ssSel = userCodeSelector, userDataSelector
	}

	stackStart, serr := s.vmaMgr.Alloc(vmaCtx, stackPages, mapFlags)
	if serr != nil {
		s.vmaMgr.Destroy(vmaCtx)
		if pagemap == nil {
			s.vmmMgr.DestroyPagemap(pm)
		}
		s.heap.Free(raw)
		s.nextPid--
		return 0, serr
	}

	proc.SavedRegisters.RIP = uint64(entry)
	proc.SavedRegisters.RSP = uint64(stackStart) + stackPages*uint64(mem.PageSize) - 8
	proc.SavedRegisters.RFlags = 0x202
	proc.SavedRegisters.CS = csSel
	proc.SavedRegisters.SS = ssSel

	// Mirror the PCB page, the process table, and the first 64 KiB above
	// 0x1000 so the process can address its own PCB and the scheduler's
	// bookkeeping. TODO: user processes should get this mapped read-only
	// (or not at all) instead of writable; left as-is per the known
	// security hole this carries forward from the original design.
	s.mirrorKernelRange(pm, uintptr(raw), uint64(unsafe.Sizeof(Pcb{})), mapFlags)
	s.mirrorKernelRange(pm, s.procsTableAddr, s.procsTableSize, mapFlags)
	s.mirrorKernelRange(pm, 0x1000, mirrorRangeBytes, mapFlags)

	s.procs[pid] = proc
	s.count++

	if s.log != nil {
		s.log.Infof("spawned process %d entry=%x user=%t", pid, uint64(entry), user)
	}
	return pid, nil
}

// mirrorKernelRange copies every present mapping in [start, start+size) of
// the installed kernel pagemap into dest, at the same virtual address,
// with flags. Unmapped pages in the range are silently skipped.
func (s *Scheduler) mirrorKernelRange(dest *vmm.Pagemap, start uintptr, size uint64, flags vmm.PTE) {
	kpm := s.vmmMgr.KernelPagemap()
	if kpm == nil {
		return
	}
	for off := uint64(0); off < size; off += uint64(mem.PageSize) {
		virt := start + uintptr(off)
		if phys, ok := s.vmmMgr.Translate(kpm, virt); ok {
			s.vmmMgr.Map(dest, virt, phys, flags)
		}
	}
}

// Tick is invoked from the timer IRQ with a pointer to the saved register
// frame on the interrupt stack. It preempts the current process on
// timeslice exhaustion, reaps a terminated process if one is now current,
// and switches into whichever process is current when it returns.
func (s *Scheduler) Tick(ctx *irq.RegisterCtx) {
	s.lock.Acquire()
	defer s.lock.Release()

	if s.count == 0 {
		return
	}

	if cur := s.procs[s.currentIdx]; cur != nil && cur.State == Running && !cur.InSyscall {
		cur.SavedRegisters = *ctx
		cur.Timeslice--
		if cur.Timeslice == 0 {
			cur.State = Ready
			cur.Timeslice = DefaultTimeslice
			s.advance()
		}
	}

	if next := s.procs[s.currentIdx]; next != nil && next.State == Terminated {
		s.reap(s.currentIdx)
		if s.count == 0 {
			return
		}
		s.advance()
	}

	if next := s.procs[s.currentIdx]; next != nil && next.State == Ready {
		next.State = Running
		*ctx = next.SavedRegisters
		s.vmmMgr.SwitchPagemap(next.Pagemap)
	}
}

// advance moves currentIdx to the next Ready slot, scanning forward
// through the table and wrapping at MaxProcs. If no Ready slot is found
// within one full pass, currentIdx is left unchanged.
func (s *Scheduler) advance() {
	idx := s.currentIdx
	for i := 0; i < len(s.procs); i++ {
		idx = (idx + 1) % uint64(len(s.procs))
		if p := s.procs[idx]; p != nil && p.State == Ready {
			s.currentIdx = idx
			return
		}
	}
}

// reap destroys idx's VMA context and pagemap, frees its PCB, nulls the
// slot, and decrements the live count.
func (s *Scheduler) reap(idx uint64) {
	proc := s.procs[idx]
	if proc == nil {
		return
	}

	s.vmaMgr.Destroy(proc.Vma)
	s.vmmMgr.DestroyPagemap(proc.Pagemap)
	s.heap.Free(unsafe.Pointer(proc))

	s.procs[idx] = nil
	s.count--

	if s.log != nil {
		s.log.Infof("reaped process %d", proc.Pid)
	}
}

// Exit marks the currently selected process Terminated; the next Tick
// reaps it. If it is the last live process, the final hook (if any) runs
// and the CPU halts -- Exit never returns in that case.
func (s *Scheduler) Exit(code int) {
	s.lock.Acquire()

	proc := s.procs[s.currentIdx]
	if proc == nil {
		s.lock.Release()
		if s.log != nil {
			s.log.Errorf("no process to exit (current index: %d)", s.currentIdx)
		}
		return
	}

	proc.State = Terminated
	if s.log != nil {
		s.log.Infof("process %d exited with return code %d", proc.Pid, code)
	}

	if s.count == 1 {
		if s.log != nil {
			s.log.Infof("no more processes available, freezing scheduler")
		}
		hook := s.finalHook
		s.lock.Release()
		if hook != nil {
			hook()
		}
		s.haltFn()
		return
	}

	s.lock.Release()
}

// Current returns the currently selected PCB, or nil if the table is
// empty or uninitialized.
func (s *Scheduler) Current() *Pcb {
	if s.procs == nil {
		return nil
	}
	s.lock.Acquire()
	defer s.lock.Release()
	return s.procs[s.currentIdx]
}

// Count returns the number of live processes.
func (s *Scheduler) Count() uint64 {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.count
}
