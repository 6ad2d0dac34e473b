// Package irq is the Go-side half of interrupt dispatch: the register
// context ABI the stub pushes, a vector table, and a register dump
// usable by the panic path for unhandled vectors. The assembly stub that
// actually pushes a RegisterCtx and calls Dispatch is an external
// collaborator outside this module's scope, the same boundary the
// teacher draws around its own handler_amd64.go/interrupt_amd64.go pair
// (bodyless Go declarations backed by hand-written assembly this corpus
// does not carry).
package irq

import "github.com/KevinAlavik/genoa/kernel/klog"

const vectorCount = 256

// TimerVector is the PIT tick's interrupt vector, IDT_IRQ_BASE (0x20).
const TimerVector uint8 = 0x20

// RegisterCtx is the exact snapshot of CPU state the interrupt stub
// pushes before calling the registered handler and restores via iretq
// afterwards. Field order is part of the ABI: it must track the stub's
// push order bit-for-bit, so it is never reordered for readability.
type RegisterCtx struct {
	SS     uint64
	RSP    uint64
	RFlags uint64
	CS     uint64
	RIP    uint64
	Err    uint64
	Vector uint64

	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	CR0, CR2, CR3, CR4 uint64
	DS, ES             uint64
}

// Print dumps every register in ctx to sink, in the style of the
// teacher's Regs.Print/Frame.Print. It satisfies the interface
// kernel.FormatPanic expects for its regs argument, so an unhandled
// vector can feed straight into the shared panic formatter.
func (ctx *RegisterCtx) Print(sink klog.Sink) {
	klog.Fprintf(sink, "vector=%d err=%x\n", ctx.Vector, ctx.Err)
	klog.Fprintf(sink, "rip=%x cs=%x rflags=%x rsp=%x ss=%x\n", ctx.RIP, ctx.CS, ctx.RFlags, ctx.RSP, ctx.SS)
	klog.Fprintf(sink, "rax=%x rbx=%x rcx=%x rdx=%x\n", ctx.RAX, ctx.RBX, ctx.RCX, ctx.RDX)
	klog.Fprintf(sink, "rsi=%x rdi=%x rbp=%x\n", ctx.RSI, ctx.RDI, ctx.RBP)
	klog.Fprintf(sink, "r8=%x r9=%x r10=%x r11=%x\n", ctx.R8, ctx.R9, ctx.R10, ctx.R11)
	klog.Fprintf(sink, "r12=%x r13=%x r14=%x r15=%x\n", ctx.R12, ctx.R13, ctx.R14, ctx.R15)
	klog.Fprintf(sink, "cr0=%x cr2=%x cr3=%x cr4=%x ds=%x es=%x\n", ctx.CR0, ctx.CR2, ctx.CR3, ctx.CR4, ctx.DS, ctx.ES)
}

// Handler processes an interrupt given the full saved register frame. A
// timer-tick handler mutates ctx in place to switch what iretq resumes
// into; most handlers only read it.
type Handler func(ctx *RegisterCtx)

// VectorTable maps interrupt vectors to their registered Handler.
type VectorTable struct {
	handlers [vectorCount]Handler
	fallback Handler
}

// NewVectorTable returns an empty table. fallback is invoked for any
// vector with no registered handler; production code wires this to a
// closure over kernel.FormatPanic, tests wire it to a closure recording
// the call.
func NewVectorTable(fallback Handler) *VectorTable {
	return &VectorTable{fallback: fallback}
}

// HandleVector installs fn as the handler for vector. Registering a
// second handler for the same vector replaces the first.
func (t *VectorTable) HandleVector(vector uint8, fn Handler) {
	t.handlers[vector] = fn
}

// SetTickHook installs fn as the handler for TimerVector. This is the
// registration contract a PIT driver would call into at ~200 Hz; the
// scheduler installs itself here at Init so Dispatch routes ticks
// straight into Tick without either package depending on a real timer.
func (t *VectorTable) SetTickHook(fn Handler) {
	t.HandleVector(TimerVector, fn)
}

// Dispatch looks up the handler for ctx.Vector and invokes it, falling
// back to the table's fallback if none is registered. This is the
// function the assembly stub calls with a pointer to the frame it just
// pushed.
func (t *VectorTable) Dispatch(ctx *RegisterCtx) {
	if h := t.handlers[uint8(ctx.Vector)]; h != nil {
		h(ctx)
		return
	}
	if t.fallback != nil {
		t.fallback(ctx)
	}
}
