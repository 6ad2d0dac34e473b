package irq

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
)

// TestRegisterCtxFieldOrder pins RegisterCtx's field layout: any
// reordering here silently breaks the (external) assembly stub's
// expectations about where each value lands, so this test exists purely
// to catch that class of change even though the stub itself cannot be
// exercised from Go.
func TestRegisterCtxFieldOrder(t *testing.T) {
	var ctx RegisterCtx
	base := uintptr(unsafe.Pointer(&ctx))

	offsets := []struct {
		name string
		off  uintptr
	}{
		{"SS", unsafe.Offsetof(ctx.SS)},
		{"RSP", unsafe.Offsetof(ctx.RSP)},
		{"RFlags", unsafe.Offsetof(ctx.RFlags)},
		{"CS", unsafe.Offsetof(ctx.CS)},
		{"RIP", unsafe.Offsetof(ctx.RIP)},
		{"Err", unsafe.Offsetof(ctx.Err)},
		{"Vector", unsafe.Offsetof(ctx.Vector)},
		{"RAX", unsafe.Offsetof(ctx.RAX)},
		{"R15", unsafe.Offsetof(ctx.R15)},
		{"CR0", unsafe.Offsetof(ctx.CR0)},
		{"ES", unsafe.Offsetof(ctx.ES)},
	}
	for i := 1; i < len(offsets); i++ {
		assert.Less(t, offsets[i-1].off, offsets[i].off,
			"%s must come before %s in RegisterCtx", offsets[i-1].name, offsets[i].name)
	}
	_ = base
}

func TestDispatchCallsRegisteredHandler(t *testing.T) {
	var called uint64
	table := NewVectorTable(nil)
	table.HandleVector(3, func(ctx *RegisterCtx) { called = ctx.Vector })

	table.Dispatch(&RegisterCtx{Vector: 3})
	assert.Equal(t, uint64(3), called)
}

func TestDispatchFallsBackWhenUnregistered(t *testing.T) {
	var fellBack bool
	table := NewVectorTable(func(ctx *RegisterCtx) { fellBack = true })

	table.Dispatch(&RegisterCtx{Vector: 200})
	assert.True(t, fellBack)
}

func TestSetTickHookRoutesTimerVector(t *testing.T) {
	var ticked bool
	table := NewVectorTable(nil)
	table.SetTickHook(func(ctx *RegisterCtx) { ticked = true })

	table.Dispatch(&RegisterCtx{Vector: uint64(TimerVector)})
	assert.True(t, ticked)
}

type bufSink struct{ buf []byte }

func (s *bufSink) WriteByte(b byte) { s.buf = append(s.buf, b) }
func (s *bufSink) Write(p []byte)   { s.buf = append(s.buf, p...) }

func TestRegisterCtxPrintIncludesVectorAndRegisters(t *testing.T) {
	ctx := &RegisterCtx{Vector: 14, Err: 0x4, RAX: 0xdead, RIP: 0xbeef}
	sink := &bufSink{}
	ctx.Print(sink)

	out := string(sink.buf)
	assert.Contains(t, out, "vector=14")
	assert.Contains(t, out, "rax=0xdead")
	assert.Contains(t, out, "rip=0xbeef")
}
