package kernel

import (
	"github.com/KevinAlavik/genoa/kernel/cpu"
	"github.com/KevinAlavik/genoa/kernel/klog"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// Panic writes the supplied error (if any) to sink and halts the CPU. Calls
// to Panic never return. It also works as a redirection target for calls to
// panic() resolved via runtime.gopanic, so it accepts the same set of
// dynamic types the builtin does.
//
//go:redirect-from runtime.gopanic
func Panic(sink klog.Sink, e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	klog.Fprintf(sink, "\n-----------------------------------\n")
	if err != nil {
		klog.Fprintf(sink, "[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	klog.Fprintf(sink, "*** kernel panic: system halted ***")
	klog.Fprintf(sink, "\n-----------------------------------\n")

	cpuHaltFn()
}

// FormatPanic writes a cause message (if any) and the register dump produced
// by regs.Print to sink, then halts the CPU. It is the panic path used by
// the irq package's unhandled-vector fallback. It returns nothing; callers
// that need the text capture it through sink.
func FormatPanic(sink klog.Sink, moduleErr *Error, regs interface{ Print(klog.Sink) }) {
	klog.Fprintf(sink, "\n-----------------------------------\n")
	if moduleErr != nil {
		klog.Fprintf(sink, "[%s] unrecoverable error: %s\n", moduleErr.Module, moduleErr.Message)
	}
	if regs != nil {
		regs.Print(sink)
	}
	klog.Fprintf(sink, "*** kernel panic: system halted ***")
	klog.Fprintf(sink, "\n-----------------------------------\n")
	cpuHaltFn()
}
