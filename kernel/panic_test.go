package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type testSink struct {
	buf []byte
}

func (s *testSink) WriteByte(b byte) { s.buf = append(s.buf, b) }
func (s *testSink) Write(p []byte)   { s.buf = append(s.buf, p...) }

func TestPanic(t *testing.T) {
	defer func() { cpuHaltFn = func() {} }()

	var haltCalled bool
	cpuHaltFn = func() { haltCalled = true }

	t.Run("with error", func(t *testing.T) {
		haltCalled = false
		sink := &testSink{}
		err := &Error{Module: "test", Message: "panic test"}

		Panic(sink, err)

		exp := "\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n"
		assert.Equal(t, exp, string(sink.buf))
		assert.True(t, haltCalled)
	})

	t.Run("without error", func(t *testing.T) {
		haltCalled = false
		sink := &testSink{}

		Panic(sink, nil)

		exp := "\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n"
		assert.Equal(t, exp, string(sink.buf))
		assert.True(t, haltCalled)
	})
}
