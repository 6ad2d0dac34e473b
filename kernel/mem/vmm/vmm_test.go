package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinAlavik/genoa/kernel/bootinfo"
	"github.com/KevinAlavik/genoa/kernel/mem"
)

// newTestManager wires a Manager to a fixed pool of host-heap-backed tables,
// the same technique used throughout this package to drive a page
// table walker without real hardware: frame allocation and table lookups
// are redirected into a plain Go array instead of physical RAM.
func newTestManager(t *testing.T, poolSize int) (*Manager, *[]([entriesPerTable]PTE)) {
	t.Helper()
	return NewForTest(poolSize), nil
}

func TestMapTranslateRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, 16)

	pm, err := m.NewPagemap()
	require.Nil(t, err)

	const virt = uintptr(0xffff_ffff_8000_0000)
	const phys = uintptr(0x1000)

	require.Nil(t, m.Map(pm, virt, phys, FlagPresent|FlagWrite))

	got, ok := m.Translate(pm, virt)
	require.True(t, ok)
	assert.Equal(t, phys, got)

	require.Nil(t, m.Unmap(pm, virt))
	_, ok = m.Translate(pm, virt)
	assert.False(t, ok)
}

func TestTranslateUnmappedAddress(t *testing.T) {
	m, _ := newTestManager(t, 16)
	pm, err := m.NewPagemap()
	require.Nil(t, err)

	_, ok := m.Translate(pm, 0x1234000)
	assert.False(t, ok)
}

func TestUnmapMissingIntermediateIsNoop(t *testing.T) {
	m, _ := newTestManager(t, 16)
	pm, err := m.NewPagemap()
	require.Nil(t, err)

	assert.Nil(t, m.Unmap(pm, 0x1234000))
}

func TestNewPagemapInheritsKernelUpperHalf(t *testing.T) {
	m, _ := newTestManager(t, 16)

	kernelPM, err := m.NewPagemap()
	require.Nil(t, err)
	m.SetKernelPagemap(kernelPM)

	require.Nil(t, m.Map(kernelPM, 0xffff_8000_0000_0000, 0x2000, FlagPresent|FlagWrite))

	userPM, err := m.NewPagemap()
	require.Nil(t, err)

	got, ok := m.Translate(userPM, 0xffff_8000_0000_0000)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x2000), got)

	// Lower half must start out unmapped.
	_, ok = m.Translate(userPM, 0x1000)
	assert.False(t, ok)
}

func TestMapOverwritesPriorFlags(t *testing.T) {
	m, _ := newTestManager(t, 16)
	pm, err := m.NewPagemap()
	require.Nil(t, err)

	const virt = uintptr(0x400000)
	require.Nil(t, m.Map(pm, virt, 0x5000, FlagPresent|FlagWrite))
	require.Nil(t, m.Map(pm, virt, 0x6000, FlagPresent))

	got, ok := m.Translate(pm, virt)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x6000), got)
}

func TestBuildInitialKernelPagemap(t *testing.T) {
	m, _ := newTestManager(t, 2048)

	const hhdm = uintptr(0xffff_8000_0000_0000)
	bi := bootinfo.BootInfo{
		HHDMOffset: hhdm,
		MemoryMap: []bootinfo.MemoryMapEntry{
			{Base: 0x100000, Length: uint64(mem.PageSize) * 4, Type: bootinfo.MemoryUsable},
		},
	}
	layout := KernelLayout{
		StackTop:       0xffffffff80100000,
		StackPages:     4,
		TextStart:      0xffffffff80000000,
		TextEnd:        0xffffffff80001000,
		RodataStart:    0xffffffff80001000,
		RodataEnd:      0xffffffff80002000,
		DataStart:      0xffffffff80002000,
		DataEnd:        0xffffffff80003000,
		KernelPhysBase:   0x200000,
		KernelVirtBase:   0xffffffff80000000,
		IdentityMapBytes: uint64(mem.PageSize) * 8,
	}

	pm, err := m.BuildInitialKernelPagemap(bi, layout)
	require.Nil(t, err)

	got, ok := m.Translate(pm, layout.TextStart)
	require.True(t, ok)
	assert.Equal(t, layout.identityDeltaFor(layout.TextStart), got)

	got, ok = m.Translate(pm, 0x100000+hhdm)
	require.True(t, ok)
	assert.Equal(t, uintptr(0x100000), got)
}

func TestAllocationFailureDuringMapIsPropagated(t *testing.T) {
	m, _ := newTestManager(t, 1) // only enough frames for the top-level table
	pm, err := m.NewPagemap()
	require.Nil(t, err)

	err = m.Map(pm, 0x400000, 0x1000, FlagPresent|FlagWrite)
	assert.NotNil(t, err)
}
