package vma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KevinAlavik/genoa/kernel/mem"
	"github.com/KevinAlavik/genoa/kernel/mem/vmm"
)

// testHarness is a thin wrapper around NewForTest that also records the
// frame pool size it was built with. It does not count checked-out frames;
// tests check frame conservation by repeating an allocation from the fixed
// pool.
type testHarness struct {
	vmmMgr *vmm.Manager
	vmaMgr *Manager
	pool   int
}

func newHarness(t *testing.T, framePool int) *testHarness {
	t.Helper()
	vmmMgr, vmaMgr := NewForTest(framePool)
	return &testHarness{vmmMgr: vmmMgr, vmaMgr: vmaMgr, pool: framePool}
}

func TestAllocFirstFit(t *testing.T) {
	h := newHarness(t, 64)

	pm, err := h.vmmMgr.NewPagemap()
	require.Nil(t, err)
	ctx, err := h.vmaMgr.Create(pm)
	require.Nil(t, err)

	a1, err := h.vmaMgr.Alloc(ctx, 1, vmm.FlagPresent|vmm.FlagWrite)
	require.Nil(t, err)
	assert.Equal(t, MinAddress, a1)

	a2, err := h.vmaMgr.Alloc(ctx, 2, vmm.FlagPresent|vmm.FlagWrite)
	require.Nil(t, err)
	assert.Equal(t, MinAddress+uintptr(mem.PageSize), a2)

	require.Nil(t, h.vmaMgr.Free(ctx, a1))

	a3, err := h.vmaMgr.Alloc(ctx, 1, vmm.FlagPresent|vmm.FlagWrite)
	require.Nil(t, err)
	assert.Equal(t, MinAddress, a3, "expected the freed gap to be reused")
}

func TestAllocFreeIdentity(t *testing.T) {
	h := newHarness(t, 64)

	pm, err := h.vmmMgr.NewPagemap()
	require.Nil(t, err)
	ctx, err := h.vmaMgr.Create(pm)
	require.Nil(t, err)

	addr, err := h.vmaMgr.Alloc(ctx, 3, vmm.FlagPresent|vmm.FlagWrite)
	require.Nil(t, err)
	require.Nil(t, h.vmaMgr.Free(ctx, addr))
	assert.Empty(t, ctx.Regions())

	// Freeing must have returned every frame (header + 3 data pages) it
	// took: repeating the same-sized allocation must succeed again from a
	// fixed-size pool, and land back at the same address.
	addr2, err := h.vmaMgr.Alloc(ctx, 3, vmm.FlagPresent|vmm.FlagWrite)
	require.Nil(t, err)
	assert.Equal(t, addr, addr2)
}

func TestRegionsStayDisjoint(t *testing.T) {
	h := newHarness(t, 64)
	pm, err := h.vmmMgr.NewPagemap()
	require.Nil(t, err)
	ctx, err := h.vmaMgr.Create(pm)
	require.Nil(t, err)

	_, err = h.vmaMgr.Alloc(ctx, 2, vmm.FlagPresent|vmm.FlagWrite)
	require.Nil(t, err)
	_, err = h.vmaMgr.Alloc(ctx, 1, vmm.FlagPresent|vmm.FlagWrite)
	require.Nil(t, err)
	_, err = h.vmaMgr.Alloc(ctx, 4, vmm.FlagPresent|vmm.FlagWrite)
	require.Nil(t, err)

	regions := ctx.Regions()
	for i := 1; i < len(regions); i++ {
		prevEnd := regions[i-1].Start + uintptr(regions[i-1].Size)
		assert.LessOrEqual(t, prevEnd, regions[i].Start)
	}
}

func TestFreeUnknownAddressIsReported(t *testing.T) {
	h := newHarness(t, 64)
	pm, err := h.vmmMgr.NewPagemap()
	require.Nil(t, err)
	ctx, err := h.vmaMgr.Create(pm)
	require.Nil(t, err)

	err = h.vmaMgr.Free(ctx, 0xdeadb000)
	assert.Equal(t, ErrRegionNotFound, err)
}

func TestAllocZeroPagesIsInvalid(t *testing.T) {
	h := newHarness(t, 64)
	pm, err := h.vmmMgr.NewPagemap()
	require.Nil(t, err)
	ctx, err := h.vmaMgr.Create(pm)
	require.Nil(t, err)

	_, err = h.vmaMgr.Alloc(ctx, 0, vmm.FlagPresent)
	assert.Equal(t, ErrInvalidArgument, err)
}

func TestDestroyReleasesAllRegions(t *testing.T) {
	h := newHarness(t, 64)
	pm, err := h.vmmMgr.NewPagemap()
	require.Nil(t, err)
	ctx, err := h.vmaMgr.Create(pm)
	require.Nil(t, err)

	_, err = h.vmaMgr.Alloc(ctx, 2, vmm.FlagPresent|vmm.FlagWrite)
	require.Nil(t, err)
	_, err = h.vmaMgr.Alloc(ctx, 1, vmm.FlagPresent|vmm.FlagWrite)
	require.Nil(t, err)

	h.vmaMgr.Destroy(ctx)
	assert.Empty(t, ctx.Regions())
}
