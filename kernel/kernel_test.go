package kernel

import (
	"testing"
	"unsafe"

	"github.com/KevinAlavik/genoa/kernel/bootinfo"
	"github.com/KevinAlavik/genoa/kernel/mem"
	"github.com/KevinAlavik/genoa/kernel/mem/pmm"
)

func TestCarveBitmapPageAlignsTheCarvedRegion(t *testing.T) {
	// A backing buffer standing in for the region's physical storage. The
	// region sits at physical address 0 and HHDMOffset points at the
	// buffer, so the bitmap carveBitmap sizes from the region's highest
	// address is small enough to fit inside the region.
	backing := make([]byte, 3*int(mem.PageSize))
	base := uint64(0)

	bi := bootinfo.BootInfo{
		HHDMOffset: uintptr(unsafe.Pointer(&backing[0])),
		MemoryMap: []bootinfo.MemoryMapEntry{
			{Base: base, Length: uint64(len(backing)), Type: bootinfo.MemoryUsable},
		},
	}

	words := pmm.BitmapWords(bi.HighestUsableAddress())
	bitmapBytes := words * 8
	if bitmapBytes == 0 || bitmapBytes%uint64(mem.PageSize) == 0 {
		t.Fatalf("test requires a non-page-aligned bitmap size, got %d bytes", bitmapBytes)
	}
	wantCarved := uint64(mem.Size(bitmapBytes).Pages()) * uint64(mem.PageSize)

	bitmapWords, carved := carveBitmap(bi)

	if len(bitmapWords) != int(words) {
		t.Fatalf("expected %d bitmap words, got %d", words, len(bitmapWords))
	}

	entry := carved[0]
	if entry.Base != base+wantCarved {
		t.Fatalf("expected carved entry.Base %#x (page-aligned), got %#x", base+wantCarved, entry.Base)
	}
	if entry.Length != uint64(len(backing))-wantCarved {
		t.Fatalf("expected carved entry.Length %d, got %d", uint64(len(backing))-wantCarved, entry.Length)
	}
	if !mem.IsPageAligned(uintptr(entry.Base)) {
		t.Fatalf("carved entry.Base %#x is not page-aligned", entry.Base)
	}

	// The bitmap slice must be backed by the original buffer, not a
	// freestanding fallback.
	bitmapWords[0] = 0xdeadbeef
	if got := *(*uint64)(unsafe.Pointer(&backing[0])); got != 0xdeadbeef {
		t.Fatalf("expected writes through bitmapWords to land in backing, got %#x", got)
	}
}

func TestCarveBitmapFallsBackWhenNoRegionFits(t *testing.T) {
	bi := bootinfo.BootInfo{
		MemoryMap: []bootinfo.MemoryMapEntry{
			{Base: 0x100000, Length: 0x100, Type: bootinfo.MemoryUsable},
		},
	}

	words := pmm.BitmapWords(bi.HighestUsableAddress())
	bitmapWords, carved := carveBitmap(bi)

	if len(bitmapWords) != int(words) {
		t.Fatalf("expected fallback slice of %d words, got %d", words, len(bitmapWords))
	}
	if carved[0] != bi.MemoryMap[0] {
		t.Fatalf("expected memory map to be unchanged when no region fits the bitmap")
	}
}
