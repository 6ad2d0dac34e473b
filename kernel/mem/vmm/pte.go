package vmm

import "github.com/KevinAlavik/genoa/kernel/mem/pmm"

// PTE is a single x86_64 page-table entry (and, for non-leaf levels, a
// page-directory entry): present(0), write(1), user(2), ... no-execute(63),
// with the physical frame encoded in bits 12-51.
type PTE uint64

// Entry flag bits, matching the hardware layout this kernel targets.
const (
	FlagPresent PTE = 1 << 0
	FlagWrite   PTE = 1 << 1
	FlagUser    PTE = 1 << 2
	FlagHugePage  PTE = 1 << 7
	FlagNoExecute PTE = 1 << 63

	frameMask PTE = 0x000ffffffffff000

	// intermediateFlagMask mirrors the original C implementation's
	// `flags & 0xFF`: only the low byte of the caller's requested flags
	// is OR-ed into an intermediate (non-leaf) table entry.
	intermediateFlagMask PTE = 0xff
)

// Present reports whether the entry's present bit is set.
func (p PTE) Present() bool { return p&FlagPresent != 0 }

// HasFlags reports whether every bit in flags is set in p.
func (p PTE) HasFlags(flags PTE) bool { return p&flags == flags }

// SetFlags ORs flags into the entry.
func (p *PTE) SetFlags(flags PTE) { *p |= flags }

// ClearFlags clears flags from the entry.
func (p *PTE) ClearFlags(flags PTE) { *p &^= flags }

// Frame returns the physical frame this entry points to.
func (p PTE) Frame() pmm.Frame {
	return pmm.Frame(uint64(p&frameMask) >> 12)
}

// SetFrame rewrites the entry's frame bits without touching its flags.
func (p *PTE) SetFrame(f pmm.Frame) {
	*p = (*p &^ frameMask) | PTE(uint64(f)<<12)&frameMask
}
