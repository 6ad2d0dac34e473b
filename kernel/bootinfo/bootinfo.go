// Package bootinfo models the handshake record a Limine-style bootloader
// hands to the kernel at entry: the higher-half direct map offset, the
// kernel's load addresses and an ordered physical memory map. It plays the
// same role a multiboot info struct plays for a multiboot-booted kernel,
// but is shaped around HHDM addressing instead of multiboot tags so
// that the PMM/VMM can be built and tested without decoding any wire format
// at all -- the real bootloader handshake remains an external collaborator
// that is expected to populate a BootInfo value and hand it to kernel.New.
package bootinfo

// MemoryType classifies a MemoryMapEntry.
type MemoryType uint32

// Memory map entry classifications, mirroring the subset the bootloader
// protocol actually reports and the PMM cares about.
const (
	MemoryUsable MemoryType = iota
	MemoryReserved
	MemoryACPIReclaimable
	MemoryACPINVS
	MemoryBadMemory
	MemoryBootloaderReclaimable
	MemoryKernelAndModules
	MemoryFramebuffer
)

// MemoryMapEntry describes one contiguous physical range as reported by the
// bootloader.
type MemoryMapEntry struct {
	Base   uint64
	Length uint64
	Type   MemoryType
}

// End returns the first address past this entry.
func (e MemoryMapEntry) End() uint64 { return e.Base + e.Length }

// BootInfo is an immutable snapshot of everything the memory subsystems
// need from the bootloader handshake. It is constructed once, early in
// boot (main in boot.go), and handed by value to kernel.New, which passes
// it on to the PMM/VMM initializers.
type BootInfo struct {
	// HHDMOffset is the virtual offset at which the bootloader maps all
	// usable physical memory. physAddr + HHDMOffset is always valid for
	// any physical address described by MemoryMap.
	HHDMOffset uintptr

	// KernelPhysBase and KernelVirtBase are the load addresses of the
	// kernel image, used to compute the .text/.rodata/.data mappings
	// installed into the initial kernel pagemap.
	KernelPhysBase uintptr
	KernelVirtBase uintptr

	// KernelStackTop is the highest address of the boot-time kernel
	// stack; the initial pagemap reserves the 16 KiB below it.
	KernelStackTop uintptr

	// MemoryMap is the ordered list of physical memory ranges reported
	// by the bootloader.
	MemoryMap []MemoryMapEntry

	// Framebuffer describes the linear framebuffer the bootloader handed
	// back, when it reports one. A zero value means no framebuffer is
	// available. Rendering into it is out of scope; the record is
	// modeled here only because the handshake hands it back alongside
	// the fields this module does use.
	Framebuffer FramebufferInfo
}

// FramebufferInfo is the linear-framebuffer response a Limine-style
// bootloader reports: a physical base address, its dimensions in pixels,
// the byte pitch of one scanline, and the RGB channel layout (mask size
// and bit shift per channel) needed to address an individual pixel. No
// CORE component draws into this buffer; early-boot logging instead uses
// the debugcon port (see hal), so these fields exist only to give the
// handshake record the shape the bootloader actually produces.
type FramebufferInfo struct {
	PhysAddr uintptr
	Width    uint16
	Height   uint16
	Pitch    uint16

	RedMaskSize, RedMaskShift     uint8
	GreenMaskSize, GreenMaskShift uint8
	BlueMaskSize, BlueMaskShift   uint8
}

// FromBootProtocol assembles a BootInfo from the values a Limine-style
// bootloader handshake hands back: the raw memory map, the HHDM offset,
// and the kernel's load addresses. It performs no validation beyond what
// the zero value already guarantees -- an empty memmap simply yields a
// BootInfo with no usable regions, which PMM init surfaces as an
// out-of-memory condition rather than a panic here.
func FromBootProtocol(memmap []MemoryMapEntry, hhdmOffset uintptr, kernelPhysBase, kernelVirtBase, kernelStackTop uintptr) BootInfo {
	return BootInfo{
		HHDMOffset:     hhdmOffset,
		KernelPhysBase: kernelPhysBase,
		KernelVirtBase: kernelVirtBase,
		KernelStackTop: kernelStackTop,
		MemoryMap:      memmap,
	}
}

// UsableRegions calls visit once for every MemoryUsable entry, in the order
// they appear in MemoryMap.
func (bi BootInfo) UsableRegions(visit func(MemoryMapEntry)) {
	for _, entry := range bi.MemoryMap {
		if entry.Type == MemoryUsable {
			visit(entry)
		}
	}
}

// HighestUsableAddress returns the first address past the highest usable
// byte described by MemoryMap, or 0 if there are no usable entries. This
// drives the PMM bitmap's size.
func (bi BootInfo) HighestUsableAddress() uint64 {
	var high uint64
	for _, entry := range bi.MemoryMap {
		if entry.Type != MemoryUsable {
			continue
		}
		if end := entry.End(); end > high {
			high = end
		}
	}
	return high
}

// TotalUsableBytes sums the length of every MemoryUsable entry.
func (bi BootInfo) TotalUsableBytes() uint64 {
	var total uint64
	bi.UsableRegions(func(e MemoryMapEntry) { total += e.Length })
	return total
}
