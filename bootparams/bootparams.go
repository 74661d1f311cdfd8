// Package bootparams describes the tables the boot loader hands to the kernel:
// the firmware memory map and the framebuffer descriptor.
package bootparams

import (
	"encoding/binary"

	"simpleos/kernel"
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64 `yaml:"addr"`

	// The length of the memory region.
	Length uint64 `yaml:"size"`

	// The type of this entry.
	Type MemoryEntryType `yaml:"type"`
}

// End returns the first physical address past the region.
func (e *MemoryMapEntry) End() uint64 {
	return e.PhysAddress + e.Length
}

// ScreenInfo describes the linear framebuffer set up by the boot loader.
type ScreenInfo struct {
	// The framebuffer physical address; 0 when no framebuffer is available.
	PhysBase uint64 `yaml:"physbase"`

	// Row pitch in bytes.
	Pitch uint32 `yaml:"pitch"`

	// Width and height in pixels.
	Width  uint32 `yaml:"width"`
	Height uint32 `yaml:"height"`

	BitsPerPixel uint8 `yaml:"bpp"`
}

// FramebufferSize returns the number of bytes spanned by the framebuffer.
func (s ScreenInfo) FramebufferSize() uint64 {
	return uint64(s.Pitch) * uint64(s.Height)
}

// Params collects everything the memory-management code needs from the boot
// environment.
type Params struct {
	// MemoryMap is the firmware (e820) memory map.
	MemoryMap []MemoryMapEntry `yaml:"memory_map"`

	Screen ScreenInfo `yaml:"screen"`

	// KernelEnd is the first physical address after the loaded kernel
	// image.
	KernelEnd uint64 `yaml:"kernel_end"`

	// HeapStart and HeapSize describe the range reserved for the kernel
	// heap. The page frame allocator never hands out frames from it.
	HeapStart uint64 `yaml:"heap_start"`
	HeapSize  uint64 `yaml:"heap_size"`

	// IdentityMapSpan is the size of the low memory region that is
	// identity-mapped when paging is installed. Zero selects
	// DefaultIdentityMapSpan.
	IdentityMapSpan uint64 `yaml:"identity_map_span"`
}

// DefaultIdentityMapSpan is the identity-mapped low memory span used when
// Params.IdentityMapSpan is not set.
const DefaultIdentityMapSpan = 512 << 20

// IdentitySpan returns the identity-mapped low memory span.
func (p *Params) IdentitySpan() uint64 {
	if p.IdentityMapSpan == 0 {
		return DefaultIdentityMapSpan
	}
	return p.IdentityMapSpan
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// VisitMemRegions invokes visitor for each memory region in the memory map.
func (p *Params) VisitMemRegions(visitor MemRegionVisitor) {
	for i := range p.MemoryMap {
		if !visitor(&p.MemoryMap[i]) {
			return
		}
	}
}

// MaxUsableAddress returns the end address of the highest available region.
func (p *Params) MaxUsableAddress() uint64 {
	var maxAddr uint64
	p.VisitMemRegions(func(e *MemoryMapEntry) bool {
		if e.Type == MemAvailable && e.End() > maxAddr {
			maxAddr = e.End()
		}
		return true
	})
	return maxAddr
}

// e820EntrySize is the size of a packed firmware memory map entry:
// {addr uint64, size uint64, type uint32}.
const e820EntrySize = 20

var errTruncatedMemoryMap = &kernel.Error{Module: "bootparams", Message: "memory map length is not a multiple of the entry size"}

// DecodeE820 parses a dump of packed firmware memory map entries.
func DecodeE820(raw []byte) ([]MemoryMapEntry, *kernel.Error) {
	if len(raw)%e820EntrySize != 0 {
		return nil, errTruncatedMemoryMap
	}

	count := len(raw) / e820EntrySize
	entries := make([]MemoryMapEntry, count)
	for i := range entries {
		rec := raw[i*e820EntrySize:]
		entries[i] = MemoryMapEntry{
			PhysAddress: binary.LittleEndian.Uint64(rec[0:8]),
			Length:      binary.LittleEndian.Uint64(rec[8:16]),
			Type:        MemoryEntryType(binary.LittleEndian.Uint32(rec[16:20])),
		}
	}
	return entries, nil
}
