package pmm

import (
	"simpleos/bootparams"
	"simpleos/kernel"
	"simpleos/kernel/kfmt"
	"simpleos/kernel/mm"
)

// bootMemAlignment is the alignment applied to the cursor after each
// allocation.
const bootMemAlignment = 4

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
	errBootAllocRetired     = &kernel.Error{Module: "boot_mem_alloc", Message: "allocator retired; use the page frame allocator"}
)

// BootMemAllocator implements a rudimentary bump allocator which is used to
// bootstrap the kernel.
//
// Allocations are served by advancing a cursor that starts at the first page
// boundary after the kernel image. It is not possible to free allocated
// memory; once the buddy allocator takes over, the region between the kernel
// image and the cursor stays reserved for the lifetime of the kernel.
type BootMemAllocator struct {
	// start is the first page-aligned address after the kernel image.
	start uintptr

	// cursor is the address returned by the next allocation.
	cursor uintptr

	// limit is the end of the available memory region that contains
	// start. Allocations never cross it.
	limit uintptr

	retired bool
}

// Init sets up the allocator using the kernel end address and memory map
// supplied by the boot loader.
func (alloc *BootMemAllocator) Init(params *bootparams.Params) {
	alloc.start = mm.AlignUp(uintptr(params.KernelEnd), mm.PageSize)
	alloc.cursor = alloc.start
	alloc.limit = alloc.start
	alloc.retired = false

	params.VisitMemRegions(func(region *bootparams.MemoryMapEntry) bool {
		if region.Type != bootparams.MemAvailable {
			return true
		}

		if start := uint64(alloc.start); start >= region.PhysAddress && start < region.End() {
			alloc.limit = uintptr(region.End())
			return false
		}
		return true
	})
}

// Alloc reserves size bytes and returns their physical address. The cursor
// is 4-byte aligned after each allocation.
func (alloc *BootMemAllocator) Alloc(size uintptr) (uintptr, *kernel.Error) {
	if alloc.retired {
		return 0, errBootAllocRetired
	}

	if alloc.cursor > alloc.limit || size > alloc.limit-alloc.cursor {
		kfmt.Printf("[boot_mem_alloc] cannot reserve %d bytes at 0x%x; early memory ends at 0x%x\n", size, alloc.cursor, alloc.limit)
		return 0, errBootAllocOutOfMemory
	}

	ptr := alloc.cursor
	alloc.cursor = mm.AlignUp(alloc.cursor+size, bootMemAlignment)
	return ptr, nil
}

// Retire prevents any further allocations. It is invoked once the page frame
// allocator has been initialized.
func (alloc *BootMemAllocator) Retire() {
	alloc.retired = true
}

// Start returns the address of the first byte managed by the allocator.
func (alloc *BootMemAllocator) Start() uintptr {
	return alloc.start
}

// Cursor returns the address of the first byte not yet handed out.
func (alloc *BootMemAllocator) Cursor() uintptr {
	return alloc.cursor
}

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func printMemoryMap(params *bootparams.Params) {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree mm.Size
	params.VisitMemRegions(func(region *bootparams.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%010x - 0x%010x], size: %10d, type: %s\n", region.PhysAddress, region.End(), region.Length, region.Type.String())

		if region.Type == bootparams.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(totalFree/mm.Kb))
	kfmt.Printf("[pmm] kernel image ends at 0x%x\n", params.KernelEnd)
}
