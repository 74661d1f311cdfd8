// Package pmm implements the kernel's physical memory allocators: a boot-time
// bump allocator and the buddy allocator that manages all usable RAM once the
// kernel is up.
package pmm

import (
	"math/bits"

	"simpleos/bootparams"
	"simpleos/kernel"
	"simpleos/kernel/mm"
)

var (
	// bootMemAllocator is the allocator used when the kernel boots. It
	// provides the memory for the buddy allocator's descriptor table.
	bootMemAllocator BootMemAllocator

	// buddyAllocator is the standard allocator used by the kernel.
	buddyAllocator BuddyAllocator

	errInvalidPageCount = &kernel.Error{Module: "pmm", Message: "page count must be between 1 and 2^(MaxOrder-1)"}
	errUnalignedAddress = &kernel.Error{Module: "pmm", Message: "address is not page-aligned"}
)

// Init sets up the kernel physical memory allocation sub-system. Pages
// overlapping any of the reserved regions (e.g. the heap) are kept out of the
// buddy allocator.
func Init(mem *mm.Memory, params *bootparams.Params, reserved ...mm.Region) *kernel.Error {
	printMemoryMap(params)
	bootMemAllocator.Init(params)

	buddyAllocator = BuddyAllocator{}
	if err := buddyAllocator.init(mem, &bootMemAllocator, params, reserved...); err != nil {
		return err
	}

	bootMemAllocator.Retire()
	mm.SetFrameAllocator(buddyAllocFrame, buddyFreeFrame)
	return nil
}

// KernelReservedEnd returns the end of the region permanently reserved by the
// kernel image and the boot-time allocations.
func KernelReservedEnd() uintptr {
	return mm.AlignUp(bootMemAllocator.Cursor(), mm.PageSize)
}

// Allocator returns the buddy allocator set up by Init.
func Allocator() *BuddyAllocator {
	return &buddyAllocator
}

// AllocPage allocates a single page and returns its physical address.
func AllocPage() (uintptr, *kernel.Error) {
	return AllocPages(1)
}

// AllocPages allocates a physically contiguous block of at least count pages
// and returns its physical address. The count is rounded up to the next power
// of two.
func AllocPages(count uint32) (uintptr, *kernel.Error) {
	order, err := orderForCount(count)
	if err != nil {
		return 0, err
	}

	frame, err := buddyAllocator.AllocPages(order)
	if err != nil {
		return 0, err
	}
	return frame.Address(), nil
}

// FreePage releases the block starting at addr. The block is released with
// the order it was allocated with.
func FreePage(addr uintptr) *kernel.Error {
	if addr&(mm.PageSize-1) != 0 {
		return errUnalignedAddress
	}
	return buddyAllocator.FreeBlock(mm.FrameFromAddress(addr))
}

// FreeMemory returns the number of free bytes managed by the buddy allocator.
func FreeMemory() uint64 {
	return buddyAllocator.FreeMemory()
}

// orderForCount returns the smallest order whose block holds count pages.
func orderForCount(count uint32) (uint8, *kernel.Error) {
	if count == 0 {
		return 0, errInvalidPageCount
	}

	order := bits.Len32(count - 1)
	if order >= MaxOrder {
		return 0, errInvalidPageCount
	}
	return uint8(order), nil
}

func buddyAllocFrame() (mm.Frame, *kernel.Error) {
	return buddyAllocator.AllocPages(0)
}

func buddyFreeFrame(f mm.Frame) *kernel.Error {
	return buddyAllocator.FreePages(f, 0)
}
