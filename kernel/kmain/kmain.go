// Package kmain runs the memory-management boot sequence.
package kmain

import (
	"simpleos/bootparams"
	"simpleos/kernel"
	"simpleos/kernel/kfmt"
	"simpleos/kernel/mm"
	"simpleos/kernel/mm/heap"
	"simpleos/kernel/mm/pmm"
	"simpleos/kernel/mm/slab"
	"simpleos/kernel/mm/vmm"
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	errNoHeap             = &kernel.Error{Module: "kmain", Message: "boot parameters do not reserve a heap region"}
	errHeapOverlapsKernel = &kernel.Error{Module: "kmain", Message: "heap region overlaps the kernel image or boot allocations"}
)

// Kernel holds the memory-management state built during boot.
type Kernel struct {
	Memory *mm.Memory
	Params *bootparams.Params

	Frames *pmm.BuddyAllocator
	Mapper *vmm.Mapper
	Heap   *heap.Heap
}

// Boot initializes the physical memory allocators, installs the kernel page
// tables and sets up the heap, in that order.
func Boot(mem *mm.Memory, params *bootparams.Params) (*Kernel, *kernel.Error) {
	if params.HeapSize == 0 {
		return nil, errNoHeap
	}
	heapRegion := mm.Region{Start: uintptr(params.HeapStart), Size: uintptr(params.HeapSize)}

	if err := pmm.Init(mem, params, heapRegion); err != nil {
		return nil, err
	}

	if heapRegion.Start < pmm.KernelReservedEnd() {
		kfmt.Printf("[kmain] heap at 0x%x overlaps reserved memory ending at 0x%x\n", heapRegion.Start, pmm.KernelReservedEnd())
		return nil, errHeapOverlapsKernel
	}

	mapper, err := vmm.Install(mem, params)
	if err != nil {
		return nil, err
	}

	if err = heap.Init(mem, heapRegion.Start, heapRegion.Size); err != nil {
		return nil, err
	}

	kfmt.Printf("[kmain] memory management online; %d bytes free\n", pmm.FreeMemory())

	return &Kernel{
		Memory: mem,
		Params: params,
		Frames: pmm.Allocator(),
		Mapper: mapper,
		Heap:   heap.Kernel(),
	}, nil
}

// NewCache creates a slab cache for objects of objSize bytes.
func (k *Kernel) NewCache(objSize uintptr) (*slab.Cache, *kernel.Error) {
	return slab.NewCache(k.Memory, objSize)
}

// Kmain boots the memory-management stack and returns the resulting kernel
// state. Boot failures are fatal.
func Kmain(mem *mm.Memory, params *bootparams.Params) *Kernel {
	k, err := Boot(mem, params)
	if err != nil {
		panicFn(err)
		return nil
	}
	return k
}
