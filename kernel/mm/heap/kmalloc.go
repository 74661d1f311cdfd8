package heap

import (
	"simpleos/kernel"
	"simpleos/kernel/mm"
)

// kernelHeap serves Kmalloc and Kfree.
var kernelHeap Heap

// Init sets up the kernel heap over size bytes starting at start.
func Init(mem *mm.Memory, start, size uintptr) *kernel.Error {
	return kernelHeap.Init(mem, start, size)
}

// Kernel returns the heap used by Kmalloc and Kfree.
func Kernel() *Heap {
	return &kernelHeap
}

// Kmalloc allocates size bytes from the kernel heap.
func Kmalloc(size uintptr) (uintptr, *kernel.Error) {
	return kernelHeap.Alloc(size)
}

// Kfree releases memory obtained through Kmalloc.
func Kfree(ptr uintptr) {
	_ = kernelHeap.Free(ptr)
}
