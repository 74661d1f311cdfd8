package kmain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simpleos/bootparams"
	"simpleos/kernel/cpu"
	"simpleos/kernel/gate"
	"simpleos/kernel/kfmt"
	"simpleos/kernel/mm"
	"simpleos/kernel/mm/heap"
	"simpleos/kernel/mm/pmm"
)

func testParams() *bootparams.Params {
	return &bootparams.Params{
		MemoryMap: []bootparams.MemoryMapEntry{
			{PhysAddress: 0, Length: 0x9fc00, Type: bootparams.MemAvailable},
			{PhysAddress: 0xf0000, Length: 0x10000, Type: bootparams.MemReserved},
			{PhysAddress: 0x100000, Length: 0x700000, Type: bootparams.MemAvailable},
		},
		KernelEnd:       0x100000,
		HeapStart:       0x400000,
		HeapSize:        0x100000,
		IdentityMapSpan: 0x800000,
	}
}

func resetGlobals() {
	mm.SetFrameAllocator(nil, nil)
	gate.HandleInterrupt(gate.PageFaultException, nil)
	gate.HandleInterrupt(gate.GPFException, nil)
	kfmt.SetOutputSink(nil)
}

func TestBoot(t *testing.T) {
	defer resetGlobals()

	mem := mm.NewMemory(make([]byte, 0x800000))
	k, err := Boot(mem, testParams())
	require.Nil(t, err)

	assert.Equal(t, k.Mapper.Root().Address(), cpu.ActivePDT())
	assert.Same(t, heap.Kernel(), k.Heap)
	assert.Same(t, pmm.Allocator(), k.Frames)

	// 2048 pages minus the kernel image (256), the descriptor table (6),
	// the heap (256) and the page tables (root, PDPT, PD and 4 PTs).
	assert.Equal(t, uint64(2048-256-6-256-7)*uint64(mm.PageSize), pmm.FreeMemory())

	for _, addr := range []uintptr{0, 0x400000, 0x7ff123} {
		phys, err := k.Mapper.Translate(addr)
		require.Nil(t, err)
		assert.Equal(t, addr, phys)
	}

	ptr, err := heap.Kmalloc(128)
	require.Nil(t, err)
	assert.True(t, k.Heap.Region().Contains(ptr))

	cache, err := k.NewCache(64)
	require.Nil(t, err)
	obj, err := cache.Alloc()
	require.Nil(t, err)
	assert.False(t, k.Heap.Region().Contains(obj), "slab frames must not come from the heap")
	assert.True(t, obj >= pmm.KernelReservedEnd())

	require.Nil(t, cache.Free(obj))
	heap.Kfree(ptr)
	assert.Equal(t, uintptr(0x100000)-20, k.Heap.FreeBytes())
}

func TestBootErrors(t *testing.T) {
	defer resetGlobals()

	t.Run("missing heap", func(t *testing.T) {
		params := testParams()
		params.HeapSize = 0

		_, err := Boot(mm.NewMemory(make([]byte, 0x800000)), params)
		assert.Equal(t, errNoHeap, err)
	})

	t.Run("heap overlaps the kernel", func(t *testing.T) {
		params := testParams()
		params.HeapStart = 0x100000

		_, err := Boot(mm.NewMemory(make([]byte, 0x800000)), params)
		assert.Equal(t, errHeapOverlapsKernel, err)
	})

	t.Run("memory map larger than physical memory", func(t *testing.T) {
		_, err := Boot(mm.NewMemory(make([]byte, 0x400000)), testParams())
		assert.NotNil(t, err)
	})
}

func TestKmainPanicsOnBootFailure(t *testing.T) {
	defer func() {
		panicFn = kfmt.Panic
		resetGlobals()
	}()

	var panicked interface{}
	panicFn = func(e interface{}) { panicked = e }

	params := testParams()
	params.HeapSize = 0
	assert.Nil(t, Kmain(mm.NewMemory(make([]byte, 0x800000)), params))
	assert.Equal(t, errNoHeap, panicked)

	panicked = nil
	assert.NotNil(t, Kmain(mm.NewMemory(make([]byte, 0x800000)), testParams()))
	assert.Nil(t, panicked)
}
