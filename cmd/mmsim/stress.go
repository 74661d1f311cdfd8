package main

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/spf13/cobra"

	"simpleos/kernel/mm"
	"simpleos/kernel/mm/heap"
	"simpleos/kernel/mm/pmm"
	"simpleos/kernel/mm/slab"
	"simpleos/kernel/mm/vmm"
)

var (
	stressIterations int
	stressSeed       int64
)

// stressWindow is the virtual address range the stress test maps pages into.
// It spans a single last-level table so the tables backing it are allocated
// once, before the free memory baseline is taken.
const (
	stressWindow      uintptr = 0x8000000000
	stressWindowSlots         = 512
)

var stressCacheSizes = []uintptr{32, 128, 512}

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVarP(&stressIterations, "iterations", "n", 10000, "Number of random operations")
	cmd.Flags().Int64Var(&stressSeed, "seed", 1, "Random seed")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Run a randomized allocation workload against every allocator",
		Long: `The stress command boots the memory-management stack and runs a random
mix of page, heap and slab allocations, frees and page mappings. Every
allocation is filled with a pattern that is verified when it is released.
After the workload everything is released and the allocators must return to
their post-boot state.

Example:
  mmsim stress
  mmsim stress --iterations 100000 --seed 7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFromFlags(cmd)
			if err != nil {
				return err
			}

			sim, err := bootSimulation(cfg, kernelLogSink(cmd))
			if err != nil {
				return err
			}
			defer sim.Close()

			return runStress(cmd.OutOrStdout(), sim, stressIterations, stressSeed)
		},
	}
}

type pageBlock struct {
	addr  uintptr
	size  uintptr
	fill  byte
	slots []int
}

type heapBlock struct {
	ptr  uintptr
	size uintptr
	fill byte
}

type slabObject struct {
	cache *slab.Cache
	ptr   uintptr
	fill  byte
}

type stressCounters struct {
	pageAllocs, heapAllocs, slabAllocs, mappings int
	frees                                        int
	failedAllocs                                 int
}

type stressRun struct {
	mem    *mm.Memory
	mapper *vmm.Mapper
	rng    *rand.Rand
	caches []*slab.Cache

	pages   []*pageBlock
	heap    []heapBlock
	objects []slabObject
	slots   [stressWindowSlots]*pageBlock

	counters stressCounters
}

func runStress(w io.Writer, sim *simulation, iterations int, seed int64) error {
	k := sim.kernel
	run := &stressRun{
		mem:    k.Memory,
		mapper: k.Mapper,
		rng:    rand.New(rand.NewSource(seed)),
	}

	for _, size := range stressCacheSizes {
		cache, err := k.NewCache(size)
		if err != nil {
			return fmt.Errorf("failed to create %d byte cache: %w", size, err)
		}
		run.caches = append(run.caches, cache)
	}

	// Populate the tables for the mapping window.
	if err := k.Mapper.Map(pmm.KernelReservedEnd(), stressWindow, vmm.FlagPresent|vmm.FlagRW); err != nil {
		return fmt.Errorf("failed to map the stress window: %w", err)
	}
	if err := k.Mapper.Unmap(stressWindow); err != nil {
		return fmt.Errorf("failed to unmap the stress window: %w", err)
	}

	baselineFrames := pmm.FreeMemory()
	baselineHeap := k.Heap.FreeBytes()

	for i := 0; i < iterations; i++ {
		if err := run.step(); err != nil {
			return fmt.Errorf("iteration %d: %w", i, err)
		}
	}

	cacheStats := make([]slab.Stats, 0, len(run.caches))
	for _, cache := range run.caches {
		cacheStats = append(cacheStats, cache.Stats())
	}
	peakFree := pmm.FreeMemory()

	if err := run.releaseAll(); err != nil {
		return fmt.Errorf("teardown: %w", err)
	}

	if got := pmm.FreeMemory(); got != baselineFrames {
		return fmt.Errorf("page frame leak: %d bytes free after teardown; expected %d", got, baselineFrames)
	}
	if got := k.Heap.FreeBytes(); got != baselineHeap {
		return fmt.Errorf("heap leak: %d bytes free after teardown; expected %d", got, baselineHeap)
	}

	c := run.counters
	fmt.Fprintln(w, title("Workload"))
	fmt.Fprintln(w, field("Iterations", printer.Sprintf("%d", iterations)))
	fmt.Fprintln(w, field("Page allocations", printer.Sprintf("%d", c.pageAllocs)))
	fmt.Fprintln(w, field("Heap allocations", printer.Sprintf("%d", c.heapAllocs)))
	fmt.Fprintln(w, field("Slab allocations", printer.Sprintf("%d", c.slabAllocs)))
	fmt.Fprintln(w, field("Mappings", printer.Sprintf("%d", c.mappings)))
	fmt.Fprintln(w, field("Frees", printer.Sprintf("%d", c.frees)))
	fmt.Fprintln(w, field("Failed allocations", printer.Sprintf("%d", c.failedAllocs)))
	fmt.Fprintln(w, field("Free before teardown", formatBytes(peakFree)))
	fmt.Fprintln(w, field("Free after teardown", formatBytes(pmm.FreeMemory())))

	fmt.Fprintln(w, title("Slab caches before teardown"))
	fmt.Fprintln(w, cacheTable(cacheStats))
	return nil
}

func (r *stressRun) step() error {
	switch r.rng.Intn(9) {
	case 0, 1:
		return r.allocPages()
	case 2:
		return r.freePages()
	case 3, 4:
		return r.allocHeap()
	case 5:
		return r.freeHeap()
	case 6:
		return r.allocObject()
	case 7:
		return r.freeObject()
	default:
		return r.mapPage()
	}
}

func (r *stressRun) fill() byte {
	return byte(r.rng.Intn(255) + 1)
}

// verify checks that size bytes at addr still hold the fill pattern.
func (r *stressRun) verify(kind string, addr, size uintptr, fill byte) error {
	for i, b := range r.mem.Bytes(addr, size) {
		if b != fill {
			return fmt.Errorf("%s at 0x%x corrupted at offset %d: 0x%02x != 0x%02x", kind, addr, i, b, fill)
		}
	}
	return nil
}

func (r *stressRun) allocPages() error {
	count := uint32(r.rng.Intn(16) + 1)
	addr, err := pmm.AllocPages(count)
	if err != nil {
		r.counters.failedAllocs++
		return nil
	}

	block := &pageBlock{addr: addr, size: uintptr(count) * mm.PageSize, fill: r.fill()}
	r.mem.Memset(block.addr, block.fill, block.size)
	r.pages = append(r.pages, block)
	r.counters.pageAllocs++
	return nil
}

func (r *stressRun) freePages() error {
	if len(r.pages) == 0 {
		return nil
	}

	index := r.rng.Intn(len(r.pages))
	block := r.pages[index]
	if err := r.verify("page block", block.addr, block.size, block.fill); err != nil {
		return err
	}

	for _, slot := range block.slots {
		if err := r.mapper.Unmap(stressWindow + uintptr(slot)*mm.PageSize); err != nil {
			return err
		}
		r.slots[slot] = nil
	}

	if err := pmm.FreePage(block.addr); err != nil {
		return err
	}

	r.pages[index] = r.pages[len(r.pages)-1]
	r.pages = r.pages[:len(r.pages)-1]
	r.counters.frees++
	return nil
}

func (r *stressRun) allocHeap() error {
	size := uintptr(r.rng.Intn(2048) + 1)
	ptr, err := heap.Kmalloc(size)
	if err != nil {
		r.counters.failedAllocs++
		return nil
	}

	block := heapBlock{ptr: ptr, size: size, fill: r.fill()}
	r.mem.Memset(block.ptr, block.fill, block.size)
	r.heap = append(r.heap, block)
	r.counters.heapAllocs++
	return nil
}

func (r *stressRun) freeHeap() error {
	if len(r.heap) == 0 {
		return nil
	}

	index := r.rng.Intn(len(r.heap))
	block := r.heap[index]
	if err := r.verify("heap block", block.ptr, block.size, block.fill); err != nil {
		return err
	}
	if err := heap.Kernel().Free(block.ptr); err != nil {
		return err
	}

	r.heap[index] = r.heap[len(r.heap)-1]
	r.heap = r.heap[:len(r.heap)-1]
	r.counters.frees++
	return nil
}

func (r *stressRun) allocObject() error {
	cache := r.caches[r.rng.Intn(len(r.caches))]
	ptr, err := cache.Alloc()
	if err != nil {
		r.counters.failedAllocs++
		return nil
	}

	obj := slabObject{cache: cache, ptr: ptr, fill: r.fill()}
	r.mem.Memset(obj.ptr, obj.fill, cache.ObjectSize())
	r.objects = append(r.objects, obj)
	r.counters.slabAllocs++
	return nil
}

func (r *stressRun) freeObject() error {
	if len(r.objects) == 0 {
		return nil
	}

	index := r.rng.Intn(len(r.objects))
	obj := r.objects[index]
	if err := r.verify("slab object", obj.ptr, obj.cache.ObjectSize(), obj.fill); err != nil {
		return err
	}
	if err := obj.cache.Free(obj.ptr); err != nil {
		return err
	}

	r.objects[index] = r.objects[len(r.objects)-1]
	r.objects = r.objects[:len(r.objects)-1]
	r.counters.frees++
	return nil
}

// mapPage maps the first page of a live page block into a free slot of the
// stress window and checks the translation.
func (r *stressRun) mapPage() error {
	if len(r.pages) == 0 {
		return nil
	}

	slot := r.rng.Intn(stressWindowSlots)
	if r.slots[slot] != nil {
		return nil
	}

	block := r.pages[r.rng.Intn(len(r.pages))]
	virt := stressWindow + uintptr(slot)*mm.PageSize
	if err := r.mapper.Map(block.addr, virt, vmm.FlagPresent|vmm.FlagRW); err != nil {
		return err
	}

	phys, err := r.mapper.Translate(virt + 0x10)
	if err != nil {
		return err
	}
	if phys != block.addr+0x10 {
		return fmt.Errorf("virtual address 0x%x translates to 0x%x; expected 0x%x", virt+0x10, phys, block.addr+0x10)
	}

	block.slots = append(block.slots, slot)
	r.slots[slot] = block
	r.counters.mappings++
	return nil
}

func (r *stressRun) releaseAll() error {
	for len(r.pages) > 0 {
		if err := r.freePages(); err != nil {
			return err
		}
	}
	for len(r.heap) > 0 {
		if err := r.freeHeap(); err != nil {
			return err
		}
	}
	for len(r.objects) > 0 {
		if err := r.freeObject(); err != nil {
			return err
		}
	}

	for _, cache := range r.caches {
		if _, err := cache.Shrink(); err != nil {
			return err
		}
	}
	return nil
}
