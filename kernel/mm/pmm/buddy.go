package pmm

import (
	"math"
	"unsafe"

	"simpleos/bootparams"
	"simpleos/kernel"
	"simpleos/kernel/kfmt"
	"simpleos/kernel/mm"
	"simpleos/kernel/mm/list"
	"simpleos/kernel/sync"
)

const (
	// MaxOrder is the number of block orders managed by the buddy
	// allocator. Orders 0 to MaxOrder-1 cover blocks of 4K up to 4M.
	MaxOrder = 11

	// noLink terminates a free list in the descriptor table.
	noLink = math.MaxUint32

	// noOrder marks descriptors that are not the head of a block.
	noOrder = math.MaxUint8
)

var (
	errOutOfMemory    = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errInvalidOrder   = &kernel.Error{Module: "pmm", Message: "block order exceeds MaxOrder"}
	errInvalidFrame   = &kernel.Error{Module: "pmm", Message: "frame is not managed by the allocator"}
	errMisalignedFree = &kernel.Error{Module: "pmm", Message: "frame is not aligned to the block order"}
	errDoubleFree     = &kernel.Error{Module: "pmm", Message: "frame is not allocated"}
	errOrderMismatch  = &kernel.Error{Module: "pmm", Message: "block freed with a different order than it was allocated with"}
	errReservedFrame  = &kernel.Error{Module: "pmm", Message: "frame is reserved"}
	errNoUsableMemory = &kernel.Error{Module: "pmm", Message: "memory map reports no usable memory"}
	errTooMuchMemory  = &kernel.Error{Module: "pmm", Message: "usable memory exceeds the descriptor table capacity"}
	errNotBacked      = &kernel.Error{Module: "pmm", Message: "usable memory extends past the end of physical memory"}
)

// pageDescriptor tracks the state of a single physical frame. The descriptor
// table is stored in physical memory right after the kernel image.
type pageDescriptor struct {
	// next and prev link the descriptor into a free list; noLink marks
	// the end of a list.
	next, prev uint32

	used uint8

	// order is only meaningful for the first frame of a block.
	order uint8

	// reserved is set for frames that init never handed to the allocator.
	reserved uint8

	_ [1]uint8
}

// descriptorLinks exposes the free list links stored in the descriptor table.
type descriptorLinks struct {
	descriptors []pageDescriptor
}

func (d descriptorLinks) Next(f mm.Frame) mm.Frame { return linkToFrame(d.descriptors[f].next) }
func (d descriptorLinks) SetNext(f, next mm.Frame) { d.descriptors[f].next = frameToLink(next) }
func (d descriptorLinks) Prev(f mm.Frame) mm.Frame { return linkToFrame(d.descriptors[f].prev) }
func (d descriptorLinks) SetPrev(f, prev mm.Frame) { d.descriptors[f].prev = frameToLink(prev) }

func linkToFrame(link uint32) mm.Frame {
	if link == noLink {
		return mm.InvalidFrame
	}
	return mm.Frame(link)
}

func frameToLink(f mm.Frame) uint32 {
	if f == mm.InvalidFrame {
		return noLink
	}
	return uint32(f)
}

// descriptorTableSize returns the number of bytes needed to store the
// descriptors for totalPages frames.
func descriptorTableSize(totalPages uint32) uintptr {
	return uintptr(totalPages) * unsafe.Sizeof(pageDescriptor{})
}

// blockPages returns the number of frames in a block of the given order.
func blockPages(order uint8) uint64 {
	return uint64(1) << order
}

// buddyOf returns the first frame of the buddy of the order-sized block
// starting at frame.
func buddyOf(frame mm.Frame, order uint8) mm.Frame {
	return frame ^ mm.Frame(1<<order)
}

// BuddyAllocator manages physical memory in power-of-two blocks of frames.
//
// A free block of order k always starts at a frame number divisible by 2^k
// and is linked into freeAreas[k]. Two buddies (blocks whose frame numbers
// only differ in bit k) are never both free at order k; freeing one of them
// while the other is free merges them into a block of order k+1.
type BuddyAllocator struct {
	lock sync.IRQSpinlock

	descriptors []pageDescriptor
	totalPages  uint32

	freeAreas [MaxOrder]list.List[mm.Frame]
}

// setup overlays the descriptor table on physical memory at tableAddr, marks
// every frame as reserved and resets the free lists.
func (b *BuddyAllocator) setup(mem *mm.Memory, tableAddr uintptr, totalPages uint32) {
	mem.Memset(tableAddr, 0, descriptorTableSize(totalPages))

	b.totalPages = totalPages
	b.descriptors = mm.SliceAt[pageDescriptor](mem, tableAddr, uintptr(totalPages))
	for i := range b.descriptors {
		b.descriptors[i].used = 1
		b.descriptors[i].reserved = 1
		b.descriptors[i].next = noLink
		b.descriptors[i].prev = noLink
	}

	links := descriptorLinks{descriptors: b.descriptors}
	for order := range b.freeAreas {
		b.freeAreas[order] = list.New[mm.Frame](links, mm.InvalidFrame)
	}
}

// TotalPages returns the number of frames tracked by the descriptor table.
func (b *BuddyAllocator) TotalPages() uint32 {
	return b.totalPages
}

// AllocPages reserves a block of 2^order contiguous frames and returns its
// first frame.
func (b *BuddyAllocator) AllocPages(order uint8) (mm.Frame, *kernel.Error) {
	if order >= MaxOrder {
		return mm.InvalidFrame, errInvalidOrder
	}

	b.lock.Acquire()
	defer b.lock.Release()

	return b.allocPages(order)
}

func (b *BuddyAllocator) allocPages(order uint8) (mm.Frame, *kernel.Error) {
	for curOrder := order; curOrder < MaxOrder; curOrder++ {
		frame, ok := b.freeAreas[curOrder].PopFront()
		if !ok {
			continue
		}

		// Split the block until it matches the requested order; the
		// upper half of each split is returned to the free lists.
		for curOrder > order {
			curOrder--
			buddy := frame + mm.Frame(1<<curOrder)
			b.descriptors[buddy].used = 0
			b.descriptors[buddy].order = curOrder
			b.freeAreas[curOrder].PushFront(buddy)
		}

		b.descriptors[frame].used = 1
		b.descriptors[frame].order = order
		return frame, nil
	}

	return mm.InvalidFrame, errOutOfMemory
}

// FreePages returns a block of 2^order frames starting at frame to the
// allocator, merging it with its free buddies.
func (b *BuddyAllocator) FreePages(frame mm.Frame, order uint8) *kernel.Error {
	if order >= MaxOrder {
		return errInvalidOrder
	}

	b.lock.Acquire()
	defer b.lock.Release()

	if err := b.checkAllocated(frame, order); err != nil {
		return err
	}

	b.freePages(frame, order)
	return nil
}

// FreeBlock returns the block starting at frame using the order it was
// allocated with.
func (b *BuddyAllocator) FreeBlock(frame mm.Frame) *kernel.Error {
	b.lock.Acquire()
	defer b.lock.Release()

	if uint64(frame) >= uint64(b.totalPages) {
		return errInvalidFrame
	}

	order := b.descriptors[frame].order
	if order >= MaxOrder {
		kfmt.Printf("[pmm] ignoring free of frame 0x%x; not the start of a block\n", frame.Address())
		return errDoubleFree
	}

	if err := b.checkAllocated(frame, order); err != nil {
		return err
	}

	b.freePages(frame, order)
	return nil
}

func (b *BuddyAllocator) checkAllocated(frame mm.Frame, order uint8) *kernel.Error {
	switch {
	case uint64(frame) >= uint64(b.totalPages):
		return errInvalidFrame
	case uint64(frame)&(blockPages(order)-1) != 0:
		return errMisalignedFree
	case b.descriptors[frame].reserved != 0:
		kfmt.Printf("[pmm] ignoring free of reserved frame 0x%x\n", frame.Address())
		return errReservedFrame
	case b.descriptors[frame].used == 0:
		kfmt.Printf("[pmm] ignoring free of unallocated frame 0x%x\n", frame.Address())
		return errDoubleFree
	case b.descriptors[frame].order != order:
		return errOrderMismatch
	}
	return nil
}

// release hands a frame reserved by setup over to the allocator.
func (b *BuddyAllocator) release(frame mm.Frame) *kernel.Error {
	b.lock.Acquire()
	defer b.lock.Release()

	if uint64(frame) >= uint64(b.totalPages) {
		return errInvalidFrame
	}
	if b.descriptors[frame].reserved == 0 {
		return errDoubleFree
	}

	b.descriptors[frame].reserved = 0
	b.freePages(frame, 0)
	return nil
}

func (b *BuddyAllocator) freePages(frame mm.Frame, order uint8) {
	b.descriptors[frame].used = 0

	for order < MaxOrder-1 {
		buddy := buddyOf(frame, order)
		if uint64(buddy) >= uint64(b.totalPages) {
			break
		}

		if bd := &b.descriptors[buddy]; bd.used != 0 || bd.order != order {
			break
		}

		b.freeAreas[order].Remove(buddy)

		// The merged block starts at the lower of the two frames; the
		// other one is no longer the head of a block.
		if buddy < frame {
			frame, buddy = buddy, frame
		}
		b.descriptors[buddy].order = noOrder
		order++
	}

	b.descriptors[frame].order = order
	b.freeAreas[order].PushFront(frame)
}

// FreeMemory returns the number of free bytes by walking every free list.
func (b *BuddyAllocator) FreeMemory() uint64 {
	b.lock.Acquire()
	defer b.lock.Release()

	var free uint64
	for order := range b.freeAreas {
		b.freeAreas[order].Each(func(mm.Frame) bool {
			free += blockPages(uint8(order)) * uint64(mm.PageSize)
			return true
		})
	}
	return free
}

// FreeBlocks returns the number of free blocks listed at order.
func (b *BuddyAllocator) FreeBlocks(order uint8) int {
	if order >= MaxOrder {
		return 0
	}

	b.lock.Acquire()
	defer b.lock.Release()
	return b.freeAreas[order].Len()
}

// VisitFreeBlocks invokes visitor for each free block. The allocator is
// locked while the visitor runs so it must not call back into it.
func (b *BuddyAllocator) VisitFreeBlocks(visitor func(frame mm.Frame, order uint8)) {
	b.lock.Acquire()
	defer b.lock.Release()

	for order := range b.freeAreas {
		b.freeAreas[order].Each(func(frame mm.Frame) bool {
			visitor(frame, uint8(order))
			return true
		})
	}
}

// Stats describes the state of the buddy allocator.
type Stats struct {
	TotalPages uint32
	FreeBytes  uint64

	// FreeBlocks holds the number of free blocks listed at each order.
	FreeBlocks [MaxOrder]int
}

// Stats returns a snapshot of the allocator's free lists.
func (b *BuddyAllocator) Stats() Stats {
	b.lock.Acquire()
	defer b.lock.Release()

	st := Stats{TotalPages: b.totalPages}
	for order := range b.freeAreas {
		st.FreeBlocks[order] = b.freeAreas[order].Len()
		st.FreeBytes += uint64(st.FreeBlocks[order]) * blockPages(uint8(order)) * uint64(mm.PageSize)
	}
	return st
}

// init sizes the descriptor table from the memory map, carves it out of the
// boot memory allocator and releases every available page above the boot
// allocator cursor. Pages overlapping one of the reserved regions are never
// released.
func (b *BuddyAllocator) init(mem *mm.Memory, boot *BootMemAllocator, params *bootparams.Params, reserved ...mm.Region) *kernel.Error {
	maxAddr := mm.AlignDown(uintptr(params.MaxUsableAddress()), mm.PageSize)
	if maxAddr == 0 {
		return errNoUsableMemory
	}

	totalPages := uint64(maxAddr >> mm.PageShift)
	if totalPages >= noLink {
		return errTooMuchMemory
	}

	if !mem.Contains(0, maxAddr) {
		kfmt.Printf("[pmm] usable memory ends at 0x%x but only 0x%x bytes are backed\n", maxAddr, mem.Size())
		return errNotBacked
	}

	tableAddr, err := boot.Alloc(descriptorTableSize(uint32(totalPages)))
	if err != nil {
		return err
	}
	b.setup(mem, tableAddr, uint32(totalPages))

	kfmt.Printf("[pmm] page descriptors: %d pages, table at 0x%x (%d bytes)\n",
		totalPages, tableAddr, descriptorTableSize(uint32(totalPages)))

	firstFree := mm.AlignUp(boot.Cursor(), mm.PageSize)
	params.VisitMemRegions(func(region *bootparams.MemoryMapEntry) bool {
		if region.Type != bootparams.MemAvailable {
			return true
		}

		start := mm.AlignUp(uintptr(region.PhysAddress), mm.PageSize)
		end := mm.AlignDown(uintptr(region.End()), mm.PageSize)
		if start < firstFree {
			start = firstFree
		}
		if end > maxAddr {
			end = maxAddr
		}

		for addr := start; addr < end; addr += mm.PageSize {
			if overlapsReserved(addr, reserved) {
				continue
			}

			if err = b.release(mm.FrameFromAddress(addr)); err != nil {
				return false
			}
		}
		return true
	})

	return err
}

// overlapsReserved returns true if the page starting at addr overlaps any of
// the reserved regions.
func overlapsReserved(addr uintptr, reserved []mm.Region) bool {
	for _, r := range reserved {
		if r.Size != 0 && addr < r.End() && addr+mm.PageSize > r.Start {
			return true
		}
	}
	return false
}
