// Package heap implements the kernel's general purpose byte allocator. The
// heap is a fixed region tiled by a doubly-linked list of segments; each
// segment starts with a header followed by its payload.
package heap

import (
	"math"
	"unsafe"

	"simpleos/kernel"
	"simpleos/kernel/kfmt"
	"simpleos/kernel/mm"
	"simpleos/kernel/sync"
)

const (
	// segmentMagic tags every live segment header.
	segmentMagic = 0x12345678

	// noSegment terminates the segment list.
	noSegment = math.MaxUint32

	alignment = 4
)

var (
	errInvalidRegion  = &kernel.Error{Module: "heap", Message: "heap region is too small, misaligned or not backed by physical memory"}
	errInvalidSize    = &kernel.Error{Module: "heap", Message: "allocation size must be greater than zero"}
	errOutOfMemory    = &kernel.Error{Module: "heap", Message: "out of memory"}
	errForeignPointer = &kernel.Error{Module: "heap", Message: "pointer does not belong to the heap"}
	errCorruptHeader  = &kernel.Error{Module: "heap", Message: "segment header is corrupt"}
	errDoubleFree     = &kernel.Error{Module: "heap", Message: "segment is already free"}
)

// segmentHeader precedes every segment payload. Links are byte offsets from
// the start of the heap.
type segmentHeader struct {
	magic uint32
	free  uint32

	// size is the payload size in bytes, excluding the header.
	size uint32

	next, prev uint32
}

const headerSize = uintptr(unsafe.Sizeof(segmentHeader{}))

// Segment describes a heap segment.
type Segment struct {
	// Addr is the address of the segment payload.
	Addr uintptr
	Size uintptr
	Free bool
}

// Heap is a first-fit allocator over a fixed memory region. Adjacent
// segments are never both free.
type Heap struct {
	lock sync.IRQSpinlock

	mem   *mm.Memory
	start uintptr
	size  uintptr
}

// Init sets up the heap to manage size bytes starting at start. The whole
// region becomes a single free segment.
func (h *Heap) Init(mem *mm.Memory, start, size uintptr) *kernel.Error {
	if start%alignment != 0 || size < headerSize+alignment || uint64(size) > math.MaxUint32 || !mem.Contains(start, size) {
		return errInvalidRegion
	}

	h.lock.Acquire()
	defer h.lock.Release()

	h.mem, h.start, h.size = mem, start, size
	*h.header(0) = segmentHeader{
		magic: segmentMagic,
		free:  1,
		size:  uint32(size - headerSize),
		next:  noSegment,
		prev:  noSegment,
	}

	kfmt.Printf("[heap] managing %d bytes at 0x%x\n", size, start)
	return nil
}

func (h *Heap) header(offset uint32) *segmentHeader {
	return mm.At[segmentHeader](h.mem, h.start+uintptr(offset))
}

// Alloc reserves size bytes and returns their address. The size is rounded
// up to a multiple of 4.
func (h *Heap) Alloc(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errInvalidSize
	}

	h.lock.Acquire()
	defer h.lock.Release()

	if size > h.size {
		return 0, errOutOfMemory
	}
	size = mm.AlignUp(size, alignment)

	for offset := uint32(0); h.mem != nil && offset != noSegment; {
		seg := h.header(offset)
		if seg.free == 0 || uintptr(seg.size) < size {
			offset = seg.next
			continue
		}

		// Split when the remainder can hold another header plus the
		// smallest possible payload.
		if uintptr(seg.size)-size >= headerSize+alignment {
			splitOffset := offset + uint32(headerSize+size)
			*h.header(splitOffset) = segmentHeader{
				magic: segmentMagic,
				free:  1,
				size:  seg.size - uint32(size+headerSize),
				next:  seg.next,
				prev:  offset,
			}
			if seg.next != noSegment {
				h.header(seg.next).prev = splitOffset
			}
			seg.next = splitOffset
			seg.size = uint32(size)
		}

		seg.free = 0
		return h.start + uintptr(offset) + headerSize, nil
	}

	return 0, errOutOfMemory
}

// Free releases the allocation at ptr and merges its segment with any free
// neighbours. A nil ptr is ignored. Pointers that were not returned by Alloc
// or were already freed are reported and otherwise ignored.
func (h *Heap) Free(ptr uintptr) *kernel.Error {
	if ptr == 0 {
		return nil
	}

	h.lock.Acquire()
	defer h.lock.Release()

	if h.mem == nil || ptr < h.start+headerSize || ptr >= h.start+h.size || (ptr-h.start)%alignment != 0 {
		kfmt.Printf("[heap] ignoring free of foreign pointer 0x%x\n", ptr)
		return errForeignPointer
	}

	offset := uint32(ptr - h.start - headerSize)
	seg := h.header(offset)
	switch {
	case seg.magic != segmentMagic:
		kfmt.Printf("[heap] ignoring free of 0x%x; corrupt segment header\n", ptr)
		return errCorruptHeader
	case seg.free != 0:
		kfmt.Printf("[heap] ignoring double free of 0x%x\n", ptr)
		return errDoubleFree
	}

	seg.free = 1

	if seg.next != noSegment {
		if next := h.header(seg.next); next.free != 0 {
			h.absorbNext(offset, seg)
		}
	}

	if seg.prev != noSegment {
		if prev := h.header(seg.prev); prev.free != 0 {
			h.absorbNext(seg.prev, prev)
		}
	}

	return nil
}

// absorbNext merges the segment following seg (located at offset) into seg.
func (h *Heap) absorbNext(offset uint32, seg *segmentHeader) {
	next := h.header(seg.next)

	seg.size += uint32(headerSize) + next.size
	seg.next = next.next
	if next.next != noSegment {
		h.header(next.next).prev = offset
	}
	next.magic = 0
}

// Segments invokes fn for each segment in address order until fn returns
// false.
func (h *Heap) Segments(fn func(Segment) bool) {
	h.lock.Acquire()
	defer h.lock.Release()

	for offset := uint32(0); h.mem != nil && offset != noSegment; {
		seg := h.header(offset)
		if !fn(Segment{Addr: h.start + uintptr(offset) + headerSize, Size: uintptr(seg.size), Free: seg.free != 0}) {
			return
		}
		offset = seg.next
	}
}

// FreeBytes returns the total payload size of all free segments.
func (h *Heap) FreeBytes() uintptr {
	var free uintptr
	h.Segments(func(s Segment) bool {
		if s.Free {
			free += s.Size
		}
		return true
	})
	return free
}

// Region returns the memory range managed by the heap.
func (h *Heap) Region() mm.Region {
	return mm.Region{Start: h.start, Size: h.size}
}
