// Package slab implements fixed-size object caches. Each slab occupies a
// single page frame obtained through mm.AllocFrame and is laid out as:
//
//	[header][uint16 free-index array][objects]
//
// The free-index array forms a singly-linked chain of unused object slots.
package slab

import (
	"math"
	"sync/atomic"
	"unsafe"

	"simpleos/kernel"
	"simpleos/kernel/kfmt"
	"simpleos/kernel/mm"
	"simpleos/kernel/mm/list"
	"simpleos/kernel/sync"
)

const (
	// slabMagic tags the header of every slab owned by a cache.
	slabMagic = 0x51ab51ab

	// endOfChain terminates the free-index chain.
	endOfChain = 0xffff

	// noLink terminates a slab list.
	noLink = math.MaxUint32

	objAlignment = 4

	// DefaultFreeLimit is the number of empty slabs a cache keeps around
	// before returning frames to the frame allocator.
	DefaultFreeLimit = 1
)

var (
	errInvalidObjSize = &kernel.Error{Module: "slab", Message: "object size does not fit in a slab"}
	errForeignObject  = &kernel.Error{Module: "slab", Message: "object does not belong to this cache"}
	errInvalidObject  = &kernel.Error{Module: "slab", Message: "address is not the start of an object slot"}
	errDoubleFree     = &kernel.Error{Module: "slab", Message: "object is already free"}

	// lastCacheID hands out the owner tags stamped into slab headers.
	lastCacheID uint32
)

// slabHeader is stored at the start of each slab frame.
type slabHeader struct {
	magic   uint32
	objSize uint32

	// owner is the id of the cache the slab belongs to.
	owner uint32

	// inuse is the number of allocated objects.
	inuse uint32

	// freeIdx is the first slot of the free-index chain.
	freeIdx uint32

	// next and prev hold the frame numbers of the neighbouring slabs in
	// the cache list this slab belongs to.
	next, prev uint32
}

const headerSize = unsafe.Sizeof(slabHeader{})

// slabLinks exposes the list links stored in slab headers.
type slabLinks struct {
	mem *mm.Memory
}

func (l slabLinks) header(f mm.Frame) *slabHeader {
	return mm.At[slabHeader](l.mem, f.Address())
}

func (l slabLinks) Next(f mm.Frame) mm.Frame { return linkToFrame(l.header(f).next) }
func (l slabLinks) SetNext(f, next mm.Frame) { l.header(f).next = frameToLink(next) }
func (l slabLinks) Prev(f mm.Frame) mm.Frame { return linkToFrame(l.header(f).prev) }
func (l slabLinks) SetPrev(f, prev mm.Frame) { l.header(f).prev = frameToLink(prev) }

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

// Cache allocates objects of a single size.
type Cache struct {
	lock sync.IRQSpinlock

	id    uint32
	mem   *mm.Memory
	links slabLinks

	objSize     uintptr
	objsPerSlab uint16

	// objOffset is the offset of the first object from the slab start.
	objOffset uintptr

	full, partial, free list.List[mm.Frame]
	freeLimit           int
}

// NewCache creates a cache for objects of objSize bytes whose slabs are
// stored in mem. The object size is rounded up to a multiple of 4.
func NewCache(mem *mm.Memory, objSize uintptr) (*Cache, *kernel.Error) {
	if objSize == 0 || objSize > mm.PageSize {
		return nil, errInvalidObjSize
	}
	objSize = mm.AlignUp(objSize, objAlignment)

	// Each object needs objSize bytes plus a 2-byte free-index entry.
	count := (mm.PageSize - headerSize) / (objSize + 2)
	for count > 0 && objectsOffset(count)+count*objSize > mm.PageSize {
		count--
	}
	if count == 0 {
		return nil, errInvalidObjSize
	}

	links := slabLinks{mem: mem}
	return &Cache{
		id:          atomic.AddUint32(&lastCacheID, 1),
		mem:         mem,
		links:       links,
		objSize:     objSize,
		objsPerSlab: uint16(count),
		objOffset:   objectsOffset(count),
		full:        list.New[mm.Frame](links, mm.InvalidFrame),
		partial:     list.New[mm.Frame](links, mm.InvalidFrame),
		free:        list.New[mm.Frame](links, mm.InvalidFrame),
		freeLimit:   DefaultFreeLimit,
	}, nil
}

// objectsOffset returns the offset of the object area for a slab holding
// count objects.
func objectsOffset(count uintptr) uintptr {
	return mm.AlignUp(headerSize+2*count, objAlignment)
}

// ObjectSize returns the size of the objects served by the cache.
func (c *Cache) ObjectSize() uintptr {
	return c.objSize
}

// ObjectsPerSlab returns the number of objects stored in each slab.
func (c *Cache) ObjectsPerSlab() int {
	return int(c.objsPerSlab)
}

// SetFreeLimit sets the number of empty slabs the cache retains. Frames of
// empty slabs beyond the limit are returned with mm.FreeFrame.
func (c *Cache) SetFreeLimit(limit int) {
	c.lock.Acquire()
	c.freeLimit = limit
	c.lock.Release()
}

func (c *Cache) indices(f mm.Frame) []uint16 {
	return mm.SliceAt[uint16](c.mem, f.Address()+headerSize, uintptr(c.objsPerSlab))
}

// Alloc returns the address of an unused object.
func (c *Cache) Alloc() (uintptr, *kernel.Error) {
	c.lock.Acquire()
	defer c.lock.Release()

	frame, ok := c.partial.Front()
	if !ok {
		if frame, ok = c.free.PopFront(); !ok {
			var err *kernel.Error
			if frame, err = c.grow(); err != nil {
				return 0, err
			}
		}
		c.partial.PushFront(frame)
	}

	hdr := c.links.header(frame)
	indices := c.indices(frame)

	slot := hdr.freeIdx
	hdr.freeIdx = uint32(indices[slot])
	hdr.inuse++

	if hdr.freeIdx == endOfChain {
		c.partial.Remove(frame)
		c.full.PushFront(frame)
	}

	return frame.Address() + c.objOffset + uintptr(slot)*c.objSize, nil
}

// grow initializes a slab in a newly allocated frame.
func (c *Cache) grow() (mm.Frame, *kernel.Error) {
	frame, err := mm.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	*c.links.header(frame) = slabHeader{
		magic:   slabMagic,
		objSize: uint32(c.objSize),
		owner:   c.id,
		freeIdx: 0,
		next:    noLink,
		prev:    noLink,
	}

	indices := c.indices(frame)
	for i := range indices {
		indices[i] = uint16(i + 1)
	}
	indices[len(indices)-1] = endOfChain

	return frame, nil
}

// Free returns obj to the cache.
func (c *Cache) Free(obj uintptr) *kernel.Error {
	c.lock.Acquire()
	defer c.lock.Release()

	frame := mm.FrameFromAddress(obj)
	if !c.mem.Contains(frame.Address(), mm.PageSize) {
		kfmt.Printf("[slab] ignoring free of 0x%x; address outside physical memory\n", obj)
		return errForeignObject
	}

	hdr := c.links.header(frame)
	if hdr.magic != slabMagic || hdr.owner != c.id || hdr.objSize != uint32(c.objSize) {
		kfmt.Printf("[slab] ignoring free of 0x%x; not owned by the %d-byte cache\n", obj, c.objSize)
		return errForeignObject
	}

	offset := obj - frame.Address()
	if offset < c.objOffset || (offset-c.objOffset)%c.objSize != 0 {
		return errInvalidObject
	}

	slot := (offset - c.objOffset) / c.objSize
	if slot >= uintptr(c.objsPerSlab) {
		return errInvalidObject
	}

	indices := c.indices(frame)
	for idx := hdr.freeIdx; idx != endOfChain; idx = uint32(indices[idx]) {
		if uintptr(idx) == slot {
			kfmt.Printf("[slab] ignoring double free of 0x%x\n", obj)
			return errDoubleFree
		}
	}

	wasFull := hdr.freeIdx == endOfChain
	indices[slot] = uint16(hdr.freeIdx)
	hdr.freeIdx = uint32(slot)
	hdr.inuse--

	if wasFull {
		c.full.Remove(frame)
		c.partial.PushFront(frame)
	}

	if hdr.inuse == 0 {
		c.partial.Remove(frame)
		c.free.PushFront(frame)

		if c.free.Len() > c.freeLimit {
			c.free.Remove(frame)
			return c.release(frame)
		}
	}

	return nil
}

// release returns the frame of an empty slab to the frame allocator.
func (c *Cache) release(frame mm.Frame) *kernel.Error {
	c.links.header(frame).magic = 0
	return mm.FreeFrame(frame)
}

// Shrink releases the frames of all empty slabs and returns their number.
func (c *Cache) Shrink() (int, *kernel.Error) {
	c.lock.Acquire()
	defer c.lock.Release()

	var released int
	for {
		frame, ok := c.free.PopFront()
		if !ok {
			return released, nil
		}

		if err := c.release(frame); err != nil {
			return released, err
		}
		released++
	}
}

// Stats describes the state of a cache.
type Stats struct {
	ObjectSize     uintptr
	ObjectsPerSlab int

	FullSlabs    int
	PartialSlabs int
	FreeSlabs    int

	// ObjectsInUse is the number of allocated objects.
	ObjectsInUse int
}

// Stats returns a snapshot of the cache lists.
func (c *Cache) Stats() Stats {
	c.lock.Acquire()
	defer c.lock.Release()

	st := Stats{
		ObjectSize:     c.objSize,
		ObjectsPerSlab: int(c.objsPerSlab),
		FullSlabs:      c.full.Len(),
		PartialSlabs:   c.partial.Len(),
		FreeSlabs:      c.free.Len(),
	}
	st.ObjectsInUse = st.FullSlabs * st.ObjectsPerSlab
	c.partial.Each(func(f mm.Frame) bool {
		st.ObjectsInUse += int(c.links.header(f).inuse)
		return true
	})
	return st
}
