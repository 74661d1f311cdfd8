package slab

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simpleos/kernel"
	"simpleos/kernel/kfmt"
	"simpleos/kernel/mm"
)

// testFrames hands out the frames of a small physical memory and records
// every call made through the mm frame allocator hooks.
type testFrames struct {
	mem       *mm.Memory
	available []mm.Frame
	allocs    int
	released  []mm.Frame
}

func mockFrameAllocator(t *testing.T, pages int) *testFrames {
	tf := &testFrames{mem: mm.NewMemory(make([]byte, uintptr(pages)*mm.PageSize))}
	for f := pages - 1; f >= 0; f-- {
		tf.available = append(tf.available, mm.Frame(f))
	}

	mm.SetFrameAllocator(
		func() (mm.Frame, *kernel.Error) {
			if len(tf.available) == 0 {
				return mm.InvalidFrame, &kernel.Error{Module: "test", Message: "out of frames"}
			}
			tf.allocs++
			f := tf.available[len(tf.available)-1]
			tf.available = tf.available[:len(tf.available)-1]
			return f, nil
		},
		func(f mm.Frame) *kernel.Error {
			tf.released = append(tf.released, f)
			tf.available = append(tf.available, f)
			return nil
		},
	)
	t.Cleanup(func() { mm.SetFrameAllocator(nil, nil) })
	return tf
}

// freeChainLen counts the slots reachable from the slab's free-index chain.
func freeChainLen(c *Cache, f mm.Frame) int {
	var n int
	indices := c.indices(f)
	for idx := c.links.header(f).freeIdx; idx != endOfChain; idx = uint32(indices[idx]) {
		n++
	}
	return n
}

func checkInUse(t *testing.T, c *Cache) {
	t.Helper()
	for _, l := range []struct {
		name string
		each func(func(mm.Frame) bool)
	}{{"full", c.full.Each}, {"partial", c.partial.Each}, {"free", c.free.Each}} {
		l.each(func(f mm.Frame) bool {
			if exp, got := c.ObjectsPerSlab()-freeChainLen(c, f), int(c.links.header(f).inuse); got != exp {
				t.Errorf("[%s slab %d] expected inuse to be %d; got %d", l.name, f, exp, got)
			}
			return true
		})
	}
}

func TestNewCache(t *testing.T) {
	mem := mm.NewMemory(make([]byte, mm.PageSize))

	specs := []struct {
		objSize        uintptr
		expObjSize     uintptr
		expObjsPerSlab int
	}{
		{1, 4, 678},
		{4, 4, 678},
		{30, 32, 119},
		{64, 64, 61},
		{2032, 2032, 2},
		{4000, 4000, 1},
	}

	for specIndex, spec := range specs {
		c, err := NewCache(mem, spec.objSize)
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if c.ObjectSize() != spec.expObjSize {
			t.Errorf("[spec %d] expected object size %d; got %d", specIndex, spec.expObjSize, c.ObjectSize())
		}

		if c.ObjectsPerSlab() != spec.expObjsPerSlab {
			t.Errorf("[spec %d] expected %d objects per slab; got %d", specIndex, spec.expObjsPerSlab, c.ObjectsPerSlab())
		}

		if end := c.objOffset + uintptr(c.ObjectsPerSlab())*c.ObjectSize(); end > mm.PageSize {
			t.Errorf("[spec %d] slab layout ends at %d; past the page end", specIndex, end)
		}
	}

	for _, objSize := range []uintptr{0, mm.PageSize, mm.PageSize - 16, mm.PageSize + 1} {
		_, err := NewCache(mem, objSize)
		assert.Equal(t, errInvalidObjSize, err, "object size %d", objSize)
	}
}

func TestAllocFillsSlabBeforeGrowing(t *testing.T) {
	tf := mockFrameAllocator(t, 8)

	c, err := NewCache(tf.mem, 64)
	require.Nil(t, err)
	n := c.ObjectsPerSlab()

	seen := make(map[uintptr]struct{})
	for i := 0; i < n; i++ {
		obj, err := c.Alloc()
		require.Nil(t, err)
		require.Equal(t, 1, tf.allocs, "allocation %d", i)

		_, dup := seen[obj]
		require.False(t, dup, "object 0x%x handed out twice", obj)
		seen[obj] = struct{}{}

		require.Zero(t, (obj-mm.FrameFromAddress(obj).Address()-c.objOffset)%c.ObjectSize())
	}

	st := c.Stats()
	assert.Equal(t, 1, st.FullSlabs)
	assert.Equal(t, 0, st.PartialSlabs)

	// Allocation N+1 needs exactly one more frame.
	_, err = c.Alloc()
	require.Nil(t, err)
	assert.Equal(t, 2, tf.allocs)

	st = c.Stats()
	assert.Equal(t, 1, st.FullSlabs)
	assert.Equal(t, 1, st.PartialSlabs)
	assert.Equal(t, n+1, st.ObjectsInUse)
	checkInUse(t, c)
}

func TestFreePolicy(t *testing.T) {
	tf := mockFrameAllocator(t, 8)

	c, err := NewCache(tf.mem, 1024)
	require.Nil(t, err)
	require.Equal(t, 3, c.ObjectsPerSlab())

	var objs []uintptr
	for i := 0; i < 6; i++ {
		obj, err := c.Alloc()
		require.Nil(t, err)
		objs = append(objs, obj)
	}
	require.Equal(t, 2, c.Stats().FullSlabs)
	require.Equal(t, 2, tf.allocs)

	// A free on a full slab moves it to the partial list.
	require.Nil(t, c.Free(objs[0]))
	st := c.Stats()
	assert.Equal(t, 1, st.FullSlabs)
	assert.Equal(t, 1, st.PartialSlabs)
	checkInUse(t, c)

	// The next allocation reuses the freed slot (LIFO).
	obj, err := c.Alloc()
	require.Nil(t, err)
	assert.Equal(t, objs[0], obj)
	assert.Equal(t, 2, tf.allocs)

	// Emptying the first slab parks it on the free list.
	for _, obj := range objs[:3] {
		require.Nil(t, c.Free(obj))
	}
	st = c.Stats()
	assert.Equal(t, 1, st.FreeSlabs)
	assert.Equal(t, 1, st.FullSlabs)
	assert.Empty(t, tf.released)

	// Emptying the second one exceeds the free limit and releases its frame.
	for _, obj := range objs[3:] {
		require.Nil(t, c.Free(obj))
	}
	st = c.Stats()
	assert.Equal(t, 1, st.FreeSlabs)
	assert.Equal(t, 0, st.FullSlabs+st.PartialSlabs)
	assert.Equal(t, []mm.Frame{mm.FrameFromAddress(objs[3])}, tf.released)

	// Empty slabs are reused before new frames are requested.
	_, err = c.Alloc()
	require.Nil(t, err)
	assert.Equal(t, 2, tf.allocs)
	checkInUse(t, c)
}

func TestShrink(t *testing.T) {
	tf := mockFrameAllocator(t, 8)

	c, err := NewCache(tf.mem, 2032)
	require.Nil(t, err)
	c.SetFreeLimit(4)

	var objs []uintptr
	for i := 0; i < 6; i++ {
		obj, err := c.Alloc()
		require.Nil(t, err)
		objs = append(objs, obj)
	}
	for _, obj := range objs {
		require.Nil(t, c.Free(obj))
	}
	require.Equal(t, 3, c.Stats().FreeSlabs)
	require.Empty(t, tf.released)

	released, err := c.Shrink()
	require.Nil(t, err)
	assert.Equal(t, 3, released)
	assert.Len(t, tf.released, 3)
	assert.Equal(t, Stats{ObjectSize: 2032, ObjectsPerSlab: 2}, c.Stats())

	// Objects from a released slab are no longer recognised.
	assert.Equal(t, errForeignObject, c.Free(objs[0]))
}

func TestAllocOutOfMemory(t *testing.T) {
	tf := mockFrameAllocator(t, 1)

	c, err := NewCache(tf.mem, 4000)
	require.Nil(t, err)

	_, err = c.Alloc()
	require.Nil(t, err)

	_, err = c.Alloc()
	require.NotNil(t, err)
	assert.Equal(t, "out of frames", err.Message)
	assert.Equal(t, 1, c.Stats().FullSlabs)
}

func TestFreeErrors(t *testing.T) {
	defer kfmt.SetOutputSink(nil)
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	tf := mockFrameAllocator(t, 4)

	c, err := NewCache(tf.mem, 64)
	require.Nil(t, err)
	other, err := NewCache(tf.mem, 128)
	require.Nil(t, err)

	obj, err := c.Alloc()
	require.Nil(t, err)
	_, err = c.Alloc()
	require.Nil(t, err)

	specs := []struct {
		descr  string
		cache  *Cache
		obj    uintptr
		expErr *kernel.Error
	}{
		{"outside physical memory", c, 16 * mm.PageSize, errForeignObject},
		{"frame without a slab", c, 3 * mm.PageSize, errForeignObject},
		{"wrong cache", other, obj, errForeignObject},
		{"inside the slab header", c, mm.FrameFromAddress(obj).Address(), errInvalidObject},
		{"not at a slot boundary", c, obj + 4, errInvalidObject},
		{"past the last slot", c, mm.FrameFromAddress(obj).Address() + c.objOffset + uintptr(c.ObjectsPerSlab())*64, errInvalidObject},
	}

	for specIndex, spec := range specs {
		if err := spec.cache.Free(spec.obj); err != spec.expErr {
			t.Errorf("[spec %d] %s: expected error %v; got %v", specIndex, spec.descr, spec.expErr, err)
		}
	}

	require.Nil(t, c.Free(obj))
	assert.Equal(t, errDoubleFree, c.Free(obj))
	assert.Contains(t, buf.String(), "[slab] ignoring double free")
	assert.Equal(t, 1, c.Stats().ObjectsInUse)
	checkInUse(t, c)
}

func TestFreeRejectsCacheWithSameObjectSize(t *testing.T) {
	defer kfmt.SetOutputSink(nil)
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	tf := mockFrameAllocator(t, 4)

	a, err := NewCache(tf.mem, 64)
	require.Nil(t, err)
	b, err := NewCache(tf.mem, 64)
	require.Nil(t, err)
	require.NotEqual(t, a.id, b.id)

	objA, err := a.Alloc()
	require.Nil(t, err)
	objB, err := b.Alloc()
	require.Nil(t, err)
	require.NotEqual(t, mm.FrameFromAddress(objA), mm.FrameFromAddress(objB))

	assert.Equal(t, errForeignObject, b.Free(objA))
	assert.Equal(t, errForeignObject, a.Free(objB))
	assert.Contains(t, buf.String(), "not owned by the 64-byte cache")

	assert.Equal(t, Stats{ObjectSize: 64, ObjectsPerSlab: 61, PartialSlabs: 1, ObjectsInUse: 1}, a.Stats())
	assert.Equal(t, Stats{ObjectSize: 64, ObjectsPerSlab: 61, PartialSlabs: 1, ObjectsInUse: 1}, b.Stats())

	// Both objects are still live, so their slots are not handed out again.
	next, err := a.Alloc()
	require.Nil(t, err)
	assert.NotEqual(t, objA, next)

	require.Nil(t, a.Free(objA))
	require.Nil(t, b.Free(objB))
	checkInUse(t, a)
	checkInUse(t, b)
}
