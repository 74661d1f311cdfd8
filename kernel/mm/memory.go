package mm

import (
	"unsafe"

	"simpleos/kernel"
)

// Memory provides access to physical memory. Offset 0 of the backing slice
// corresponds to physical address 0, so physical addresses double as indices
// into the backing store. Every structure the allocators maintain (page
// descriptors, slab headers, heap segments, page tables) is stored inside the
// Memory it manages.
type Memory struct {
	data    []byte
	release func() error
}

var errAccessOutOfRange = &kernel.Error{Module: "mm", Message: "physical memory access out of range"}

// NewMemory wraps data so it can be used as physical memory. The slice must be
// page-aligned for the page table code to produce aligned accesses.
func NewMemory(data []byte) *Memory {
	return &Memory{data: data}
}

// Size returns the number of addressable bytes.
func (m *Memory) Size() uintptr {
	return uintptr(len(m.data))
}

// Contains returns true if the range [addr, addr+size) is addressable.
func (m *Memory) Contains(addr, size uintptr) bool {
	return addr <= m.Size() && size <= m.Size()-addr
}

// Bytes returns a slice aliasing size bytes of physical memory starting at
// addr. Accessing memory that is not backed is a fatal kernel bug and causes
// a panic.
func (m *Memory) Bytes(addr, size uintptr) []byte {
	if !m.Contains(addr, size) {
		panic(errAccessOutOfRange)
	}
	return m.data[addr : addr+size : addr+size]
}

// Memset sets size bytes at the given address to the supplied value. Instead of
// using a for loop, this function uses log2(size) copy calls.
func (m *Memory) Memset(addr uintptr, value byte, size uintptr) {
	if size == 0 {
		return
	}

	target := m.Bytes(addr, size)
	target[0] = value
	for index := uintptr(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}

// Memcopy copies size bytes from src to dst.
func (m *Memory) Memcopy(src, dst uintptr, size uintptr) {
	if size == 0 {
		return
	}
	copy(m.Bytes(dst, size), m.Bytes(src, size))
}

// Release returns the backing store to the host. It is a no-op for memory
// created with NewMemory.
func (m *Memory) Release() error {
	if m.release == nil {
		return nil
	}

	err := m.release()
	m.data, m.release = nil, nil
	return err
}

// At returns a typed pointer to the value of type T stored at addr.
func At[T any](m *Memory, addr uintptr) *T {
	var zero T
	return (*T)(unsafe.Pointer(&m.Bytes(addr, unsafe.Sizeof(zero))[0]))
}

// SliceAt returns a slice of count values of type T stored at addr.
func SliceAt[T any](m *Memory, addr uintptr, count uintptr) []T {
	if count == 0 {
		return nil
	}

	var zero T
	b := m.Bytes(addr, count*unsafe.Sizeof(zero))
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), count)
}
