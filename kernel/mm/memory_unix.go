//go:build unix

package mm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NewHostMemory reserves size bytes of anonymous host memory and exposes it as
// physical memory. The mapping is page-aligned and zero-filled. Callers must
// invoke Release when the memory is no longer needed.
func NewHostMemory(size Size) (*Memory, error) {
	if size == 0 || uint64(size)&uint64(PageSize-1) != 0 {
		return nil, fmt.Errorf("host memory size %d is not a positive multiple of the page size", size)
	}

	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap host memory: %w", err)
	}

	return &Memory{
		data:    data,
		release: func() error { return unix.Munmap(data) },
	}, nil
}
