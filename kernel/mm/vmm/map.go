package vmm

import (
	"simpleos/kernel"
	"simpleos/kernel/cpu"
	"simpleos/kernel/mm"
	"simpleos/kernel/sync"
)

var (
	// flushTLBEntryFn is used by tests to observe TLB flushes.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errTableNotBacked    = &kernel.Error{Module: "vmm", Message: "page table frame is not backed by physical memory"}
)

// Mapper maintains a 4-level page table hierarchy stored in physical memory.
// Intermediate tables are allocated through mm.AllocFrame the first time a
// mapping below them is created.
type Mapper struct {
	lock sync.IRQSpinlock

	mem  *mm.Memory
	root mm.Frame
}

// NewMapper allocates and clears a root table.
func NewMapper(mem *mm.Memory) (*Mapper, *kernel.Error) {
	m := &Mapper{mem: mem}

	root, err := m.allocTable()
	if err != nil {
		return nil, err
	}
	m.root = root
	return m, nil
}

// Root returns the frame holding the top-level table.
func (m *Mapper) Root() mm.Frame {
	return m.root
}

// allocTable allocates a frame for a page table and clears it.
func (m *Mapper) allocTable() (mm.Frame, *kernel.Error) {
	frame, err := mm.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	if !m.mem.Contains(frame.Address(), mm.PageSize) {
		_ = mm.FreeFrame(frame)
		return mm.InvalidFrame, errTableNotBacked
	}

	m.mem.Memset(frame.Address(), 0, mm.PageSize)
	return frame, nil
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. If walkFn returns false then the walk is aborted. Otherwise,
// the walk continues with the table that the entry points to.
func (m *Mapper) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableAddr := m.root.Address()
	for level := uint8(0); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte := mm.At[pageTableEntry](m.mem, tableAddr+(entryIndex<<mm.PointerShift))

		if !walkFn(level, pte) {
			return
		}

		tableAddr = pte.Frame().Address()
	}
}

// Map establishes a mapping between a virtual address and a physical
// address. Missing page tables are allocated and installed as present,
// writable and user-accessible. If Map fails, the tables it allocated are
// uninstalled and released.
func (m *Mapper) Map(physAddr, virtAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	return m.mapPage(physAddr, virtAddr, flags)
}

func (m *Mapper) mapPage(physAddr, virtAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	var (
		err       *kernel.Error
		installed [pageLevels - 1]*pageTableEntry
		count     int
	)

	m.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(mm.FrameFromAddress(physAddr))
			pte.SetFlags(flags)
			flushTLBEntryFn(mm.PageFromAddress(virtAddr).Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var tableFrame mm.Frame
			if tableFrame, err = m.allocTable(); err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(tableFrame)
			pte.SetFlags(tableFlags)
			installed[count] = pte
			count++
		}

		return true
	})

	if err != nil {
		for count > 0 {
			count--
			pte := installed[count]
			frame := pte.Frame()
			*pte = 0
			_ = mm.FreeFrame(frame)
		}
	}

	return err
}

// IdentityMapRegion maps the physical region starting at startAddr to the
// same virtual addresses. The region is extended to page boundaries.
func (m *Mapper) IdentityMapRegion(startAddr, size uintptr, flags PageTableEntryFlag) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	start := mm.AlignDown(startAddr, mm.PageSize)
	end := mm.AlignUp(startAddr+size, mm.PageSize)
	for addr := start; addr < end; addr += mm.PageSize {
		if err := m.mapPage(addr, addr, flags); err != nil {
			return err
		}
	}

	return nil
}

// Unmap removes a mapping previously installed via a call to Map. Page
// tables are kept even if they become empty.
func (m *Mapper) Unmap(virtAddr uintptr) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	pte, err := m.pteForAddress(virtAddr)
	if err != nil {
		return err
	}

	pte.ClearFlags(FlagPresent)
	flushTLBEntryFn(mm.PageFromAddress(virtAddr).Address())
	return nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (m *Mapper) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	pte, err := m.pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// pteForAddress returns the final page table entry that corresponds to a
// particular virtual address, or ErrInvalidMapping if the page is not
// present.
func (m *Mapper) pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	m.walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		if level < pageLevels-1 && pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		entry = pte
		return true
	})

	return entry, err
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
