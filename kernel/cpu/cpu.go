// Package cpu exposes the processor state touched by the memory-management
// code: the interrupt flag, the page-fault address register (CR2), the
// page-table base register (CR3) and the TLB.
//
// This implementation keeps the registers in memory so the allocators can run
// hosted (tests and the mmsim tool). Callers that need to observe or override
// a particular effect replace the package-level function variables of the
// consuming package rather than calling into this package directly.
package cpu

import "sync/atomic"

var (
	// interruptsEnabled mirrors RFLAGS.IF; it is set when the machine
	// starts executing kernel code.
	interruptsEnabled uint32 = 1

	cr2 uint64
	cr3 uint64

	// tlbFlushes counts FlushTLBEntry invocations.
	tlbFlushes uint64
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() {
	atomic.StoreUint32(&interruptsEnabled, 1)
}

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() {
	atomic.StoreUint32(&interruptsEnabled, 0)
}

// InterruptsEnabled returns true if interrupt handling is enabled.
func InterruptsEnabled() bool {
	return atomic.LoadUint32(&interruptsEnabled) == 1
}

// Halt stops instruction execution. Interrupts are expected to be disabled
// by the caller; Halt never returns.
func Halt() {
	select {}
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(_ uintptr) {
	atomic.AddUint64(&tlbFlushes, 1)
}

// TLBFlushCount returns the number of TLB entries flushed so far.
func TLBFlushCount() uint64 {
	return atomic.LoadUint64(&tlbFlushes)
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) {
	atomic.StoreUint64(&cr3, uint64(pdtPhysAddr))
}

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr {
	return uintptr(atomic.LoadUint64(&cr3))
}

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64 {
	return atomic.LoadUint64(&cr2)
}

// RaisePageFault latches addr into CR2 the way the MMU does before it
// delivers a page-fault exception.
func RaisePageFault(addr uintptr) {
	atomic.StoreUint64(&cr2, uint64(addr))
}
