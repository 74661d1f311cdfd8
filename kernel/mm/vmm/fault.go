package vmm

import (
	"fmt"

	"simpleos/kernel"
	"simpleos/kernel/cpu"
	"simpleos/kernel/gate"
	"simpleos/kernel/kfmt"
)

var (
	// the following functions are mocked by tests.
	readCR2Fn = cpu.ReadCR2
	panicFn   = kfmt.Panic

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/GPF fault"}
)

// pageFaultHandler reports the faulting address and halts. Page faults are
// never recovered.
func pageFaultHandler(regs *gate.Registers) {
	nonRecoverablePageFault(uintptr(readCR2Fn()), regs, errUnrecoverableFault)
}

// Page fault error code bits.
const (
	faultPresent     = 1 << 0
	faultWrite       = 1 << 1
	faultUser        = 1 << 2
	faultReservedBit = 1 << 3
	faultFetch       = 1 << 4

	faultKnownBits = faultPresent | faultWrite | faultUser | faultReservedBit | faultFetch
)

func nonRecoverablePageFault(faultAddress uintptr, regs *gate.Registers, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: %s", faultAddress, faultReason(regs.Info))

	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panicFn(err)
}

// faultReason decodes every bit of a page fault error code.
func faultReason(code uint64) string {
	access := "read"
	switch {
	case code&faultFetch != 0:
		access = "instruction fetch"
	case code&faultWrite != 0:
		access = "write"
	}

	var reason string
	switch {
	case code&faultPresent != 0:
		reason = "page protection violation (" + access + ")"
	case access == "read":
		reason = "read from non-present page"
	default:
		reason = access + " to non-present page"
	}

	if code&faultUser != 0 {
		reason += ", page-fault in user-mode"
	}
	if code&faultReservedBit != 0 {
		reason += ", page table has reserved bit set"
	}
	if unknown := code &^ faultKnownBits; unknown != 0 {
		reason += fmt.Sprintf(", unknown error code bits 0x%x", unknown)
	}
	return reason
}

func generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panicFn(errUnrecoverableFault)
}
