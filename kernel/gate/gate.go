// Package gate routes CPU exceptions and interrupts to the handlers that
// kernel subsystems register for them.
package gate

import (
	"io"

	"simpleos/kernel"
	"simpleos/kernel/kfmt"
	"simpleos/kernel/sync"
)

// Registers contains a snapshot of all register values when an exception or
// interrupt occurs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Info contains the exception code for exceptions or the IRQ number
	// for HW interrupts.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %016x RBX = %016x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %016x RDX = %016x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %016x RDI = %016x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %016x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %016x R9  = %016x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %016x R11 = %016x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %016x R13 = %016x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %016x R15 = %016x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %016x CS  = %016x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %016x SS  = %016x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %016x\n", r.RFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)
)

// Handler is invoked with the register snapshot of the interrupted context.
type Handler func(*Registers)

var (
	handlers    [256]Handler
	handlerLock sync.IRQSpinlock

	// ErrUnhandledInterrupt is returned by Dispatch when no handler has
	// been registered for an interrupt number.
	ErrUnhandledInterrupt = &kernel.Error{Module: "gate", Message: "no handler registered for interrupt"}
)

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. A nil handler removes any previously
// registered handler.
func HandleInterrupt(intNumber InterruptNumber, handler Handler) {
	handlerLock.Acquire()
	handlers[intNumber] = handler
	handlerLock.Release()
}

// Dispatch routes an interrupt to its registered handler. It is invoked by
// the interrupt entry path with interrupts disabled.
func Dispatch(intNumber InterruptNumber, regs *Registers) *kernel.Error {
	handlerLock.Acquire()
	handler := handlers[intNumber]
	handlerLock.Release()

	if handler == nil {
		return ErrUnhandledInterrupt
	}

	handler(regs)
	return nil
}
