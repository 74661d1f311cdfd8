// Package sync provides the locks used by the memory-management subsystems.
package sync

import (
	"simpleos/kernel/cpu"
	"sync/atomic"
)

var (
	// yieldFn is invoked by a spinning task after attemptsBeforeYielding
	// failed acquisition attempts. It is nil until context-switching is
	// available.
	yieldFn func()

	// the following functions are mocked by tests.
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	acquireSpinlock(&l.state, 16)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

func acquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for {
		for i := uint32(0); i < attemptsBeforeYielding; i++ {
			if atomic.LoadUint32(state) == 0 && atomic.CompareAndSwapUint32(state, 0, 1) {
				return
			}
		}

		if yieldFn != nil {
			yieldFn()
		}
	}
}

// IRQSpinlock is a Spinlock that keeps interrupts disabled while it is held
// so an interrupt handler can never observe the protected structure in the
// middle of an update. Release restores the interrupt state that was active
// when the lock was acquired, which makes nested IRQSpinlocks safe.
type IRQSpinlock struct {
	lock Spinlock

	// restoreIRQ is only accessed while lock is held.
	restoreIRQ bool
}

// Acquire disables interrupts and spins until the lock is acquired.
func (l *IRQSpinlock) Acquire() {
	enabled := interruptsEnabledFn()
	disableInterruptsFn()
	l.lock.Acquire()
	l.restoreIRQ = enabled
}

// Release relinquishes the lock and re-enables interrupts if they were
// enabled before the matching Acquire call.
func (l *IRQSpinlock) Release() {
	restore := l.restoreIRQ
	l.restoreIRQ = false
	l.lock.Release()

	if restore {
		enableInterruptsFn()
	}
}
