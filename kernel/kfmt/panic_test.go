package kfmt

import (
	"bytes"
	"errors"
	"testing"

	"simpleos/kernel"
	"simpleos/kernel/cpu"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		cpuDisableInterruptsFn = cpu.DisableInterrupts
		SetOutputSink(nil)
	}()

	var cpuHaltCalled, irqDisabled bool
	cpuHaltFn = func() { cpuHaltCalled = true }
	cpuDisableInterruptsFn = func() { irqDisabled = true }

	specs := []struct {
		name   string
		arg    interface{}
		expOut string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "test", Message: "panic test"},
			"\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with error",
			errors.New("go error"),
			"\n-----------------------------------\n[rt] unrecoverable error: go error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with string",
			"string error",
			"\n-----------------------------------\n[rt] unrecoverable error: string error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"without error",
			nil,
			"\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			cpuHaltCalled, irqDisabled = false, false
			var buf bytes.Buffer
			SetOutputSink(&buf)

			Panic(spec.arg)

			if got := buf.String(); got != spec.expOut {
				t.Fatalf("expected to get:\n%q\ngot:\n%q", spec.expOut, got)
			}

			if !cpuHaltCalled || !irqDisabled {
				t.Fatal("expected Panic to disable interrupts and halt the CPU")
			}
		})
	}
}
