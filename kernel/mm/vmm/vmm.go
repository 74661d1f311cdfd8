// Package vmm builds and maintains the kernel's 4-level page tables.
package vmm

import (
	"simpleos/bootparams"
	"simpleos/kernel"
	"simpleos/kernel/cpu"
	"simpleos/kernel/gate"
	"simpleos/kernel/kfmt"
	"simpleos/kernel/mm"
)

var (
	// kernelMapper is the mapper installed by Install.
	kernelMapper *Mapper

	// the following functions are mocked by tests.
	switchPDTFn       = cpu.SwitchPDT
	handleInterruptFn = gate.HandleInterrupt

	errPagingInactive = &kernel.Error{Module: "vmm", Message: "paging has not been installed"}
)

// Install creates the kernel page tables. It identity-maps the low memory
// span configured in params and the framebuffer, registers the fault
// handlers and activates the new root table.
func Install(mem *mm.Memory, params *bootparams.Params) (*Mapper, *kernel.Error) {
	m, err := NewMapper(mem)
	if err != nil {
		return nil, err
	}

	span := uintptr(params.IdentitySpan())
	if err = m.IdentityMapRegion(0, span, FlagPresent|FlagRW); err != nil {
		return nil, err
	}
	kfmt.Printf("[vmm] identity-mapped [0x0 - 0x%x]\n", span)

	if screen := params.Screen; screen.PhysBase != 0 {
		fbStart, fbSize := uintptr(screen.PhysBase), uintptr(screen.FramebufferSize())
		if err = m.IdentityMapRegion(fbStart, fbSize, FlagPresent|FlagRW); err != nil {
			kfmt.Printf("[vmm] unable to identity-map the framebuffer: %s\n", err.Message)
			return nil, err
		}
		kfmt.Printf("[vmm] identity-mapped framebuffer [0x%x - 0x%x]\n", fbStart, fbStart+fbSize)
	}

	handleInterruptFn(gate.PageFaultException, pageFaultHandler)
	handleInterruptFn(gate.GPFException, generalProtectionFaultHandler)

	kernelMapper = m
	switchPDTFn(m.root.Address())
	return m, nil
}

// Active returns the mapper created by Install or nil if paging has not been
// installed yet.
func Active() *Mapper {
	return kernelMapper
}

// Map establishes a mapping using the page tables created by Install.
func Map(physAddr, virtAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	if kernelMapper == nil {
		return errPagingInactive
	}
	return kernelMapper.Map(physAddr, virtAddr, flags)
}

// Translate resolves a virtual address using the page tables created by
// Install.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	if kernelMapper == nil {
		return 0, errPagingInactive
	}
	return kernelMapper.Translate(virtAddr)
}
