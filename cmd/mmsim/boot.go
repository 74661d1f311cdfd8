package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"simpleos/kernel/mm/pmm"
)

func init() {
	rootCmd.AddCommand(newBootCmd())
}

func newBootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Boot the memory-management stack and report its state",
		Long: `The boot command runs the kernel's memory-management boot sequence
and prints the resulting physical memory layout together with the buddy
allocator's free lists.

Example:
  mmsim boot
  mmsim boot --memory 256
  mmsim boot --config machine.yaml --quiet`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFromFlags(cmd)
			if err != nil {
				return err
			}

			sim, err := bootSimulation(cfg, kernelLogSink(cmd))
			if err != nil {
				return err
			}
			defer sim.Close()

			return runBoot(cmd.OutOrStdout(), sim)
		},
	}
}

func runBoot(w io.Writer, sim *simulation) error {
	k := sim.kernel
	st := k.Frames.Stats()
	heapRegion := k.Heap.Region()

	fmt.Fprintln(w, title("Physical memory"))
	fmt.Fprintln(w, field("Installed", formatBytes(sim.cfg.MemorySize)))
	fmt.Fprintln(w, field("Page frames", printer.Sprintf("%d", st.TotalPages)))
	fmt.Fprintln(w, field("Free", formatBytes(st.FreeBytes)))
	fmt.Fprintln(w, field("Kernel reserved", fmt.Sprintf("[0x0 - 0x%x]", pmm.KernelReservedEnd())))
	fmt.Fprintln(w, field("Heap", fmt.Sprintf("[0x%x - 0x%x]", heapRegion.Start, heapRegion.End())))
	fmt.Fprintln(w, field("Heap free", formatBytes(uint64(k.Heap.FreeBytes()))))
	fmt.Fprintln(w, field("Page table root", fmt.Sprintf("0x%x", k.Mapper.Root().Address())))
	fmt.Fprintln(w, field("Identity-mapped", formatBytes(sim.cfg.Boot.IdentitySpan())))

	fmt.Fprintln(w, title("Buddy free areas"))
	fmt.Fprintln(w, freeAreaTable(st))
	return nil
}
