package main

import (
	"fmt"
	"io"
	"math/rand"

	"github.com/fogleman/gg"
	"github.com/spf13/cobra"

	"simpleos/bootparams"
	"simpleos/kernel/mm"
	"simpleos/kernel/mm/pmm"
)

var (
	renderOut     string
	renderColumns int
	renderCell    int
	renderAllocs  int
)

// frameState classifies a page frame for rendering.
type frameState uint8

const (
	frameHole frameState = iota
	frameKernel
	frameHeap
	frameAllocated
	frameFree
)

var frameColors = map[frameState]string{
	frameHole:      "#1A1A1A",
	frameKernel:    "#7D56F4",
	frameHeap:      "#FFA500",
	frameAllocated: "#FF4B4B",
	frameFree:      "#04B575",
}

func init() {
	cmd := newRenderCmd()
	cmd.Flags().StringVarP(&renderOut, "out", "o", "frames.png", "Output PNG file")
	cmd.Flags().IntVar(&renderColumns, "columns", 256, "Frames per image row")
	cmd.Flags().IntVar(&renderCell, "cell", 4, "Size of a frame in pixels")
	cmd.Flags().IntVar(&renderAllocs, "allocs", 0, "Random page allocations to perform before rendering")
	rootCmd.AddCommand(cmd)
}

func newRenderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "render",
		Short: "Render the physical frame map as a PNG image",
		Long: `The render command boots the memory-management stack and draws one cell
per page frame: holes in the memory map, the kernel image and boot
allocations, the heap, allocated frames and free frames each get their own
color.

Example:
  mmsim render --out frames.png
  mmsim render --allocs 200 --columns 128 --cell 6`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if renderColumns <= 0 || renderCell <= 0 {
				return fmt.Errorf("columns and cell size must be positive")
			}

			cfg, err := configFromFlags(cmd)
			if err != nil {
				return err
			}

			sim, err := bootSimulation(cfg, kernelLogSink(cmd))
			if err != nil {
				return err
			}
			defer sim.Close()

			rng := rand.New(rand.NewSource(1))
			for i := 0; i < renderAllocs; i++ {
				if _, err := pmm.AllocPages(uint32(rng.Intn(8) + 1)); err != nil {
					return fmt.Errorf("allocation %d failed: %w", i, err)
				}
			}

			states := classifyFrames(sim)
			dc := renderFrameMap(states, renderColumns, renderCell)
			if err := dc.SavePNG(renderOut); err != nil {
				return fmt.Errorf("failed to write %s: %w", renderOut, err)
			}

			printFrameSummary(cmd.OutOrStdout(), states)
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", renderOut)
			return nil
		},
	}
}

// classifyFrames returns the state of every frame backed by the simulation's
// memory.
func classifyFrames(sim *simulation) []frameState {
	states := make([]frameState, sim.mem.Size()/mm.PageSize)

	sim.cfg.Boot.VisitMemRegions(func(e *bootparams.MemoryMapEntry) bool {
		if e.Type != bootparams.MemAvailable {
			return true
		}

		first := mm.AlignUp(uintptr(e.PhysAddress), mm.PageSize) >> mm.PageShift
		last := mm.AlignDown(uintptr(e.End()), mm.PageSize) >> mm.PageShift
		for pfn := first; pfn < last && pfn < uintptr(len(states)); pfn++ {
			states[pfn] = frameAllocated
		}
		return true
	})

	reservedEnd := pmm.KernelReservedEnd() >> mm.PageShift
	heapRegion := sim.kernel.Heap.Region()
	for pfn := range states {
		if states[pfn] == frameHole {
			continue
		}

		switch addr := uintptr(pfn) << mm.PageShift; {
		case uintptr(pfn) < reservedEnd:
			states[pfn] = frameKernel
		case heapRegion.Contains(addr):
			states[pfn] = frameHeap
		}
	}

	sim.kernel.Frames.VisitFreeBlocks(func(frame mm.Frame, order uint8) {
		for pfn := uintptr(frame); pfn < uintptr(frame)+(1<<order) && pfn < uintptr(len(states)); pfn++ {
			states[pfn] = frameFree
		}
	})

	return states
}

// renderFrameMap draws states as a grid of columns cells per row.
func renderFrameMap(states []frameState, columns, cell int) *gg.Context {
	rows := (len(states) + columns - 1) / columns
	dc := gg.NewContext(columns*cell, rows*cell)
	dc.SetHexColor(frameColors[frameHole])
	dc.Clear()

	for pfn, state := range states {
		x := float64((pfn % columns) * cell)
		y := float64((pfn / columns) * cell)
		dc.DrawRectangle(x, y, float64(cell), float64(cell))
		dc.SetHexColor(frameColors[state])
		dc.Fill()
	}
	return dc
}

func printFrameSummary(w io.Writer, states []frameState) {
	var counts [frameFree + 1]int
	for _, state := range states {
		counts[state]++
	}

	fmt.Fprintln(w, title("Frame map"))
	fmt.Fprintln(w, field("Holes", printer.Sprintf("%d frames", counts[frameHole])))
	fmt.Fprintln(w, field("Kernel reserved", printer.Sprintf("%d frames", counts[frameKernel])))
	fmt.Fprintln(w, field("Heap", printer.Sprintf("%d frames", counts[frameHeap])))
	fmt.Fprintln(w, field("Allocated", printer.Sprintf("%d frames", counts[frameAllocated])))
	fmt.Fprintln(w, field("Free", printer.Sprintf("%d frames", counts[frameFree])))
}
