package main

import (
	"bytes"
	"image/color"
	"io"
	"path/filepath"
	"testing"

	"github.com/fogleman/gg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simpleos/kernel/kfmt"
	"simpleos/kernel/mm"
	"simpleos/kernel/mm/pmm"
)

func bootTestSimulation(t *testing.T, log *bytes.Buffer) *simulation {
	t.Helper()

	var sink io.Writer
	if log != nil {
		sink = log
	}

	sim, err := bootSimulation(defaultConfig(minMemorySize), sink)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, sim.Close()) })
	return sim
}

func TestBootSimulation(t *testing.T) {
	var log bytes.Buffer
	sim := bootTestSimulation(t, &log)

	assert.Contains(t, log.String(), "kernel: [kmain] memory management online")
	assert.Contains(t, log.String(), "kernel: [heap] managing")

	var out bytes.Buffer
	require.NoError(t, runBoot(&out, sim))
	assert.Contains(t, out.String(), "33,554,432 bytes")
	assert.Contains(t, out.String(), "8,192")
	assert.Contains(t, out.String(), "[0x1000000 - 0x1400000]")
	assert.Contains(t, out.String(), "FREE BLOCKS")
}

func TestBootSimulationError(t *testing.T) {
	cfg := defaultConfig(minMemorySize)
	cfg.Boot.HeapStart = 0x100000

	_, err := bootSimulation(cfg, nil)
	assert.ErrorContains(t, err, "boot failed")
	mm.SetFrameAllocator(nil, nil)
	kfmt.SetOutputSink(nil)
}

func TestClassifyFrames(t *testing.T) {
	sim := bootTestSimulation(t, nil)
	states := classifyFrames(sim)
	require.Len(t, states, 8192)

	var counts [frameFree + 1]int
	for _, state := range states {
		counts[state]++
	}

	// The conventional memory region ends at 0x9f000; frames up to 1M are
	// holes.
	assert.Equal(t, 0x100-0x9f, counts[frameHole])

	// Kernel image up to 2M plus 24 descriptor table pages, minus the holes.
	reservedFrames := int(pmm.KernelReservedEnd() >> mm.PageShift)
	assert.Equal(t, 0x218, reservedFrames)
	assert.Equal(t, reservedFrames-counts[frameHole], counts[frameKernel])

	assert.Equal(t, int(uintptr(defaultHeapSize)>>mm.PageShift), counts[frameHeap])
	assert.Equal(t, int(pmm.FreeMemory()>>mm.PageShift), counts[frameFree])

	// Page tables built when paging was installed.
	assert.NotZero(t, counts[frameAllocated])

	frame, err := pmm.AllocPage()
	require.Nil(t, err)
	assert.Equal(t, frameAllocated, classifyFrames(sim)[frame>>mm.PageShift])
	require.Nil(t, pmm.FreePage(frame))
	assert.Equal(t, frameFree, classifyFrames(sim)[frame>>mm.PageShift])
}

func TestRenderFrameMap(t *testing.T) {
	dc := renderFrameMap([]frameState{frameFree, frameHeap, frameKernel}, 2, 2)
	img := dc.Image()
	require.Equal(t, 4, img.Bounds().Dx())
	require.Equal(t, 4, img.Bounds().Dy())

	specs := []struct {
		x, y int
		exp  color.Color
	}{
		{0, 0, color.RGBA{0x04, 0xb5, 0x75, 0xff}},
		{3, 1, color.RGBA{0xff, 0xa5, 0x00, 0xff}},
		{1, 3, color.RGBA{0x7d, 0x56, 0xf4, 0xff}},
		{3, 3, color.RGBA{0x1a, 0x1a, 0x1a, 0xff}},
	}

	for specIndex, spec := range specs {
		if got := img.At(spec.x, spec.y); got != spec.exp {
			t.Errorf("[spec %d] expected pixel (%d, %d) to be %v; got %v", specIndex, spec.x, spec.y, spec.exp, got)
		}
	}
}

func TestRunStress(t *testing.T) {
	sim := bootTestSimulation(t, nil)
	freeBefore := pmm.FreeMemory()

	var out bytes.Buffer
	require.NoError(t, runStress(&out, sim, 5000, 3))
	assert.Contains(t, out.String(), "5,000")
	assert.Contains(t, out.String(), "PER SLAB")

	// The mapping window tables are the only frames kept after teardown.
	assert.Equal(t, freeBefore-3*uint64(mm.PageSize), pmm.FreeMemory())
}

func TestRenderCommand(t *testing.T) {
	out := filepath.Join(t.TempDir(), "frames.png")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{"render", "--quiet", "--memory", "32", "--allocs", "10", "--out", out})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, stdout.String(), "wrote "+out)

	img, err := gg.LoadPNG(out)
	require.NoError(t, err)
	assert.Equal(t, 256*4, img.Bounds().Dx())
	assert.Equal(t, 8192/256*4, img.Bounds().Dy())
}
