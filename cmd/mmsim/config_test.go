package main

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simpleos/bootparams"
	"simpleos/kernel/mm/pmm"
)

const testConfig = `
memory_size: 67108864
boot:
  kernel_end: 0x200000
  heap_start: 0x800000
  heap_size: 0x200000
  identity_map_span: 0x4000000
  screen:
    physbase: 0xfd000000
    pitch: 4096
    width: 1024
    height: 768
    bpp: 32
  memory_map:
    - {addr: 0x0, size: 0x9fc00, type: 1}
    - {addr: 0xf0000, size: 0x10000, type: 2}
    - {addr: 0x100000, size: 0x3f00000, type: 1}
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(64<<20), cfg.MemorySize)
	assert.Equal(t, uint64(0x200000), cfg.Boot.KernelEnd)
	assert.Equal(t, uint64(0x800000), cfg.Boot.HeapStart)
	assert.Equal(t, uint64(0x200000), cfg.Boot.HeapSize)
	assert.Equal(t, uint64(0x4000000), cfg.Boot.IdentitySpan())
	assert.Equal(t, uint64(0xfd000000), cfg.Boot.Screen.PhysBase)
	assert.Equal(t, uint8(32), cfg.Boot.Screen.BitsPerPixel)

	require.Len(t, cfg.Boot.MemoryMap, 3)
	assert.Equal(t, bootparams.MemoryMapEntry{PhysAddress: 0xf0000, Length: 0x10000, Type: bootparams.MemReserved}, cfg.Boot.MemoryMap[1])
	assert.Equal(t, uint64(0x4000000), cfg.Boot.MaxUsableAddress())

	assert.NoError(t, cfg.validate())
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")

	_, err = parseConfig([]byte("memory_size: 1\nunknown_field: 2\n"))
	assert.ErrorContains(t, err, "failed to parse config")

	cfg, err := parseConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(defaultMemorySizeMb<<20), cfg.MemorySize)
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig(128 << 20)
	require.NoError(t, cfg.validate())
	assert.Equal(t, uint64(128<<20), cfg.Boot.MaxUsableAddress())
	assert.Equal(t, uint64(bootparams.DefaultIdentityMapSpan), cfg.Boot.IdentitySpan())
}

func TestValidate(t *testing.T) {
	specs := []struct {
		name   string
		mutate func(*Config)
		expErr string
	}{
		{
			"too little memory",
			func(c *Config) { c.MemorySize = 16 << 20 },
			"below",
		},
		{
			"unaligned memory size",
			func(c *Config) { c.MemorySize += 10 },
			"multiple of the page size",
		},
		{
			"empty memory map",
			func(c *Config) { c.Boot.MemoryMap = nil },
			"memory map is empty",
		},
		{
			"memory map larger than memory",
			func(c *Config) { c.MemorySize = 32 << 20 },
			"only 0x2000000 bytes are backed",
		},
		{
			"no heap",
			func(c *Config) { c.Boot.HeapSize = 0 },
			"heap size must be set",
		},
		{
			"heap past the end of memory",
			func(c *Config) { c.Boot.HeapStart = 62 << 20 },
			"is not backed by memory",
		},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			cfg := defaultConfig(64 << 20)
			spec.mutate(cfg)
			assert.ErrorContains(t, cfg.validate(), spec.expErr)
		})
	}
}

// writeE820 dumps entries in the packed firmware layout.
func writeE820(t *testing.T, entries []bootparams.MemoryMapEntry) string {
	raw := make([]byte, 0, 20*len(entries))
	for _, e := range entries {
		raw = binary.LittleEndian.AppendUint64(raw, e.PhysAddress)
		raw = binary.LittleEndian.AppendUint64(raw, e.Length)
		raw = binary.LittleEndian.AppendUint32(raw, uint32(e.Type))
	}

	path := filepath.Join(t.TempDir(), "e820.bin")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func TestLoadE820(t *testing.T) {
	memoryMap := []bootparams.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x9f000, Type: bootparams.MemAvailable},
		{PhysAddress: 0xe0000, Length: 0x20000, Type: bootparams.MemReserved},
		{PhysAddress: 0x100000, Length: minMemorySize - 0x100000, Type: bootparams.MemAvailable},
	}

	entries, err := loadE820(writeE820(t, memoryMap))
	require.NoError(t, err)
	require.Equal(t, memoryMap, entries)

	// Both maps expose the same extended memory, so booting either one
	// leaves the same amount of free memory.
	sim, err := bootSimulation(defaultConfig(minMemorySize), nil)
	require.NoError(t, err)
	expFree := pmm.FreeMemory()
	require.NoError(t, sim.Close())

	cfg := defaultConfig(minMemorySize)
	cfg.Boot.MemoryMap = entries
	require.NoError(t, cfg.validate())

	sim, err = bootSimulation(cfg, nil)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sim.Close()) }()

	assert.Equal(t, expFree, pmm.FreeMemory())
	assert.Equal(t, entries, sim.cfg.Boot.MemoryMap)
}

func TestLoadE820Errors(t *testing.T) {
	_, err := loadE820(filepath.Join(t.TempDir(), "missing.bin"))
	assert.ErrorContains(t, err, "failed to read memory map")

	path := filepath.Join(t.TempDir(), "short.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 30), 0o644))
	_, err = loadE820(path)
	assert.ErrorContains(t, err, "not a multiple of the entry size")
}
