package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"simpleos/bootparams"
	"simpleos/kernel/mm"
)

const (
	defaultMemorySizeMb = 64

	// minMemorySize leaves room for the kernel image, the default heap and
	// the page frame allocator's descriptor table.
	minMemorySize = 32 << 20

	defaultKernelEnd = 0x200000
	defaultHeapStart = 0x1000000
	defaultHeapSize  = 4 << 20
)

// Config describes a simulated machine.
type Config struct {
	// MemorySize is the amount of host memory backing physical RAM.
	MemorySize uint64 `yaml:"memory_size"`

	Boot bootparams.Params `yaml:"boot"`
}

// defaultConfig returns a machine with a PC-like memory map: conventional
// memory below the EBDA, the BIOS area hole and extended memory above 1M.
func defaultConfig(memorySize uint64) *Config {
	return &Config{
		MemorySize: memorySize,
		Boot: bootparams.Params{
			MemoryMap: []bootparams.MemoryMapEntry{
				{PhysAddress: 0, Length: 0x9fc00, Type: bootparams.MemAvailable},
				{PhysAddress: 0x9fc00, Length: 0x400, Type: bootparams.MemReserved},
				{PhysAddress: 0xf0000, Length: 0x10000, Type: bootparams.MemReserved},
				{PhysAddress: 0x100000, Length: memorySize - 0x100000, Type: bootparams.MemAvailable},
			},
			Screen: bootparams.ScreenInfo{
				PhysBase:     0xfd000000,
				Pitch:        1024 * 4,
				Width:        1024,
				Height:       768,
				BitsPerPixel: 32,
			},
			KernelEnd: defaultKernelEnd,
			HeapStart: defaultHeapStart,
			HeapSize:  defaultHeapSize,
		},
	}
}

// loadConfig reads a machine description from a YAML file.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func parseConfig(data []byte) (*Config, error) {
	cfg := &Config{MemorySize: defaultMemorySizeMb << 20}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// loadE820 reads a raw firmware memory map dump made of packed
// {addr, size, type} records.
func loadE820(path string) ([]bootparams.MemoryMapEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read memory map: %w", err)
	}

	entries, kErr := bootparams.DecodeE820(raw)
	if kErr != nil {
		return nil, fmt.Errorf("%s: %w", path, kErr)
	}
	return entries, nil
}

// validate checks that the boot parameters describe memory that the host
// mapping can back.
func (c *Config) validate() error {
	switch {
	case c.MemorySize < minMemorySize:
		return fmt.Errorf("memory size %d is below the %d byte minimum", c.MemorySize, minMemorySize)
	case c.MemorySize%uint64(mm.PageSize) != 0:
		return fmt.Errorf("memory size %d is not a multiple of the page size", c.MemorySize)
	case len(c.Boot.MemoryMap) == 0:
		return errors.New("memory map is empty")
	case c.Boot.MaxUsableAddress() > c.MemorySize:
		return fmt.Errorf("memory map extends to 0x%x but only 0x%x bytes are backed", c.Boot.MaxUsableAddress(), c.MemorySize)
	case c.Boot.HeapSize == 0:
		return errors.New("heap size must be set")
	case c.Boot.HeapStart+c.Boot.HeapSize > c.MemorySize:
		return fmt.Errorf("heap [0x%x - 0x%x] is not backed by memory", c.Boot.HeapStart, c.Boot.HeapStart+c.Boot.HeapSize)
	}
	return nil
}
