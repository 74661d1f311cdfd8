package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"simpleos/kernel/kfmt"
	"simpleos/kernel/kmain"
	"simpleos/kernel/mm"
)

var (
	// Global flags
	configPath string
	e820Path   string
	quiet      bool
	noColor    bool

	memorySizeMb uint64
	heapStart    uint64
	heapSize     uint64
	identitySpan uint64
)

var rootCmd = &cobra.Command{
	Use:   "mmsim",
	Short: "Simulate the kernel memory-management stack",
	Long: `mmsim boots the kernel's bootstrap, buddy, slab, heap and page-table
allocators over an anonymous host memory mapping that stands in for physical
RAM. The boot parameters come from a YAML file or from a built-in PC-like
memory map.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "YAML file with the boot parameters")
	flags.StringVar(&e820Path, "e820", "", "Raw firmware memory map dump replacing the configured memory map")
	flags.BoolVarP(&quiet, "quiet", "q", false, "Suppress kernel log output")
	flags.BoolVar(&noColor, "no-color", false, "Disable styled output")

	flags.Uint64Var(&memorySizeMb, "memory", defaultMemorySizeMb, "Physical memory size in MiB")
	flags.Uint64Var(&heapStart, "heap-start", 0, "Physical address of the kernel heap")
	flags.Uint64Var(&heapSize, "heap-size", 0, "Size of the kernel heap in bytes")
	flags.Uint64Var(&identitySpan, "identity-span", 0, "Size of the identity-mapped low memory region")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configFromFlags loads the configuration file, if any, and applies the
// command-line overrides.
func configFromFlags(cmd *cobra.Command) (*Config, error) {
	var (
		cfg *Config
		err error
	)

	if configPath != "" {
		if cfg, err = loadConfig(configPath); err != nil {
			return nil, err
		}
		if cmd.Flags().Changed("memory") {
			cfg.MemorySize = memorySizeMb << 20
		}
	} else {
		cfg = defaultConfig(memorySizeMb << 20)
	}

	if e820Path != "" {
		if cfg.Boot.MemoryMap, err = loadE820(e820Path); err != nil {
			return nil, err
		}
	}

	if cmd.Flags().Changed("heap-start") {
		cfg.Boot.HeapStart = heapStart
	}
	if cmd.Flags().Changed("heap-size") {
		cfg.Boot.HeapSize = heapSize
	}
	if cmd.Flags().Changed("identity-span") {
		cfg.Boot.IdentityMapSpan = identitySpan
	}

	if err = cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// simulation is a kernel booted over host memory.
type simulation struct {
	cfg    *Config
	mem    *mm.Memory
	kernel *kmain.Kernel
}

// bootSimulation maps the configured amount of host memory and boots the
// memory-management stack on it. Kernel log output goes to logSink with each
// line tagged; a nil logSink discards it.
func bootSimulation(cfg *Config, logSink io.Writer) (*simulation, error) {
	if logSink == nil {
		logSink = io.Discard
	}
	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: logSink, Prefix: []byte("kernel: ")})

	mem, err := mm.NewHostMemory(mm.Size(cfg.MemorySize))
	if err != nil {
		return nil, err
	}

	k, kErr := kmain.Boot(mem, &cfg.Boot)
	if kErr != nil {
		_ = mem.Release()
		return nil, fmt.Errorf("boot failed: %w", kErr)
	}

	return &simulation{cfg: cfg, mem: mem, kernel: k}, nil
}

// Close releases the simulated physical memory and detaches the kernel from
// it.
func (s *simulation) Close() error {
	mm.SetFrameAllocator(nil, nil)
	kfmt.SetOutputSink(nil)
	return s.mem.Release()
}

func kernelLogSink(cmd *cobra.Command) io.Writer {
	if quiet {
		return nil
	}
	return cmd.ErrOrStderr()
}
