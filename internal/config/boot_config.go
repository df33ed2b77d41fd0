// Package config loads the YAML boot configuration cmd/bmhvsim reads
// before it assembles a simulated guest: the memory map, the MMIO devices
// to place in it, and the boot image to load, in the same plain-struct
// yaml.v3 style the teacher uses for its own site configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// MemoryRegion describes one span of guest-visible IPA space.
type MemoryRegion struct {
	Name  string `yaml:"name"`
	Base  uint64 `yaml:"base"`
	Size  uint64 `yaml:"size"`
	Hook  string `yaml:"hook,omitempty"`  // name of a registered host hook, for MMIO regions
	Proxy bool   `yaml:"proxy,omitempty"` // true: route through the UART proxy instead of a local hook
}

// BootConfig is the top-level document cmd/bmhvsim loads to assemble a
// guest.
type BootConfig struct {
	// RAMBase/RAMSize describe the single contiguous RAM region every
	// simulated guest gets.
	RAMBase uint64 `yaml:"ram_base"`
	RAMSize uint64 `yaml:"ram_size"`

	// BootImage is a path, relative to the config file's own directory,
	// to the flat binary loaded at RAMBase.
	BootImage string `yaml:"boot_image"`

	// Devices lists every MMIO region beyond RAM: consoles, hook-backed
	// test devices, and proxy-routed regions.
	Devices []MemoryRegion `yaml:"devices"`

	// ConsoleEnabled attaches a terminal-emulated console channel to the
	// UART proxy's device arbitration, ConsoleCols x ConsoleRows in size.
	ConsoleEnabled bool `yaml:"console_enabled,omitempty"`
	ConsoleCols    int  `yaml:"console_cols,omitempty"`
	ConsoleRows    int  `yaml:"console_rows,omitempty"`
}

// Load reads and parses a BootConfig from path.
func Load(path string) (BootConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BootConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg BootConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return BootConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return BootConfig{}, fmt.Errorf("config: %s: %w", path, err)
	}
	if cfg.BootImage != "" && !filepath.IsAbs(cfg.BootImage) {
		cfg.BootImage = filepath.Join(filepath.Dir(path), cfg.BootImage)
	}
	return cfg, nil
}

// Validate checks the config for the obvious ways it can be nonsensical
// before cmd/bmhvsim tries to act on it.
func (c BootConfig) Validate() error {
	if c.RAMSize == 0 {
		return fmt.Errorf("ram_size must be non-zero")
	}
	ramEnd := c.RAMBase + c.RAMSize
	for _, d := range c.Devices {
		if d.Size == 0 {
			return fmt.Errorf("device %q has zero size", d.Name)
		}
		devEnd := d.Base + d.Size
		if d.Base < ramEnd && devEnd > c.RAMBase {
			return fmt.Errorf("device %q [0x%x-0x%x) overlaps RAM [0x%x-0x%x)", d.Name, d.Base, devEnd, c.RAMBase, ramEnd)
		}
	}
	return nil
}
