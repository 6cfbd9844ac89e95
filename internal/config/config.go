// Package config loads the YAML file that tunes a rvjit machine run:
// memory size, block-cache limits, and JIT warm-up threshold.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable a rvjit invocation can override from its
// defaults. Zero values are valid and mean "use the built-in default" —
// Defaults() fills them in rather than yaml.Unmarshal leaving zeros.
type Config struct {
	// DRAMSize is the guest's RAM size in bytes.
	DRAMSize uint64 `yaml:"dram_size"`

	// HotThreshold is how many times a block's entry PC must execute
	// through the interpreter before it's compiled.
	HotThreshold int `yaml:"hot_threshold"`

	// CacheEntries and CacheBytes bound the block cache; 0 in one of them
	// means unbounded in that dimension, while 0 in both gives the
	// cache's built-in default limits.
	CacheEntries int    `yaml:"cache_entries"`
	CacheBytes   uint64 `yaml:"cache_bytes"`

	// TraceCapacity is how many jit.TraceEvents the ring buffer holds;
	// tracing stays disabled regardless until TraceEnabled is set.
	TraceCapacity int  `yaml:"trace_capacity"`
	TraceEnabled  bool `yaml:"trace_enabled"`

	// StopOnZero halts the machine when the guest writes to address 0,
	// matching the teacher's own bring-up convention.
	StopOnZero bool `yaml:"stop_on_zero"`
}

// Defaults returns the configuration rvjit runs with when no config file
// is supplied.
func Defaults() Config {
	return Config{
		DRAMSize:      512 * 1024 * 1024,
		HotThreshold:  50,
		CacheEntries:  1024,
		CacheBytes:    16 * 1024 * 1024,
		TraceCapacity: 1024,
		TraceEnabled:  false,
		StopOnZero:    true,
	}
}

// Load reads and parses a YAML config file at path, starting from
// Defaults() so a config that only sets one field leaves the rest at
// their built-in values.
func Load(path string) (Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}
