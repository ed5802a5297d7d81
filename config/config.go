// Package config handles tiervm.toml engine configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/chazu/tiervm/vm"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "tiervm.toml"

// Config represents a tiervm.toml file.
type Config struct {
	Engine  Engine  `toml:"engine"`
	Log     Log     `toml:"log"`
	Profile Profile `toml:"profile"`

	// Path is the file the configuration was loaded from (set at load time).
	Path string `toml:"-"`
}

// Engine mirrors vm.Options.
type Engine struct {
	UncachedThreshold int  `toml:"uncached-threshold"`
	UncachedOnly      bool `toml:"uncached-only"` // never transition to the cached tier
	OSRThreshold      int  `toml:"osr-threshold"`
	CacheLimit        int  `toml:"cache-limit"`
	BoxingElimination bool `toml:"boxing-elimination"`
	Assertions        bool `toml:"assertions"`
	MaxCallDepth      int  `toml:"max-call-depth"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Profile configures the profile recorder.
type Profile struct {
	Database     string `toml:"database"`
	HotThreshold uint64 `toml:"hot-threshold"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	opts := vm.DefaultOptions()
	return &Config{
		Engine: Engine{
			UncachedThreshold: opts.UncachedThreshold,
			OSRThreshold:      opts.OSRThreshold,
			CacheLimit:        opts.CacheLimit,
			BoxingElimination: opts.BoxingElimination,
			Assertions:        opts.Assertions,
			MaxCallDepth:      opts.MaxCallDepth,
		},
		Profile: Profile{HotThreshold: 100},
	}
}

// Load parses tiervm.toml from the given directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses a configuration file. Keys absent from the file keep
// their defaults; unknown keys are an error.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a tiervm.toml file, then
// loads it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// EngineOptions converts the engine section.
func (c *Config) EngineOptions() vm.Options {
	threshold := c.Engine.UncachedThreshold
	if c.Engine.UncachedOnly {
		threshold = vm.DisableTransition
	}
	return vm.Options{
		UncachedThreshold: threshold,
		OSRThreshold:      c.Engine.OSRThreshold,
		CacheLimit:        c.Engine.CacheLimit,
		BoxingElimination: c.Engine.BoxingElimination,
		Assertions:        c.Engine.Assertions,
		MaxCallDepth:      c.Engine.MaxCallDepth,
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if err := c.EngineOptions().Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if c.Profile.Database != "" && c.Profile.HotThreshold == 0 {
		return errors.New("profile: hot-threshold must be positive")
	}
	return nil
}
