// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package platform

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/log"
)

// Default configuration values.
const (
	DefaultPlatform     = "linux"
	DefaultMemorySize   = 64 << 20
	DefaultSelfMapIndex = 0x1ed
)

// Config is the platform configuration.
type Config struct {
	// Platform is the name of the platform to use.
	Platform string `toml:"platform"`

	// MemorySize is the number of bytes of simulated physical memory.
	MemorySize uint64 `toml:"memory_size"`

	// SelfMapIndex is the PML4 slot holding the recursive entry, for
	// platforms that use one.
	SelfMapIndex int `toml:"self_map_index"`

	// LogLevel is one of "warning", "info" or "debug".
	LogLevel string `toml:"log_level"`

	// LogFormat is "text" or "json".
	LogFormat string `toml:"log_format"`

	// DebugLog is a file pattern for debug logs. See log.PatternOpts.
	DebugLog string `toml:"debug_log"`

	// Modules are loaded when the platform starts.
	Modules []ModuleConfig `toml:"module"`
}

// ModuleConfig describes a module to load.
type ModuleConfig struct {
	// Name is the module name.
	Name string `toml:"name"`

	// Size is the size of the module image in bytes.
	Size uint64 `toml:"size"`

	// Fill is the byte the image is filled with.
	Fill uint8 `toml:"fill"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Platform:     DefaultPlatform,
		MemorySize:   DefaultMemorySize,
		SelfMapIndex: DefaultSelfMapIndex,
		LogLevel:     log.Info.String(),
		LogFormat:    "text",
	}
}

// LoadConfig loads the configuration from a TOML file. Fields missing from
// the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return c, nil
}

// DecodeConfig decodes the configuration from TOML text.
func DecodeConfig(data string) (*Config, error) {
	c := DefaultConfig()
	if _, err := toml.Decode(data, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Platform == "" {
		return fmt.Errorf("platform is not set")
	}
	if c.MemorySize < 2*hostarch.PageSize || c.MemorySize%hostarch.PageSize != 0 {
		return fmt.Errorf("memory_size %#x is not a page multiple of at least two pages", c.MemorySize)
	}
	// Slots in the lower half would alias user addresses.
	if c.SelfMapIndex < hostarch.PTEsPerPage/2 || c.SelfMapIndex >= hostarch.PTEsPerPage {
		return fmt.Errorf("self_map_index %#x is not a kernel PML4 slot", c.SelfMapIndex)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	for _, m := range c.Modules {
		if m.Name == "" || m.Size == 0 {
			return fmt.Errorf("module %q: name and size are required", m.Name)
		}
	}
	return nil
}
