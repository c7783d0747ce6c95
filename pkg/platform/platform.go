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

// Package platform defines the host kernel services consumed by the memory
// manager, and a registry of implementations.
//
// See Platform for more information.
package platform

import (
	"fmt"
	"sort"

	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/ring0/pagetables"
)

// DirectMapper is the host's identity map of physical memory.
type DirectMapper interface {
	// DirectMap returns the direct map of [phys, phys+length).
	DirectMap(phys, length uintptr) ([]byte, bool)

	// PhysicalFor returns the physical address of a direct map address.
	PhysicalFor(addr uintptr) (uintptr, bool)
}

// PageAllocator allocates host kernel memory.
type PageAllocator interface {
	// AllocPage returns one page.
	AllocPage() ([]byte, error)

	// FreePage releases a page returned by AllocPage.
	FreePage(page []byte)

	// AllocPool returns a block of at least size bytes. The returned slice
	// has length size.
	AllocPool(size int) ([]byte, error)

	// FreePool releases a block returned by AllocPool.
	FreePool(block []byte)

	// Zeroed returns true if AllocPage and AllocPool return zeroed memory.
	Zeroed() bool
}

// FrameResolver finds the physical frames backing kernel addresses.
type FrameResolver interface {
	// IsModuleAddress returns true if addr lies in a loaded module. Module
	// memory is virtually contiguous but physically scattered.
	IsModuleAddress(addr hostarch.Addr) bool

	// ModuleFrame returns the frame backing a module address, found by
	// walking the kernel page tables.
	ModuleFrame(addr hostarch.Addr) (uintptr, error)

	// ReservedFrame returns the frame backing a direct map address, found
	// by linear arithmetic.
	ReservedFrame(addr hostarch.Addr) (uintptr, error)
}

// Mapper establishes kernel virtual mappings of physical frames.
type Mapper interface {
	// Vmap maps frames, in order, at a new virtually contiguous kernel
	// address with the given access.
	Vmap(frames []uintptr, at hostarch.AccessType) (hostarch.Addr, error)

	// Vunmap releases a mapping returned by Vmap.
	Vunmap(addr hostarch.Addr, pages int) error

	// MapIO maps [phys, phys+size) uncached and returns the address of
	// phys.
	MapIO(phys, size uintptr) (hostarch.Addr, error)

	// UnmapIO releases a mapping returned by MapIO.
	UnmapIO(addr hostarch.Addr, size uintptr) error
}

// Platform is a host kernel memory manager.
type Platform interface {
	DirectMapper
	PageAllocator
	FrameResolver
	Mapper

	// Name returns the name the platform was registered with.
	Name() string

	// Walker returns a page table walker over the host's tables.
	Walker() *pagetables.Walker

	// Root returns the root of the kernel address space.
	Root() uintptr

	// Close releases all resources held by the platform.
	Close() error
}

// Constructor represents a platform type.
type Constructor interface {
	// New returns a new platform instance.
	New(conf *Config) (Platform, error)
}

// platforms contains all available platform types.
var platforms = map[string]Constructor{}

// Register registers a new platform type.
func Register(name string, platform Constructor) {
	if _, ok := platforms[name]; ok {
		panic(fmt.Sprintf("platform %q registered twice", name))
	}
	platforms[name] = platform
}

// Lookup looks up the platform constructor by name.
func Lookup(name string) (Constructor, error) {
	p, ok := platforms[name]
	if !ok {
		return nil, fmt.Errorf("unknown platform: %v", name)
	}
	return p, nil
}

// List lists available platforms.
func List() (available []string) {
	for name := range platforms {
		available = append(available, name)
	}
	sort.Strings(available)
	return
}

// New returns a new instance of the platform named by conf.
func New(conf *Config) (Platform, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	c, err := Lookup(conf.Platform)
	if err != nil {
		return nil, err
	}
	return c.New(conf)
}
