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

//go:build linux
// +build linux

package hostmm

import (
	"fmt"

	"gvisor.dev/hvmm/pkg/cleanup"
	"gvisor.dev/hvmm/pkg/errors/mmerr"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/ring0/pagetables"
)

// Module is a loaded module. Its image is mapped read-only and executable at
// [Start, Start+Pages*PageSize).
type Module struct {
	// Name is the module name.
	Name string

	// Start is the address of the first page.
	Start hostarch.Addr

	// Pages is the number of pages.
	Pages int

	// frames are the backing frames, in virtual order.
	frames []uintptr
}

// End returns the address just past the module.
func (m *Module) End() hostarch.Addr {
	return m.Start + hostarch.Addr(m.Pages)*hostarch.PageSize
}

// Contains returns true if addr is in the module.
func (m *Module) Contains(addr hostarch.Addr) bool {
	return m.Start <= addr && addr < m.End()
}

// Frames returns the backing frames, in virtual order.
func (m *Module) Frames() []uintptr {
	return append([]uintptr(nil), m.frames...)
}

func moduleLess(a, b *Module) bool {
	return a.Start < b.Start
}

// LoadModule copies image into new frames and maps it read-only and
// executable. Frames are allocated one at a time and mapped in reverse order
// of allocation, so module memory is never physically contiguous.
func (k *Kernel) LoadModule(name string, image []byte) (*Module, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("loading module %q: empty image: %w", name, mmerr.ErrInvalidAddress)
	}
	if _, ok := k.Module(name); ok {
		return nil, fmt.Errorf("module %q is already loaded", name)
	}
	pages := int(hostarch.PagesFor(uint64(len(image))))
	frames := make([]uintptr, pages)
	cu := cleanup.Make(func() {
		for _, f := range frames {
			if f != 0 {
				k.mem.FreeFrames(f, 1)
			}
		}
	})
	defer cu.Clean()
	for i := pages - 1; i >= 0; i-- {
		phys, err := k.mem.AllocFrames(1)
		if err != nil {
			return nil, fmt.Errorf("loading module %q: %w", name, err)
		}
		frames[i] = phys
	}
	for i, f := range frames {
		b, _ := k.mem.DirectMap(f, hostarch.PageSize)
		clear(b[copy(b, image[min(i*hostarch.PageSize, len(image)):]):])
	}

	addr, err := k.Vmap(frames, hostarch.ReadExec)
	if err != nil {
		return nil, fmt.Errorf("loading module %q: %w", name, err)
	}
	cu.Add(func() {
		if err := k.Vunmap(addr, pages); err != nil {
			log.Warningf("Unwinding module %q at %v: %v", name, addr, err)
		}
	})
	m := &Module{
		Name:   name,
		Start:  addr,
		Pages:  pages,
		frames: frames,
	}

	// A concurrent load of the same name may have won the race.
	k.mu.Lock()
	if _, ok := k.moduleLocked(name); ok {
		k.mu.Unlock()
		return nil, fmt.Errorf("module %q is already loaded", name)
	}
	k.modules.ReplaceOrInsert(m)
	k.mu.Unlock()
	cu.Release()
	log.Infof("Module %q loaded at [%v, %v)", name, m.Start, m.End())
	return m, nil
}

// UnloadModule unmaps a module and frees its frames.
func (k *Kernel) UnloadModule(name string) error {
	m, ok := k.Module(name)
	if !ok {
		return fmt.Errorf("module %q is not loaded", name)
	}
	k.mu.Lock()
	k.modules.Delete(m)
	k.mu.Unlock()
	if err := k.Vunmap(m.Start, m.Pages); err != nil {
		return fmt.Errorf("unloading module %q: %w", name, err)
	}
	for _, f := range m.frames {
		k.mem.FreeFrames(f, 1)
	}
	log.Debugf("Module %q unloaded", name)
	return nil
}

// Module returns the loaded module with the given name.
func (k *Kernel) Module(name string) (*Module, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.moduleLocked(name)
}

// moduleLocked is Module with k.mu held.
//
// +checklocks:k.mu
func (k *Kernel) moduleLocked(name string) (*Module, bool) {
	var found *Module
	k.modules.Ascend(func(m *Module) bool {
		if m.Name == name {
			found = m
			return false
		}
		return true
	})
	return found, found != nil
}

// Modules returns the loaded modules, ordered by address.
func (k *Kernel) Modules() []*Module {
	k.mu.Lock()
	defer k.mu.Unlock()
	modules := make([]*Module, 0, k.modules.Len())
	k.modules.Ascend(func(m *Module) bool {
		modules = append(modules, m)
		return true
	})
	return modules
}

// ModuleAt returns the module containing addr.
func (k *Kernel) ModuleAt(addr hostarch.Addr) (*Module, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var found *Module
	k.modules.DescendLessOrEqual(&Module{Start: addr}, func(m *Module) bool {
		if m.Contains(addr) {
			found = m
		}
		return false
	})
	return found, found != nil
}

// IsModuleAddress implements platform.FrameResolver.IsModuleAddress.
func (k *Kernel) IsModuleAddress(addr hostarch.Addr) bool {
	_, ok := k.ModuleAt(addr)
	return ok
}

// ModuleFrame implements platform.FrameResolver.ModuleFrame using the
// kernel walker.
func (k *Kernel) ModuleFrame(addr hostarch.Addr) (uintptr, error) {
	return k.ModuleFrameWith(k.Walker(), addr)
}

// ModuleFrameWith returns the frame backing the module page at addr, as
// resolved by w in the active address space. Platforms pass their own walker
// so that lookups go through their table accessors.
func (k *Kernel) ModuleFrameWith(w *pagetables.Walker, addr hostarch.Addr) (uintptr, error) {
	if !k.IsModuleAddress(addr) {
		return 0, fmt.Errorf("%v is not a module address: %w", addr, mmerr.ErrNotMapped)
	}
	return w.ResolveActive(addr.RoundDown())
}
