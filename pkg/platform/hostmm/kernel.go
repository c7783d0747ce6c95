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

// Package hostmm simulates the memory manager of a host kernel.
//
// Physical memory is provided by physmem. The kernel address space has its
// own page tables, kept in physical memory, which map the direct map, loaded
// modules and every Vmap mapping. Platforms built on a Kernel differ only in
// how they expose those tables and how their allocators behave.
package hostmm

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"gvisor.dev/hvmm/pkg/errors/mmerr"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/memutil"
	"gvisor.dev/hvmm/pkg/physmem"
	"gvisor.dev/hvmm/pkg/ring0/pagetables"
)

// warnings reports suspicious but recoverable conditions.
var warnings = log.BasicRateLimitedLogger(time.Second)

// Kernel is a simulated host kernel memory manager.
type Kernel struct {
	mem    *physmem.Memory
	tables *physmem.TableAllocator

	// mu protects the fields below, and the page tables.
	mu sync.Mutex

	// pt is the kernel address space.
	//
	// +checklocks:mu
	pt *pagetables.PageTables

	// modules holds loaded modules, ordered by start address.
	//
	// +checklocks:mu
	modules *btree.BTreeG[*Module]
}

// New returns a kernel with size bytes of physical memory. The direct map is
// installed in the kernel page tables.
func New(size uintptr) (*Kernel, error) {
	mem, err := physmem.New(size)
	if err != nil {
		return nil, err
	}
	tables := mem.Tables()
	pt, err := pagetables.New(tables)
	if err != nil {
		mem.Close()
		return nil, err
	}
	k := &Kernel{
		mem:     mem,
		tables:  tables,
		pt:      pt,
		modules: btree.NewG[*Module](2, moduleLess),
	}
	opts := pagetables.MapOpts{AccessType: hostarch.ReadWrite, Global: true}
	if _, err := pt.Map(hostarch.Addr(mem.DirectBase()), mem.Size(), opts, 0); err != nil {
		k.Close()
		return nil, fmt.Errorf("mapping direct map: %w", err)
	}
	log.Infof("Kernel: %#x bytes of physical memory, root %#x", mem.Size(), pt.Root())
	return k, nil
}

// Close releases the kernel. Modules still loaded are unloaded.
func (k *Kernel) Close() error {
	k.mu.Lock()
	var modules []*Module
	k.modules.Ascend(func(m *Module) bool {
		modules = append(modules, m)
		return true
	})
	k.mu.Unlock()
	for _, m := range modules {
		if err := k.UnloadModule(m.Name); err != nil {
			log.Warningf("Unloading module %q: %v", m.Name, err)
		}
	}

	k.mu.Lock()
	k.pt.Release()
	k.mu.Unlock()
	return k.mem.Close()
}

// Memory returns the physical memory.
func (k *Kernel) Memory() *physmem.Memory {
	return k.mem
}

// Tables returns the page table allocator.
func (k *Kernel) Tables() *physmem.TableAllocator {
	return k.tables
}

// Root returns the root of the kernel address space.
func (k *Kernel) Root() uintptr {
	return k.pt.Root()
}

// RootPTEs returns the root table of the kernel address space.
func (k *Kernel) RootPTEs() *pagetables.PTEs {
	return k.pt.RootPTEs()
}

// DirectMap implements platform.DirectMapper.DirectMap.
func (k *Kernel) DirectMap(phys, length uintptr) ([]byte, bool) {
	return k.mem.DirectMap(phys, length)
}

// PhysicalFor implements platform.DirectMapper.PhysicalFor.
func (k *Kernel) PhysicalFor(addr uintptr) (uintptr, bool) {
	return k.mem.PhysicalFor(addr)
}

// AllocPages returns n physically contiguous pages through the direct map.
// The contents are whatever the frames last held.
func (k *Kernel) AllocPages(n int) ([]byte, error) {
	phys, err := k.mem.AllocFrames(n)
	if err != nil {
		return nil, err
	}
	b, _ := k.mem.DirectMap(phys, uintptr(n)*hostarch.PageSize)
	return b, nil
}

// FreePages releases pages returned by AllocPages. Only the length of b is
// used to find the number of pages.
func (k *Kernel) FreePages(b []byte) {
	phys, ok := k.mem.PhysicalFor(memutil.AddrOf(b))
	if !ok {
		panic(fmt.Sprintf("FreePages(%#x): not in the direct map", memutil.AddrOf(b)))
	}
	k.mem.FreeFrames(phys, int(hostarch.PagesFor(uint64(len(b)))))
}

// ReserveImage copies image into newly allocated contiguous frames and
// returns its direct map address, like a kernel image in reserved memory.
func (k *Kernel) ReserveImage(image []byte) (hostarch.Addr, error) {
	if len(image) == 0 {
		return 0, fmt.Errorf("reserving an empty image: %w", mmerr.ErrInvalidAddress)
	}
	b, err := k.AllocPages(int(hostarch.PagesFor(uint64(len(image)))))
	if err != nil {
		return 0, err
	}
	clear(b[copy(b, image):])
	return hostarch.Addr(memutil.AddrOf(b)), nil
}

// ReservedFrame implements platform.FrameResolver.ReservedFrame.
func (k *Kernel) ReservedFrame(addr hostarch.Addr) (uintptr, error) {
	phys, ok := k.mem.PhysicalFor(uintptr(addr.RoundDown()))
	if !ok {
		return 0, fmt.Errorf("%v is not in the direct map: %w", addr, mmerr.ErrNotMapped)
	}
	if !k.mem.IsAllocated(phys) {
		warnings.Warningf("Frame %#x behind %v is not reserved", phys, addr)
	}
	return phys, nil
}

// Vmap implements platform.Mapper.Vmap.
func (k *Kernel) Vmap(frames []uintptr, at hostarch.AccessType) (hostarch.Addr, error) {
	return k.vmap(frames, pagetables.MapOpts{AccessType: at, Global: true})
}

// vmap maps frames and installs the mapping in the kernel page tables.
func (k *Kernel) vmap(frames []uintptr, opts pagetables.MapOpts) (hostarch.Addr, error) {
	host, err := k.mem.MapFrames(frames, opts.AccessType)
	if err != nil {
		return 0, err
	}
	addr := hostarch.Addr(host)

	k.mu.Lock()
	defer k.mu.Unlock()
	for i, f := range frames {
		va := addr + hostarch.Addr(i)*hostarch.PageSize
		if _, err := k.pt.Map(va, hostarch.PageSize, opts, f); err != nil {
			k.pt.Unmap(addr, uintptr(len(frames))*hostarch.PageSize)
			_ = k.mem.UnmapFrames(host, len(frames))
			return 0, fmt.Errorf("installing %v: %w", va, err)
		}
	}
	return addr, nil
}

// Vunmap implements platform.Mapper.Vunmap.
func (k *Kernel) Vunmap(addr hostarch.Addr, pages int) error {
	if !addr.IsPageAligned() || pages <= 0 {
		return fmt.Errorf("unmapping %d pages at %v: %w", pages, addr, mmerr.ErrInvalidAddress)
	}
	k.mu.Lock()
	k.pt.Unmap(addr, uintptr(pages)*hostarch.PageSize)
	k.mu.Unlock()
	return k.mem.UnmapFrames(uintptr(addr), pages)
}

// MapIO implements platform.Mapper.MapIO.
func (k *Kernel) MapIO(phys, size uintptr) (hostarch.Addr, error) {
	if size == 0 || phys+size < phys || phys+size > k.mem.Size() {
		return 0, fmt.Errorf("mapping I/O memory [%#x, +%#x): %w", phys, size, mmerr.ErrInvalidAddress)
	}
	start := hostarch.Addr(phys)
	pages := start.PagesSpanned(uint64(size))
	frames := make([]uintptr, pages)
	for i := range frames {
		frames[i] = uintptr(start.RoundDown()) + uintptr(i)*hostarch.PageSize
	}
	addr, err := k.vmap(frames, pagetables.MapOpts{
		AccessType: hostarch.ReadWrite,
		Global:     true,
		MemoryType: hostarch.MemoryTypeUncached,
	})
	if err != nil {
		return 0, err
	}
	return addr + hostarch.Addr(start.PageOffset()), nil
}

// UnmapIO implements platform.Mapper.UnmapIO.
func (k *Kernel) UnmapIO(addr hostarch.Addr, size uintptr) error {
	return k.Vunmap(addr.RoundDown(), int(addr.PagesSpanned(uint64(size))))
}

// Walker returns a walker that reads the kernel page tables through the
// direct map, as the MMU does.
func (k *Kernel) Walker() *pagetables.Walker {
	return pagetables.NewWalker(pagetables.Tables{Allocator: k.tables, Active: k.Root})
}

// Translate translates addr in the kernel address space.
func (k *Kernel) Translate(addr hostarch.Addr) (uintptr, error) {
	return k.Walker().Resolve(k.Root(), addr)
}
