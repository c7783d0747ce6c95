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

// Package linuxmm is a platform that exposes the host page tables the way a
// Linux kernel does: through pgd, pud, pmd and pte offset accessors over the
// direct map. Allocations are zeroed by the host.
package linuxmm

import (
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/platform"
	"gvisor.dev/hvmm/pkg/platform/hostmm"
	"gvisor.dev/hvmm/pkg/ring0/pagetables"
)

// Name is the name the platform is registered with.
const Name = "linux"

// Platform is a Linux-style host memory manager.
type Platform struct {
	*hostmm.Kernel
}

var _ platform.Platform = (*Platform)(nil)
var _ pagetables.Backend = (*Platform)(nil)

// New returns a platform over k.
func New(k *hostmm.Kernel) *Platform {
	return &Platform{Kernel: k}
}

// Name implements platform.Platform.Name.
func (*Platform) Name() string {
	return Name
}

// Walker implements platform.Platform.Walker.
func (p *Platform) Walker() *pagetables.Walker {
	return pagetables.NewWalker(p)
}

// ModuleFrame implements platform.FrameResolver.ModuleFrame. Module pages are
// resolved through PGDOffset and the accessors below it.
func (p *Platform) ModuleFrame(addr hostarch.Addr) (uintptr, error) {
	return p.Kernel.ModuleFrameWith(p.Walker(), addr)
}

// AllocPage implements platform.PageAllocator.AllocPage.
func (p *Platform) AllocPage() ([]byte, error) {
	b, err := p.AllocPages(1)
	if err != nil {
		return nil, err
	}
	clear(b)
	return b, nil
}

// FreePage implements platform.PageAllocator.FreePage.
func (p *Platform) FreePage(page []byte) {
	p.FreePages(page)
}

// AllocPool implements platform.PageAllocator.AllocPool.
func (p *Platform) AllocPool(size int) ([]byte, error) {
	b, err := p.AllocPages(int(hostarch.PagesFor(uint64(size))))
	if err != nil {
		return nil, err
	}
	clear(b)
	return b[:size:size], nil
}

// FreePool implements platform.PageAllocator.FreePool.
func (p *Platform) FreePool(block []byte) {
	p.FreePages(block)
}

// Zeroed implements platform.PageAllocator.Zeroed.
func (*Platform) Zeroed() bool {
	return true
}

// none returns true if the entry is empty.
func none(e pagetables.PTE) bool {
	return e == 0
}

// bad returns true if the entry does not reference a kernel table.
func bad(e pagetables.PTE) bool {
	return e.TableFlags() != pagetables.KernelTableFlags
}

// offset returns the entry for va in the table at physical address table.
func (p *Platform) offset(table uintptr, level pagetables.Level, va hostarch.Addr) *pagetables.PTE {
	ptes := p.Tables().LookupPTEs(table)
	if ptes == nil {
		return nil
	}
	return &ptes[level.Index(va)]
}

// PGDOffset returns the top-level entry for va in the address space rooted
// at root.
func (p *Platform) PGDOffset(root uintptr, va hostarch.Addr) *pagetables.PTE {
	return p.offset(pagetables.RootAddress(root), pagetables.PML4, va)
}

// PUDOffset returns the PUD entry for va in the table referenced by pgd.
func (p *Platform) PUDOffset(pgd pagetables.PTE, va hostarch.Addr) *pagetables.PTE {
	return p.offset(pgd.Address(), pagetables.PDPT, va)
}

// PMDOffset returns the PMD entry for va in the table referenced by pud.
func (p *Platform) PMDOffset(pud pagetables.PTE, va hostarch.Addr) *pagetables.PTE {
	return p.offset(pud.Address(), pagetables.PD, va)
}

// PTEOffsetKernel returns the PTE for va in the table referenced by pmd.
func (p *Platform) PTEOffsetKernel(pmd pagetables.PTE, va hostarch.Addr) *pagetables.PTE {
	return p.offset(pmd.Address(), pagetables.PT, va)
}

// RootEntry implements pagetables.Backend.RootEntry.
func (p *Platform) RootEntry(root uintptr, va hostarch.Addr) (*pagetables.PTE, bool) {
	pgd := p.PGDOffset(root, va)
	return pgd, pgd != nil
}

// ActiveRootEntry implements pagetables.Backend.ActiveRootEntry. The active
// address space is the kernel's.
func (p *Platform) ActiveRootEntry(va hostarch.Addr) (*pagetables.PTE, bool) {
	return p.RootEntry(p.Root(), va)
}

// NextEntry implements pagetables.Backend.NextEntry.
func (p *Platform) NextEntry(entry pagetables.PTE, level pagetables.Level, va hostarch.Addr) (*pagetables.PTE, bool) {
	if none(entry) || bad(entry) {
		return nil, false
	}
	var next *pagetables.PTE
	switch level {
	case pagetables.PDPT:
		next = p.PUDOffset(entry, va)
	case pagetables.PD:
		next = p.PMDOffset(entry, va)
	case pagetables.PT:
		next = p.PTEOffsetKernel(entry, va)
	}
	return next, next != nil
}

// PTEToVA returns the direct map address of the frame referenced by a
// present entry.
func (p *Platform) PTEToVA(e pagetables.PTE) (hostarch.Addr, bool) {
	if !e.Valid() {
		return 0, false
	}
	addr, ok := p.Memory().VirtualFor(e.Address())
	return hostarch.Addr(addr), ok
}

type constructor struct{}

// New implements platform.Constructor.New.
func (constructor) New(conf *platform.Config) (platform.Platform, error) {
	k, err := hostmm.NewFromConfig(conf)
	if err != nil {
		return nil, err
	}
	return New(k), nil
}

func init() {
	platform.Register(Name, constructor{})
}
