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

package selfmap

import (
	"fmt"

	"gvisor.dev/hvmm/pkg/errors/mmerr"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/platform"
	"gvisor.dev/hvmm/pkg/platform/hostmm"
	"gvisor.dev/hvmm/pkg/ring0/pagetables"
)

// Name is the name the platform is registered with.
const Name = "selfmap"

// Platform is a Windows-style host memory manager.
type Platform struct {
	*hostmm.Kernel
	Bases

	// tables reads tables through the direct map.
	tables pagetables.Tables
}

var _ platform.Platform = (*Platform)(nil)
var _ pagetables.Backend = (*Platform)(nil)

// New installs a recursive entry at index in the kernel root table and
// returns a platform over k.
func New(k *hostmm.Kernel, index int) (*Platform, error) {
	if index < hostarch.PTEsPerPage/2 || index >= hostarch.PTEsPerPage {
		return nil, fmt.Errorf("self-map index %#x is not in the kernel half: %w", index, mmerr.ErrInvalidAddress)
	}
	root := k.RootPTEs()
	if root[index].Load().Valid() {
		return nil, fmt.Errorf("self-map index %#x is in use: %w", index, mmerr.ErrInvalidAddress)
	}
	root[index].Set(k.Root(), pagetables.MapOpts{AccessType: hostarch.ReadWrite})
	p := &Platform{
		Kernel: k,
		Bases:  NewBases(index),
		tables: pagetables.Tables{Allocator: k.Tables(), Active: k.Root},
	}
	log.Debugf("Self-map at %#x: PXE %v, PPE %v, PDE %v, PTE %v", index, p.PXE, p.PPE, p.PDE, p.PTE)
	return p, nil
}

// Close implements platform.Platform.Close.
func (p *Platform) Close() error {
	// The recursive entry must not be visible to the final unmap.
	p.RootPTEs()[p.Index].Clear()
	return p.Kernel.Close()
}

// Name implements platform.Platform.Name.
func (*Platform) Name() string {
	return Name
}

// Walker implements platform.Platform.Walker.
func (p *Platform) Walker() *pagetables.Walker {
	return pagetables.NewWalker(p)
}

// ModuleFrame implements platform.FrameResolver.ModuleFrame. The top-level
// entry is read through the self-map.
func (p *Platform) ModuleFrame(addr hostarch.Addr) (uintptr, error) {
	return p.Kernel.ModuleFrameWith(p.Walker(), addr)
}

// AllocPage implements platform.PageAllocator.AllocPage.
func (p *Platform) AllocPage() ([]byte, error) {
	return p.AllocPages(1)
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
	return b[:size:size], nil
}

// FreePool implements platform.PageAllocator.FreePool.
func (p *Platform) FreePool(block []byte) {
	p.FreePages(block)
}

// Zeroed implements platform.PageAllocator.Zeroed.
func (*Platform) Zeroed() bool {
	return false
}

// Entry returns the entry at self-map address addr, reading it through the
// kernel page tables.
func (p *Platform) Entry(addr hostarch.Addr) (*pagetables.PTE, bool) {
	phys, err := p.Translate(addr)
	if err != nil {
		return nil, false
	}
	virt, ok := p.Memory().VirtualFor(phys)
	if !ok {
		return nil, false
	}
	return p.Memory().EntryAt(virt)
}

// load returns the value of the entry at self-map address addr. An entry that
// cannot be reached reads as zero.
func (p *Platform) load(addr hostarch.Addr) pagetables.PTE {
	e, ok := p.Entry(addr)
	if !ok {
		return 0
	}
	return e.Load()
}

// VAToPA translates va in the kernel address space through the self-map
// alone.
func (p *Platform) VAToPA(va hostarch.Addr) (uintptr, error) {
	if !va.IsCanonical() {
		return 0, fmt.Errorf("translating %v: %w", va, mmerr.ErrInvalidAddress)
	}
	if pde := p.load(p.VAToPDE(va)); pde.IsLarge() {
		if !pde.Valid() {
			return 0, fmt.Errorf("translating %v: %w", va, mmerr.ErrNotMapped)
		}
		return uintptr(hostarch.Addr(pde.Address()).HugeRoundDown()) | uintptr(va.HugePageOffset()), nil
	}
	pte := p.load(p.VAToPTE(va))
	if !pte.Valid() {
		return 0, fmt.Errorf("translating %v: %w", va, mmerr.ErrNotMapped)
	}
	return pte.Address() | uintptr(va.PageOffset()), nil
}

// IsPhys returns true if va is backed by a resident page.
func (p *Platform) IsPhys(va hostarch.Addr) bool {
	if !va.IsCanonical() {
		return false
	}
	if !p.load(p.VAToPXE(va)).Valid() || !p.load(p.VAToPPE(va)).Valid() {
		return false
	}
	if p.load(p.VAToPDE(va)).IsLargePresent() {
		return true
	}
	return p.load(p.VAToPTE(va)).Valid()
}

// ConsultVAD returns true if the page tables say nothing about va, so its
// state must be looked up in the address space descriptors.
func (p *Platform) ConsultVAD(va hostarch.Addr) bool {
	pde := p.load(p.VAToPDE(va))
	if !pde.Valid() {
		return true
	}
	if pde.IsLarge() {
		return false
	}
	return p.load(p.VAToPTE(va)) == 0
}

// RootEntry implements pagetables.Backend.RootEntry.
func (p *Platform) RootEntry(root uintptr, va hostarch.Addr) (*pagetables.PTE, bool) {
	return p.tables.RootEntry(root, va)
}

// ActiveRootEntry implements pagetables.Backend.ActiveRootEntry. The entry is
// found through the self-map.
func (p *Platform) ActiveRootEntry(va hostarch.Addr) (*pagetables.PTE, bool) {
	return p.Entry(p.VAToPXE(va))
}

// NextEntry implements pagetables.Backend.NextEntry.
func (p *Platform) NextEntry(entry pagetables.PTE, level pagetables.Level, va hostarch.Addr) (*pagetables.PTE, bool) {
	return p.tables.NextEntry(entry, level, va)
}

type constructor struct{}

// New implements platform.Constructor.New.
func (constructor) New(conf *platform.Config) (platform.Platform, error) {
	k, err := hostmm.NewFromConfig(conf)
	if err != nil {
		return nil, err
	}
	p, err := New(k, conf.SelfMapIndex)
	if err != nil {
		k.Close()
		return nil, err
	}
	return p, nil
}

func init() {
	platform.Register(Name, constructor{})
}
