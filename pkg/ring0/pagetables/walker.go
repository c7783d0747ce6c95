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

package pagetables

import (
	"fmt"

	"gvisor.dev/hvmm/pkg/errors/mmerr"
	"gvisor.dev/hvmm/pkg/hostarch"
)

// Level identifies one of the four levels of the page table hierarchy.
type Level int

// Levels, from the root down.
const (
	PML4 Level = iota
	PDPT
	PD
	PT
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case PML4:
		return "PML4"
	case PDPT:
		return "PDPT"
	case PD:
		return "PD"
	case PT:
		return "PT"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Index returns the index of va's entry in a table at this level.
//
//go:nosplit
func (l Level) Index(va hostarch.Addr) int {
	switch l {
	case PML4:
		return va.PML4Index()
	case PDPT:
		return va.PDPTIndex()
	case PD:
		return va.PDIndex()
	default:
		return va.PTIndex()
	}
}

// Size returns the number of bytes translated by one entry at this level.
func (l Level) Size() uintptr {
	switch l {
	case PML4:
		return pgdSize
	case PDPT:
		return pudSize
	case PD:
		return pmdSize
	default:
		return pteSize
	}
}

// Backend gives the walker access to page table entries. Implementations
// decide how a table's physical address is turned into something that can be
// read: a direct map, a fixed self-map window, or an allocator's own table.
type Backend interface {
	// RootEntry returns the PML4 entry for va in the table rooted at the
	// physical address root. The low twelve bits and bit 63 of root are
	// ignored.
	RootEntry(root uintptr, va hostarch.Addr) (*PTE, bool)

	// ActiveRootEntry returns the PML4 entry for va in the active address
	// space.
	ActiveRootEntry(va hostarch.Addr) (*PTE, bool)

	// NextEntry returns the entry for va at level in the table referenced by
	// entry. The entry is present and is not a large page.
	NextEntry(entry PTE, level Level, va hostarch.Addr) (*PTE, bool)
}

// Walker translates virtual addresses by walking page tables.
//
// The walker holds no locks and never modifies entries.
type Walker struct {
	backend Backend
}

// NewWalker returns a walker over the given backend.
func NewWalker(b Backend) *Walker {
	return &Walker{backend: b}
}

// Resolve translates va in the address space rooted at root.
//
// It returns mmerr.ErrInvalidAddress for non-canonical addresses, without
// touching any table, and mmerr.ErrNotMapped if any level is absent.
func (w *Walker) Resolve(root uintptr, va hostarch.Addr) (uintptr, error) {
	entry, level, err := w.ResolveEntry(root, va)
	if err != nil {
		return 0, err
	}
	return translate(entry.Load(), level, va)
}

// ResolveEntry returns the leaf entry for va in the address space rooted at
// root: the PT entry, or the PD entry of a 2M page. The leaf entry is
// returned even when it is not present, so that it can be classified.
func (w *Walker) ResolveEntry(root uintptr, va hostarch.Addr) (*PTE, Level, error) {
	if !va.IsCanonical() {
		return nil, PML4, mmerr.ErrInvalidAddress
	}
	entry, ok := w.backend.RootEntry(root, va)
	return w.descend(entry, ok, va)
}

// ResolveActive is Resolve in the active address space.
func (w *Walker) ResolveActive(va hostarch.Addr) (uintptr, error) {
	entry, level, err := w.ResolveActiveEntry(va)
	if err != nil {
		return 0, err
	}
	return translate(entry.Load(), level, va)
}

// ResolveActiveEntry is ResolveEntry in the active address space.
func (w *Walker) ResolveActiveEntry(va hostarch.Addr) (*PTE, Level, error) {
	if !va.IsCanonical() {
		return nil, PML4, mmerr.ErrInvalidAddress
	}
	entry, ok := w.backend.ActiveRootEntry(va)
	return w.descend(entry, ok, va)
}

// Walk calls fn with the entry for va at each level, starting at the root.
// The walk stops after a leaf, after an entry that is not present, or when
// fn returns false.
func (w *Walker) Walk(root uintptr, va hostarch.Addr, fn func(level Level, entry *PTE) bool) error {
	if !va.IsCanonical() {
		return mmerr.ErrInvalidAddress
	}
	entry, ok := w.backend.RootEntry(root, va)
	for level := PML4; ; level++ {
		if !ok {
			return mmerr.ErrNotMapped
		}
		e := entry.Load()
		if !fn(level, entry) || level == PT || !e.Valid() || e.IsLarge() {
			return nil
		}
		entry, ok = w.backend.NextEntry(e, level+1, va)
	}
}

// descend follows entry down to the leaf for va.
//
// Large pages are only supported at the PD level; a large entry above it is
// reported as not mapped.
func (w *Walker) descend(entry *PTE, ok bool, va hostarch.Addr) (*PTE, Level, error) {
	for level := PML4; ; level++ {
		if !ok {
			return nil, level, mmerr.ErrNotMapped
		}
		if level == PT {
			return entry, PT, nil
		}
		e := entry.Load()
		if !e.Valid() {
			return nil, level, mmerr.ErrNotMapped
		}
		if e.IsLarge() {
			if level == PD {
				return entry, PD, nil
			}
			return nil, level, mmerr.ErrNotMapped
		}
		entry, ok = w.backend.NextEntry(e, level+1, va)
	}
}

// translate forms the physical address of va from its leaf entry.
//
//go:nosplit
func translate(e PTE, level Level, va hostarch.Addr) (uintptr, error) {
	if !e.Valid() {
		return 0, mmerr.ErrNotMapped
	}
	if level == PD {
		return uintptr(hostarch.Addr(e.Address()).HugeRoundDown()) | uintptr(va.HugePageOffset()), nil
	}
	return e.Address() | uintptr(va.PageOffset()), nil
}

// Tables is a Backend that reads tables through an Allocator.
type Tables struct {
	// Allocator translates table physical addresses.
	Allocator Allocator

	// Active returns the root of the active address space. It may be nil,
	// in which case there is no active address space.
	Active func() uintptr
}

// RootEntry implements Backend.RootEntry.
func (t Tables) RootEntry(root uintptr, va hostarch.Addr) (*PTE, bool) {
	ptes := t.Allocator.LookupPTEs(RootAddress(root))
	if ptes == nil {
		return nil, false
	}
	return &ptes[va.PML4Index()], true
}

// ActiveRootEntry implements Backend.ActiveRootEntry.
func (t Tables) ActiveRootEntry(va hostarch.Addr) (*PTE, bool) {
	if t.Active == nil {
		return nil, false
	}
	return t.RootEntry(t.Active(), va)
}

// NextEntry implements Backend.NextEntry.
func (t Tables) NextEntry(entry PTE, level Level, va hostarch.Addr) (*PTE, bool) {
	ptes := t.Allocator.LookupPTEs(entry.Address())
	if ptes == nil {
		return nil, false
	}
	return &ptes[level.Index(va)], true
}
