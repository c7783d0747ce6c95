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
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/hvmm/pkg/errors/mmerr"
	"gvisor.dev/hvmm/pkg/hostarch"
)

// countingBackend records every access made by the walker.
type countingBackend struct {
	Tables
	calls int
}

func (c *countingBackend) RootEntry(root uintptr, va hostarch.Addr) (*PTE, bool) {
	c.calls++
	return c.Tables.RootEntry(root, va)
}

func (c *countingBackend) ActiveRootEntry(va hostarch.Addr) (*PTE, bool) {
	c.calls++
	return c.Tables.ActiveRootEntry(va)
}

func (c *countingBackend) NextEntry(entry PTE, level Level, va hostarch.Addr) (*PTE, bool) {
	c.calls++
	return c.Tables.NextEntry(entry, level, va)
}

// entryAt returns the entry for va at the given level.
func entryAt(t *testing.T, pt *PageTables, va hostarch.Addr, want Level) *PTE {
	t.Helper()
	var found *PTE
	if err := NewWalker(pt.Backend()).Walk(pt.Root(), va, func(level Level, entry *PTE) bool {
		if level == want {
			found = entry
			return false
		}
		return true
	}); err != nil {
		t.Fatalf("Walk(%v) failed: %v", va, err)
	}
	if found == nil {
		t.Fatalf("Walk(%v) did not reach %v", va, want)
	}
	return found
}

func TestResolveNonCanonical(t *testing.T) {
	pt, _ := newPageTables(t)
	mustMap(t, pt, 0x400000, pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42)
	b := &countingBackend{Tables: pt.Backend()}
	w := NewWalker(b)

	for _, va := range []hostarch.Addr{
		0x0000800000000000,
		0x0000800000001000,
		0xffff7fffffffffff,
		0x8000000000000000,
		0x7fffffffffffffff,
	} {
		if _, err := w.Resolve(pt.Root(), va); !errors.Is(err, mmerr.ErrInvalidAddress) {
			t.Errorf("Resolve(%v) = %v, want %v", va, err, mmerr.ErrInvalidAddress)
		}
		if _, _, err := w.ResolveEntry(pt.Root(), va); !errors.Is(err, mmerr.ErrInvalidAddress) {
			t.Errorf("ResolveEntry(%v) = %v, want %v", va, err, mmerr.ErrInvalidAddress)
		}
		if _, err := w.ResolveActive(va); !errors.Is(err, mmerr.ErrInvalidAddress) {
			t.Errorf("ResolveActive(%v) = %v, want %v", va, err, mmerr.ErrInvalidAddress)
		}
		if _, _, err := w.ResolveActiveEntry(va); !errors.Is(err, mmerr.ErrInvalidAddress) {
			t.Errorf("ResolveActiveEntry(%v) = %v, want %v", va, err, mmerr.ErrInvalidAddress)
		}
		if err := w.Walk(pt.Root(), va, func(Level, *PTE) bool { return true }); !errors.Is(err, mmerr.ErrInvalidAddress) {
			t.Errorf("Walk(%v) = %v, want %v", va, err, mmerr.ErrInvalidAddress)
		}
	}
	if b.calls != 0 {
		t.Errorf("walker made %d backend calls for non-canonical addresses", b.calls)
	}
}

func TestResolveCanonicalBoundary(t *testing.T) {
	pt, _ := newPageTables(t)
	w := NewWalker(pt.Backend())

	// The highest lower-half address is canonical, so the walk runs and
	// finds nothing.
	if _, err := w.Resolve(pt.Root(), 0x00007fffffffffff); !errors.Is(err, mmerr.ErrNotMapped) {
		t.Errorf("Resolve(0x7fffffffffff) = %v, want %v", err, mmerr.ErrNotMapped)
	}
}

func TestResolveMissingLevels(t *testing.T) {
	pt, _ := newPageTables(t)
	mustMap(t, pt, 0x400000, pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42)
	w := NewWalker(pt.Backend())

	for _, tc := range []struct {
		name string
		va   hostarch.Addr
	}{
		{"PML4", 0x00007f0000000000},
		{"PDPT", 0x0000000040000000},
		{"PD", 0x0000000000600000},
		{"PT", 0x0000000000401000},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := w.Resolve(pt.Root(), tc.va); !errors.Is(err, mmerr.ErrNotMapped) {
				t.Errorf("Resolve(%v) = %v, want %v", tc.va, err, mmerr.ErrNotMapped)
			}
		})
	}
}

func TestResolveEntryNotPresent(t *testing.T) {
	pt, _ := newPageTables(t)
	mustMap(t, pt, 0x400000, pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42)
	w := NewWalker(pt.Backend())

	// The PT exists, so the absent leaf is returned for classification.
	entry, level, err := w.ResolveEntry(pt.Root(), 0x401000)
	if err != nil {
		t.Fatalf("ResolveEntry(0x401000) failed: %v", err)
	}
	if level != PT {
		t.Errorf("ResolveEntry(0x401000) level = %v, want %v", level, PT)
	}
	entry.Store(0x0000000123456000 | transition | 4<<transitionProtectionShift)
	if got := entry.Load().State(); got != Transition {
		t.Errorf("leaf state = %v, want %v", got, Transition)
	}
	if _, err := w.Resolve(pt.Root(), 0x401000); !errors.Is(err, mmerr.ErrNotMapped) {
		t.Errorf("Resolve of transition leaf = %v, want %v", err, mmerr.ErrNotMapped)
	}

	// Without a PD entry there is nothing to classify.
	if _, _, err := w.ResolveEntry(pt.Root(), 0x600000); !errors.Is(err, mmerr.ErrNotMapped) {
		t.Errorf("ResolveEntry(0x600000) = %v, want %v", err, mmerr.ErrNotMapped)
	}
}

func TestResolvePresent(t *testing.T) {
	pt, _ := newPageTables(t)
	w := NewWalker(pt.Backend())

	for i, va := range []hostarch.Addr{
		0x0000000000400000,
		0x00007efffffff000,
		0x00000012345ff000,
		0xffff800000000000,
		0xfffff6fb7dbed000,
		0xffffffffffffe000,
	} {
		physical := uintptr(i+1) * 0x1000 * 37
		mustMap(t, pt, va, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, physical)
		for _, off := range []hostarch.Addr{0, 1, 0x7ff, 0xfff} {
			got, err := w.Resolve(pt.Root(), va+off)
			if err != nil {
				t.Errorf("Resolve(%v) failed: %v", va+off, err)
				continue
			}
			if want := physical | uintptr(off); got != want {
				t.Errorf("Resolve(%v) = %#x, want %#x", va+off, got, want)
			}
		}
	}
}

func TestResolveLarge(t *testing.T) {
	pt, _ := newPageTables(t)
	w := NewWalker(pt.Backend())

	const frame = pmdSize * 5
	mustMap(t, pt, 0x40000000, pmdSize, MapOpts{AccessType: hostarch.Read}, frame)

	entry, level, err := w.ResolveEntry(pt.Root(), 0x40012345)
	if err != nil {
		t.Fatalf("ResolveEntry failed: %v", err)
	}
	if level != PD || !entry.Load().IsLargePresent() {
		t.Errorf("ResolveEntry = (%#x, %v), want a present large PD entry", uint64(entry.Load()), level)
	}
	for _, va := range []hostarch.Addr{0x40000000, 0x40012345, 0x401fffff} {
		got, err := w.Resolve(pt.Root(), va)
		if err != nil {
			t.Fatalf("Resolve(%v) failed: %v", va, err)
		}
		if want := uintptr(frame) | uintptr(va&0x1fffff); got != want {
			t.Errorf("Resolve(%v) = %#x, want %#x", va, got, want)
		}
	}
}

func TestResolveLargeTransition(t *testing.T) {
	pt, _ := newPageTables(t)
	w := NewWalker(pt.Backend())

	const frame = pmdSize * 7
	mustMap(t, pt, 0x40000000, pmdSize, MapOpts{AccessType: hostarch.Read}, frame)
	pde := entryAt(t, pt, 0x40000000, PD)
	pde.Store(pde.Load() | transition)

	if !pde.Load().IsLargeTransition() {
		t.Fatalf("entry %#x is not a large transition entry", uint64(pde.Load()))
	}
	if got := pde.Load().State(); got != Resident {
		t.Errorf("State() = %v, want %v", got, Resident)
	}
	got, err := w.Resolve(pt.Root(), 0x400abcde)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if want := uintptr(frame | 0xabcde); got != want {
		t.Errorf("Resolve = %#x, want %#x", got, want)
	}
}

func TestResolveUpperLevelLarge(t *testing.T) {
	pt, _ := newPageTables(t)
	w := NewWalker(pt.Backend())

	mustMap(t, pt, 0x400000, pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42)
	pdpte := entryAt(t, pt, 0x400000, PDPT)
	pdpte.Store(pdpte.Load() | super)

	if _, err := w.Resolve(pt.Root(), 0x400000); !errors.Is(err, mmerr.ErrNotMapped) {
		t.Errorf("Resolve through a large PDPT entry = %v, want %v", err, mmerr.ErrNotMapped)
	}
}

func TestResolveActive(t *testing.T) {
	pt, a := newPageTables(t)
	mustMap(t, pt, 0x400000, pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42)

	got, err := NewWalker(pt.Backend()).ResolveActive(0x400010)
	if err != nil {
		t.Fatalf("ResolveActive failed: %v", err)
	}
	if want := uintptr(pteSize*42 + 0x10); got != want {
		t.Errorf("ResolveActive = %#x, want %#x", got, want)
	}

	// No active address space.
	if _, err := NewWalker(Tables{Allocator: a}).ResolveActive(0x400010); !errors.Is(err, mmerr.ErrNotMapped) {
		t.Errorf("ResolveActive without an active root = %v, want %v", err, mmerr.ErrNotMapped)
	}
}

func TestResolveIgnoresRootFlags(t *testing.T) {
	pt, _ := newPageTables(t)
	mustMap(t, pt, 0x400000, pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42)

	// PCID in the low bits and the no-flush bit.
	root := pt.Root() | 0x5 | 1<<63
	if _, err := NewWalker(pt.Backend()).Resolve(root, 0x400000); err != nil {
		t.Errorf("Resolve with flagged root failed: %v", err)
	}
}

func TestWalkLevels(t *testing.T) {
	pt, _ := newPageTables(t)
	mustMap(t, pt, 0x400000, pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42)
	mustMap(t, pt, 0x40000000, pmdSize, MapOpts{AccessType: hostarch.Read}, pmdSize)
	w := NewWalker(pt.Backend())

	for _, tc := range []struct {
		va   hostarch.Addr
		want []Level
	}{
		{0x400000, []Level{PML4, PDPT, PD, PT}},
		{0x40000000, []Level{PML4, PDPT, PD}},
		{0x00007f0000000000, []Level{PML4}},
	} {
		var got []Level
		if err := w.Walk(pt.Root(), tc.va, func(level Level, _ *PTE) bool {
			got = append(got, level)
			return true
		}); err != nil {
			t.Errorf("Walk(%v) failed: %v", tc.va, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("Walk(%v) levels mismatch (-want +got):\n%s", tc.va, diff)
		}
	}
}

func TestResolveMatchesDirectRead(t *testing.T) {
	// Back "physical memory" with a byte slice and check that the resolved
	// address reads the same byte as the virtual address.
	pt, _ := newPageTables(t)
	w := NewWalker(pt.Backend())
	memory := make([]byte, 16*pteSize)
	for i := range memory {
		memory[i] = byte(i * 7)
	}
	virtual := map[hostarch.Addr][]byte{}
	for i, va := range []hostarch.Addr{0x400000, 0x7f0000003000, 0xffff800000005000} {
		physical := uintptr(3+i*4) * pteSize
		mustMap(t, pt, va, pteSize, MapOpts{AccessType: hostarch.Read}, physical)
		virtual[va] = memory[physical : physical+pteSize]
	}
	for va, page := range virtual {
		for _, off := range []int{0, 1, 0x800, pteSize - 1} {
			physical, err := w.Resolve(pt.Root(), va+hostarch.Addr(off))
			if err != nil {
				t.Fatalf("Resolve(%v) failed: %v", va+hostarch.Addr(off), err)
			}
			if memory[physical] != page[off] {
				t.Errorf("byte at %v: physical %#x reads %#x, virtual reads %#x", va+hostarch.Addr(off), physical, memory[physical], page[off])
			}
		}
	}
}

func TestLevelIndex(t *testing.T) {
	va := hostarch.Addr(0xfffff6fb7dbedabc)
	for _, l := range []Level{PML4, PDPT, PD, PT} {
		if got := l.Index(va); got != 0x1ed {
			t.Errorf("%v.Index(%v) = %#x, want 0x1ed", l, va, got)
		}
	}
	if got, want := PD.Size(), uintptr(hostarch.HugePageSize); got != want {
		t.Errorf("PD.Size() = %#x, want %#x", got, want)
	}
}
