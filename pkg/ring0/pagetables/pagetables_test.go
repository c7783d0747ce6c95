// Copyright 2018 The gVisor Authors.
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

	"gvisor.dev/hvmm/pkg/errors/mmerr"
	"gvisor.dev/hvmm/pkg/hostarch"
)

type mapping struct {
	start  uintptr
	length uintptr
	addr   uintptr
	opts   MapOpts
}

func checkMappings(t *testing.T, pt *PageTables, m []mapping) {
	t.Helper()
	var (
		current int
		found   []mapping
		failed  string
	)

	// Iterate over all the mappings.
	_ = pt.iterateRange(0, ^uintptr(0), false, func(s, e uintptr, pte *PTE, align uintptr) {
		found = append(found, mapping{
			start:  s,
			length: e - s,
			addr:   pte.Address(),
			opts:   pte.Opts(),
		})
		if failed != "" {
			// Don't keep looking for errors.
			return
		}

		if current >= len(m) {
			failed = "more mappings than expected"
		} else if m[current].start != s {
			failed = "start didn't match expected"
		} else if m[current].length != (e - s) {
			failed = "end didn't match expected"
		} else if m[current].addr != pte.Address() {
			failed = "address didn't match expected"
		} else if m[current].opts != pte.Opts() {
			failed = "opts didn't match"
		}
		current++
	})

	// Were we expected additional mappings?
	if failed == "" && current != len(m) {
		failed = "insufficient mappings found"
	}

	// Emit a meaningful error message on failure.
	if failed != "" {
		t.Errorf("%s; got %#v, wanted %#v", failed, found, m)
	}
}

func newPageTables(t *testing.T) (*PageTables, *RuntimeAllocator) {
	t.Helper()
	a := NewRuntimeAllocator()
	pt, err := New(a)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return pt, a
}

func mustMap(t *testing.T, pt *PageTables, addr hostarch.Addr, length uintptr, opts MapOpts, physical uintptr) {
	t.Helper()
	if _, err := pt.Map(addr, length, opts, physical); err != nil {
		t.Fatalf("Map(%v, %#x) failed: %v", addr, length, err)
	}
}

func TestUnmap(t *testing.T) {
	pt, a := newPageTables(t)

	// Map and unmap one entry.
	mustMap(t, pt, 0x400000, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, pteSize*42)
	if !pt.Unmap(0x400000, pteSize) {
		t.Errorf("Unmap returned false for a mapped page")
	}

	checkMappings(t, pt, nil)

	// Only the root remains.
	if got := a.Count(); got != 1 {
		t.Errorf("live tables after unmap: got %d, want 1", got)
	}
}

func TestReadOnly(t *testing.T) {
	pt, _ := newPageTables(t)

	// Map one entry.
	mustMap(t, pt, 0x400000, pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, MapOpts{AccessType: hostarch.Read}},
	})
}

func TestReadWrite(t *testing.T) {
	pt, _ := newPageTables(t)

	// Map one entry.
	mustMap(t, pt, 0x400000, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, MapOpts{AccessType: hostarch.ReadWrite}},
	})
}

func TestSerialEntries(t *testing.T) {
	pt, _ := newPageTables(t)

	// Map two sequential entries.
	mustMap(t, pt, 0x400000, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, pteSize*42)
	mustMap(t, pt, 0x401000, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, pteSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, MapOpts{AccessType: hostarch.ReadWrite}},
		{0x401000, pteSize, pteSize * 47, MapOpts{AccessType: hostarch.ReadWrite}},
	})
}

func TestSpanningEntries(t *testing.T) {
	pt, _ := newPageTables(t)

	// Span a pgd with two pages.
	mustMap(t, pt, 0x00007efffffff000, 2*pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x00007efffffff000, pteSize, pteSize * 42, MapOpts{AccessType: hostarch.Read}},
		{0x00007f0000000000, pteSize, pteSize * 43, MapOpts{AccessType: hostarch.Read}},
	})
}

func TestSparseEntries(t *testing.T) {
	pt, _ := newPageTables(t)

	// Map two entries in different pgds.
	mustMap(t, pt, 0x400000, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, pteSize*42)
	mustMap(t, pt, 0x00007f0000000000, pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, MapOpts{AccessType: hostarch.ReadWrite}},
		{0x00007f0000000000, pteSize, pteSize * 47, MapOpts{AccessType: hostarch.Read}},
	})
}

func TestKernelHalf(t *testing.T) {
	pt, _ := newPageTables(t)

	mustMap(t, pt, 0x400000, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, pteSize*42)
	mustMap(t, pt, 0xffff800000001000, pteSize, MapOpts{AccessType: hostarch.ReadExec, Global: true}, pteSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, MapOpts{AccessType: hostarch.ReadWrite}},
		{0xffff800000001000, pteSize, pteSize * 47, MapOpts{AccessType: hostarch.ReadExec, Global: true}},
	})
}

func Test2MAnd4K(t *testing.T) {
	pt, _ := newPageTables(t)

	// Map a small page and a huge page.
	mustMap(t, pt, 0x400000, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, pteSize*42)
	mustMap(t, pt, 0x00007f0000000000, pmdSize, MapOpts{AccessType: hostarch.Read}, pmdSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, MapOpts{AccessType: hostarch.ReadWrite}},
		{0x00007f0000000000, pmdSize, pmdSize * 47, MapOpts{AccessType: hostarch.Read}},
	})
}

func TestUnalignedPhysical(t *testing.T) {
	pt, _ := newPageTables(t)

	// The physical address does not allow a huge page.
	mustMap(t, pt, 0x200000, pmdSize, MapOpts{AccessType: hostarch.Read}, pmdSize+pteSize)

	if _, _, ok := pt.Lookup(0x200000 + pmdSize - pteSize); !ok {
		t.Fatalf("last page of range not mapped")
	}
	count := 0
	_ = pt.iterateRange(0, ^uintptr(0), false, func(s, e uintptr, pte *PTE, align uintptr) {
		if e-s != pteSize {
			t.Errorf("mapping [%#x, %#x) is not a small page", s, e)
		}
		count++
	})
	if count != entriesPerPage {
		t.Errorf("got %d small pages, want %d", count, entriesPerPage)
	}
}

func TestSplitHugePage(t *testing.T) {
	pt, _ := newPageTables(t)

	mustMap(t, pt, 0x200000, pmdSize, MapOpts{AccessType: hostarch.ReadWrite}, pmdSize*3)
	if !pt.Unmap(0x201000, pteSize) {
		t.Fatalf("Unmap returned false for a mapped page")
	}

	if _, _, ok := pt.Lookup(0x201000); ok {
		t.Errorf("unmapped page still resolves")
	}
	physical, opts, ok := pt.Lookup(0x202010)
	if !ok {
		t.Fatalf("neighbour of unmapped page no longer resolves")
	}
	if want := uintptr(pmdSize*3 + 0x2010); physical != want {
		t.Errorf("Lookup(0x202010) = %#x, want %#x", physical, want)
	}
	if opts.AccessType != hostarch.ReadWrite {
		t.Errorf("split page access = %v, want %v", opts.AccessType, hostarch.ReadWrite)
	}
}

func TestRemapReportsPrevious(t *testing.T) {
	pt, _ := newPageTables(t)

	prev, err := pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42)
	if err != nil || prev {
		t.Fatalf("first Map = (%t, %v), want (false, nil)", prev, err)
	}
	prev, err = pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42)
	if err != nil || prev {
		t.Errorf("identical Map = (%t, %v), want (false, nil)", prev, err)
	}
	prev, err = pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.ReadWrite}, pteSize*42)
	if err != nil || !prev {
		t.Errorf("changed Map = (%t, %v), want (true, nil)", prev, err)
	}
}

func TestMapNoAccessUnmaps(t *testing.T) {
	pt, _ := newPageTables(t)

	mustMap(t, pt, 0x400000, pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42)
	prev, err := pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.NoAccess}, pteSize*42)
	if err != nil || !prev {
		t.Errorf("Map(NoAccess) = (%t, %v), want (true, nil)", prev, err)
	}
	checkMappings(t, pt, nil)
}

func TestMapInvalid(t *testing.T) {
	pt, _ := newPageTables(t)

	for _, tc := range []struct {
		name   string
		addr   hostarch.Addr
		length uintptr
	}{
		{"non-canonical", 0x0000800000000000, pteSize},
		{"spans gap", 0x00007ffffffff000, 2 * pteSize},
		{"overflow", 0xfffffffffffff000, 2 * pteSize},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := pt.Map(tc.addr, tc.length, MapOpts{AccessType: hostarch.Read}, pteSize); !errors.Is(err, mmerr.ErrInvalidAddress) {
				t.Errorf("Map(%v, %#x) = %v, want %v", tc.addr, tc.length, err, mmerr.ErrInvalidAddress)
			}
		})
	}
	checkMappings(t, pt, nil)
}

func TestMapOutOfMemory(t *testing.T) {
	pt, a := newPageTables(t)

	// Room for the root and one more table only.
	a.SetLimit(2)
	_, err := pt.Map(0x400000, pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42)
	if !errors.Is(err, mmerr.ErrOutOfMemory) {
		t.Fatalf("Map with exhausted allocator = %v, want %v", err, mmerr.ErrOutOfMemory)
	}
	a.SetLimit(0)
	mustMap(t, pt, 0x400000, pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42)
	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, MapOpts{AccessType: hostarch.Read}},
	})
}

func TestLookup(t *testing.T) {
	pt, _ := newPageTables(t)

	opts := MapOpts{AccessType: hostarch.ReadWrite, User: true, MemoryType: hostarch.MemoryTypeUncached}
	mustMap(t, pt, 0x400000, pteSize, opts, pteSize*42)

	physical, got, ok := pt.Lookup(0x400abc)
	if !ok {
		t.Fatalf("Lookup(0x400abc) not mapped")
	}
	if want := uintptr(pteSize*42 + 0xabc); physical != want {
		t.Errorf("Lookup(0x400abc) = %#x, want %#x", physical, want)
	}
	if got != opts {
		t.Errorf("Lookup(0x400abc) opts = %+v, want %+v", got, opts)
	}
	if _, _, ok := pt.Lookup(0x500000); ok {
		t.Errorf("Lookup(0x500000) reported a mapping")
	}
}

func TestRelease(t *testing.T) {
	pt, a := newPageTables(t)

	mustMap(t, pt, 0x400000, pteSize, MapOpts{AccessType: hostarch.Read}, pteSize*42)
	mustMap(t, pt, 0xffff800000000000, pmdSize, MapOpts{AccessType: hostarch.Read}, pmdSize)
	pt.Release()

	if got := a.Count(); got != 0 {
		t.Errorf("live tables after release: got %d, want 0", got)
	}
}
