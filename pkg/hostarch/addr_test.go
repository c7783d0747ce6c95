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

package hostarch

import (
	"testing"
)

func TestIsCanonical(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		want bool
	}{
		{0, true},
		{0x00007fffffffffff, true},
		{0x0000800000000000, false},
		{0x0000800000001000, false},
		{0xffff7fffffffffff, false},
		{0xffff800000000000, true},
		{0xffffffffffffffff, true},
		{0x0001000000000000, false},
	} {
		if got := tc.addr.IsCanonical(); got != tc.want {
			t.Errorf("Addr(%#x).IsCanonical() = %v, want %v", uintptr(tc.addr), got, tc.want)
		}
	}
}

func TestIndices(t *testing.T) {
	// 0x1ED in every level plus an offset of 0xABC.
	v := Addr(0xfffff6fb7dbedabc)
	if got := v.PML4Index(); got != 0x1ed {
		t.Errorf("PML4Index = %#x, want 0x1ed", got)
	}
	if got := v.PDPTIndex(); got != 0x1ed {
		t.Errorf("PDPTIndex = %#x, want 0x1ed", got)
	}
	if got := v.PDIndex(); got != 0x1ed {
		t.Errorf("PDIndex = %#x, want 0x1ed", got)
	}
	if got := v.PTIndex(); got != 0x1ed {
		t.Errorf("PTIndex = %#x, want 0x1ed", got)
	}
	if got := v.PageOffset(); got != 0xabc {
		t.Errorf("PageOffset = %#x, want 0xabc", got)
	}
}

func TestIndicesRecompose(t *testing.T) {
	for _, v := range []Addr{0x400000, 0x7f0000201123, 0x00007fffffffffff, 0xffff800012345678} {
		got := Addr(v.PML4Index())<<PML4IShift |
			Addr(v.PDPTIndex())<<PDPTIShift |
			Addr(v.PDIndex())<<PDIShift |
			Addr(v.PTIndex())<<PTIShift |
			Addr(v.PageOffset())
		if want := v & (1<<VABits - 1); got != want {
			t.Errorf("recomposed %#x = %#x, want %#x", uintptr(v), uintptr(got), uintptr(want))
		}
	}
}

func TestPageHelpers(t *testing.T) {
	if got := Addr(0x1234fff).RoundDown(); got != 0x1234000 {
		t.Errorf("RoundDown = %v", got)
	}
	if !Addr(0x1234000).IsPageAligned() || Addr(0x1234001).IsPageAligned() {
		t.Errorf("IsPageAligned mismatch")
	}
	if !Addr(0x1000).SamePage(0x1fff) || Addr(0x1fff).SamePage(0x2000) {
		t.Errorf("SamePage mismatch")
	}
	if got := Addr(0x2fffff).HugePageOffset(); got != 0x1fffff {
		t.Errorf("HugePageOffset = %#x", got)
	}
	if _, ok := Addr(^uintptr(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the last address should wrap")
	}
}

func TestPagesSpanned(t *testing.T) {
	for _, tc := range []struct {
		addr   Addr
		length uint64
		want   uint64
	}{
		{0x1000, 0, 0},
		{0x1000, 1, 1},
		{0x1000, PageSize, 1},
		{0x1fff, 2, 2},
		{0x1800, PageSize, 2},
		{0x1000, 3*PageSize + 1, 4},
	} {
		if got := tc.addr.PagesSpanned(tc.length); got != tc.want {
			t.Errorf("Addr(%v).PagesSpanned(%d) = %d, want %d", tc.addr, tc.length, got, tc.want)
		}
	}
}

func TestAccessTypeString(t *testing.T) {
	for at, want := range map[AccessType]string{
		NoAccess:  "---",
		ReadWrite: "rw-",
		ReadExec:  "r-x",
		AnyAccess: "rwx",
	} {
		if got := at.String(); got != want {
			t.Errorf("%+v.String() = %q, want %q", at, got, want)
		}
	}
}

func TestMemoryTypeString(t *testing.T) {
	for _, tc := range []struct {
		mt          MemoryType
		long, short string
	}{
		{MemoryTypeWriteBack, "WriteBack", "WB"},
		{MemoryTypeWriteCombine, "WriteCombine", "WC"},
		{MemoryTypeUncached, "Uncached", "UC"},
		{MemoryType(7), "MemoryType(7)", "07"},
	} {
		if got := tc.mt.String(); got != tc.long {
			t.Errorf("String() = %q, want %q", got, tc.long)
		}
		if got := tc.mt.ShortString(); got != tc.short {
			t.Errorf("ShortString() = %q, want %q", got, tc.short)
		}
	}
}
