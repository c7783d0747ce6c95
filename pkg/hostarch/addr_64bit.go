// Copyright 2021 The gVisor Authors.
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

//go:build arm64 || amd64
// +build arm64 amd64

package hostarch

// Four-level paging index layout.
const (
	PTIShift   = 12
	PDIShift   = 21
	PDPTIShift = 30
	PML4IShift = 39

	// IndexMask selects one 9-bit table index after shifting.
	IndexMask = 0x1ff
)

// HugeRoundDown returns the address rounded down to the nearest huge page
// boundary.
func (v Addr) HugeRoundDown() Addr {
	return v & ^Addr(HugePageSize-1)
}

// HugeRoundUp returns the address rounded up to the nearest huge page boundary.
// ok is true iff rounding up did not wrap around.
func (v Addr) HugeRoundUp() (addr Addr, ok bool) {
	addr = Addr(v + HugePageSize - 1).HugeRoundDown()
	ok = addr >= v
	return
}

// HugePageOffset returns the offset of v into the current huge page.
func (v Addr) HugePageOffset() uint64 {
	return uint64(v & Addr(HugePageSize-1))
}

// IsCanonical returns true iff sign-extending v from bit 47 reproduces v.
//
//go:nosplit
func (v Addr) IsCanonical() bool {
	return int64(v)>>(VABits-1) == int64(v)>>63
}

// PML4Index returns the index of v into the top level table.
//
//go:nosplit
func (v Addr) PML4Index() int {
	return int((v >> PML4IShift) & IndexMask)
}

// PDPTIndex returns the index of v into its page directory pointer table.
//
//go:nosplit
func (v Addr) PDPTIndex() int {
	return int((v >> PDPTIShift) & IndexMask)
}

// PDIndex returns the index of v into its page directory.
//
//go:nosplit
func (v Addr) PDIndex() int {
	return int((v >> PDIShift) & IndexMask)
}

// PTIndex returns the index of v into its page table.
//
//go:nosplit
func (v Addr) PTIndex() int {
	return int((v >> PTIShift) & IndexMask)
}
