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

// Package selfmap is a platform that exposes the host page tables the way a
// Windows kernel does: a recursive entry in the top-level table makes every
// table of the active address space visible at a fixed virtual address.
// Allocations are not zeroed by the host.
package selfmap

import (
	"gvisor.dev/hvmm/pkg/hostarch"
)

// Masks applied to a virtual address, shifted down by the level shift, to
// form the entry index within the self-map window of each level.
const (
	pxeMask = 0x1ff
	ppeMask = 0x3ffff
	pdeMask = 0x7ffffff
	pteMask = 0xfffffffff

	// vaShift is the number of non-significant high bits.
	vaShift = 64 - hostarch.VABits
)

// Bases are the virtual addresses of the self-map windows.
type Bases struct {
	// Index is the slot of the recursive entry in the top-level table.
	Index int

	// PXE is the address of the top-level table.
	PXE hostarch.Addr

	// PPE is the address of the first PDPT entry.
	PPE hostarch.Addr

	// PDE is the address of the first PD entry.
	PDE hostarch.Addr

	// PTE is the address of the first PT entry.
	PTE hostarch.Addr
}

// signExtend returns the canonical form of a 48-bit address.
func signExtend(v uint64) hostarch.Addr {
	return hostarch.Addr(int64(v<<vaShift) >> vaShift)
}

// NewBases returns the bases for a recursive entry at index.
func NewBases(index int) Bases {
	pte := signExtend(uint64(index) << hostarch.PML4IShift)
	pde := pte + hostarch.Addr(index)<<hostarch.PDPTIShift
	ppe := pde + hostarch.Addr(index)<<hostarch.PDIShift
	pxe := ppe + hostarch.Addr(index)<<hostarch.PTIShift
	return Bases{
		Index: index,
		PXE:   pxe,
		PPE:   ppe,
		PDE:   pde,
		PTE:   pte,
	}
}

// VAToPXE returns the address of the top-level entry for va.
func (b Bases) VAToPXE(va hostarch.Addr) hostarch.Addr {
	return b.PXE + (va>>hostarch.PML4IShift)&pxeMask<<hostarch.PTEShift
}

// VAToPPE returns the address of the PDPT entry for va.
func (b Bases) VAToPPE(va hostarch.Addr) hostarch.Addr {
	return b.PPE + (va>>hostarch.PDPTIShift)&ppeMask<<hostarch.PTEShift
}

// VAToPDE returns the address of the PD entry for va.
func (b Bases) VAToPDE(va hostarch.Addr) hostarch.Addr {
	return b.PDE + (va>>hostarch.PDIShift)&pdeMask<<hostarch.PTEShift
}

// VAToPTE returns the address of the PT entry for va.
func (b Bases) VAToPTE(va hostarch.Addr) hostarch.Addr {
	return b.PTE + (va>>hostarch.PTIShift)&pteMask<<hostarch.PTEShift
}

// PTEToVA returns the page mapped by the PT entry at address pte.
func (b Bases) PTEToVA(pte hostarch.Addr) hostarch.Addr {
	return hostarch.Addr(int64(uint64(pte-b.PTE)<<(hostarch.PageShift-hostarch.PTEShift+vaShift)) >> vaShift)
}

// Contains returns true if addr lies in the self-map window.
func (b Bases) Contains(addr hostarch.Addr) bool {
	return addr.PML4Index() == b.Index
}
