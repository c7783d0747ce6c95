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

package physmem

import (
	"fmt"
	"unsafe"

	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/ring0/pagetables"
)

// TableAllocator allocates page tables from physical memory. Tables are
// accessed through the direct map.
type TableAllocator struct {
	m *Memory
}

// Tables returns a page table allocator over m.
func (m *Memory) Tables() *TableAllocator {
	return &TableAllocator{m: m}
}

// NewPTEs implements pagetables.Allocator.NewPTEs.
func (t *TableAllocator) NewPTEs() (*pagetables.PTEs, error) {
	phys, err := t.m.AllocFrames(1)
	if err != nil {
		return nil, err
	}
	ptes := t.LookupPTEs(phys)
	*ptes = pagetables.PTEs{}
	return ptes, nil
}

// PhysicalFor implements pagetables.Allocator.PhysicalFor.
func (t *TableAllocator) PhysicalFor(ptes *pagetables.PTEs) uintptr {
	phys, ok := t.m.PhysicalFor(uintptr(unsafe.Pointer(ptes)))
	if !ok {
		panic(fmt.Sprintf("table %p is not in the direct map", ptes))
	}
	return phys
}

// LookupPTEs implements pagetables.Allocator.LookupPTEs.
func (t *TableAllocator) LookupPTEs(physical uintptr) *pagetables.PTEs {
	if physical == 0 || physical%hostarch.PageSize != 0 || physical >= t.m.size {
		return nil
	}
	return (*pagetables.PTEs)(unsafe.Pointer(&t.m.direct[physical]))
}

// FreePTEs implements pagetables.Allocator.FreePTEs.
func (t *TableAllocator) FreePTEs(ptes *pagetables.PTEs) {
	*ptes = pagetables.PTEs{}
	t.m.FreeFrames(t.PhysicalFor(ptes), 1)
}

// EntryAt returns the entry at the direct map address addr.
//
// Precondition: addr is eight-byte aligned and in the direct map.
func (m *Memory) EntryAt(addr uintptr) (*pagetables.PTE, bool) {
	phys, ok := m.PhysicalFor(addr)
	if !ok || phys%8 != 0 {
		return nil, false
	}
	return (*pagetables.PTE)(unsafe.Pointer(&m.direct[phys])), true
}
