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
	"sync"

	"gvisor.dev/hvmm/pkg/errors/mmerr"
	"gvisor.dev/hvmm/pkg/hostarch"
)

// Allocator is used to allocate and map PTEs.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new set of zeroed PTEs and their physical address.
	// It returns mmerr.ErrOutOfMemory if no table page is available.
	NewPTEs() (*PTEs, error)

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uintptr

	// LookupPTEs looks up PTEs by physical address. It returns nil if the
	// address does not name a table owned by this allocator.
	LookupPTEs(physical uintptr) *PTEs

	// FreePTEs marks a set of PTEs as freed. The allocator zeroes the page
	// before it is reused.
	FreePTEs(ptes *PTEs)
}

// runtimeBase is the first synthetic physical address handed out by
// RuntimeAllocator. Zero is never a valid table address.
const runtimeBase = 0x100000

// RuntimeAllocator is a trivial allocator which uses the Go heap.
//
// Physical addresses are synthetic: they are assigned sequentially from
// runtimeBase and translated back through an internal table, which makes the
// allocator suitable for building address spaces that are only walked in
// software.
type RuntimeAllocator struct {
	mu sync.Mutex

	// next is the next unused physical address.
	next uintptr

	// limit is the maximum number of live tables, or zero for no limit.
	limit int

	// byPhysical and byTable are the two directions of the translation.
	byPhysical map[uintptr]*PTEs
	byTable    map[*PTEs]uintptr

	// pool holds freed tables available for reuse.
	pool []*PTEs
}

// NewRuntimeAllocator returns an allocator that uses runtime allocation.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		next:       runtimeBase,
		byPhysical: make(map[uintptr]*PTEs),
		byTable:    make(map[*PTEs]uintptr),
	}
}

// SetLimit bounds the number of live tables. Zero removes the bound.
func (r *RuntimeAllocator) SetLimit(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit = n
}

// Count returns the number of live tables.
func (r *RuntimeAllocator) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPhysical)
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() (*PTEs, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limit > 0 && len(r.byPhysical) >= r.limit {
		return nil, mmerr.ErrOutOfMemory
	}
	var ptes *PTEs
	if n := len(r.pool); n > 0 {
		ptes = r.pool[n-1]
		r.pool = r.pool[:n-1]
	} else {
		ptes = new(PTEs)
	}
	physical := r.next
	r.next += hostarch.PageSize
	r.byPhysical[physical] = ptes
	r.byTable[ptes] = physical
	return ptes, nil
}

// PhysicalFor implements Allocator.PhysicalFor.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byTable[ptes]
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(physical uintptr) *PTEs {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byPhysical[physical]
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	r.mu.Lock()
	defer r.mu.Unlock()
	physical, ok := r.byTable[ptes]
	if !ok {
		panic("FreePTEs called on unknown table")
	}
	delete(r.byTable, ptes)
	delete(r.byPhysical, physical)
	*ptes = PTEs{}
	r.pool = append(r.pool, ptes)
}
