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

// Package pagetables provides x86-64 four-level page tables: the entry
// format, a classifier for entries that are not present, a walker that
// translates addresses through a pluggable Backend, and a builder used to
// construct address spaces.
package pagetables

import (
	"fmt"

	"gvisor.dev/hvmm/pkg/errors/mmerr"
	"gvisor.dev/hvmm/pkg/hostarch"
)

// Address constraints.
const (
	lowerTop    = 0x00007fffffffffff
	upperBottom = 0xffff800000000000

	pteShift = hostarch.PTIShift
	pmdShift = hostarch.PDIShift
	pudShift = hostarch.PDPTIShift
	pgdShift = hostarch.PML4IShift

	pteMask = hostarch.IndexMask << pteShift
	pmdMask = hostarch.IndexMask << pmdShift
	pudMask = hostarch.IndexMask << pudShift
	pgdMask = hostarch.IndexMask << pgdShift

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift
)

// PageTables is a set of page tables.
//
// PageTables is not safe for concurrent mutation.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// root is the pagetable root.
	root *PTEs

	// rootPhysical is the cached physical address of the root.
	rootPhysical uintptr
}

// New returns new PageTables.
func New(a Allocator) (*PageTables, error) {
	root, err := a.NewPTEs()
	if err != nil {
		return nil, fmt.Errorf("allocating root: %w", err)
	}
	return &PageTables{
		Allocator:    a,
		root:         root,
		rootPhysical: a.PhysicalFor(root),
	}, nil
}

// Root returns the physical address of the root table, suitable for CR3.
func (p *PageTables) Root() uintptr {
	return p.rootPhysical
}

// RootPTEs returns the root table.
func (p *PageTables) RootPTEs() *PTEs {
	return p.root
}

// Backend returns a Backend that reads these tables through their allocator.
// The active address space is this one.
func (p *PageTables) Backend() Tables {
	return Tables{Allocator: p.Allocator, Active: p.Root}
}

// Map installs a mapping with the given physical address.
//
// True is returned iff there was a previous mapping in the range. 2M pages
// are used whenever the range and the physical address allow it.
//
// Precondition: addr & length must be aligned, their sum must not overflow.
func (p *PageTables) Map(addr hostarch.Addr, length uintptr, opts MapOpts, physical uintptr) (bool, error) {
	if !opts.AccessType.Any() {
		return p.Unmap(addr, length), nil
	}
	end, ok := addr.AddLength(uint64(length))
	if !ok {
		return false, fmt.Errorf("mapping [%v, +%#x): %w", addr, length, mmerr.ErrInvalidAddress)
	}
	if length == 0 {
		return false, nil
	}
	if last := end - 1; !addr.IsCanonical() || !last.IsCanonical() || (addr <= lowerTop && last > lowerTop) {
		return false, fmt.Errorf("mapping [%v, %v): %w", addr, end, mmerr.ErrInvalidAddress)
	}
	prev := false
	err := p.iterateRange(uintptr(addr), uintptr(end), true, func(s, e uintptr, pte *PTE, align uintptr) {
		p := physical + (s - uintptr(addr))
		prev = prev || (pte.Valid() && (p != pte.Address() || opts != pte.Opts()))
		if p&align != 0 {
			// We will install entries at a smaller granulaity if
			// we don't install a valid entry here, however we must
			// zap any existing entry to ensure this happens.
			pte.Clear()
			return
		}
		pte.Set(p, opts)
	})
	return prev, err
}

// Unmap unmaps the given range.
//
// True is returned iff there was a previous mapping in the range. Tables left
// empty are returned to the allocator.
func (p *PageTables) Unmap(addr hostarch.Addr, length uintptr) bool {
	count := 0
	end := uintptr(addr) + length
	if end < uintptr(addr) {
		end = ^uintptr(0)
	}
	// Splitting a huge page that is partially unmapped allocates a table. If
	// that fails the huge page is left in place.
	_ = p.iterateRange(uintptr(addr), end, false, func(s, e uintptr, pte *PTE, align uintptr) {
		pte.Clear()
		count++
	})
	return count > 0
}

// Release releases this address space, including the root table.
func (p *PageTables) Release() {
	// Clear all pages.
	p.Unmap(0, ^uintptr(0))
	p.Allocator.FreePTEs(p.root)
	p.root = nil
	p.rootPhysical = 0
}

// Lookup returns the physical address and options for the given virtual
// address. ok is false if the address is not mapped.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical uintptr, opts MapOpts, ok bool) {
	entry, level, err := NewWalker(p.Backend()).ResolveEntry(p.rootPhysical, addr)
	if err != nil {
		return 0, MapOpts{}, false
	}
	e := entry.Load()
	if physical, err = translate(e, level, addr); err != nil {
		return 0, MapOpts{}, false
	}
	return physical, e.Opts(), true
}

// empty returns true iff every entry in the table is zero.
func (ptes *PTEs) empty() bool {
	for i := range ptes {
		if ptes[i].Load() != 0 {
			return false
		}
	}
	return true
}

// next returns the next address quantized by the given size.
func next(start uint64, size uint64) uint64 {
	start &= ^(size - 1)
	start += size
	return start
}

// iterateRange iterates over all appropriate levels of page tables for the given range.
//
// If alloc is set, then Set _must_ be called on all given PTEs. The exception
// is super pages. If a valid super page cannot be installed, then the walk
// will continue to individual entries. Only 2M super pages are installed;
// existing 1G super pages are split when partially covered.
//
// Note that if alloc set, then no gaps will be present. However, if alloc is
// not set, then the iteration will likely be full of gaps.
//
// An error is returned only if alloc is set and a table could not be
// allocated. Entries installed before the failure are left in place.
//
// Precondition: startAddr and endAddr must be page-aligned.
//
// Precondition: startStart must be less than endAddr.
//
// Precondition: If alloc is set, then startAddr and endAddr should not span
// non-canonical ranges. If they do, a panic will result.
func (p *PageTables) iterateRange(startAddr, endAddr uintptr, alloc bool, fn func(s, e uintptr, pte *PTE, align uintptr)) error {
	start := uint64(startAddr)
	end := uint64(endAddr)
	if start%pteSize != 0 {
		panic(fmt.Sprintf("unaligned start: %v", start))
	}
	if start > end {
		panic(fmt.Sprintf("start > end (%v > %v))", start, end))
	}

	// Deal with cases where we traverse the "gap".
	//
	// These are all explicitly disallowed if alloc is set, and we must
	// traverse an entry for each address explicitly.
	switch {
	case start < lowerTop && end > lowerTop && end < upperBottom:
		if alloc {
			panic(fmt.Sprintf("alloc [%x, %x) spans non-canonical range", start, end))
		}
		return p.iterateRange(startAddr, lowerTop, false, fn)
	case start < lowerTop && end > lowerTop:
		if alloc {
			panic(fmt.Sprintf("alloc [%x, %x) spans non-canonical range", start, end))
		}
		_ = p.iterateRange(startAddr, lowerTop, false, fn)
		return p.iterateRange(upperBottom, endAddr, false, fn)
	case start > lowerTop && end < upperBottom:
		if alloc {
			panic(fmt.Sprintf("alloc [%x, %x) spans non-canonical range", start, end))
		}
		return nil
	case start > lowerTop && start < upperBottom && end > upperBottom:
		if alloc {
			panic(fmt.Sprintf("alloc [%x, %x) spans non-canonical range", start, end))
		}
		return p.iterateRange(upperBottom, endAddr, false, fn)
	}

	for pgdIndex := int((start & pgdMask) >> pgdShift); start < end && pgdIndex < entriesPerPage; pgdIndex++ {
		var (
			pgdEntry   = &p.root[pgdIndex]
			pudEntries *PTEs
		)
		if !pgdEntry.Valid() {
			if !alloc {
				// Skip over this entry.
				start = next(start, pgdSize)
				continue
			}

			// Allocate a new pgd.
			var err error
			if pudEntries, err = p.Allocator.NewPTEs(); err != nil {
				return err
			}
			pgdEntry.setPageTable(p, pudEntries)
		} else {
			pudEntries = p.Allocator.LookupPTEs(pgdEntry.Address())
		}

		// Map the next level.
		for pudIndex := int((start & pudMask) >> pudShift); start < end && pudIndex < entriesPerPage; pudIndex++ {
			var (
				pudEntry   = &pudEntries[pudIndex]
				pmdEntries *PTEs
			)
			if !pudEntry.Valid() {
				if !alloc {
					// Skip over this entry.
					start = next(start, pudSize)
					continue
				}

				// Allocate a new pud.
				var err error
				if pmdEntries, err = p.Allocator.NewPTEs(); err != nil {
					return err
				}
				pudEntry.setPageTable(p, pmdEntries)

			} else if pudEntry.IsSuper() {
				// Does this page need to be split?
				if start&(pudSize-1) != 0 || end < next(start, pudSize) {
					currentAddr := uint64(pudEntry.Address())

					// Install the relevant entries.
					var err error
					if pmdEntries, err = p.Allocator.NewPTEs(); err != nil {
						return err
					}
					for index := 0; index < entriesPerPage; index++ {
						pmdEntry := &pmdEntries[index]
						pmdEntry.SetSuper()
						pmdEntry.Set(uintptr(currentAddr), pudEntry.Opts())
						currentAddr += pmdSize
					}

					// Reset to point to the new page.
					pudEntry.setPageTable(p, pmdEntries)
				} else {
					// A super page to be checked directly.
					fn(uintptr(start), uintptr(start+pudSize), pudEntry, pudSize-1)

					// Note that the super page was changed.
					start = next(start, pudSize)
					continue
				}
			} else {
				pmdEntries = p.Allocator.LookupPTEs(pudEntry.Address())
			}

			// Map the next level, since this is valid.
			for pmdIndex := int((start & pmdMask) >> pmdShift); start < end && pmdIndex < entriesPerPage; pmdIndex++ {
				var (
					pmdEntry   = &pmdEntries[pmdIndex]
					pteEntries *PTEs
				)
				if !pmdEntry.Valid() {
					if !alloc {
						// Skip over this entry.
						start = next(start, pmdSize)
						continue
					}

					// This level has 2-MB huge pages. If this
					// region is contained in a single PMD entry?
					// As above, we can skip allocating a new page.
					if start&(pmdSize-1) == 0 && end-start >= pmdSize {
						pmdEntry.SetSuper()
						fn(uintptr(start), uintptr(start+pmdSize), pmdEntry, pmdSize-1)
						if pmdEntry.Valid() {
							start = next(start, pmdSize)
							continue
						}
					}

					// Allocate a new pmd.
					var err error
					if pteEntries, err = p.Allocator.NewPTEs(); err != nil {
						return err
					}
					pmdEntry.setPageTable(p, pteEntries)

				} else if pmdEntry.IsSuper() {
					// Does this page need to be split?
					if start&(pmdSize-1) != 0 || end < next(start, pmdSize) {
						currentAddr := uint64(pmdEntry.Address())

						// Install the relevant entries.
						var err error
						if pteEntries, err = p.Allocator.NewPTEs(); err != nil {
							return err
						}
						for index := 0; index < entriesPerPage; index++ {
							pteEntry := &pteEntries[index]
							pteEntry.Set(uintptr(currentAddr), pmdEntry.Opts())
							currentAddr += pteSize
						}

						// Reset to point to the new page.
						pmdEntry.setPageTable(p, pteEntries)
					} else {
						// A huge page to be checked directly.
						fn(uintptr(start), uintptr(start+pmdSize), pmdEntry, pmdSize-1)

						// Note that the huge page was changed.
						start = next(start, pmdSize)
						continue
					}
				} else {
					pteEntries = p.Allocator.LookupPTEs(pmdEntry.Address())
				}

				// Map the next level, since this is valid.
				for pteIndex := int((start & pteMask) >> pteShift); start < end && pteIndex < entriesPerPage; pteIndex++ {
					var (
						pteEntry = &pteEntries[pteIndex]
					)
					if !pteEntry.Valid() && !alloc {
						start += pteSize
						continue
					}

					// At this point, we are guaranteed that start%pteSize == 0.
					fn(uintptr(start), uintptr(start+pteSize), pteEntry, pteSize-1)
					if alloc && !pteEntry.Valid() {
						panic("PTE not set after iteration with alloc=true!")
					}

					// Note that the pte was changed.
					start += pteSize
					continue
				}

				// Check if we no longer need this page.
				if !alloc && pteEntries.empty() {
					pmdEntry.Clear()
					p.Allocator.FreePTEs(pteEntries)
				}
			}

			// Check if we no longer need this page.
			if !alloc && pmdEntries.empty() {
				pudEntry.Clear()
				p.Allocator.FreePTEs(pmdEntries)
			}
		}

		// Check if we no longer need this page.
		if !alloc && pudEntries.empty() {
			pgdEntry.Clear()
			p.Allocator.FreePTEs(pudEntries)
		}
	}
	return nil
}
