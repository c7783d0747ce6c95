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
	"sync/atomic"

	"gvisor.dev/hvmm/pkg/hostarch"
)

// Bits in page table entries.
//
// The low twelve bits and bit 63 follow the architectural layout when the
// present bit is set. When it is clear, copyOnWrite, prototype and transition
// are host memory manager software bits; see classify.go.
const (
	present        = 0x001
	writable       = 0x002
	user           = 0x004
	writeThrough   = 0x008
	cacheDisable   = 0x010
	accessed       = 0x020
	dirty          = 0x040
	super          = 0x080
	global         = 0x100
	copyOnWrite    = 0x200
	prototype      = 0x400
	transition     = 0x800
	executeDisable = 1 << 63
	addressMask    = 0x000ffffffffff000

	largePresent = present | super

	entriesPerPage = hostarch.PTEsPerPage
)

// KernelTableFlags are the flags of an entry that references a lower-level
// table, ignoring the user bit.
const KernelTableFlags = PTE(present | writable | accessed | dirty)

// RootAddress returns the physical address of the root table named by a CR3
// value, dropping the PCID and no-flush bits.
//
//go:nosplit
func RootAddress(cr3 uintptr) uintptr {
	return cr3 & addressMask
}

// MapOpts are page table options passed to Map.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// Global indicates the page is globally accessible.
	Global bool

	// User indicates the page is a user page.
	User bool

	// MemoryType is the memory type.
	MemoryType hostarch.MemoryType
}

// PTE is a page table entry.
type PTE uint64

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE

// Load atomically reads the entry. The processor may update accessed and
// dirty bits concurrently.
//
//go:nosplit
func (p *PTE) Load() PTE {
	return PTE(atomic.LoadUint64((*uint64)(p)))
}

// Store atomically replaces the entry.
//
//go:nosplit
func (p *PTE) Store(v PTE) {
	atomic.StoreUint64((*uint64)(p), uint64(v))
}

// Clear clears this PTE, including super page information.
//
//go:nosplit
func (p *PTE) Clear() {
	p.Store(0)
}

// Valid returns true iff this entry is present.
//
//go:nosplit
func (p PTE) Valid() bool {
	return p&present != 0
}

// Opts returns the PTE options.
//
// These are all options except Valid and Super.
//
//go:nosplit
func (p PTE) Opts() MapOpts {
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    p&present != 0,
			Write:   p&writable != 0,
			Execute: p&executeDisable == 0,
		},
		Global:     p&global != 0,
		User:       p&user != 0,
		MemoryType: p.MemoryType(),
	}
}

// SetSuper sets this page as a super page.
//
// The page must not be valid or a panic will result.
//
//go:nosplit
func (p *PTE) SetSuper() {
	if p.Load().Valid() {
		// This is not allowed.
		panic("SetSuper called on valid page!")
	}
	p.Store(super)
}

// IsSuper returns true iff this page is a super page.
//
//go:nosplit
func (p PTE) IsSuper() bool {
	return p&super != 0
}

// Set sets this PTE value.
//
// This does not change the super page property.
//
//go:nosplit
func (p *PTE) Set(addr uintptr, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := PTE(uint64(addr)&addressMask) | present | accessed
	if p.Load().IsSuper() {
		v |= super
	}
	if opts.User {
		v |= user
	}
	if opts.Global {
		v |= global
	}
	if !opts.AccessType.Execute {
		v |= executeDisable
	}
	if opts.AccessType.Write {
		v |= writable | dirty
	}
	switch opts.MemoryType {
	case hostarch.MemoryTypeWriteCombine:
		v |= writeThrough
	case hostarch.MemoryTypeUncached:
		v |= writeThrough | cacheDisable
	}
	p.Store(v)
}

// setPageTable sets this PTE value and forces the write bit and super bit to
// be cleared. This is used explicitly for breaking super pages.
//
//go:nosplit
func (p *PTE) setPageTable(pt *PageTables, ptes *PTEs) {
	addr := pt.Allocator.PhysicalFor(ptes)
	if addr&^addressMask != 0 {
		// This should never happen.
		panic("unaligned physical address!")
	}
	p.Store(PTE(uint64(addr)) | present | user | writable | accessed | dirty)
}

// Address extracts the address. This should only be used if Valid returns
// true.
//
//go:nosplit
func (p PTE) Address() uintptr {
	return uintptr(p & addressMask)
}

// TableFlags returns the flags of the entry without the address and user
// bits. For an entry created by setPageTable this is KernelTableFlags.
//
//go:nosplit
func (p PTE) TableFlags() PTE {
	return p &^ (addressMask | user)
}
