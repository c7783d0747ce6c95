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

	"gvisor.dev/hvmm/pkg/bits"
	"gvisor.dev/hvmm/pkg/hostarch"
)

// Layout of entries whose present bit is clear. These follow the host memory
// manager's encoding and must not be changed.
const (
	workingSetShift = 52
	workingSetMask  = 0xfff

	transitionProtectionShift = 5
	transitionProtectionMask  = 0x1f

	prototypeProtectionShift = 11
	prototypeProtectionMask  = 0x3f
	prototypeAddressShift    = 16
	prototypeAddressMask     = 1<<hostarch.VABits - 1
	prototypeReadOnly        = 0x100

	// VADPrototypeAddress is the prototype address which indicates that the
	// page must be looked up in the virtual address descriptor tree.
	VADPrototypeAddress = 0xffffffff0000

	softwarePageFileIndexShift  = 1
	softwarePageFileIndexMask   = 0x1f
	softwarePageFileOffsetShift = 32
	softwarePageFileOffsetMask  = 0xffffffff
	softwareInStore             = 0x400000
	softwareProtectionShift     = 5
	softwareProtectionMask      = 0x1f
)

// State is the residency state of an entry.
type State int

const (
	// Resident entries have the present bit set.
	Resident State = iota

	// DemandZero entries are materialized as zero pages on first access.
	DemandZero

	// Prototype entries refer to a shared prototype PTE.
	Prototype

	// Transition entries name a frame that is on a standby or modified list.
	Transition

	// PageFile entries are backed by a page file.
	PageFile
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Resident:
		return "resident"
	case DemandZero:
		return "demand-zero"
	case Prototype:
		return "prototype"
	case Transition:
		return "transition"
	case PageFile:
		return "page-file"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// State classifies the entry. Exactly one state applies to any value.
//
// Present takes precedence over everything else. For entries that are not
// present, the prototype bit takes precedence over the transition bit.
//
//go:nosplit
func (p PTE) State() State {
	switch {
	case p.Valid():
		return Resident
	case p.IsPrototype():
		return Prototype
	case p.InTransition():
		return Transition
	case p.IsPageFile():
		return PageFile
	default:
		return DemandZero
	}
}

// IsLarge returns true iff the large page bit is set. This is the same bit
// as IsSuper, but is meaningful for entries that are not present.
//
//go:nosplit
func (p PTE) IsLarge() bool {
	return p&super != 0
}

// IsLargePresent returns true iff the entry is a present large page.
//
//go:nosplit
func (p PTE) IsLargePresent() bool {
	return bits.IsOn64(uint64(p), largePresent)
}

// IsLargeTransition returns true iff the entry is a present large page that
// also carries the transition bit. Such entries are resolved as present.
//
//go:nosplit
func (p PTE) IsLargeTransition() bool {
	return p.IsLargePresent() && p&transition != 0
}

// IsTransition returns true iff the transition bit is set.
//
//go:nosplit
func (p PTE) IsTransition() bool {
	return p&transition != 0
}

// IsPrototype returns true iff the prototype bit is set.
//
//go:nosplit
func (p PTE) IsPrototype() bool {
	return p&prototype != 0
}

// IsSoftware returns true iff neither the transition nor the prototype bit is
// set.
//
//go:nosplit
func (p PTE) IsSoftware() bool {
	return !p.IsTransition() && !p.IsPrototype()
}

// IsSubsection returns true iff the entry is not present and refers to a
// prototype.
//
//go:nosplit
func (p PTE) IsSubsection() bool {
	return !p.Valid() && p.IsPrototype()
}

// InTransition returns true iff the entry is not present, is not a
// prototype and has the transition bit set.
//
//go:nosplit
func (p PTE) InTransition() bool {
	return !p.Valid() && !p.IsPrototype() && p.IsTransition()
}

// isSoftwareState returns true iff the entry is a software entry that is not
// present.
//
//go:nosplit
func (p PTE) isSoftwareState() bool {
	return !p.Valid() && p.IsSoftware()
}

// IsDemandZero returns true iff the entry is a software entry that is not
// present and not backed by a page file.
//
//go:nosplit
func (p PTE) IsDemandZero() bool {
	return p.isSoftwareState() && p&softwareInStore == 0
}

// IsPageFile returns true iff the entry is a software entry backed by a page
// file.
//
//go:nosplit
func (p PTE) IsPageFile() bool {
	return p.isSoftwareState() && p&softwareInStore != 0
}

// IsCopyOnWrite returns true iff the copy-on-write software bit is set.
//
//go:nosplit
func (p PTE) IsCopyOnWrite() bool {
	return p&copyOnWrite != 0
}

// MemoryType returns the memory type selected by the write-through and cache
// disable bits.
//
//go:nosplit
func (p PTE) MemoryType() hostarch.MemoryType {
	switch {
	case p&cacheDisable != 0:
		return hostarch.MemoryTypeUncached
	case p&writeThrough != 0:
		return hostarch.MemoryTypeWriteCombine
	default:
		return hostarch.MemoryTypeWriteBack
	}
}

// WorkingSetIndex returns the working set index of a present entry.
//
//go:nosplit
func (p PTE) WorkingSetIndex() uint16 {
	return uint16(bits.Field64(uint64(p), workingSetShift, workingSetMask))
}

// TransitionProtection returns the protection of a transition entry.
//
//go:nosplit
func (p PTE) TransitionProtection() uint8 {
	return uint8(bits.Field64(uint64(p), transitionProtectionShift, transitionProtectionMask))
}

// PrototypeProtection returns the protection of a prototype entry.
//
//go:nosplit
func (p PTE) PrototypeProtection() uint8 {
	return uint8(bits.Field64(uint64(p), prototypeProtectionShift, prototypeProtectionMask))
}

// PrototypeAddress returns the address of the prototype PTE.
//
//go:nosplit
func (p PTE) PrototypeAddress() uintptr {
	return uintptr(bits.Field64(uint64(p), prototypeAddressShift, prototypeAddressMask))
}

// PrototypeReadOnly returns true iff the prototype entry is read-only.
//
//go:nosplit
func (p PTE) PrototypeReadOnly() bool {
	return p&prototypeReadOnly != 0
}

// IsVAD returns true iff the prototype address is the VAD sentinel.
//
//go:nosplit
func (p PTE) IsVAD() bool {
	return p.PrototypeAddress() == VADPrototypeAddress
}

// SoftwareProtection returns the protection of a software entry.
//
//go:nosplit
func (p PTE) SoftwareProtection() uint8 {
	return uint8(bits.Field64(uint64(p), softwareProtectionShift, softwareProtectionMask))
}

// PageFileIndex returns the page file number of a software entry.
//
//go:nosplit
func (p PTE) PageFileIndex() uint8 {
	return uint8(bits.Field64(uint64(p), softwarePageFileIndexShift, softwarePageFileIndexMask))
}

// PageFileOffset returns the page offset into the page file of a software
// entry. Multiply by hostarch.PageSize for a byte offset.
//
//go:nosplit
func (p PTE) PageFileOffset() uint32 {
	return uint32(bits.Field64(uint64(p), softwarePageFileOffsetShift, softwarePageFileOffsetMask))
}

// InStore returns true iff the software entry's page is in the store.
//
//go:nosplit
func (p PTE) InStore() bool {
	return p&softwareInStore != 0
}

// Info is the decoded form of an entry. It is one of ResidentInfo,
// DemandZeroInfo, PrototypeInfo, TransitionInfo or PageFileInfo.
type Info interface {
	// State returns the state the entry was decoded in.
	State() State

	isInfo()
}

// ResidentInfo describes a present entry.
type ResidentInfo struct {
	Frame      uintptr
	Large      bool
	Opts       MapOpts
	WorkingSet uint16
}

// DemandZeroInfo describes a demand-zero entry.
type DemandZeroInfo struct {
	Protection uint8
}

// PrototypeInfo describes a prototype entry.
type PrototypeInfo struct {
	Protection uint8
	Address    uintptr
	ReadOnly   bool
	VAD        bool
}

// TransitionInfo describes a transition entry.
type TransitionInfo struct {
	Protection uint8
	Frame      uintptr
}

// PageFileInfo describes an entry backed by a page file.
type PageFileInfo struct {
	Protection uint8
	Index      uint8
	Offset     uint32
}

// State implements Info.State.
func (ResidentInfo) State() State { return Resident }

// State implements Info.State.
func (DemandZeroInfo) State() State { return DemandZero }

// State implements Info.State.
func (PrototypeInfo) State() State { return Prototype }

// State implements Info.State.
func (TransitionInfo) State() State { return Transition }

// State implements Info.State.
func (PageFileInfo) State() State { return PageFile }

func (ResidentInfo) isInfo()   {}
func (DemandZeroInfo) isInfo() {}
func (PrototypeInfo) isInfo()  {}
func (TransitionInfo) isInfo() {}
func (PageFileInfo) isInfo()   {}

// Decode classifies the entry and extracts the fields meaningful in its
// state.
func (p PTE) Decode() Info {
	switch p.State() {
	case Resident:
		return ResidentInfo{
			Frame:      p.Address(),
			Large:      p.IsLarge(),
			Opts:       p.Opts(),
			WorkingSet: p.WorkingSetIndex(),
		}
	case Prototype:
		return PrototypeInfo{
			Protection: p.PrototypeProtection(),
			Address:    p.PrototypeAddress(),
			ReadOnly:   p.PrototypeReadOnly(),
			VAD:        p.IsVAD(),
		}
	case Transition:
		return TransitionInfo{
			Protection: p.TransitionProtection(),
			Frame:      p.Address(),
		}
	case PageFile:
		return PageFileInfo{
			Protection: p.SoftwareProtection(),
			Index:      p.PageFileIndex(),
			Offset:     p.PageFileOffset(),
		}
	default:
		return DemandZeroInfo{
			Protection: p.SoftwareProtection(),
		}
	}
}

// String implements fmt.Stringer.
func (p PTE) String() string {
	switch i := p.Decode().(type) {
	case ResidentInfo:
		size := "4K"
		if i.Large {
			size = "2M"
		}
		return fmt.Sprintf("resident frame=%#x size=%s access=%s type=%s", i.Frame, size, i.Opts.AccessType, i.Opts.MemoryType.ShortString())
	case PrototypeInfo:
		return fmt.Sprintf("prototype address=%#x protection=%#x readonly=%t vad=%t", i.Address, i.Protection, i.ReadOnly, i.VAD)
	case TransitionInfo:
		return fmt.Sprintf("transition frame=%#x protection=%#x", i.Frame, i.Protection)
	case PageFileInfo:
		return fmt.Sprintf("page-file index=%d offset=%#x protection=%#x", i.Index, i.Offset, i.Protection)
	case DemandZeroInfo:
		return fmt.Sprintf("demand-zero protection=%#x", i.Protection)
	default:
		return fmt.Sprintf("PTE(%#x)", uint64(p))
	}
}
