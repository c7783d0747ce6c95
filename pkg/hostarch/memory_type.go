// Copyright 2025 The gVisor Authors.
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

import "fmt"

// MemoryType is the cacheability of a mapping, as selected by the PWT and PCD
// bits of its page table entry with the default PAT.
type MemoryType uint8

const (
	// MemoryTypeWriteBack is normal cacheable memory: page tables, pool
	// memory and code shadows. PWT and PCD are clear. It must be the zero
	// value.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeWriteCombine selects PAT entry 1 by setting PWT. Device
	// apertures such as framebuffers use it.
	MemoryTypeWriteCombine

	// MemoryTypeUncached sets PCD, and PWT with it so the entry selects
	// strong uncacheable (UC) rather than UC-. I/O memory mappings use it.
	MemoryTypeUncached
)

var memoryTypeNames = [...]struct{ long, short string }{
	MemoryTypeWriteBack:    {"WriteBack", "WB"},
	MemoryTypeWriteCombine: {"WriteCombine", "WC"},
	MemoryTypeUncached:     {"Uncached", "UC"},
}

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	if int(mt) < len(memoryTypeNames) {
		return memoryTypeNames[mt].long
	}
	return fmt.Sprintf("MemoryType(%d)", mt)
}

// ShortString returns the two-letter x86 name of the memory type.
func (mt MemoryType) ShortString() string {
	if int(mt) < len(memoryTypeNames) {
		return memoryTypeNames[mt].short
	}
	return fmt.Sprintf("%02d", mt)
}
