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

// Package hostarch contains host arch address operations for the
// hypervisor memory manager.
package hostarch

const (
	// PageShift is the binary log of the system page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the system huge page size.
	// PageShift + (PageShift - 3) = 12 + 9 = 21, giving 2MB huge pages.
	HugePageShift = 21

	// HugePageSize is the system huge page size.
	HugePageSize = 1 << HugePageShift

	// PTEShift is the binary log of the size of a page table entry.
	PTEShift = 3

	// PTEsPerPage is the number of entries in a single page table.
	PTEsPerPage = PageSize >> PTEShift

	// VABits is the number of significant virtual address bits with
	// four-level paging.
	VABits = 48
)
