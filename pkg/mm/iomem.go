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

package mm

import (
	"fmt"

	"gvisor.dev/hvmm/pkg/errors/mmerr"
	"gvisor.dev/hvmm/pkg/hostarch"
)

// MapIO maps the device memory [phys, phys+size) uncached and returns the
// address of phys.
func (r *Remapper) MapIO(phys, size uintptr) (hostarch.Addr, error) {
	if size == 0 {
		return 0, fmt.Errorf("mapping I/O memory at %#x: %w", phys, mmerr.ErrInvalidAddress)
	}
	addr, err := r.host.MapIO(phys, size)
	if err != nil {
		return 0, fmt.Errorf("mapping I/O memory [%#x, +%#x): %w", phys, size, err)
	}
	return addr, nil
}

// UnmapIO releases a mapping returned by MapIO.
func (r *Remapper) UnmapIO(addr hostarch.Addr, size uintptr) error {
	return r.host.UnmapIO(addr, size)
}
