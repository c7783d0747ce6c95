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

// Package mm provides the hypervisor with zeroed host memory and with shadow
// mappings of kernel memory.
//
// Nothing here takes locks: the platform allocator is thread-safe, and the
// page tables read by a remap must not change while it runs.
package mm

import (
	"errors"
	"fmt"
	"time"

	"gvisor.dev/hvmm/pkg/errors/mmerr"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/platform"
)

// warnings reports allocation failures. They tend to come in bursts.
var warnings = log.BasicRateLimitedLogger(time.Second)

// Allocator allocates host memory that is zero on allocation and zeroed again
// before it is released.
type Allocator struct {
	p platform.PageAllocator
}

// NewAllocator returns an allocator over p.
func NewAllocator(p platform.PageAllocator) *Allocator {
	return &Allocator{p: p}
}

// AllocPage returns one zeroed page.
func (a *Allocator) AllocPage() ([]byte, error) {
	b, err := a.p.AllocPage()
	if err != nil {
		return nil, allocFailed("a page", err)
	}
	if !a.p.Zeroed() {
		clear(b)
	}
	return b, nil
}

// FreePage zeroes and releases a page returned by AllocPage.
func (a *Allocator) FreePage(page []byte) {
	clear(page)
	a.p.FreePage(page)
}

// AllocPool returns a zeroed block of size bytes.
func (a *Allocator) AllocPool(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("allocating a pool block of %d bytes: %w", size, mmerr.ErrOutOfMemory)
	}
	b, err := a.p.AllocPool(size)
	if err != nil {
		return nil, allocFailed(fmt.Sprintf("a pool block of %d bytes", size), err)
	}
	if !a.p.Zeroed() {
		clear(b)
	}
	return b, nil
}

// FreePool releases a block returned by AllocPool after zeroing its first
// size bytes. A size of zero skips the fill, for blocks known to hold nothing
// sensitive.
func (a *Allocator) FreePool(block []byte, size int) {
	if size > 0 {
		clear(block[:min(size, len(block))])
	}
	a.p.FreePool(block)
}

// allocFailed reports a failed allocation as exhaustion.
func allocFailed(what string, err error) error {
	warnings.Warningf("Allocating %s failed: %v", what, err)
	if !errors.Is(err, mmerr.ErrOutOfMemory) {
		return fmt.Errorf("allocating %s: %w: %v", what, mmerr.ErrOutOfMemory, err)
	}
	return fmt.Errorf("allocating %s: %w", what, err)
}
