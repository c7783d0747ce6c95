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

	"gvisor.dev/hvmm/pkg/cleanup"
	"gvisor.dev/hvmm/pkg/errors/mmerr"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/platform"
	"gvisor.dev/hvmm/pkg/ring0/pagetables"
)

// Mode is the protection of a shadow mapping.
type Mode int

const (
	// Executable mappings are readable and executable.
	Executable Mode = iota

	// Writable mappings are readable and writable.
	Writable
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	switch m {
	case Executable:
		return "executable"
	case Writable:
		return "writable"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func (m Mode) accessType() (hostarch.AccessType, error) {
	switch m {
	case Executable:
		return hostarch.ReadExec, nil
	case Writable:
		return hostarch.ReadWrite, nil
	default:
		return hostarch.NoAccess, fmt.Errorf("invalid mode %v", m)
	}
}

// Host is the part of the platform used to build shadow mappings.
type Host interface {
	platform.FrameResolver
	platform.Mapper

	// Walker returns a walker over the host's tables.
	Walker() *pagetables.Walker

	// Root returns the root of the address space holding the mappings.
	Root() uintptr
}

// Remapper builds shadow mappings: second views of the frames behind a range
// of kernel memory, with a different protection.
type Remapper struct {
	host Host
}

// NewRemapper returns a remapper over host.
func NewRemapper(host Host) *Remapper {
	return &Remapper{host: host}
}

// Mapping is a shadow mapping. It is owned by the caller, who must release it
// with Remapper.Release.
type Mapping struct {
	base   hostarch.Addr
	pages  int
	offset uint64
	length uint64
	mode   Mode
}

// Addr returns the shadow address of the first byte of the remapped range.
func (m *Mapping) Addr() hostarch.Addr {
	return m.base + hostarch.Addr(m.offset)
}

// Len returns the length of the remapped range.
func (m *Mapping) Len() uint64 {
	return m.length
}

// Mode returns the protection of the mapping.
func (m *Mapping) Mode() Mode {
	return m.mode
}

// Remap maps the frames behind [addr, addr+length) at a new address with the
// protection given by mode. Module pages are resolved by walking the kernel
// page tables and other pages through the direct map.
//
// On failure nothing stays mapped and the returned error wraps both
// mmerr.ErrRemapFailed and the cause.
func (r *Remapper) Remap(addr hostarch.Addr, length uint64, mode Mode) (*Mapping, error) {
	m, err := r.remap(addr, length, mode)
	if err != nil {
		return nil, fmt.Errorf("remapping %v+%#x %v: %w: %w", addr, length, mode, mmerr.ErrRemapFailed, err)
	}
	log.Debugf("Remapped %v+%#x %v at %v", addr, length, mode, m.Addr())
	return m, nil
}

// RemapWritable returns a writable view of [addr, addr+length).
func (r *Remapper) RemapWritable(addr hostarch.Addr, length uint64) (*Mapping, error) {
	return r.Remap(addr, length, Writable)
}

// RemapExecutable returns an executable view of [addr, addr+length).
func (r *Remapper) RemapExecutable(addr hostarch.Addr, length uint64) (*Mapping, error) {
	return r.Remap(addr, length, Executable)
}

func (r *Remapper) remap(addr hostarch.Addr, length uint64, mode Mode) (*Mapping, error) {
	at, err := mode.accessType()
	if err != nil {
		return nil, err
	}
	if length == 0 || !addr.IsCanonical() {
		return nil, mmerr.ErrInvalidAddress
	}
	if _, ok := addr.AddLength(length); !ok {
		return nil, mmerr.ErrInvalidAddress
	}

	start := addr.RoundDown()
	pages := addr.PagesSpanned(length)
	var frames []uintptr
	for i := uint64(0); i < pages; i++ {
		page := start + hostarch.Addr(i*hostarch.PageSize)
		f, err := r.frame(page)
		if err != nil {
			return nil, fmt.Errorf("page %v: %w", page, err)
		}
		frames = append(frames, f)
	}

	base, err := r.host.Vmap(frames, at)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() {
		if err := r.host.Vunmap(base, len(frames)); err != nil {
			log.Warningf("Unwinding shadow mapping at %v: %v", base, err)
		}
	})
	defer cu.Clean()

	if err := r.verify(base, frames); err != nil {
		return nil, err
	}

	cu.Release()
	return &Mapping{
		base:   base,
		pages:  len(frames),
		offset: addr.PageOffset(),
		length: length,
		mode:   mode,
	}, nil
}

// frame returns the frame backing the page at addr.
func (r *Remapper) frame(addr hostarch.Addr) (uintptr, error) {
	if r.host.IsModuleAddress(addr) {
		return r.host.ModuleFrame(addr)
	}
	return r.host.ReservedFrame(addr)
}

// verify checks that the mapping at base targets frames, in order.
func (r *Remapper) verify(base hostarch.Addr, frames []uintptr) error {
	w := r.host.Walker()
	root := r.host.Root()
	for i, want := range frames {
		va := base + hostarch.Addr(i*hostarch.PageSize)
		got, err := w.Resolve(root, va)
		if err != nil {
			return fmt.Errorf("shadow page %v: %w", va, err)
		}
		if got != want {
			return fmt.Errorf("shadow page %v maps frame %#x, want %#x", va, got, want)
		}
	}
	return nil
}

// Release unmaps m.
func (r *Remapper) Release(m *Mapping) error {
	if m == nil || m.pages == 0 {
		return fmt.Errorf("releasing a released mapping: %w", mmerr.ErrInvalidAddress)
	}
	if err := r.host.Vunmap(m.base, m.pages); err != nil {
		return err
	}
	m.pages = 0
	return nil
}
