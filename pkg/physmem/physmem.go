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

// Package physmem simulates machine physical memory with a memfd.
//
// Physical address P is byte P of the file. The whole file is mapped once,
// read-write, as the direct map; additional views of individual frames are
// established with MapFrames. Frame zero is never handed out, so a zero
// physical address always means "none".
package physmem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/hvmm/pkg/bitmap"
	"gvisor.dev/hvmm/pkg/errors/mmerr"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/memutil"
)

// Memory is simulated physical memory.
type Memory struct {
	// fd is the backing memfd.
	fd int

	// size is the number of bytes of physical memory.
	size uintptr

	// direct is the direct map of the whole file.
	direct []byte

	// base is the host address of direct.
	base uintptr

	mu sync.Mutex

	// frames tracks allocated frames. Bits beyond the last frame and the
	// bit for frame zero are always set.
	//
	// +checklocks:mu
	frames bitmap.Bitmap

	// closed is set by Close.
	//
	// +checklocks:mu
	closed bool
}

// New creates size bytes of physical memory. size is rounded up to a page.
func New(size uintptr) (*Memory, error) {
	if pageSize := unix.Getpagesize(); pageSize != hostarch.PageSize {
		return nil, fmt.Errorf("host page size %d is not %d", pageSize, hostarch.PageSize)
	}
	size = uintptr(hostarch.Addr(size).MustRoundUp())
	if size < 2*hostarch.PageSize {
		return nil, fmt.Errorf("physical memory of %#x bytes is too small", size)
	}
	count := size / hostarch.PageSize
	if uint64(count) >= uint64(bitmap.MaxBitEntryLimit) {
		return nil, fmt.Errorf("physical memory of %#x bytes is too large", size)
	}

	fd, err := memutil.CreateMemFD("hvmm-physical", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sizing physical memory: %w", err)
	}
	direct, err := memutil.MapSlice(0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, uintptr(fd), 0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mapping physical memory: %w", err)
	}

	m := &Memory{
		fd:     fd,
		size:   size,
		direct: direct,
		base:   memutil.AddrOf(direct),
		frames: bitmap.New(uint32(count)),
	}
	m.frames.Add(0)
	m.frames.AddRange(uint32(count), uint32(m.frames.Size()))
	log.Debugf("Physical memory: %#x bytes, direct map at %#x", size, m.base)
	return m, nil
}

// Close releases the memory. All mappings made with MapFrames must have been
// released.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := memutil.UnmapSlice(m.direct); err != nil {
		return fmt.Errorf("unmapping direct map: %w", err)
	}
	m.direct = nil
	return unix.Close(m.fd)
}

// Size returns the number of bytes of physical memory.
func (m *Memory) Size() uintptr {
	return m.size
}

// FreeCount returns the number of unallocated frames.
func (m *Memory) FreeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames.Size() - int(m.frames.GetNumOnes())
}

// DirectBase returns the host address at which physical address zero is
// mapped.
func (m *Memory) DirectBase() uintptr {
	return m.base
}

// DirectMap returns the direct map of [phys, phys+length).
func (m *Memory) DirectMap(phys, length uintptr) ([]byte, bool) {
	end := phys + length
	if end < phys || end > m.size {
		return nil, false
	}
	return m.direct[phys:end:end], true
}

// PhysicalFor returns the physical address of a direct map address.
func (m *Memory) PhysicalFor(addr uintptr) (uintptr, bool) {
	if addr < m.base || addr-m.base >= m.size {
		return 0, false
	}
	return addr - m.base, true
}

// VirtualFor returns the direct map address of a physical address.
func (m *Memory) VirtualFor(phys uintptr) (uintptr, bool) {
	if phys >= m.size {
		return 0, false
	}
	return m.base + phys, true
}

// AllocFrames allocates n physically contiguous frames and returns the
// physical address of the first. The contents are not cleared.
func (m *Memory) AllocFrames(n int) (uintptr, error) {
	if n <= 0 {
		return 0, fmt.Errorf("allocating %d frames: invalid count", n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	first, err := m.frames.FirstZeroRun(1, uint32(n))
	if err != nil {
		return 0, fmt.Errorf("allocating %d frames: %w", n, mmerr.ErrOutOfMemory)
	}
	m.frames.AddRange(first, first+uint32(n))
	return uintptr(first) * hostarch.PageSize, nil
}

// FreeFrames frees n frames starting at phys, as returned by AllocFrames.
func (m *Memory) FreeFrames(phys uintptr, n int) {
	if phys%hostarch.PageSize != 0 || phys == 0 || phys+uintptr(n)*hostarch.PageSize > m.size {
		panic(fmt.Sprintf("FreeFrames(%#x, %d): invalid range", phys, n))
	}
	first := uint32(phys / hostarch.PageSize)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames.ClearRange(first, first+uint32(n))
}

// IsAllocated returns true if the frame containing phys is allocated.
func (m *Memory) IsAllocated(phys uintptr) bool {
	if phys >= m.size {
		return false
	}
	frame := uint32(phys / hostarch.PageSize)
	m.mu.Lock()
	defer m.mu.Unlock()
	got, err := m.frames.FirstZero(frame)
	return err != nil || got != frame
}

// MapFrames establishes a new mapping of the given frames, in order, with the
// given access. It returns the host address of the mapping.
func (m *Memory) MapFrames(frames []uintptr, at hostarch.AccessType) (uintptr, error) {
	if len(frames) == 0 {
		return 0, fmt.Errorf("mapping no frames: %w", mmerr.ErrInvalidAddress)
	}
	for _, f := range frames {
		if f%hostarch.PageSize != 0 || f >= m.size {
			return 0, fmt.Errorf("frame %#x: %w", f, mmerr.ErrInvalidAddress)
		}
	}
	length := uintptr(len(frames)) * hostarch.PageSize
	addr, err := memutil.Reserve(length)
	if err != nil {
		return 0, fmt.Errorf("reserving %#x bytes: %w", length, err)
	}
	prot := protFor(at)

	// Map each physically contiguous run with a single call.
	for i := 0; i < len(frames); {
		j := i + 1
		for j < len(frames) && frames[j] == frames[j-1]+hostarch.PageSize {
			j++
		}
		dst := addr + uintptr(i)*hostarch.PageSize
		size := uintptr(j-i) * hostarch.PageSize
		if _, err := memutil.MapFile(dst, size, prot, unix.MAP_SHARED|unix.MAP_FIXED, uintptr(m.fd), frames[i]); err != nil {
			_ = memutil.Unmap(addr, length)
			return 0, fmt.Errorf("mapping frames at %#x: %w", dst, err)
		}
		i = j
	}
	return addr, nil
}

// UnmapFrames releases a mapping made by MapFrames.
func (m *Memory) UnmapFrames(addr uintptr, pages int) error {
	return memutil.Unmap(addr, uintptr(pages)*hostarch.PageSize)
}

// protFor returns the mmap protection for an access type.
func protFor(at hostarch.AccessType) uintptr {
	prot := uintptr(unix.PROT_NONE)
	if at.Read {
		prot |= unix.PROT_READ
	}
	if at.Write {
		prot |= unix.PROT_WRITE
	}
	if at.Execute {
		prot |= unix.PROT_EXEC
	}
	return prot
}
