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

package mm

import (
	"bytes"
	"testing"

	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/memutil"
	"gvisor.dev/hvmm/pkg/platform"
	"gvisor.dev/hvmm/pkg/platform/hostmm"
	"gvisor.dev/hvmm/pkg/platform/linuxmm"
	"gvisor.dev/hvmm/pkg/platform/selfmap"
)

// forEachPlatform runs fn against each host platform.
func forEachPlatform(t *testing.T, fn func(t *testing.T, k *hostmm.Kernel, p platform.Platform)) {
	for _, tc := range []struct {
		name string
		new  func(k *hostmm.Kernel) (platform.Platform, error)
	}{
		{linuxmm.Name, func(k *hostmm.Kernel) (platform.Platform, error) {
			return linuxmm.New(k), nil
		}},
		{selfmap.Name, func(k *hostmm.Kernel) (platform.Platform, error) {
			return selfmap.New(k, platform.DefaultSelfMapIndex)
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k, err := hostmm.New(8 << 20)
			if err != nil {
				t.Fatalf("hostmm.New failed: %v", err)
			}
			p, err := tc.new(k)
			if err != nil {
				k.Close()
				t.Fatalf("New failed: %v", err)
			}
			defer func() {
				if err := p.Close(); err != nil {
					t.Errorf("Close failed: %v", err)
				}
			}()
			fn(t, k, p)
		})
	}
}

func TestRemapModuleRoundTrip(t *testing.T) {
	forEachPlatform(t, func(t *testing.T, k *hostmm.Kernel, p platform.Platform) {
		image := bytes.Repeat([]byte{0x90}, 3*hostarch.PageSize+100)
		m, err := k.LoadModule("patchme", image)
		if err != nil {
			t.Fatalf("LoadModule failed: %v", err)
		}
		r := NewRemapper(p)

		// Straddle the first two pages, which are not physically adjacent.
		addr := m.Start + hostarch.PageSize - 3
		shadow, err := r.RemapWritable(addr, 7)
		if err != nil {
			t.Fatalf("RemapWritable failed: %v", err)
		}
		copy(shadow.Bytes(), "patched")
		if got := string(memutil.SliceAt(uintptr(addr), 7)); got != "patched" {
			t.Errorf("module reads %q, want %q", got, "patched")
		}
		if err := r.Release(shadow); err != nil {
			t.Fatalf("Release failed: %v", err)
		}

		exec, err := r.RemapExecutable(m.Start, uint64(len(image)))
		if err != nil {
			t.Fatalf("RemapExecutable failed: %v", err)
		}
		defer r.Release(exec)
		if got := exec.Bytes()[hostarch.PageSize-3 : hostarch.PageSize+4]; string(got) != "patched" {
			t.Errorf("executable view reads %q, want %q", got, "patched")
		}
	})
}

func TestRemapReservedRoundTrip(t *testing.T) {
	forEachPlatform(t, func(t *testing.T, k *hostmm.Kernel, p platform.Platform) {
		addr, err := k.ReserveImage([]byte("kernel text that is read-only"))
		if err != nil {
			t.Fatalf("ReserveImage failed: %v", err)
		}
		r := NewRemapper(p)

		shadow, err := r.RemapWritable(addr+7, 4)
		if err != nil {
			t.Fatalf("RemapWritable failed: %v", err)
		}
		defer r.Release(shadow)
		if got := string(shadow.Bytes()); got != "text" {
			t.Errorf("shadow reads %q, want %q", got, "text")
		}
		copy(shadow.Bytes(), "TEXT")
		if got := string(memutil.SliceAt(uintptr(addr), 11)); got != "kernel TEXT" {
			t.Errorf("original reads %q, want %q", got, "kernel TEXT")
		}
	})
}

func TestMapIORoundTrip(t *testing.T) {
	forEachPlatform(t, func(t *testing.T, k *hostmm.Kernel, p platform.Platform) {
		page, err := k.AllocPages(1)
		if err != nil {
			t.Fatalf("AllocPages failed: %v", err)
		}
		defer k.FreePages(page)
		phys, _ := k.PhysicalFor(memutil.AddrOf(page))

		r := NewRemapper(p)
		addr, err := r.MapIO(phys+0x40, 8)
		if err != nil {
			t.Fatalf("MapIO failed: %v", err)
		}
		copy(memutil.SliceAt(uintptr(addr), 8), "register")
		if got := string(page[0x40:0x48]); got != "register" {
			t.Errorf("device memory reads %q, want %q", got, "register")
		}
		if err := r.UnmapIO(addr, 8); err != nil {
			t.Errorf("UnmapIO failed: %v", err)
		}
	})
}

func TestAllocatorZeroesHostMemory(t *testing.T) {
	forEachPlatform(t, func(t *testing.T, k *hostmm.Kernel, p platform.Platform) {
		a := NewAllocator(p)

		// Leave stale data in the first free frame.
		stale, err := k.AllocPages(1)
		if err != nil {
			t.Fatalf("AllocPages failed: %v", err)
		}
		copy(stale, "secret")
		k.FreePages(stale)

		page, err := a.AllocPage()
		if err != nil {
			t.Fatalf("AllocPage failed: %v", err)
		}
		if !isZero(page) {
			t.Errorf("AllocPage returned stale data")
		}
		copy(page, "secret")
		a.FreePage(page)
		if !isZero(stale) {
			t.Errorf("FreePage left data in the frame")
		}

		block, err := a.AllocPool(3000)
		if err != nil {
			t.Fatalf("AllocPool failed: %v", err)
		}
		if len(block) != 3000 || !isZero(block) {
			t.Errorf("AllocPool(3000) returned %d bytes, zero %t", len(block), isZero(block))
		}
		a.FreePool(block, len(block))
	})
}
