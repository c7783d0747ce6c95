// Copyright 2021 The gVisor Authors.
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

package bitmap

import (
	"testing"
)

func TestAddRemove(t *testing.T) {
	b := New(128)
	if !b.IsEmpty() {
		t.Fatalf("new bitmap is not empty")
	}
	b.Add(3)
	b.Add(3)
	b.Add(70)
	if got := b.GetNumOnes(); got != 2 {
		t.Errorf("GetNumOnes() = %d, want 2", got)
	}
	if got, err := b.FirstOne(4); err != nil || got != 70 {
		t.Errorf("FirstOne(4) = (%d, %v), want (70, nil)", got, err)
	}
	b.Remove(3)
	if got, err := b.FirstZero(0); err != nil || got != 0 {
		t.Errorf("FirstZero(0) = (%d, %v), want (0, nil)", got, err)
	}
	b.Remove(70)
	if !b.IsEmpty() {
		t.Errorf("bitmap not empty after removing all bits")
	}
}

func TestRanges(t *testing.T) {
	for _, tc := range []struct {
		begin, end uint32
	}{
		{0, 1},
		{5, 64},
		{0, 128},
		{63, 65},
		{10, 250},
		{192, 256},
	} {
		b := New(256)
		b.AddRange(tc.begin, tc.end)
		if got, want := b.GetNumOnes(), tc.end-tc.begin; got != want {
			t.Errorf("AddRange(%d, %d): GetNumOnes() = %d, want %d", tc.begin, tc.end, got, want)
		}
		if tc.end < uint32(b.Size()) {
			if got, err := b.FirstZero(tc.begin); err != nil || got != tc.end {
				t.Errorf("AddRange(%d, %d): FirstZero = (%d, %v), want %d", tc.begin, tc.end, got, err, tc.end)
			}
		}
		b.ClearRange(tc.begin, tc.end)
		if !b.IsEmpty() {
			t.Errorf("ClearRange(%d, %d) left %d bits", tc.begin, tc.end, b.GetNumOnes())
		}
	}
}

func TestFirstZeroRun(t *testing.T) {
	b := New(256)
	b.Add(0)
	b.Add(5)
	b.AddRange(10, 80)

	for _, tc := range []struct {
		start, n uint32
		want     uint32
		wantErr  bool
	}{
		{start: 0, n: 1, want: 1},
		{start: 0, n: 4, want: 1},
		{start: 0, n: 5, want: 80},
		{start: 6, n: 4, want: 6},
		{start: 0, n: 176, want: 80},
		{start: 0, n: 177, wantErr: true},
		{start: 300, n: 1, wantErr: true},
	} {
		got, err := b.FirstZeroRun(tc.start, tc.n)
		if tc.wantErr {
			if err == nil {
				t.Errorf("FirstZeroRun(%d, %d) = %d, want error", tc.start, tc.n, got)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("FirstZeroRun(%d, %d) = (%d, %v), want %d", tc.start, tc.n, got, err, tc.want)
		}
	}
}
