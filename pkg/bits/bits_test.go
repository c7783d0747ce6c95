// Copyright 2018 Google LLC
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

package bits

import (
	"testing"
)

func TestMask64(t *testing.T) {
	if got, want := Mask64(0, 7, 11), uint64(0x881); got != want {
		t.Errorf("Mask64(0, 7, 11): got %#x, wanted %#x", got, want)
	}
	if got, want := MaskOf64(63), uint64(1)<<63; got != want {
		t.Errorf("MaskOf64(63): got %#x, wanted %#x", got, want)
	}
}

func TestIsOn64(t *testing.T) {
	for _, tc := range []struct {
		mask, bits uint64
		all, any   bool
	}{
		{0x81, 0x81, true, true},
		{0x80, 0x81, false, true},
		{0x00, 0x81, false, false},
		{0xff, 0x00, true, false},
	} {
		if got := IsOn64(tc.mask, tc.bits); got != tc.all {
			t.Errorf("IsOn64(%#x, %#x): got %v, wanted %v", tc.mask, tc.bits, got, tc.all)
		}
		if got := IsAnyOn64(tc.mask, tc.bits); got != tc.any {
			t.Errorf("IsAnyOn64(%#x, %#x): got %v, wanted %v", tc.mask, tc.bits, got, tc.any)
		}
	}
}

func TestField64(t *testing.T) {
	v := uint64(0xdeadbeef_0000_0a5e)
	if got, want := Field64(v, 32, 0xffffffff), uint64(0xdeadbeef); got != want {
		t.Errorf("Field64 high: got %#x, wanted %#x", got, want)
	}
	if got, want := Field64(v, 1, 0x1f), uint64(0xf); got != want {
		t.Errorf("Field64 low: got %#x, wanted %#x", got, want)
	}
}
