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

package hostmm

import (
	"bytes"

	"gvisor.dev/hvmm/pkg/platform"
)

// NewFromConfig returns a kernel sized by conf, with the modules conf names
// already loaded.
func NewFromConfig(conf *platform.Config) (*Kernel, error) {
	k, err := New(uintptr(conf.MemorySize))
	if err != nil {
		return nil, err
	}
	for _, m := range conf.Modules {
		if _, err := k.LoadModule(m.Name, bytes.Repeat([]byte{m.Fill}, int(m.Size))); err != nil {
			k.Close()
			return nil, err
		}
	}
	return k, nil
}
