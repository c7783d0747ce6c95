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

package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/memutil"
	"gvisor.dev/hvmm/pkg/mm"
	"gvisor.dev/hvmm/pkg/platform"
)

// Remap implements subcommands.Command for the "remap" command.
type Remap struct {
	module string
	offset uint64
	data   string
}

// Name implements subcommands.Command.Name.
func (*Remap) Name() string {
	return "remap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Remap) Synopsis() string {
	return "Patch a read-only module through a writable shadow mapping."
}

// Usage implements subcommands.Command.Usage.
func (*Remap) Usage() string {
	return `remap -module <name> [-offset <n>] -data <bytes> - Patch a module.

The module is remapped writable, the data is written through the shadow
mapping and read back through the module's own read-only mapping.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Remap) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.module, "module", "", "module to patch.")
	f.Uint64Var(&r.offset, "offset", 0, "offset of the patch in the module.")
	f.StringVar(&r.data, "data", "", "bytes to write.")
}

// Execute implements subcommands.Command.Execute.
func (r *Remap) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if r.module == "" || r.data == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}

	p, err := platform.New(configFrom(args))
	if err != nil {
		fatalf("creating platform: %v", err)
	}
	defer p.Close()

	m, err := findModule(p, r.module)
	if err != nil {
		fatalf("%v", err)
	}
	addr := m.Start + hostarch.Addr(r.offset)
	if end := addr + hostarch.Addr(len(r.data)); r.offset >= uint64(m.End()-m.Start) || end > m.End() {
		fatalf("patch [%v, +%d) is outside module %q", addr, len(r.data), r.module)
	}

	remapper := mm.NewRemapper(p)
	shadow, err := remapper.RemapWritable(addr, uint64(len(r.data)))
	if err != nil {
		fatalf("%v", err)
	}
	defer remapper.Release(shadow)

	copy(shadow.Bytes(), r.data)
	got := memutil.SliceAt(uintptr(addr), uintptr(len(r.data)))
	fmt.Printf("%v: shadow %v, module reads %q\n", addr, shadow.Addr(), got)
	if !bytes.Equal(got, []byte(r.data)) {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
