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
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"gvisor.dev/hvmm/pkg/hostarch"
	"gvisor.dev/hvmm/pkg/platform"
	"gvisor.dev/hvmm/pkg/platform/hostmm"
	"gvisor.dev/hvmm/pkg/ring0/pagetables"
)

// modules is implemented by platforms that load modules.
type modules interface {
	Module(name string) (*hostmm.Module, bool)
	Modules() []*hostmm.Module
}

// findModule returns the named module of p.
func findModule(p platform.Platform, name string) (*hostmm.Module, error) {
	ms, ok := p.(modules)
	if !ok {
		return nil, fmt.Errorf("platform %q has no modules", p.Name())
	}
	m, ok := ms.Module(name)
	if !ok {
		return nil, fmt.Errorf("module %q is not loaded", name)
	}
	return m, nil
}

// Walk implements subcommands.Command for the "walk" command.
type Walk struct {
	module string
	active bool
}

// Name implements subcommands.Command.Name.
func (*Walk) Name() string {
	return "walk"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Walk) Synopsis() string {
	return "Walk the kernel page tables of a simulated host."
}

// Usage implements subcommands.Command.Usage.
func (*Walk) Usage() string {
	return `walk [-module <name>] [-active] [<address>...] - Walk the kernel page tables.

Each address is translated and the entry found at every level is printed.
With -module, every page of the named module is walked as well.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (w *Walk) SetFlags(f *flag.FlagSet) {
	f.StringVar(&w.module, "module", "", "walk every page of this module.")
	f.BoolVar(&w.active, "active", false, "resolve through the active address space.")
}

// Execute implements subcommands.Command.Execute.
func (w *Walk) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	var addrs []hostarch.Addr
	for _, arg := range f.Args() {
		v, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid address %q: %v\n", arg, err)
			return subcommands.ExitUsageError
		}
		addrs = append(addrs, hostarch.Addr(v))
	}
	if len(addrs) == 0 && w.module == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}

	p, err := platform.New(configFrom(args))
	if err != nil {
		fatalf("creating platform: %v", err)
	}
	defer p.Close()

	if w.module != "" {
		m, err := findModule(p, w.module)
		if err != nil {
			fatalf("%v", err)
		}
		for i := 0; i < m.Pages; i++ {
			addrs = append(addrs, m.Start+hostarch.Addr(i*hostarch.PageSize))
		}
	}

	status := subcommands.ExitSuccess
	for _, va := range addrs {
		if !w.walk(p, va) {
			status = subcommands.ExitFailure
		}
	}
	return status
}

// walk prints the walk of va and returns true if it translated.
func (w *Walk) walk(p platform.Platform, va hostarch.Addr) bool {
	walker := p.Walker()
	fmt.Printf("%v\n", va)
	err := walker.Walk(p.Root(), va, func(level pagetables.Level, entry *pagetables.PTE) bool {
		e := entry.Load()
		fmt.Printf("  %-4v [%#03x] %#016x %v\n", level, level.Index(va), uint64(e), e)
		return true
	})
	if err != nil {
		fmt.Printf("  walk: %v\n", err)
	}

	var phys uintptr
	if w.active {
		phys, err = walker.ResolveActive(va)
	} else {
		phys, err = walker.Resolve(p.Root(), va)
	}
	if err != nil {
		fmt.Printf("  -> %v\n", err)
		return false
	}
	fmt.Printf("  -> %#x\n", phys)
	return true
}

// Platforms implements subcommands.Command for the "platforms" command.
type Platforms struct{}

// Name implements subcommands.Command.Name.
func (*Platforms) Name() string {
	return "platforms"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Platforms) Synopsis() string {
	return "List the available platforms."
}

// Usage implements subcommands.Command.Usage.
func (*Platforms) Usage() string {
	return "platforms - List the available platforms.\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Platforms) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Platforms) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	for _, name := range platform.List() {
		fmt.Println(name)
	}
	return subcommands.ExitSuccess
}
