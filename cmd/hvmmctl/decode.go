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
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"gvisor.dev/hvmm/pkg/ring0/pagetables"
)

// Decode implements subcommands.Command for the "decode" command.
type Decode struct {
	json bool
}

// Name implements subcommands.Command.Name.
func (*Decode) Name() string {
	return "decode"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Decode) Synopsis() string {
	return "Classify raw page table entries."
}

// Usage implements subcommands.Command.Usage.
func (*Decode) Usage() string {
	return `decode [-json] <pte>... - Classify raw page table entries.

Values are parsed as Go integer literals, e.g. 0x8000000012345867.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Decode) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&d.json, "json", false, "print entries as JSON.")
}

// decoded is the JSON form of an entry.
type decoded struct {
	Value string          `json:"value"`
	State string          `json:"state"`
	Info  pagetables.Info `json:"info"`
}

// Execute implements subcommands.Command.Execute.
func (d *Decode) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	enc := json.NewEncoder(os.Stdout)
	for _, arg := range f.Args() {
		v, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid entry %q: %v\n", arg, err)
			return subcommands.ExitUsageError
		}
		pte := pagetables.PTE(v)
		if !d.json {
			fmt.Printf("%#016x  %-10v %v\n", v, pte.State(), pte)
			continue
		}
		if err := enc.Encode(decoded{
			Value: fmt.Sprintf("%#x", v),
			State: pte.State().String(),
			Info:  pte.Decode(),
		}); err != nil {
			fatalf("encoding %#x: %v", v, err)
		}
	}
	return subcommands.ExitSuccess
}
