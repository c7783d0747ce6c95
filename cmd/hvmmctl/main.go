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

// Binary hvmmctl inspects page table entries and simulated host address
// spaces.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/platform"

	// Register the host platforms.
	_ "gvisor.dev/hvmm/pkg/platform/linuxmm"
	_ "gvisor.dev/hvmm/pkg/platform/selfmap"
)

var (
	configPath   = flag.String("config", "", "path to a TOML platform configuration.")
	platformName = flag.String("platform", "", "platform to use, overriding the configuration.")
	debug        = flag.Bool("debug", false, "enable debug logging.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(new(Decode), "")
	subcommands.Register(new(Walk), "")
	subcommands.Register(new(Remap), "")
	subcommands.Register(new(Platforms), "")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	conf, err := loadConfig()
	if err != nil {
		fatalf("%v", err)
	}
	if err := setupLogging(conf, flag.Arg(0)); err != nil {
		fatalf("setting up logs: %v", err)
	}
	log.Debugf("Args: %v", os.Args)
	log.Debugf("Config: %+v", conf)

	os.Exit(int(subcommands.Execute(context.Background(), conf)))
}

// loadConfig builds the configuration from the file and flags.
func loadConfig() (*platform.Config, error) {
	conf := platform.DefaultConfig()
	if *configPath != "" {
		var err error
		if conf, err = platform.LoadConfig(*configPath); err != nil {
			return nil, err
		}
	}
	if *platformName != "" {
		conf.Platform = *platformName
	}
	if *debug {
		conf.LogLevel = log.Debug.String()
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func setupLogging(conf *platform.Config, command string) error {
	level, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return err
	}
	emitters := log.MultiEmitter{newEmitter(conf.LogFormat, os.Stderr)}
	if conf.DebugLog != "" {
		opts := log.PatternOpts{Command: command, Timestamp: time.Now()}
		f, err := log.OpenFile(conf.DebugLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, opts)
		if err != nil {
			return err
		}
		emitters = append(emitters, newEmitter(conf.LogFormat, f))
	}
	log.SetTarget(&emitters)
	log.SetLevel(level)
	return nil
}

func newEmitter(format string, w io.Writer) log.Emitter {
	switch format {
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: w}}
	default:
		return log.GoogleEmitter{Writer: &log.Writer{Next: w}}
	}
}

// fatalf logs to stderr and the debug log, then exits.
func fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}

// configFrom returns the configuration passed to subcommands.Execute.
func configFrom(args []any) *platform.Config {
	return args[0].(*platform.Config)
}
