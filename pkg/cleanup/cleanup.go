// Copyright 2020 The gVisor Authors.
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

// Package cleanup provides utilities to unwind partially completed work on
// defers.
package cleanup

// Cleanup allows defers to be aborted when cleanup needs to happen
// conditionally. Usage:
//
//	frames := alloc()
//	cu := cleanup.Make(func() { free(frames) })
//	defer cu.Clean() // failure before Release frees the frames.
//	...
//	cu.Add(func() { unmap(addr) }) // runs before free(frames).
//	...
//	cu.Release() // on success, keep everything.
//	return addr
type Cleanup struct {
	cleaners []func()
}

// Make creates a new Cleanup object. f may be nil.
func Make(f func()) Cleanup {
	c := Cleanup{}
	c.Add(f)
	return c
}

// Add adds a new function to be called on Clean(). nil functions are ignored.
func (c *Cleanup) Add(f func()) {
	if f == nil {
		return
	}
	c.cleaners = append(c.cleaners, f)
}

// Clean calls all cleanup functions in reverse order.
func (c *Cleanup) Clean() {
	clean(c.cleaners)
	c.cleaners = nil
}

// Release releases the cleanup from its duties, i.e. cleanup functions are not
// called after this point. Returns a function that calls all registered
// functions in case the caller has use for them.
func (c *Cleanup) Release() func() {
	old := c.cleaners
	c.cleaners = nil
	return func() { clean(old) }
}

func clean(cleaners []func()) {
	for i := len(cleaners) - 1; i >= 0; i-- {
		cleaners[i]()
	}
}
