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

// Package mmerr contains the errors reported by the memory manager.
//
// The errors are *errors.Error pointers and are compared by identity, so
// callers should use errors.Is when a wrapped error may be returned.
package mmerr

import (
	"golang.org/x/sys/unix"
	"gvisor.dev/hvmm/pkg/errors"
)

var (
	// ErrInvalidAddress is returned when a non-canonical virtual address is
	// supplied to a page table walk.
	ErrInvalidAddress = errors.New(unix.EFAULT, "non-canonical virtual address")

	// ErrNotMapped is returned when a walk terminates at an absent entry.
	ErrNotMapped = errors.New(unix.ENXIO, "virtual address is not mapped")

	// ErrOutOfMemory is returned when the host allocator is exhausted.
	ErrOutOfMemory = errors.New(unix.ENOMEM, "out of memory")

	// ErrRemapFailed is returned when a page in a remap range cannot be
	// resolved or the shadow mapping cannot be established.
	ErrRemapFailed = errors.New(unix.EFAULT, "shadow mapping failed")
)

// ToErrno returns the errno carried by err, if any. Wrapped errors are
// unwrapped.
func ToErrno(err error) (unix.Errno, bool) {
	for err != nil {
		if e, ok := err.(*errors.Error); ok {
			return e.Errno(), true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return 0, false
}
