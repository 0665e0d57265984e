// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

//go:build linux || darwin

package primitive

import (
	"golang.org/x/sys/unix"

	"github.com/grailbio/notecrypt/log"
)

// allocLocked returns an n-byte slice backed by its own anonymous,
// mlocked mapping, and a function that unlocks and unmaps it. If the
// mapping or the lock cannot be obtained (e.g., RLIMIT_MEMLOCK is
// exhausted), it falls back to ordinary heap memory and a nil release.
func allocLocked(n int) ([]byte, func()) {
	size := unix.Getpagesize()
	if n > size {
		return make([]byte, n), nil
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		log.Debug.Printf("primitive: mmap key page: %v", err)
		return make([]byte, n), nil
	}
	if err := unix.Mlock(mem); err != nil {
		log.Debug.Printf("primitive: mlock key page: %v", err)
		if err := unix.Munmap(mem); err != nil {
			log.Debug.Printf("primitive: munmap key page: %v", err)
		}
		return make([]byte, n), nil
	}
	return mem[:n:n], func() {
		Zero(mem)
		if err := unix.Munlock(mem); err != nil {
			log.Debug.Printf("primitive: munlock key page: %v", err)
		}
		if err := unix.Munmap(mem); err != nil {
			log.Debug.Printf("primitive: munmap key page: %v", err)
		}
	}
}
