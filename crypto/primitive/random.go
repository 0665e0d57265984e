// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package primitive

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/grailbio/notecrypt/errors"
)

var randomSource io.Reader = rand.Reader

// SetRandSource sets the source of random numbers be used and is
// intended primarily for testing purposes. It returns the previous
// source. It must not be called concurrently with any other function
// in this package.
func SetRandSource(rd io.Reader) io.Reader {
	old := randomSource
	randomSource = rd
	return old
}

// RandomBytes returns n bytes read from the secure random source.
func RandomBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("negative random byte count %d", n))
	}
	b := make([]byte, n)
	if err := readRandom(b); err != nil {
		return nil, err
	}
	return b, nil
}

func readRandom(b []byte) error {
	got, err := io.ReadFull(randomSource, b)
	if err != nil {
		return errors.E(errors.EntropyUnavailable, errors.Temporary,
			fmt.Sprintf("failed to read %d bytes of random data (got %d)", len(b), got), err)
	}
	return nil
}
