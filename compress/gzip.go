// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package compress compresses note plaintext before it is encrypted.
// It uses the gzip container (DEFLATE with a CRC-32 trailer) so that
// truncated or corrupted streams are detected on inflation.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/grailbio/notecrypt/errors"
	"github.com/klauspost/compress/gzip"
)

// Name is the compression tag recorded in note envelopes.
const Name = "gzip"

func isGzipHeader(buf []byte) bool {
	if len(buf) < 10 {
		return false
	}
	if !(buf[0] == 0x1f && buf[1] == 0x8b) {
		return false
	}
	// DEFLATE is the only compression method defined for gzip.
	if buf[2] != 8 {
		return false
	}
	// Reserved flag bits.
	if (buf[3] & 0xe0) != 0 {
		return false
	}
	return true
}

// Gzip compresses b.
func Gzip(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		w.Close()
		return nil, errors.E("gzip", err)
	}
	if err := w.Close(); err != nil {
		return nil, errors.E("gzip", err)
	}
	return buf.Bytes(), nil
}

// Gunzip inflates a stream produced by Gzip. If limit is positive,
// inflating more than limit bytes fails; this bounds the memory an
// untrusted stream can claim. All failures are of kind CorruptStream.
func Gunzip(b []byte, limit int64) ([]byte, error) {
	if !isGzipHeader(b) {
		return nil, errors.E(errors.CorruptStream, errors.Fatal, "missing gzip header")
	}
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, errors.E(errors.CorruptStream, errors.Fatal, err)
	}
	return readAll(r, limit)
}

// readAll reads r to EOF, bounded by limit, and closes it. A failed
// Close discards what was read.
func readAll(r io.ReadCloser, limit int64) ([]byte, error) {
	out, err := inflate(r, limit)
	if cerr := r.Close(); err == nil && cerr != nil {
		err = errors.E(errors.CorruptStream, errors.Fatal, "close", cerr)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func inflate(r io.Reader, limit int64) ([]byte, error) {
	var src io.Reader = r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	var out bytes.Buffer
	n, err := io.Copy(&out, src)
	if err != nil {
		return nil, errors.E(errors.CorruptStream, errors.Fatal, err)
	}
	if limit > 0 && n > limit {
		return nil, errors.E(errors.CorruptStream, errors.Fatal,
			fmt.Sprintf("decompressed size exceeds %d bytes", limit))
	}
	return out.Bytes(), nil
}
