// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package primitive

import (
	"encoding/base64"

	"github.com/grailbio/notecrypt/errors"
)

// Strict decoding rejects non-zero padding bits, so every byte string
// has exactly one accepted encoding.
var encoding = base64.StdEncoding.Strict()

// ToBase64 encodes b using padded standard base64.
func ToBase64(b []byte) string {
	return encoding.EncodeToString(b)
}

// FromBase64 decodes padded standard base64.
func FromBase64(s string) ([]byte, error) {
	b, err := encoding.DecodeString(s)
	if err != nil {
		return nil, errors.E(errors.MalformedEncoding, errors.Fatal, err)
	}
	return b, nil
}
