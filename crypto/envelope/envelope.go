// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package envelope defines the versioned wire format of an encrypted
// note and its JSON serialization. An envelope is the only structure
// that is persisted; it is safe to store on an untrusted backend.
//
// The format of a serialized envelope is:
//
//	{
//	  "version": 1,
//	  "algorithm": "AES-GCM",
//	  "compression": "gzip",
//	  "iv": "<base64, 12 raw bytes>",
//	  "encrypted_data": "<base64>",
//	  "wrapped_dek": {
//	    "algorithm": "AES-GCM",
//	    "iv": "<base64, 12 raw bytes>",
//	    "encrypted_key": "<base64>"
//	  }
//	}
//
// This package checks field presence only; cryptographic validation
// happens when the envelope is opened.
package envelope

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/notecrypt/compress"
	"github.com/grailbio/notecrypt/crypto/keywrap"
	"github.com/grailbio/notecrypt/errors"
)

const (
	// Version is the only envelope version this package produces and
	// accepts.
	Version = 1
	// Algorithm is the cipher used for note data.
	Algorithm = "AES-GCM"
	// Compression is the codec applied to plaintext before encryption.
	Compression = compress.Name
)

// Envelope is an encrypted note. Envelopes are immutable: a changed
// note is sealed into a new envelope with a new IV and a new DEK.
type Envelope struct {
	Version     int    `json:"version"`
	Algorithm   string `json:"algorithm"`
	Compression string `json:"compression"`
	// IV is the base64 encoding of the 12-byte GCM nonce used for
	// EncryptedData.
	IV string `json:"iv"`
	// EncryptedData is the base64 encoding of the sealed, compressed
	// note, including the GCM tag.
	EncryptedData string              `json:"encrypted_data"`
	WrappedDEK    *keywrap.WrappedKey `json:"wrapped_dek"`
}

var (
	requiredFields        = []string{"version", "algorithm", "compression", "iv", "encrypted_data", "wrapped_dek"}
	requiredWrappedFields = []string{"algorithm", "iv", "encrypted_key"}
)

// CheckFormat verifies that e's version, algorithm, and compression
// tags are the ones this package implements. Mismatches are reported
// with distinct kinds; they reveal nothing secret.
func (e *Envelope) CheckFormat() error {
	if e.Version != Version {
		return errors.E(errors.UnsupportedVersion, errors.Fatal,
			fmt.Sprintf("envelope version %d, want %d", e.Version, Version))
	}
	if e.Algorithm != Algorithm {
		return errors.E(errors.UnsupportedAlgorithm, errors.Fatal,
			fmt.Sprintf("envelope algorithm %q, want %q", e.Algorithm, Algorithm))
	}
	if e.Compression != Compression {
		return errors.E(errors.UnsupportedCompression, errors.Fatal,
			fmt.Sprintf("envelope compression %q, want %q", e.Compression, Compression))
	}
	return nil
}

// Serialize returns the JSON encoding of e. Fields are always written
// in the same order, so equal envelopes serialize identically.
func Serialize(e *Envelope) (string, error) {
	if e == nil || e.WrappedDEK == nil {
		return "", errors.E(errors.IncompleteEnvelope, "missing wrapped_dek")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return "", errors.E(errors.MalformedPayload, err)
	}
	return string(b), nil
}

// Parse decodes a serialized envelope. It fails with MalformedPayload
// if s is not a JSON object of the expected shape, and with
// IncompleteEnvelope if a required field is absent or null.
func Parse(s string) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return nil, errors.E(errors.MalformedPayload, errors.Fatal, err)
	}
	if fields == nil {
		return nil, errors.E(errors.MalformedPayload, errors.Fatal, "payload is null")
	}
	if missing := missingFields(fields, requiredFields); len(missing) > 0 {
		return nil, errors.E(errors.IncompleteEnvelope, errors.Fatal, "missing "+strings.Join(missing, ", "))
	}
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(fields["wrapped_dek"], &wrapped); err != nil {
		return nil, errors.E(errors.MalformedPayload, errors.Fatal, "wrapped_dek", err)
	}
	if missing := missingFields(wrapped, requiredWrappedFields); len(missing) > 0 {
		for i := range missing {
			missing[i] = "wrapped_dek." + missing[i]
		}
		return nil, errors.E(errors.IncompleteEnvelope, errors.Fatal, "missing "+strings.Join(missing, ", "))
	}
	e := new(Envelope)
	if err := json.Unmarshal([]byte(s), e); err != nil {
		return nil, errors.E(errors.MalformedPayload, errors.Fatal, err)
	}
	return e, nil
}

func missingFields(fields map[string]json.RawMessage, required []string) []string {
	var missing []string
	for _, name := range required {
		v, ok := fields[name]
		if !ok || string(v) == "null" {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}
