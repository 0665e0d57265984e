// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package keywrap generates per-record data encryption keys (DEKs)
// and wraps them under a master key with AES-256-GCM.
//
// Every call to WrapDEK draws a fresh IV. A DEK is generated for one
// record and never reused; its wrapped form lives in that record's
// envelope.
package keywrap

import (
	"fmt"

	"github.com/grailbio/notecrypt/crypto/primitive"
	"github.com/grailbio/notecrypt/errors"
	"github.com/grailbio/notecrypt/log"
)

// Algorithm is the algorithm tag of wrapped keys.
const Algorithm = "AES-GCM"

// DEKUsage is the usage of generated DEKs: they encrypt data and may
// be wrapped, but never exported.
const DEKUsage = primitive.UsageEncrypt | primitive.UsageExtractable

// WrappedKey is a DEK encrypted under a master key.
type WrappedKey struct {
	Algorithm string `json:"algorithm"`
	// IV is the base64 encoding of the 12-byte GCM nonce.
	IV string `json:"iv"`
	// EncryptedKey is the base64 encoding of the sealed DEK,
	// including the GCM tag.
	EncryptedKey string `json:"encrypted_key"`
}

// GenerateDEK returns a fresh 256-bit data encryption key.
func GenerateDEK() (*primitive.Key, error) {
	dek, err := primitive.GenerateKey(DEKUsage)
	if err != nil {
		return nil, errors.E(errors.DEKGenerationFailed, err)
	}
	return dek, nil
}

// WrapDEK encrypts dek under master.
func WrapDEK(dek, master *primitive.Key) (*WrappedKey, error) {
	iv, wrapped, err := master.Wrap(dek)
	if err != nil {
		return nil, errors.E("wrapping data key", err)
	}
	return &WrappedKey{
		Algorithm:    Algorithm,
		IV:           primitive.ToBase64(iv),
		EncryptedKey: primitive.ToBase64(wrapped),
	}, nil
}

// UnwrapDEK decrypts a DEK wrapped by WrapDEK. Every failure is
// reported as UnwrapFailed without a cause: a wrong master key and a
// tampered wrapped key are indistinguishable to the caller. The
// unwrapped key may encrypt and decrypt but cannot be wrapped again.
func UnwrapDEK(w *WrappedKey, master *primitive.Key) (*primitive.Key, error) {
	dek, err := unwrap(w, master)
	if err != nil {
		log.Debug.Printf("keywrap: unwrap: %v", err)
		return nil, errors.E(errors.UnwrapFailed, errors.Fatal)
	}
	return dek, nil
}

func unwrap(w *WrappedKey, master *primitive.Key) (*primitive.Key, error) {
	if w == nil {
		return nil, fmt.Errorf("nil wrapped key")
	}
	if w.Algorithm != Algorithm {
		return nil, fmt.Errorf("wrapped key algorithm %q, want %q", w.Algorithm, Algorithm)
	}
	iv, err := primitive.FromBase64(w.IV)
	if err != nil {
		return nil, errors.E("iv", err)
	}
	if len(iv) != primitive.IVSize {
		return nil, fmt.Errorf("iv is %d bytes, want %d", len(iv), primitive.IVSize)
	}
	wrapped, err := primitive.FromBase64(w.EncryptedKey)
	if err != nil {
		return nil, errors.E("encrypted key", err)
	}
	return master.Unwrap(iv, wrapped, primitive.UsageEncrypt)
}
