// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package kdf derives a session master key from a user passphrase
// with Argon2id.
//
// The derived key is a non-extractable primitive.Key that can seal
// data and wrap data encryption keys. It exists only in memory; to
// unlock again later, the caller keeps the salt and cost parameters
// (MasterKey.Params) and derives again from the same passphrase,
// which yields a bit-identical key.
package kdf

import (
	"fmt"
	"unicode/utf8"

	"github.com/grailbio/notecrypt/crypto/primitive"
	"github.com/grailbio/notecrypt/errors"
	"golang.org/x/crypto/argon2"
)

const (
	// MinPasswordLength is the shortest passphrase, in characters
	// (Unicode code points), that DeriveKey accepts.
	MinPasswordLength = 8
	// SaltSize is the size of generated salts.
	SaltSize = 16
	// MinSaltSize is the shortest caller-supplied salt accepted.
	MinSaltSize = 8

	// DefaultIterations is the default Argon2id time cost.
	DefaultIterations = 3
	// DefaultMemory is the default Argon2id memory cost in KiB.
	DefaultMemory = 64 * 1024
	// DefaultParallelism is the default Argon2id lane count.
	DefaultParallelism = 1
)

// Params configures DeriveKey. Zero-valued fields take defaults: a
// fresh random salt and the Default* cost parameters.
type Params struct {
	Password    string
	Salt        []byte
	Iterations  uint32
	Memory      uint32
	Parallelism uint8
}

// DefaultParams returns Params with the default cost parameters and
// no password or salt.
func DefaultParams() Params {
	return Params{
		Iterations:  DefaultIterations,
		Memory:      DefaultMemory,
		Parallelism: DefaultParallelism,
	}
}

// MasterKey is the result of a key derivation.
type MasterKey struct {
	// Key is the derived key. It permits encryption and key wrapping
	// and cannot be exported.
	Key         *primitive.Key
	Salt        []byte
	Iterations  uint32
	Memory      uint32
	Parallelism uint8
}

// Params returns the parameters, without the password, needed to
// derive m again.
func (m *MasterKey) Params() Params {
	return Params{
		Salt:        append([]byte(nil), m.Salt...),
		Iterations:  m.Iterations,
		Memory:      m.Memory,
		Parallelism: m.Parallelism,
	}
}

// Usage is the usage of keys returned by DeriveKey.
const Usage = primitive.UsageEncrypt | primitive.UsageWrapKey

// DeriveKey derives a master key from p. It fails with WeakPassword
// before doing any work if the password is shorter than
// MinPasswordLength characters.
//
// DeriveKey is expensive (tens to hundreds of
// milliseconds and DefaultMemory KiB with the default parameters);
// callers on latency sensitive paths should run it on a separate
// goroutine.
func DeriveKey(p Params) (*MasterKey, error) {
	if utf8.RuneCountInString(p.Password) < MinPasswordLength {
		return nil, errors.E(errors.WeakPassword, errors.Fatal,
			fmt.Sprintf("passphrase must be at least %d characters", MinPasswordLength))
	}
	d := DefaultParams()
	if p.Iterations != 0 {
		d.Iterations = p.Iterations
	}
	if p.Memory != 0 {
		d.Memory = p.Memory
	}
	if p.Parallelism != 0 {
		d.Parallelism = p.Parallelism
	}
	// Argon2 requires at least 8 KiB per lane.
	if d.Memory < 8*uint32(d.Parallelism) {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("memory cost %d KiB is below 8 KiB per lane (%d lanes)", d.Memory, d.Parallelism))
	}
	switch {
	case len(p.Salt) == 0:
		salt, err := primitive.RandomBytes(SaltSize)
		if err != nil {
			return nil, errors.E("generating salt", err)
		}
		d.Salt = salt
	case len(p.Salt) < MinSaltSize:
		return nil, errors.E(errors.Invalid, fmt.Sprintf("salt is %d bytes, want at least %d", len(p.Salt), MinSaltSize))
	default:
		d.Salt = append([]byte(nil), p.Salt...)
	}

	password := []byte(p.Password)
	material := argon2.IDKey(password, d.Salt, d.Iterations, d.Memory, d.Parallelism, primitive.KeySize)
	primitive.Zero(password)
	key, err := primitive.NewKey(material, Usage)
	primitive.Zero(material)
	if err != nil {
		return nil, err
	}
	return &MasterKey{
		Key:         key,
		Salt:        d.Salt,
		Iterations:  d.Iterations,
		Memory:      d.Memory,
		Parallelism: d.Parallelism,
	}, nil
}
