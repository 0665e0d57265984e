// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package primitive

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"
	"runtime"

	"github.com/grailbio/notecrypt/errors"
	"github.com/grailbio/notecrypt/log"
)

const (
	// KeySize is the size of every key handled by this package: AES-256.
	KeySize = 32
	// IVSize is the size of the AES-GCM nonces generated by Seal and Wrap.
	IVSize = 12
)

// Usage is a bit mask of the operations a Key permits.
type Usage uint8

const (
	// UsageEncrypt permits Seal and Open.
	UsageEncrypt Usage = 1 << iota
	// UsageWrapKey permits Wrap and Unwrap, i.e. encrypting other keys.
	UsageWrapKey
	// UsageExtractable permits the key to be wrapped under another key.
	// It never permits raw export.
	UsageExtractable
)

func (u Usage) String() string {
	var s string
	for _, f := range []struct {
		u    Usage
		name string
	}{{UsageEncrypt, "encrypt"}, {UsageWrapKey, "wrapKey"}, {UsageExtractable, "extractable"}} {
		if u&f.u == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += f.name
	}
	if s == "" {
		return "none"
	}
	return s
}

// Key is an opaque AES-256-GCM key handle. Its material cannot be
// read, printed, or marshalled; a Key is only ever serialized by
// wrapping it under another Key.
//
// A Key is safe for concurrent use, except that Destroy must not be
// called concurrently with any other method.
type Key struct {
	material []byte
	usage    Usage
	aead     cipher.AEAD
	release  func()
}

// NewKey imports material as a key with the given usage. The
// material is copied; callers should zero their copy.
func NewKey(material []byte, usage Usage) (*Key, error) {
	if len(material) != KeySize {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("key material is %d bytes, want %d", len(material), KeySize))
	}
	k := newKey(usage)
	copy(k.material, material)
	if err := k.init(); err != nil {
		return nil, err
	}
	return k, nil
}

// GenerateKey returns a fresh random key with the given usage.
func GenerateKey(usage Usage) (*Key, error) {
	k := newKey(usage)
	if err := readRandom(k.material); err != nil {
		k.Destroy()
		return nil, err
	}
	if err := k.init(); err != nil {
		return nil, err
	}
	return k, nil
}

func newKey(usage Usage) *Key {
	k := &Key{usage: usage}
	if usage&UsageWrapKey != 0 {
		// Wrapping keys live for a session; keep them off swap.
		k.material, k.release = allocLocked(KeySize)
	} else {
		k.material = make([]byte, KeySize)
	}
	if k.release != nil {
		runtime.SetFinalizer(k, (*Key).Destroy)
	}
	return k
}

func (k *Key) init() error {
	block, err := aes.NewCipher(k.material)
	if err != nil {
		k.Destroy()
		return errors.E(errors.Invalid, "aes", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		k.Destroy()
		return errors.E(errors.Invalid, "gcm", err)
	}
	k.aead = aead
	return nil
}

// Usage returns the operations permitted by k.
func (k *Key) Usage() Usage {
	return k.usage
}

func (k *Key) check(usage Usage) error {
	if k == nil || k.aead == nil {
		return errors.E(errors.Invalid, "key is nil or destroyed")
	}
	if k.usage&usage != usage {
		return errors.E(errors.Invalid, fmt.Sprintf("key usage %v does not permit %v", k.usage, usage))
	}
	return nil
}

// Seal encrypts and authenticates plaintext under a fresh random IV.
func (k *Key) Seal(plaintext []byte) (iv, ciphertext []byte, err error) {
	if err := k.check(UsageEncrypt); err != nil {
		return nil, nil, err
	}
	return k.seal(plaintext)
}

func (k *Key) seal(plaintext []byte) (iv, ciphertext []byte, err error) {
	iv = make([]byte, IVSize)
	if err := readRandom(iv); err != nil {
		return nil, nil, err
	}
	return iv, k.aead.Seal(nil, iv, plaintext, nil), nil
}

// Open authenticates and decrypts ciphertext produced by Seal. Any
// failure, including a wrong key, is reported as DecryptionFailed.
func (k *Key) Open(iv, ciphertext []byte) ([]byte, error) {
	if err := k.check(UsageEncrypt); err != nil {
		return nil, err
	}
	plaintext, err := k.open(iv, ciphertext)
	if err != nil {
		return nil, errors.E(errors.DecryptionFailed, errors.Fatal, err)
	}
	return plaintext, nil
}

func (k *Key) open(iv, ciphertext []byte) ([]byte, error) {
	if len(iv) != IVSize {
		return nil, fmt.Errorf("iv is %d bytes, want %d", len(iv), IVSize)
	}
	return k.aead.Open(nil, iv, ciphertext, nil)
}

// Wrap encrypts the material of key under k. k must permit
// UsageWrapKey and key must permit UsageExtractable.
func (k *Key) Wrap(key *Key) (iv, wrapped []byte, err error) {
	if err := k.check(UsageWrapKey); err != nil {
		return nil, nil, err
	}
	if err := key.check(UsageExtractable); err != nil {
		return nil, nil, err
	}
	return k.seal(key.material)
}

// Unwrap decrypts a key wrapped by Wrap and imports it with the given
// usage. A wrong wrapping key, a tampered IV, and tampered wrapped
// bytes all fail identically with UnwrapFailed.
func (k *Key) Unwrap(iv, wrapped []byte, usage Usage) (*Key, error) {
	if err := k.check(UsageWrapKey); err != nil {
		return nil, err
	}
	material, err := k.open(iv, wrapped)
	if err == nil && len(material) != KeySize {
		err = fmt.Errorf("unwrapped %d bytes, want %d", len(material), KeySize)
	}
	if err != nil {
		log.Debug.Printf("primitive: unwrap: %v", err)
		return nil, errors.E(errors.UnwrapFailed, errors.Fatal)
	}
	defer Zero(material)
	return NewKey(material, usage)
}

// Equal reports whether k and other hold the same material, in
// constant time. Destroyed or nil keys are never equal.
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil || k.aead == nil || other.aead == nil {
		return false
	}
	return subtle.ConstantTimeCompare(k.material, other.material) == 1
}

// Destroy zeroes k's material. k is unusable afterwards.
func (k *Key) Destroy() {
	if k == nil {
		return
	}
	Zero(k.material)
	if k.release != nil {
		k.release()
		k.release = nil
		runtime.SetFinalizer(k, nil)
	}
	k.material = nil
	k.aead = nil
}

// String implements fmt.Stringer without revealing key material.
func (k *Key) String() string {
	if k == nil || k.aead == nil {
		return "primitive.Key(destroyed)"
	}
	return "primitive.Key(" + k.usage.String() + ")"
}

// Format implements fmt.Formatter so that no verb prints key material.
func (k *Key) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, k.String())
}

// MarshalJSON always fails: keys are serialized only by wrapping.
func (k *Key) MarshalJSON() ([]byte, error) {
	return nil, errors.E(errors.Invalid, "primitive.Key cannot be marshalled")
}

// MarshalText always fails: keys are serialized only by wrapping.
func (k *Key) MarshalText() ([]byte, error) {
	return nil, errors.E(errors.Invalid, "primitive.Key cannot be marshalled")
}

// Zero overwrites b with zeros. It is used to scrub passphrases,
// key material and plaintext buffers once they are no longer needed.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
