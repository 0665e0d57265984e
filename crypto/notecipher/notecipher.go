// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package notecipher

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/grailbio/notecrypt/compress"
	"github.com/grailbio/notecrypt/crypto/envelope"
	"github.com/grailbio/notecrypt/crypto/keywrap"
	"github.com/grailbio/notecrypt/crypto/primitive"
	"github.com/grailbio/notecrypt/errors"
	"github.com/grailbio/notecrypt/log"
	"github.com/grailbio/notecrypt/traverse"
)

// DefaultMaxPlaintextSize is the default bound on the size of a
// decompressed note.
const DefaultMaxPlaintextSize = 64 << 20

// Note is the plaintext of a note.
type Note struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Option configures a Cipher.
type Option func(*Cipher)

// MaxPlaintextSize bounds the encoded size of a note. EncryptNote
// rejects notes that encode to more than n bytes, and envelopes whose
// data inflates beyond n bytes fail to decrypt. A non-positive n
// removes the bound.
func MaxPlaintextSize(n int64) Option {
	return func(c *Cipher) { c.maxPlaintextSize = n }
}

// Parallelism limits the number of notes processed concurrently by
// EncryptNotes and DecryptNotes. A non-positive n selects
// traverse.Parallel.
func Parallelism(n int) Option {
	return func(c *Cipher) {
		if n <= 0 {
			c.traverser = traverse.Parallel
			return
		}
		c.traverser = traverse.Limit(n)
	}
}

// Cipher seals and opens notes. A Cipher holds configuration only; it
// never holds keys, and is safe for concurrent use.
type Cipher struct {
	maxPlaintextSize int64
	traverser        traverse.T
}

// New returns a Cipher configured by the provided options.
func New(opts ...Option) *Cipher {
	c := &Cipher{
		maxPlaintextSize: DefaultMaxPlaintextSize,
		traverser:        traverse.Parallel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EncryptNote seals n under master with the default configuration.
func EncryptNote(n Note, master *primitive.Key) (*envelope.Envelope, error) {
	return New().EncryptNote(n, master)
}

// DecryptNote opens e with master with the default configuration.
func DecryptNote(e *envelope.Envelope, master *primitive.Key) (Note, error) {
	return New().DecryptNote(e, master)
}

// EncryptNote seals n into a new envelope: the note is encoded as
// JSON, compressed, and encrypted under a fresh DEK and IV; the DEK
// is then wrapped under master. Any failure is reported as
// EncryptionFailed with the underlying cause attached, and no
// envelope is returned.
func (c *Cipher) EncryptNote(n Note, master *primitive.Key) (*envelope.Envelope, error) {
	e, err := c.seal(n, master)
	if err != nil {
		return nil, errors.E(errors.EncryptionFailed, err)
	}
	return e, nil
}

func (c *Cipher) seal(n Note, master *primitive.Key) (*envelope.Envelope, error) {
	if !utf8.ValidString(n.Title) || !utf8.ValidString(n.Content) {
		return nil, errors.E(errors.Invalid, "note is not valid UTF-8")
	}
	plaintext, err := json.Marshal(n)
	if err != nil {
		return nil, errors.E("encoding note", err)
	}
	defer primitive.Zero(plaintext)
	if c.maxPlaintextSize > 0 && int64(len(plaintext)) > c.maxPlaintextSize {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("encoded note is %d bytes, limit is %d", len(plaintext), c.maxPlaintextSize))
	}
	compressed, err := compress.Gzip(plaintext)
	if err != nil {
		return nil, errors.E("compressing note", err)
	}
	defer primitive.Zero(compressed)
	dek, err := keywrap.GenerateDEK()
	if err != nil {
		return nil, err
	}
	defer dek.Destroy()
	iv, ciphertext, err := dek.Seal(compressed)
	if err != nil {
		return nil, errors.E("sealing note", err)
	}
	wrapped, err := keywrap.WrapDEK(dek, master)
	if err != nil {
		return nil, err
	}
	return &envelope.Envelope{
		Version:       envelope.Version,
		Algorithm:     envelope.Algorithm,
		Compression:   envelope.Compression,
		IV:            primitive.ToBase64(iv),
		EncryptedData: primitive.ToBase64(ciphertext),
		WrappedDEK:    wrapped,
	}, nil
}

// DecryptNote opens an envelope produced by EncryptNote. Envelopes of
// another version, algorithm, or compression fail with
// UnsupportedVersion, UnsupportedAlgorithm, or UnsupportedCompression.
// Every other failure (a wrong master key, tampered or truncated
// data, an oversized or corrupt stream, a malformed note) fails with
// the same DecryptionFailed error; the cause is logged at log.Debug
// and is not returned.
func (c *Cipher) DecryptNote(e *envelope.Envelope, master *primitive.Key) (Note, error) {
	if e == nil {
		return Note{}, errors.E(errors.Invalid, "nil envelope")
	}
	if err := e.CheckFormat(); err != nil {
		return Note{}, err
	}
	n, err := c.open(e, master)
	if err != nil {
		log.Debug.Printf("notecipher: decrypt: %v", err)
		return Note{}, errors.E(errors.DecryptionFailed, errors.Fatal, "unable to decrypt note")
	}
	return n, nil
}

func (c *Cipher) open(e *envelope.Envelope, master *primitive.Key) (Note, error) {
	dek, err := keywrap.UnwrapDEK(e.WrappedDEK, master)
	if err != nil {
		return Note{}, err
	}
	defer dek.Destroy()
	iv, err := primitive.FromBase64(e.IV)
	if err != nil {
		return Note{}, errors.E("iv", err)
	}
	if len(iv) != primitive.IVSize {
		return Note{}, errors.E(errors.Invalid, fmt.Sprintf("iv is %d bytes, want %d", len(iv), primitive.IVSize))
	}
	ciphertext, err := primitive.FromBase64(e.EncryptedData)
	if err != nil {
		return Note{}, errors.E("encrypted data", err)
	}
	compressed, err := dek.Open(iv, ciphertext)
	if err != nil {
		return Note{}, err
	}
	defer primitive.Zero(compressed)
	plaintext, err := compress.Gunzip(compressed, c.maxPlaintextSize)
	if err != nil {
		return Note{}, err
	}
	defer primitive.Zero(plaintext)
	return decodeNote(plaintext)
}

// decodeNote requires both fields to be present JSON strings.
func decodeNote(b []byte) (Note, error) {
	var fields struct {
		Title   *string `json:"title"`
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(b, &fields); err != nil {
		return Note{}, errors.E(errors.Invalid, "decoding note", err)
	}
	if fields.Title == nil || fields.Content == nil {
		return Note{}, errors.E(errors.Invalid, "note is missing title or content")
	}
	return Note{Title: *fields.Title, Content: *fields.Content}, nil
}

// EncryptString seals n and serializes the resulting envelope.
func (c *Cipher) EncryptString(n Note, master *primitive.Key) (string, error) {
	e, err := c.EncryptNote(n, master)
	if err != nil {
		return "", err
	}
	return envelope.Serialize(e)
}

// DecryptString parses a serialized envelope and opens it. Parse
// failures are reported as by envelope.Parse.
func (c *Cipher) DecryptString(s string, master *primitive.Key) (Note, error) {
	e, err := envelope.Parse(s)
	if err != nil {
		return Note{}, err
	}
	return c.DecryptNote(e, master)
}

// EncryptNotes seals each note into its own envelope, in parallel.
// It fails if any note fails, returning the first error.
func (c *Cipher) EncryptNotes(notes []Note, master *primitive.Key) ([]*envelope.Envelope, error) {
	envs := make([]*envelope.Envelope, len(notes))
	err := c.traverser.Each(len(notes), func(i int) error {
		e, err := c.EncryptNote(notes[i], master)
		if err != nil {
			return errors.E(fmt.Sprintf("note %d", i), err)
		}
		envs[i] = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return envs, nil
}

// Result is the outcome of opening one envelope in DecryptNotes.
type Result struct {
	Note Note
	Err  error
}

// DecryptNotes opens each envelope in parallel. Envelopes fail
// independently: results[i] holds either the note of envs[i] or the
// error DecryptNote returned for it.
func (c *Cipher) DecryptNotes(envs []*envelope.Envelope, master *primitive.Key) []Result {
	results := make([]Result, len(envs))
	_ = c.traverser.Each(len(envs), func(i int) error {
		results[i].Note, results[i].Err = c.DecryptNote(envs[i], master)
		return nil
	})
	return results
}
