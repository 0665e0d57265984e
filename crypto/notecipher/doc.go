// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

/*
Package notecipher encrypts notes into self-describing envelopes and
decrypts them again.

Each note is sealed under its own data encryption key (DEK), which is
in turn wrapped under the caller's master key:

	master, err := kdf.DeriveKey(kdf.Params{Password: passphrase})
	...
	c := notecipher.New()
	e, err := c.EncryptNote(notecipher.Note{Title: "t", Content: "c"}, master.Key)
	...
	s, err := envelope.Serialize(e)

The serialized envelope holds no secret in the clear and may be
stored anywhere. Opening it requires the same master key: the salt
and cost parameters needed to re-derive it are the caller's to keep.

A Cipher carries only configuration and may be shared by any number
of goroutines.
*/
package notecipher
