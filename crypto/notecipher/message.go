// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package notecipher

import "github.com/grailbio/notecrypt/errors"

// User-visible messages returned by UserMessage.
const (
	MessageWeakPassword       = "Your passphrase must be at least 8 characters long."
	MessageEntropyUnavailable = "A secure random number source is unavailable. Please try again."
	MessageUnsupported        = "This note was encrypted by a newer version of the application. Please update to open it."
	MessageDecryptionFailed   = "This note could not be decrypted. Check your passphrase; the note may be damaged."
	MessageEncryptionFailed   = "This note could not be encrypted. Your changes were not saved."
	MessageUnknown            = "An unexpected error occurred."
)

// UserMessage returns the text to show a user for err. Setup failures
// (a weak passphrase or missing entropy) get an actionable message
// wherever they appear in err's chain. Every failure to open a note
// gets the same message, so that a wrong passphrase cannot be told
// apart from a damaged note.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var setup string
	errors.Visit(err, func(err error) {
		if setup != "" {
			return
		}
		switch errors.Recover(err).Kind {
		case errors.WeakPassword:
			setup = MessageWeakPassword
		case errors.EntropyUnavailable:
			setup = MessageEntropyUnavailable
		}
	})
	if setup != "" {
		return setup
	}
	switch errors.KindOf(err) {
	case errors.UnsupportedVersion, errors.UnsupportedAlgorithm, errors.UnsupportedCompression:
		return MessageUnsupported
	case errors.DecryptionFailed, errors.UnwrapFailed, errors.MalformedPayload,
		errors.IncompleteEnvelope, errors.MalformedEncoding, errors.CorruptStream:
		return MessageDecryptionFailed
	case errors.EncryptionFailed, errors.DEKGenerationFailed:
		return MessageEncryptionFailed
	default:
		return MessageUnknown
	}
}
