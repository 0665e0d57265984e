// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package errors implements an error type that defines interpretable
// error kinds for the failure conditions of note encryption. Errors
// also carry a severity, so that callers can tell a transient
// condition (e.g., an unavailable entropy source) from one that
// will not go away without new input (e.g., a wrong passphrase).
// Errors returned by this package can be chained: thus attributing
// one error to another.
//
// The kinds are coarse on the decryption side: every
// cryptographic failure while opening an envelope is reported as
// DecryptionFailed, whatever its internal cause.
package errors

import (
	"bytes"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/grailbio/notecrypt/log"
)

// Separator defines the separation string inserted between
// chained errors in error messages.
var Separator = ":\n\t"

// Kind defines the type of error. Kinds are semantically
// meaningful, and may be interpreted by the receiver of an error
// (e.g., to decide which message to show a user).
type Kind int

const (
	// Other indicates an unknown error.
	Other Kind = iota
	// Invalid indicates that the caller supplied invalid parameters.
	Invalid
	// EntropyUnavailable indicates that no secure random source could
	// be read.
	EntropyUnavailable
	// WeakPassword indicates a passphrase that is too short to derive
	// a key from.
	WeakPassword
	// MalformedEncoding indicates invalid base64 input.
	MalformedEncoding
	// CorruptStream indicates invalid or oversized compressed data.
	CorruptStream
	// DEKGenerationFailed indicates that a data encryption key could
	// not be generated.
	DEKGenerationFailed
	// UnwrapFailed indicates that a wrapped key could not be
	// unwrapped: the wrapping key is wrong, or the wrapped key or its
	// IV were tampered with.
	UnwrapFailed
	// DecryptionFailed indicates that a note could not be decrypted.
	DecryptionFailed
	// UnsupportedVersion indicates an envelope of an unknown version.
	UnsupportedVersion
	// UnsupportedAlgorithm indicates an envelope sealed with an
	// unknown cipher.
	UnsupportedAlgorithm
	// UnsupportedCompression indicates an envelope whose plaintext
	// was compressed with an unknown codec.
	UnsupportedCompression
	// MalformedPayload indicates a serialized envelope that could not
	// be parsed.
	MalformedPayload
	// IncompleteEnvelope indicates a parsed envelope that is missing
	// required fields.
	IncompleteEnvelope
	// EncryptionFailed indicates that a note could not be encrypted.
	EncryptionFailed

	maxKind
)

var kinds = map[Kind]string{
	Other:                  "unknown error",
	Invalid:                "invalid argument",
	EntropyUnavailable:     "entropy unavailable",
	WeakPassword:           "weak password",
	MalformedEncoding:      "malformed encoding",
	CorruptStream:          "corrupt stream",
	DEKGenerationFailed:    "data key generation failed",
	UnwrapFailed:           "key unwrap failed",
	DecryptionFailed:       "decryption failed",
	UnsupportedVersion:     "unsupported version",
	UnsupportedAlgorithm:   "unsupported algorithm",
	UnsupportedCompression: "unsupported compression",
	MalformedPayload:       "malformed payload",
	IncompleteEnvelope:     "incomplete envelope",
	EncryptionFailed:       "encryption failed",
}

// String returns a human-readable explanation of the error kind k.
func (k Kind) String() string {
	return kinds[k]
}

// Severity defines an Error's severity. Nothing in this module
// retries; the severity is advice for the caller.
type Severity int

const (
	// Temporary indicates that the underlying error condition is likely
	// temporary, and the operation may succeed if called again.
	Temporary Severity = -1
	// Unknown indicates the error's severity is unknown. This is the default
	// severity level.
	Unknown Severity = 0
	// Fatal indicates that the underlying error condition is unrecoverable;
	// calling again with the same input will fail the same way.
	Fatal Severity = 1
)

var severities = map[Severity]string{
	Temporary: "temporary",
	Unknown:   "unknown",
	Fatal:     "fatal",
}

// String returns a human-readable explanation of the error severity s.
func (s Severity) String() string {
	return severities[s]
}

// Error is the standard error type, carrying a kind (error code),
// message (error message), and potentially an underlying error.
// Errors should be constructed by errors.E, which interprets
// arguments according to a set of rules.
type Error struct {
	// Kind is the error's type.
	Kind Kind
	// Severity is an optional severity.
	Severity Severity
	// Message is an optional error message associated with this error.
	Message string
	// Err is the error that caused this error, if any.
	// Errors can form chains through Err: the full chain is printed
	// by Error().
	Err error
}

// E constructs a new errors from the provided arguments. It is meant
// as a convenient way to construct, annotate, and wrap errors.
//
// Arguments are interpreted according to their types:
//
//	- Kind: sets the Error's kind
//	- Severity: set the Error's severity
//	- string: sets the Error's message; multiple strings are
//	  separated by a single space
//	- *Error: copies the error and sets the error's cause
//	- error: sets the Error's cause
//
// If an unrecognized argument type is encountered, an error with
// kind Invalid is returned.
//
// If the underlying error is another *Error, and a kind is not provided,
// the returned error inherits that error's kind. If the underlying error
// implements interface { Temporary() bool } and Temporary() returns true,
// the severity is set to Temporary.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("no args")
	}
	e := new(Error)
	var msg strings.Builder
	for _, arg := range args {
		switch arg := arg.(type) {
		case Kind:
			e.Kind = arg
		case Severity:
			e.Severity = arg
		case string:
			if msg.Len() > 0 {
				msg.WriteString(" ")
			}
			msg.WriteString(arg)
		case *Error:
			copy := *arg
			if len(args) == 1 {
				// In this case, we're not adding anything new;
				// just return the copy.
				return &copy
			}
			e.Err = &copy
		case error:
			e.Err = arg
		default:
			_, file, line, _ := runtime.Caller(1)
			log.Error.Printf("errors.E: bad call (type %T) from %s:%d: %v", arg, file, line, arg)
			return &Error{
				Kind:    Invalid,
				Message: fmt.Sprintf("unknown type %T, value %v in error call", arg, arg),
			}
		}
	}
	e.Message = msg.String()
	if e.Err == nil {
		return e
	}
	switch prev := e.Err.(type) {
	case *Error:
		if prev.Kind == e.Kind || e.Kind == Other {
			e.Kind = prev.Kind
			prev.Kind = Other
		}
		if prev.Severity == e.Severity || e.Severity == Unknown {
			e.Severity = prev.Severity
			prev.Severity = Unknown
		}
	default:
		if err, ok := e.Err.(interface {
			Temporary() bool
		}); ok && err.Temporary() && e.Severity == Unknown {
			e.Severity = Temporary
		}
	}
	return e
}

// Recover recovers any error into an *Error. If the passed-in Error is already
// an error, it is simply returned; otherwise it is wrapped in an error.
func Recover(err error) *Error {
	if err == nil {
		return nil
	}
	if err, ok := err.(*Error); ok {
		return err
	}
	return E(err).(*Error)
}

// Error returns a human readable string describing this error.
// It uses the separator defined by errors.Separator.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b bytes.Buffer
	e.writeError(&b)
	return b.String()
}

func (e *Error) writeError(b *bytes.Buffer) {
	if e.Message != "" {
		pad(b, ": ")
		b.WriteString(e.Message)
	}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Severity != Unknown {
		pad(b, " ")
		b.WriteByte('(')
		b.WriteString(e.Severity.String())
		b.WriteByte(')')
	}

	if e.Err == nil {
		return
	}
	if err, ok := e.Err.(*Error); ok {
		pad(b, Separator)
		b.WriteString(err.Error())
	} else {
		pad(b, ": ")
		b.WriteString(e.Err.Error())
	}
}

// Temporary tells whether this error is temporary.
func (e *Error) Temporary() bool {
	return e.Severity <= Temporary
}

// Unwrap returns e's cause, if any, so that the standard library's
// errors.Is and errors.As can traverse the chain.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is tells whether an error has a specified kind, except for the
// indeterminate kind Other. In the case an error has kind Other, the
// chain is traversed until a non-Other error is encountered.
func Is(kind Kind, err error) bool {
	if err == nil {
		return false
	}
	return is(kind, Recover(err))
}

func is(kind Kind, e *Error) bool {
	if e.Kind != Other {
		return e.Kind == kind
	}
	if e.Err != nil {
		if e2, ok := e.Err.(*Error); ok {
			return is(kind, e2)
		}
	}
	return false
}

// KindOf returns the first non-Other kind in err's chain, or Other.
func KindOf(err error) Kind {
	for e := Recover(err); e != nil; {
		if e.Kind != Other {
			return e.Kind
		}
		next, ok := e.Err.(*Error)
		if !ok {
			break
		}
		e = next
	}
	return Other
}

// IsTemporary tells whether the provided error is likely temporary.
func IsTemporary(err error) bool {
	return Recover(err).Temporary()
}

// Match tells whether every nonempty field in err1
// matches the corresponding fields in err2. The comparison
// recurses on chained errors. Match is designed to aid in
// testing errors.
func Match(err1, err2 error) bool {
	var (
		e1 = Recover(err1)
		e2 = Recover(err2)
	)
	if e1.Kind != Other && e1.Kind != e2.Kind {
		return false
	}
	if e1.Severity != Unknown && e1.Severity != e2.Severity {
		return false
	}
	if e1.Message != "" && e1.Message != e2.Message {
		return false
	}
	if e1.Err != nil {
		if e2.Err == nil {
			return false
		}
		switch e1.Err.(type) {
		case *Error:
			return Match(e1.Err, e2.Err)
		default:
			return e1.Err.Error() == e2.Err.Error()
		}
	}
	return true
}

// Visit calls the given function for every error object in the chain, including
// itself.  Recursion stops after the function finds an error object of type
// other than *Error.
func Visit(err error, callback func(err error)) {
	callback(err)
	for {
		next, ok := err.(*Error)
		if !ok {
			break
		}
		err = next.Err
		if err == nil {
			break
		}
		callback(err)
	}
}

// New is synonymous with errors.New, and is provided here so that
// users need only import one errors package.
func New(msg string) error {
	return errors.New(msg)
}

func pad(b *bytes.Buffer, s string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(s)
}
