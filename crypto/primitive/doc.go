// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package primitive provides the building blocks used by the note
// encryption packages: secure random bytes, base64 encoding, and an
// opaque AES-256-GCM key handle.
//
// Key material never leaves this package. A Key can seal and open
// data, and, depending on its usage mask, wrap or be wrapped by
// another Key; it cannot be exported, printed, or marshalled.
// Long-lived wrapping keys are kept in a dedicated locked page where
// the platform supports it so that they are not swapped to disk.
package primitive
