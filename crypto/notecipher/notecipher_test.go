// Copyright 2017 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package notecipher_test

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/notecrypt/compress"
	"github.com/grailbio/notecrypt/crypto/envelope"
	"github.com/grailbio/notecrypt/crypto/kdf"
	"github.com/grailbio/notecrypt/crypto/keywrap"
	"github.com/grailbio/notecrypt/crypto/notecipher"
	"github.com/grailbio/notecrypt/crypto/primitive"
	"github.com/grailbio/notecrypt/errors"
	"github.com/grailbio/notecrypt/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Error returned for every failure to open a note.
const decryptError = "unable to decrypt note: decryption failed (fatal)"

var salt = []byte("0123456789abcdef")

func derive(t *testing.T, password string) *primitive.Key {
	t.Helper()
	m, err := kdf.DeriveKey(kdf.Params{Password: password, Salt: salt, Iterations: 1, Memory: 1024, Parallelism: 1})
	require.NoError(t, err)
	return m.Key
}

func seal(t *testing.T, c *notecipher.Cipher, n notecipher.Note, master *primitive.Key) *envelope.Envelope {
	t.Helper()
	e, err := c.EncryptNote(n, master)
	require.NoError(t, err)
	return e
}

func TestRoundTrip(t *testing.T) {
	master := derive(t, "correct horse battery")
	c := notecipher.New()
	for _, n := range []notecipher.Note{
		{Title: "Hello", Content: "World"},
		{},
		{Title: "日本語のタイトル", Content: "emoji 🔐🗝️ and accents éàü"},
		{Title: `"quoted" \ back`, Content: "line\nbreak\ttab\x00nul"},
		{Title: "Large", Content: strings.Repeat("A", 100000)},
	} {
		e := seal(t, c, n, master)
		assert.Equal(t, 1, e.Version)
		assert.Equal(t, "AES-GCM", e.Algorithm)
		assert.Equal(t, "gzip", e.Compression)
		assert.Equal(t, "AES-GCM", e.WrappedDEK.Algorithm)
		iv, err := primitive.FromBase64(e.IV)
		require.NoError(t, err)
		assert.Len(t, iv, primitive.IVSize)

		got, err := c.DecryptNote(e, master)
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}

func TestPackageFunctions(t *testing.T) {
	master := derive(t, "correct horse battery")
	n := notecipher.Note{Title: "t", Content: "c"}
	e, err := notecipher.EncryptNote(n, master)
	require.NoError(t, err)
	got, err := notecipher.DecryptNote(e, master)
	require.NoError(t, err)
	assert.Equal(t, n, got)
}

func TestCompressed(t *testing.T) {
	master := derive(t, "correct horse battery")
	e := seal(t, notecipher.New(), notecipher.Note{Title: "Large", Content: strings.Repeat("A", 100000)}, master)
	data, err := primitive.FromBase64(e.EncryptedData)
	require.NoError(t, err)
	assert.Less(t, len(data), 2000)
}

func TestRederive(t *testing.T) {
	m1, err := kdf.DeriveKey(kdf.Params{Password: "correct horse battery", Iterations: 1, Memory: 1024, Parallelism: 1})
	require.NoError(t, err)
	n := notecipher.Note{Title: "t", Content: "c"}
	e := seal(t, notecipher.New(), n, m1.Key)

	p := m1.Params()
	p.Password = "correct horse battery"
	m2, err := kdf.DeriveKey(p)
	require.NoError(t, err)
	got, err := notecipher.DecryptNote(e, m2.Key)
	require.NoError(t, err)
	assert.Equal(t, n, got)
}

func TestWrongKey(t *testing.T) {
	e := seal(t, notecipher.New(), notecipher.Note{Title: "t", Content: "c"}, derive(t, "correct horse battery"))
	for _, master := range []*primitive.Key{
		derive(t, "incorrect horse battery"),
		nil,
	} {
		_, err := notecipher.DecryptNote(e, master)
		require.Error(t, err)
		assert.True(t, errors.Is(errors.DecryptionFailed, err))
		assert.Equal(t, decryptError, err.Error())
	}
	// A key that may not unwrap fails the same way.
	k, err := primitive.GenerateKey(primitive.UsageEncrypt)
	require.NoError(t, err)
	_, err = notecipher.DecryptNote(e, k)
	assert.Equal(t, decryptError, err.Error())
}

func flip(t *testing.T, s string, i int) string {
	t.Helper()
	b, err := primitive.FromBase64(s)
	require.NoError(t, err)
	b[i] ^= 0x01
	return primitive.ToBase64(b)
}

func decodedLen(t *testing.T, s string) int {
	t.Helper()
	b, err := primitive.FromBase64(s)
	require.NoError(t, err)
	return len(b)
}

func TestTamper(t *testing.T) {
	master := derive(t, "correct horse battery")
	c := notecipher.New()
	orig := seal(t, c, notecipher.Note{Title: "Hello", Content: "World"}, master)

	fields := []struct {
		name string
		get  func(*envelope.Envelope) *string
	}{
		{"encrypted_data", func(e *envelope.Envelope) *string { return &e.EncryptedData }},
		{"iv", func(e *envelope.Envelope) *string { return &e.IV }},
		{"wrapped_dek.encrypted_key", func(e *envelope.Envelope) *string { return &e.WrappedDEK.EncryptedKey }},
		{"wrapped_dek.iv", func(e *envelope.Envelope) *string { return &e.WrappedDEK.IV }},
	}
	for _, field := range fields {
		n := decodedLen(t, *field.get(orig))
		for i := 0; i < n; i++ {
			e := clone(orig)
			p := field.get(e)
			*p = flip(t, *p, i)
			_, err := c.DecryptNote(e, master)
			if err == nil {
				t.Fatalf("%s: byte %d: tampered envelope decrypted", field.name, i)
			}
			if got := err.Error(); got != decryptError {
				t.Errorf("%s: byte %d: got %q, want %q", field.name, i, got, decryptError)
			}
		}
	}
	got, err := c.DecryptNote(orig, master)
	require.NoError(t, err)
	assert.Equal(t, "World", got.Content)
}

func clone(e *envelope.Envelope) *envelope.Envelope {
	c := *e
	w := *e.WrappedDEK
	c.WrappedDEK = &w
	return &c
}

func TestStructuralDamage(t *testing.T) {
	master := derive(t, "correct horse battery")
	orig := seal(t, notecipher.New(), notecipher.Note{Title: "Hello", Content: "World"}, master)
	for _, mutate := range []func(*envelope.Envelope){
		func(e *envelope.Envelope) { e.IV = "not base64!" },
		func(e *envelope.Envelope) { e.IV = primitive.ToBase64(make([]byte, 16)) },
		func(e *envelope.Envelope) { e.EncryptedData = "%%%%" },
		func(e *envelope.Envelope) { e.EncryptedData = e.EncryptedData[:8] },
		func(e *envelope.Envelope) { e.EncryptedData = "" },
		func(e *envelope.Envelope) { e.WrappedDEK.Algorithm = "AES-CBC" },
		func(e *envelope.Envelope) { e.WrappedDEK.IV = "" },
		func(e *envelope.Envelope) { e.WrappedDEK = nil },
	} {
		e := clone(orig)
		mutate(e)
		_, err := notecipher.DecryptNote(e, master)
		require.Error(t, err)
		assert.Equal(t, decryptError, err.Error())
	}
}

// sealRaw builds a well-formed envelope around arbitrary compressed
// plaintext.
func sealRaw(t *testing.T, data []byte, master *primitive.Key) *envelope.Envelope {
	t.Helper()
	dek, err := keywrap.GenerateDEK()
	require.NoError(t, err)
	iv, ct, err := dek.Seal(data)
	require.NoError(t, err)
	w, err := keywrap.WrapDEK(dek, master)
	require.NoError(t, err)
	return &envelope.Envelope{
		Version:       envelope.Version,
		Algorithm:     envelope.Algorithm,
		Compression:   envelope.Compression,
		IV:            primitive.ToBase64(iv),
		EncryptedData: primitive.ToBase64(ct),
		WrappedDEK:    w,
	}
}

func TestMalformedNote(t *testing.T) {
	master := derive(t, "correct horse battery")
	gz := func(s string) []byte {
		b, err := compress.Gzip([]byte(s))
		require.NoError(t, err)
		return b
	}
	for _, data := range [][]byte{
		[]byte(`{"title":"t","content":"c"}`),
		gz(`not json`),
		gz(`{"title":"t"}`),
		gz(`{"content":"c"}`),
		gz(`{"title":null,"content":"c"}`),
		gz(`{"title":1,"content":"c"}`),
		gz(`{"title":"t","content":["c"]}`),
		gz(`["t","c"]`),
	} {
		_, err := notecipher.DecryptNote(sealRaw(t, data, master), master)
		require.Error(t, err, "%q", data)
		assert.Equal(t, decryptError, err.Error())
	}
	// Extra fields are ignored.
	got, err := notecipher.DecryptNote(sealRaw(t, gz(`{"title":"t","content":"c","pinned":true}`), master), master)
	require.NoError(t, err)
	assert.Equal(t, notecipher.Note{Title: "t", Content: "c"}, got)
}

func TestFormatGate(t *testing.T) {
	master := derive(t, "correct horse battery")
	orig := seal(t, notecipher.New(), notecipher.Note{Title: "Hello", Content: "World"}, master)
	for _, test := range []struct {
		mutate func(*envelope.Envelope)
		kind   errors.Kind
	}{
		{func(e *envelope.Envelope) { e.Version = 2 }, errors.UnsupportedVersion},
		{func(e *envelope.Envelope) { e.Version = 0 }, errors.UnsupportedVersion},
		{func(e *envelope.Envelope) { e.Algorithm = "ChaCha20-Poly1305" }, errors.UnsupportedAlgorithm},
		{func(e *envelope.Envelope) { e.Compression = "zstd" }, errors.UnsupportedCompression},
		// Version is checked first.
		{func(e *envelope.Envelope) { e.Version = 2; e.Algorithm = "x"; e.Compression = "y" }, errors.UnsupportedVersion},
		{func(e *envelope.Envelope) { e.Algorithm = "x"; e.Compression = "y" }, errors.UnsupportedAlgorithm},
	} {
		e := clone(orig)
		test.mutate(e)
		_, err := notecipher.DecryptNote(e, master)
		require.Error(t, err)
		assert.Equal(t, test.kind, errors.KindOf(err), "%v", err)
		assert.Equal(t, notecipher.MessageUnsupported, notecipher.UserMessage(err))
	}
	_, err := notecipher.DecryptNote(nil, master)
	assert.True(t, errors.Is(errors.Invalid, err))
}

func TestString(t *testing.T) {
	master := derive(t, "correct horse battery")
	c := notecipher.New()
	n := notecipher.Note{Title: "Hello", Content: "World"}
	s, err := c.EncryptString(n, master)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(s), &fields))
	for _, name := range []string{"version", "algorithm", "compression", "iv", "encrypted_data", "wrapped_dek"} {
		assert.Contains(t, fields, name)
	}
	assert.NotContains(t, s, "Hello")
	assert.NotContains(t, s, "World")

	got, err := c.DecryptString(s, master)
	require.NoError(t, err)
	assert.Equal(t, n, got)

	// Reserializing a parsed envelope is lossless.
	e, err := envelope.Parse(s)
	require.NoError(t, err)
	s2, err := envelope.Serialize(e)
	require.NoError(t, err)
	assert.Equal(t, s, s2)

	_, err = c.DecryptString("{", master)
	assert.True(t, errors.Is(errors.MalformedPayload, err))
	_, err = c.DecryptString(`{"version":1}`, master)
	assert.True(t, errors.Is(errors.IncompleteEnvelope, err))
}

func TestFreshness(t *testing.T) {
	master := derive(t, "correct horse battery")
	c := notecipher.New()
	n := notecipher.Note{Title: "same", Content: "same"}
	const N = 500
	seen := make(map[string]bool)
	for i := 0; i < N; i++ {
		e := seal(t, c, n, master)
		for _, v := range []string{e.IV, e.WrappedDEK.IV, e.EncryptedData, e.WrappedDEK.EncryptedKey} {
			if seen[v] {
				t.Fatalf("encryption %d: value %s repeated", i, v)
			}
			seen[v] = true
		}
	}
	assert.Len(t, seen, 4*N)
}

func TestFuzzRoundTrip(t *testing.T) {
	master := derive(t, "correct horse battery")
	c := notecipher.New()
	fz := fuzz.New().NilChance(0)
	for i := 0; i < 200; i++ {
		var n notecipher.Note
		fz.Fuzz(&n)
		s, err := c.EncryptString(n, master)
		require.NoError(t, err)
		got, err := c.DecryptString(s, master)
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}

func TestInvalidUTF8(t *testing.T) {
	master := derive(t, "correct horse battery")
	e, err := notecipher.EncryptNote(notecipher.Note{Title: "\xff\xfe", Content: "c"}, master)
	assert.Nil(t, e)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.EncryptionFailed, err))
}

func TestEncryptWithoutWrapKey(t *testing.T) {
	k, err := primitive.GenerateKey(primitive.UsageEncrypt)
	require.NoError(t, err)
	for _, master := range []*primitive.Key{k, nil} {
		e, err := notecipher.EncryptNote(notecipher.Note{Title: "t", Content: "c"}, master)
		assert.Nil(t, e)
		assert.True(t, errors.Is(errors.EncryptionFailed, err))
		assert.Equal(t, notecipher.MessageEncryptionFailed, notecipher.UserMessage(err))
	}
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) { return 0, fmt.Errorf("no entropy") }

func TestEntropyUnavailable(t *testing.T) {
	master := derive(t, "correct horse battery")
	old := primitive.SetRandSource(failingReader{})
	defer primitive.SetRandSource(old)

	e, err := notecipher.EncryptNote(notecipher.Note{Title: "t", Content: "c"}, master)
	assert.Nil(t, e)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.EncryptionFailed, err))
	assert.True(t, errors.IsTemporary(err))
	assert.Equal(t, notecipher.MessageEntropyUnavailable, notecipher.UserMessage(err))
}

// emptyNoteSize is the encoded size of a note with empty fields.
const emptyNoteSize = len(`{"title":"","content":""}`)

func TestMaxPlaintextSize(t *testing.T) {
	master := derive(t, "correct horse battery")
	const limit = 64 << 10
	small := notecipher.New(notecipher.MaxPlaintextSize(limit))

	// A note that encodes to exactly the limit round-trips.
	fits := notecipher.Note{Content: strings.Repeat("A", limit-emptyNoteSize)}
	got, err := small.DecryptNote(seal(t, small, fits, master), master)
	require.NoError(t, err)
	assert.Equal(t, fits, got)

	// One byte more is refused before anything is sealed.
	over := notecipher.Note{Content: strings.Repeat("A", limit-emptyNoteSize+1)}
	e, err := small.EncryptNote(over, master)
	assert.Nil(t, e)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.EncryptionFailed, err))
	assert.Contains(t, err.Error(), "limit is 65536")
	assert.Equal(t, notecipher.MessageEncryptionFailed, notecipher.UserMessage(err))

	// Envelopes sealed elsewhere are still bounded on decrypt.
	e = seal(t, notecipher.New(), over, master)
	_, err = small.DecryptNote(e, master)
	require.Error(t, err)
	assert.Equal(t, decryptError, err.Error())

	got, err = notecipher.New(notecipher.MaxPlaintextSize(0)).DecryptNote(e, master)
	require.NoError(t, err)
	assert.Equal(t, over, got)
}

func TestDefaultMaxPlaintextSize(t *testing.T) {
	if testing.Short() {
		t.Skip("encodes a note larger than the default limit")
	}
	master := derive(t, "correct horse battery")
	n := notecipher.Note{Content: strings.Repeat("A", notecipher.DefaultMaxPlaintextSize)}
	e, err := notecipher.EncryptNote(n, master)
	assert.Nil(t, e)
	assert.True(t, errors.Is(errors.EncryptionFailed, err))
}

type debugOutputter struct{ messages []string }

func (o *debugOutputter) Level() log.Level { return log.Debug }

func (o *debugOutputter) Output(calldepth int, level log.Level, s string) error {
	o.messages = append(o.messages, s)
	return nil
}

func TestCauseLogged(t *testing.T) {
	master := derive(t, "correct horse battery")
	e := seal(t, notecipher.New(), notecipher.Note{Title: "t", Content: "c"}, master)
	e.IV = primitive.ToBase64(make([]byte, 16))

	out := new(debugOutputter)
	defer log.SetOutputter(log.SetOutputter(out))
	_, err := notecipher.DecryptNote(e, master)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "iv")
	require.NotEmpty(t, out.messages)
	assert.Contains(t, out.messages[len(out.messages)-1], "iv is 16 bytes, want 12")
}

func TestBatch(t *testing.T) {
	master := derive(t, "correct horse battery")
	c := notecipher.New(notecipher.Parallelism(4))
	notes := make([]notecipher.Note, 32)
	for i := range notes {
		notes[i] = notecipher.Note{Title: fmt.Sprint("note ", i), Content: strings.Repeat("x", i)}
	}
	envs, err := c.EncryptNotes(notes, master)
	require.NoError(t, err)
	require.Len(t, envs, len(notes))

	envs[7] = clone(envs[7])
	envs[7].EncryptedData = flip(t, envs[7].EncryptedData, 0)
	envs[9] = nil
	results := c.DecryptNotes(envs, master)
	require.Len(t, results, len(notes))
	for i, r := range results {
		switch i {
		case 7:
			assert.Equal(t, decryptError, r.Err.Error())
		case 9:
			assert.True(t, errors.Is(errors.Invalid, r.Err))
		default:
			require.NoError(t, r.Err, "note %d", i)
			assert.Equal(t, notes[i], r.Note)
		}
	}

	notes[3].Content = "\xff"
	envs, err = c.EncryptNotes(notes, master)
	assert.Nil(t, envs)
	require.Error(t, err)
	assert.True(t, errors.Is(errors.EncryptionFailed, err))
	assert.Contains(t, err.Error(), "note 3")

	envs, err = c.EncryptNotes(nil, master)
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestParallelismDefault(t *testing.T) {
	master := derive(t, "correct horse battery")
	for _, n := range []int{0, -1} {
		c := notecipher.New(notecipher.Parallelism(n))
		notes := []notecipher.Note{{Title: "a"}, {Title: "b"}, {Title: "c"}}
		envs, err := c.EncryptNotes(notes, master)
		require.NoError(t, err)
		for i, r := range c.DecryptNotes(envs, master) {
			require.NoError(t, r.Err)
			assert.Equal(t, notes[i], r.Note)
		}
	}
}

func TestConcurrent(t *testing.T) {
	master := derive(t, "correct horse battery")
	c := notecipher.New()
	var g errgroup.Group
	for i := 0; i < 16; i++ {
		i := i
		g.Go(func() error {
			for j := 0; j < 20; j++ {
				n := notecipher.Note{Title: fmt.Sprint(i), Content: fmt.Sprint(j)}
				e, err := c.EncryptNote(n, master)
				if err != nil {
					return err
				}
				got, err := c.DecryptNote(e, master)
				if err != nil {
					return err
				}
				if got != n {
					return fmt.Errorf("got %v, want %v", got, n)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}

func TestUserMessage(t *testing.T) {
	_, err := kdf.DeriveKey(kdf.Params{Password: ""})
	assert.Equal(t, notecipher.MessageWeakPassword, notecipher.UserMessage(err))
	_, err = kdf.DeriveKey(kdf.Params{Password: "short"})
	assert.Equal(t, notecipher.MessageWeakPassword, notecipher.UserMessage(err))

	for _, test := range []struct {
		err  error
		want string
	}{
		{nil, ""},
		{errors.E(errors.EncryptionFailed, errors.E(errors.EntropyUnavailable, "rng")), notecipher.MessageEntropyUnavailable},
		{errors.E(errors.DecryptionFailed, errors.Fatal, "unable to decrypt note"), notecipher.MessageDecryptionFailed},
		{errors.E(errors.UnwrapFailed), notecipher.MessageDecryptionFailed},
		{errors.E(errors.MalformedPayload, "x"), notecipher.MessageDecryptionFailed},
		{errors.E(errors.IncompleteEnvelope, "x"), notecipher.MessageDecryptionFailed},
		{errors.E("annotated", errors.E(errors.CorruptStream)), notecipher.MessageDecryptionFailed},
		{errors.E(errors.UnsupportedCompression), notecipher.MessageUnsupported},
		{errors.E(errors.DEKGenerationFailed), notecipher.MessageEncryptionFailed},
		{errors.New("boom"), notecipher.MessageUnknown},
	} {
		assert.Equal(t, test.want, notecipher.UserMessage(test.err), "%v", test.err)
	}
}
