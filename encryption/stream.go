// Package encryption implements the payload cipher used for message content,
// the anonymous key wrap used in envelope key maps and the generation of
// domain keys registered with the key custodian.
package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// Stream format: the plaintext is cut in 64 KiB chunks, each sealed with
// XChaCha20-Poly1305. Chunk nonce = 19-byte random prefix || BE uint32
// counter || last-chunk flag. The verification tag is BLAKE2b-256 over the
// whole ciphertext.
const (
	FormatStream    = "xchacha20poly1305-stream"
	SecretSize      = chacha20poly1305.KeySize
	chunkSize       = 64 * 1024
	noncePrefixSize = chacha20poly1305.NonceSizeX - 5
	sealedChunkSize = chunkSize + chacha20poly1305.Overhead
)

var (
	ErrInvalidCiphertext    = errors.New("invalid ciphertext format")
	ErrDecryptionFailed     = errors.New("decryption failed")
	ErrVerificationMismatch = errors.New("verification tag mismatch")
	ErrUnsupportedFormat    = errors.New("unsupported format")
	ErrFinalized            = errors.New("stream already finalized")
)

// Result describes a finished encryption.
type Result struct {
	Format       string
	Nonce        string
	Verification string
}

type stream struct {
	aead    cipher.AEAD
	prefix  []byte
	counter uint32
	buf     []byte
	digest  hash.Hash
	done    bool
}

func newStream(secret, prefix []byte) (*stream, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("%w: secret must be %d bytes", ErrInvalidCiphertext, SecretSize)
	}
	aead, err := chacha20poly1305.NewX(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}
	digest, err := blake2b.New256(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create digest: %w", err)
	}
	return &stream{aead: aead, prefix: prefix, digest: digest}, nil
}

func (s *stream) nonce(last bool) []byte {
	n := make([]byte, chacha20poly1305.NonceSizeX)
	copy(n, s.prefix)
	binary.BigEndian.PutUint32(n[noncePrefixSize:], s.counter)
	if last {
		n[len(n)-1] = 1
	}
	return n
}

// Encryptor seals a plaintext incrementally.
type Encryptor struct {
	s *stream
}

// NewEncryptor starts a stream under a fresh random nonce prefix.
func NewEncryptor(secret []byte) (*Encryptor, error) {
	prefix := make([]byte, noncePrefixSize)
	if _, err := rand.Read(prefix); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	s, err := newStream(secret, prefix)
	if err != nil {
		return nil, err
	}
	return &Encryptor{s: s}, nil
}

// Update buffers p and returns the ciphertext of every chunk completed so far.
func (e *Encryptor) Update(p []byte) ([]byte, error) {
	if e.s.done {
		return nil, ErrFinalized
	}
	e.s.buf = append(e.s.buf, p...)

	var out []byte
	// The last full chunk is held back so Finalize can flag it.
	for len(e.s.buf) > chunkSize {
		out = append(out, e.seal(e.s.buf[:chunkSize], false)...)
		e.s.buf = append(e.s.buf[:0:0], e.s.buf[chunkSize:]...)
	}
	return out, nil
}

// Finalize seals the remaining buffer as the last chunk.
func (e *Encryptor) Finalize() ([]byte, *Result, error) {
	if e.s.done {
		return nil, nil, ErrFinalized
	}
	out := e.seal(e.s.buf, true)
	Zero(e.s.buf)
	e.s.buf = nil
	e.s.done = true

	return out, &Result{
		Format:       FormatStream,
		Nonce:        base64.RawStdEncoding.EncodeToString(e.s.prefix),
		Verification: base64.RawStdEncoding.EncodeToString(e.s.digest.Sum(nil)),
	}, nil
}

func (e *Encryptor) seal(chunk []byte, last bool) []byte {
	ct := e.s.aead.Seal(nil, e.s.nonce(last), chunk, nil)
	e.s.counter++
	e.s.digest.Write(ct)
	return ct
}

// Decryptor opens a stream produced by Encryptor.
type Decryptor struct {
	s *stream
}

// NewDecryptor prepares to open a stream with the given base64 nonce prefix.
func NewDecryptor(secret []byte, nonce string) (*Decryptor, error) {
	prefix, err := base64.RawStdEncoding.DecodeString(nonce)
	if err != nil || len(prefix) != noncePrefixSize {
		return nil, fmt.Errorf("%w: bad nonce", ErrInvalidCiphertext)
	}
	s, err := newStream(secret, prefix)
	if err != nil {
		return nil, err
	}
	return &Decryptor{s: s}, nil
}

// Update buffers ciphertext and returns the plaintext of completed chunks.
func (d *Decryptor) Update(p []byte) ([]byte, error) {
	if d.s.done {
		return nil, ErrFinalized
	}
	d.s.buf = append(d.s.buf, p...)

	var out []byte
	for len(d.s.buf) > sealedChunkSize {
		pt, err := d.open(d.s.buf[:sealedChunkSize], false)
		if err != nil {
			return nil, err
		}
		out = append(out, pt...)
		d.s.buf = append(d.s.buf[:0:0], d.s.buf[sealedChunkSize:]...)
	}
	return out, nil
}

// Finalize opens the last chunk. When verification is not empty it must
// match the digest of the whole ciphertext.
func (d *Decryptor) Finalize(verification string) ([]byte, error) {
	if d.s.done {
		return nil, ErrFinalized
	}
	d.s.done = true
	if len(d.s.buf) < chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: truncated stream", ErrInvalidCiphertext)
	}
	pt, err := d.open(d.s.buf, true)
	d.s.buf = nil
	if err != nil {
		return nil, err
	}

	if verification != "" {
		want, err := base64.RawStdEncoding.DecodeString(verification)
		if err != nil {
			return nil, fmt.Errorf("%w: bad verification tag", ErrInvalidCiphertext)
		}
		if subtle.ConstantTimeCompare(want, d.s.digest.Sum(nil)) != 1 {
			Zero(pt)
			return nil, ErrVerificationMismatch
		}
	}
	return pt, nil
}

func (d *Decryptor) open(chunk []byte, last bool) ([]byte, error) {
	d.s.digest.Write(chunk)
	pt, err := d.s.aead.Open(nil, d.s.nonce(last), chunk, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	d.s.counter++
	return pt, nil
}

// Seal encrypts a complete plaintext.
func Seal(secret, plaintext []byte) ([]byte, *Result, error) {
	enc, err := NewEncryptor(secret)
	if err != nil {
		return nil, nil, err
	}
	head, err := enc.Update(plaintext)
	if err != nil {
		return nil, nil, err
	}
	tail, result, err := enc.Finalize()
	if err != nil {
		return nil, nil, err
	}
	return append(head, tail...), result, nil
}

// Open decrypts a complete ciphertext.
func Open(secret, ciphertext []byte, format, nonce, verification string) ([]byte, error) {
	if format != FormatStream {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	dec, err := NewDecryptor(secret, nonce)
	if err != nil {
		return nil, err
	}
	head, err := dec.Update(ciphertext)
	if err != nil {
		return nil, err
	}
	tail, err := dec.Finalize(verification)
	if err != nil {
		return nil, err
	}
	return append(head, tail...), nil
}

// Zero overwrites b.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
