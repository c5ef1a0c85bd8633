// Package crypto seals session artifacts at rest.
package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters for deriving the master key from the deployment passphrase.
const (
	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
	keyLen              = 32
)

// magic prefixes sealed blobs; data without it is treated as plaintext.
var magic = []byte("TGCS1")

// ErrCorrupt indicates a sealed blob failed authentication or is truncated.
var ErrCorrupt = errors.New("sealed blob corrupt")

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// Sealer encrypts artifacts with a per-blob key derived from one master key.
// A nil Sealer passes data through unchanged.
type Sealer struct {
	master []byte
}

// NewSealer derives the master key from passphrase and salt using Argon2id.
func NewSealer(passphrase, salt []byte) (*Sealer, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("crypto: empty passphrase")
	}
	if len(salt) < 8 {
		return nil, errors.New("crypto: salt must be at least 8 bytes")
	}
	return &Sealer{master: argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, keyLen)}, nil
}

// blobKey derives a per-blob key via HKDF-SHA256 using name as info.
func (s *Sealer) blobKey(name string) ([]byte, error) {
	r := hkdf.New(sha256.New, s.master, nil, []byte(name))
	key := make([]byte, keyLen)
	_, err := io.ReadFull(r, key)
	return key, err
}

// Seal encrypts plaintext bound to name: magic || nonce || ciphertext.
func (s *Sealer) Seal(name string, plaintext []byte) ([]byte, error) {
	if s == nil {
		return plaintext, nil
	}
	key, err := s.blobKey(name)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(magic)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, magic...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, []byte(name)), nil
}

// Open decrypts a blob produced by Seal for the same name.
// Blobs without the magic prefix are returned as is, so unsealed legacy artifacts still load.
func (s *Sealer) Open(name string, blob []byte) ([]byte, error) {
	if s == nil || !bytes.HasPrefix(blob, magic) {
		return blob, nil
	}
	body := blob[len(magic):]
	if len(body) < chacha20poly1305.NonceSizeX {
		return nil, ErrCorrupt
	}
	key, err := s.blobKey(name)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce, ct := body[:chacha20poly1305.NonceSizeX], body[chacha20poly1305.NonceSizeX:]
	pt, err := aead.Open(nil, nonce, ct, []byte(name))
	if err != nil {
		return nil, ErrCorrupt
	}
	return pt, nil
}
