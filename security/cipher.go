// Package security provides the security primitives for the lending
// backend: at-rest email encryption, one-way email hashing, signed session
// tokens, per-identifier rate limiting, and audit logging.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// cipherVersionPrefix tags the current ciphertext format so the payload
	// layout can evolve without breaking stored rows.
	cipherVersionPrefix = "v1:"

	// keyIterations is the PBKDF2 iteration count. Derivation is deliberately
	// expensive, so the derived key is computed once and cached in the Cipher.
	keyIterations = 100_000

	keySize   = 32 // AES-256
	nonceSize = 12 // standard GCM nonce
	tagSize   = 16 // GCM authentication tag
)

// keySalt is a fixed application salt for key derivation. The server seed is
// the secret; the salt only domain-separates this key from other uses of the
// same seed.
var keySalt = []byte("lenny-email-cipher")

// ErrDecryptionFailed indicates a tampered, truncated, or mis-keyed
// ciphertext. Decryption never partially succeeds.
var ErrDecryptionFailed = errors.New("decryption failed")

// Cipher encrypts patron email addresses for at-rest storage and produces
// one-way hashes of emails for loan indexing.
//
// The dual scheme is intentional: OAuth flows need the plaintext email back
// (to embed in the JWT subject), loan lookups never do.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 256-bit AES key from the server seed via
// PBKDF2-HMAC-SHA256 and returns a ready-to-use cipher. The derivation runs
// once here; callers should construct a single Cipher at startup and pass it
// by reference.
func NewCipher(seed string) (*Cipher, error) {
	if seed == "" {
		return nil, fmt.Errorf("cipher seed is required")
	}

	key := pbkdf2.Key([]byte(seed), keySalt, keyIterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt encrypts plaintext with AES-256-GCM under a fresh random nonce.
// The output is "v1:" + base64url(nonce || tag || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	// Seal appends the tag after the ciphertext; the storage layout is
	// nonce || tag || ciphertext, so split and reorder.
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	payload := make([]byte, 0, nonceSize+len(sealed))
	payload = append(payload, nonce...)
	payload = append(payload, tag...)
	payload = append(payload, ct...)

	return cipherVersionPrefix + base64.RawURLEncoding.EncodeToString(payload), nil
}

// Decrypt reverses Encrypt. It accepts either the versioned "v1:" format or
// an unprefixed legacy payload with the same layout. Any tamper or wrong key
// yields ErrDecryptionFailed.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	encoded = strings.TrimPrefix(encoded, cipherVersionPrefix)

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid encoding", ErrDecryptionFailed)
	}
	if len(payload) < nonceSize+tagSize {
		return "", fmt.Errorf("%w: payload too short", ErrDecryptionFailed)
	}

	nonce := payload[:nonceSize]
	tag := payload[nonceSize : nonceSize+tagSize]
	ct := payload[nonceSize+tagSize:]

	// Open expects ciphertext || tag.
	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// HashEmail returns the one-way hash used for loan indexing: the email is
// lower-cased and trimmed, then SHA-256 hex-digested. Reversibility is never
// required for loans, so no key is involved.
func HashEmail(email string) string {
	normalized := strings.ToLower(strings.TrimSpace(email))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
