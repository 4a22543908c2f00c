package security

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("test-seed")
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	tests := []string{
		"reader@example.com",
		"UPPER.case+tag@example.org",
		"",
		"unicode: héloïse@exämple.de",
	}
	for _, plaintext := range tests {
		encrypted, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plaintext, err)
		}
		if !strings.HasPrefix(encrypted, "v1:") {
			t.Errorf("ciphertext missing version prefix: %q", encrypted)
		}
		if strings.Contains(encrypted, plaintext) && plaintext != "" {
			t.Errorf("ciphertext leaks plaintext")
		}

		decrypted, err := c.Decrypt(encrypted)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if decrypted != plaintext {
			t.Errorf("round trip: got %q, want %q", decrypted, plaintext)
		}
	}
}

func TestCipherNonceUniqueness(t *testing.T) {
	c, _ := NewCipher("test-seed")
	a, _ := c.Encrypt("reader@example.com")
	b, _ := c.Encrypt("reader@example.com")
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical ciphertexts")
	}
}

func TestCipherLegacyUnprefixedPayload(t *testing.T) {
	c, _ := NewCipher("test-seed")
	encrypted, _ := c.Encrypt("reader@example.com")

	legacy := strings.TrimPrefix(encrypted, "v1:")
	decrypted, err := c.Decrypt(legacy)
	if err != nil {
		t.Fatalf("Decrypt legacy: %v", err)
	}
	if decrypted != "reader@example.com" {
		t.Errorf("got %q", decrypted)
	}
}

func TestCipherRejectsCorruption(t *testing.T) {
	c, _ := NewCipher("test-seed")
	encrypted, _ := c.Encrypt("reader@example.com")
	raw, _ := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(encrypted, "v1:"))

	flipByte := func(offset int) string {
		mutated := append([]byte(nil), raw...)
		mutated[offset] ^= 0x01
		return "v1:" + base64.RawURLEncoding.EncodeToString(mutated)
	}

	tests := []struct {
		name  string
		input string
	}{
		{"flipped nonce byte", flipByte(0)},
		{"flipped tag byte", flipByte(nonceSize)},
		{"flipped ciphertext byte", flipByte(nonceSize + tagSize)},
		{"truncated payload", "v1:" + base64.RawURLEncoding.EncodeToString(raw[:nonceSize+tagSize-1])},
		{"invalid base64", "v1:!!!!"},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.Decrypt(tt.input); !errors.Is(err, ErrDecryptionFailed) {
				t.Errorf("got %v, want ErrDecryptionFailed", err)
			}
		})
	}
}

func TestCipherWrongKey(t *testing.T) {
	a, _ := NewCipher("seed-a")
	b, _ := NewCipher("seed-b")

	encrypted, _ := a.Encrypt("reader@example.com")
	if _, err := b.Decrypt(encrypted); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("got %v, want ErrDecryptionFailed", err)
	}
}

func TestNewCipherRequiresSeed(t *testing.T) {
	if _, err := NewCipher(""); err == nil {
		t.Error("expected error for empty seed")
	}
}

func TestHashEmail(t *testing.T) {
	h := HashEmail("Reader@Example.com ")
	if h != HashEmail("reader@example.com") {
		t.Error("hash must normalize case and whitespace")
	}
	if len(h) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h))
	}
	if h == HashEmail("other@example.com") {
		t.Error("distinct emails collided")
	}
}
