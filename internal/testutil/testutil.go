// Package testutil provides testing helpers shared across packages.
package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"time"
)

// MockTime provides a controllable time source for deterministic testing.
type MockTime struct {
	now time.Time
}

// NewMockTime creates a new mock time provider.
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time.
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by the given duration.
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value.
func (m *MockTime) Set(t time.Time) {
	m.now = t
}

// GenerateRandomString produces a URL-safe random string of the given
// length, suitable for test codes, verifiers, and states.
func GenerateRandomString(length int) string {
	buf := make([]byte, (length*3+3)/4+3)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	s := base64.RawURLEncoding.EncodeToString(buf)
	return s[:length]
}

// PKCEPair returns a verifier and its S256 challenge.
func PKCEPair() (verifier, challenge string) {
	verifier = GenerateRandomString(43)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge
}
