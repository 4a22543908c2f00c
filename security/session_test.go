package security

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner("test-seed", 0)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s
}

func TestSignerRoundTrip(t *testing.T) {
	s := newTestSigner(t)

	token, err := s.Issue("reader@example.com", "192.0.2.1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	email, err := s.Verify(token, "192.0.2.1")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if email != "reader@example.com" {
		t.Errorf("email = %q", email)
	}
}

func TestSignerIPBinding(t *testing.T) {
	s := newTestSigner(t)
	bound, _ := s.Issue("reader@example.com", "192.0.2.1")
	unbound, _ := s.Issue("reader@example.com", "")

	tests := []struct {
		name     string
		token    string
		clientIP string
		wantErr  error
	}{
		{"matching ip", bound, "192.0.2.1", nil},
		{"mismatched ip", bound, "203.0.113.9", ErrSessionIPMismatch},
		{"unbound token any ip", unbound, "203.0.113.9", nil},
		{"bound token unknown caller ip", bound, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Verify(tt.token, tt.clientIP)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSignerExpiry(t *testing.T) {
	s := newTestSigner(t)

	issued := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return issued })
	token, _ := s.Issue("reader@example.com", "")

	s.SetClock(func() time.Time { return issued.Add(6 * 24 * time.Hour) })
	if _, err := s.Verify(token, ""); err != nil {
		t.Errorf("token rejected before expiry: %v", err)
	}

	s.SetClock(func() time.Time { return issued.Add(8 * 24 * time.Hour) })
	if _, err := s.Verify(token, ""); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("got %v, want ErrSessionExpired", err)
	}
}

func TestSignerRejectsTampering(t *testing.T) {
	s := newTestSigner(t)
	token, _ := s.Issue("reader@example.com", "")
	dot := strings.LastIndexByte(token, '.')

	forged, err := json.Marshal(sessionPayload{Email: "admin@example.com", IssuedAt: time.Now().Unix()})
	if err != nil {
		t.Fatal(err)
	}
	forgedBody := base64.RawURLEncoding.EncodeToString(forged)

	other := newTestSigner(t)
	other.key = append([]byte(nil), other.key...)
	other.key[0] ^= 0x01

	tests := []struct {
		name  string
		token string
	}{
		{"swapped payload", forgedBody + token[dot:]},
		{"truncated mac", token[:len(token)-2]},
		{"missing separator", strings.ReplaceAll(token, ".", "")},
		{"empty", ""},
		{"mac only", token[dot:]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Verify(tt.token, ""); !errors.Is(err, ErrSessionInvalid) {
				t.Errorf("got %v, want ErrSessionInvalid", err)
			}
		})
	}

	t.Run("wrong key", func(t *testing.T) {
		foreign, _ := other.Issue("reader@example.com", "")
		if _, err := s.Verify(foreign, ""); !errors.Is(err, ErrSessionInvalid) {
			t.Errorf("got %v, want ErrSessionInvalid", err)
		}
	})
}

func TestSignerLegacyPayload(t *testing.T) {
	s := newTestSigner(t)

	// Older deployments signed a bare JSON string holding only the email.
	body, _ := json.Marshal("reader@example.com")
	encoded := base64.RawURLEncoding.EncodeToString(body)
	token := encoded + "." + s.sign(encoded)

	email, err := s.Verify(token, "203.0.113.9")
	if err != nil {
		t.Fatalf("Verify legacy: %v", err)
	}
	if email != "reader@example.com" {
		t.Errorf("email = %q", email)
	}
}

func TestSignerRequiresEmail(t *testing.T) {
	s := newTestSigner(t)
	if _, err := s.Issue("", "192.0.2.1"); err == nil {
		t.Error("expected error for empty email")
	}
}

func TestNewSignerDefaults(t *testing.T) {
	if _, err := NewSigner("", time.Hour); err == nil {
		t.Error("expected error for empty seed")
	}
	s, err := NewSigner("test-seed", 0)
	if err != nil {
		t.Fatal(err)
	}
	if s.TTL() != DefaultSessionTTL {
		t.Errorf("TTL = %v, want %v", s.TTL(), DefaultSessionTTL)
	}
}
