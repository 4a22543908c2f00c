package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultSessionTTL is how long a session token stays valid. Logout is a
// client-side cookie deletion; there is no server-side revocation list, so
// the TTL is the only bound on a stolen token's lifetime.
const DefaultSessionTTL = 7 * 24 * time.Hour

// Session verification errors.
var (
	ErrSessionInvalid    = errors.New("session token invalid")
	ErrSessionExpired    = errors.New("session token expired")
	ErrSessionIPMismatch = errors.New("session token IP mismatch")
)

// sessionPayload is the signed token body. IP is empty for legacy tokens
// that carried only an email.
type sessionPayload struct {
	Email    string `json:"email"`
	IP       string `json:"ip,omitempty"`
	IssuedAt int64  `json:"iat"`
}

// Signer produces and verifies stateless signed session tokens binding a
// patron email and, optionally, the client IP that authenticated.
type Signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewSigner derives a signing key from the server seed. A zero ttl selects
// DefaultSessionTTL.
func NewSigner(seed string, ttl time.Duration) (*Signer, error) {
	if seed == "" {
		return nil, fmt.Errorf("signer seed is required")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	// Domain-separate the session key from other uses of the seed.
	key := sha256.Sum256([]byte("lenny-session:" + seed))
	return &Signer{key: key[:], ttl: ttl, now: time.Now}, nil
}

// SetClock overrides the signer's clock. Intended for tests.
func (s *Signer) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// TTL reports the configured session lifetime.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// Issue creates a signed session token for the given email, bound to the
// client IP that requested it. An empty ip produces an unbound token.
func (s *Signer) Issue(email, ip string) (string, error) {
	if email == "" {
		return "", fmt.Errorf("email is required")
	}
	body, err := json.Marshal(sessionPayload{
		Email:    email,
		IP:       ip,
		IssuedAt: s.now().Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("encode session payload: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(body)
	return encoded + "." + s.sign(encoded), nil
}

// Verify checks the token signature and age, and, when the caller supplies
// a client IP and the token carries one, that the IPs match. This mitigates
// session-cookie theft across networks.
//
// Legacy tokens whose payload is a bare email string verify without IP
// binding or an age check: they carry no issue timestamp, so the TTL cannot
// apply. Issue never produces this format, so accepting it only grandfathers
// cookies minted before the structured payload existed.
func (s *Signer) Verify(token, clientIP string) (string, error) {
	dot := strings.LastIndexByte(token, '.')
	if dot <= 0 || dot == len(token)-1 {
		return "", ErrSessionInvalid
	}
	encoded, mac := token[:dot], token[dot+1:]

	if subtle.ConstantTimeCompare([]byte(mac), []byte(s.sign(encoded))) != 1 {
		return "", ErrSessionInvalid
	}

	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrSessionInvalid
	}

	var payload sessionPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		// Legacy format: the payload is a JSON string holding only the email.
		var legacyEmail string
		if err := json.Unmarshal(body, &legacyEmail); err != nil || legacyEmail == "" {
			return "", ErrSessionInvalid
		}
		return legacyEmail, nil
	}
	if payload.Email == "" {
		return "", ErrSessionInvalid
	}

	if s.now().Sub(time.Unix(payload.IssuedAt, 0)) > s.ttl {
		return "", ErrSessionExpired
	}

	if clientIP != "" && payload.IP != "" && clientIP != payload.IP {
		return "", ErrSessionIPMismatch
	}

	return payload.Email, nil
}

func (s *Signer) sign(encoded string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
