package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor logs security events with PII protection: patron emails are
// hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a security auditor. A nil logger falls back to
// slog.Default.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is a security audit event.
type Event struct {
	Type      string
	Email     string // hashed before logging
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}
	event.Timestamp = time.Now()
	a.logger.Info("security_audit",
		"event_type", event.Type,
		"email_hash", hashForLogging(event.Email),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogOTPIssued logs a one-time code being sent to a patron.
func (a *Auditor) LogOTPIssued(email, ip string) {
	a.LogEvent(Event{Type: "otp_issued", Email: email, IPAddress: ip})
}

// LogSessionEstablished logs a successful OTP redemption.
func (a *Auditor) LogSessionEstablished(email, ip string) {
	a.LogEvent(Event{Type: "session_established", Email: email, IPAddress: ip})
}

// LogCodeIssued logs an authorization code being minted.
func (a *Auditor) LogCodeIssued(email, clientID, scope string) {
	a.LogEvent(Event{
		Type:     "authorization_code_issued",
		Email:    email,
		ClientID: clientID,
		Details:  map[string]any{"scope": scope},
	})
}

// LogCodeExchanged logs a successful authorization-code exchange.
func (a *Auditor) LogCodeExchanged(email, clientID string) {
	a.LogEvent(Event{Type: "authorization_code_exchanged", Email: email, ClientID: clientID})
}

// LogTokenRefreshed logs a refresh-token rotation.
func (a *Auditor) LogTokenRefreshed(email, clientID string) {
	a.LogEvent(Event{
		Type:     "token_refreshed",
		Email:    email,
		ClientID: clientID,
		Details:  map[string]any{"rotated": true},
	})
}

// LogAuthFailure logs a failed authentication or grant attempt.
func (a *Auditor) LogAuthFailure(email, clientID, ip, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		Email:     email,
		ClientID:  clientID,
		IPAddress: ip,
		Details:   map[string]any{"reason": reason},
	})
}

// LogRateLimitExceeded logs an OTP limiter trip.
func (a *Auditor) LogRateLimitExceeded(email, ip, limiter string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		Email:     email,
		IPAddress: ip,
		Details:   map[string]any{"limiter": limiter},
	})
}

// LogLoanCreated logs a borrow.
func (a *Auditor) LogLoanCreated(emailHash string, itemID int64) {
	a.LogEvent(Event{
		Type:    "loan_created",
		Details: map[string]any{"item_id": itemID, "patron_hash": truncateHash(emailHash)},
	})
}

// LogLoanReturned logs a return.
func (a *Auditor) LogLoanReturned(emailHash string, itemID int64) {
	a.LogEvent(Event{
		Type:    "loan_returned",
		Details: map[string]any{"item_id": itemID, "patron_hash": truncateHash(emailHash)},
	})
}

// hashForLogging produces a stable, non-reversible identifier for log
// correlation without exposing the raw email.
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}

func truncateHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}
