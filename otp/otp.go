// Package otp implements one-time passcode issuance and verification for
// email-based patron login.
//
// Codes are self-contained: an HMAC over the email and a time bucket,
// truncated to six hex characters. Nothing is stored per code; any host
// holding the secret seed can verify a code issued by any other host.
package otp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lennyproject/lenny/instrumentation"
	"github.com/lennyproject/lenny/security"
)

const (
	// CodeLength is the number of hex characters in a passcode.
	CodeLength = 6

	// bucketSize is the time granularity of codes. A code is tied to the
	// bucket it was issued in.
	bucketSize = time.Minute

	// validBuckets is how many trailing buckets a code stays redeemable
	// for, giving roughly ten minutes to read the email and type it in.
	validBuckets = 10

	// otpKeyContext separates the passcode key from other keys derived
	// from the same seed.
	otpKeyContext = "lenny-otp:"
)

// ErrRateLimited is returned when issuance or verification attempts exceed
// the per-email limit. Callers must distinguish it from a wrong code; a
// throttled patron gets a retry-later response, not a login failure.
var ErrRateLimited = errors.New("too many attempts, try again later")

// Sender delivers a passcode to a patron. Implementations must treat
// delivery timeouts as failures; the passcode remains valid and the patron
// can request another.
type Sender interface {
	Send(ctx context.Context, email, code string) error
}

// Issuer generates, delivers, and verifies passcodes, and exchanges a
// verified passcode for a session token.
type Issuer struct {
	key    []byte
	sender Sender
	signer *security.Signer

	// issueLimiter throttles passcode emails, verifyLimiter throttles
	// redemption guesses. Both key on the lowercased email.
	issueLimiter  *security.RateLimiter
	verifyLimiter *security.RateLimiter

	auditor         *security.Auditor
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation

	now func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithIssueLimiter replaces the default issuance limiter (5 per 5 minutes
// per email).
func WithIssueLimiter(rl *security.RateLimiter) Option {
	return func(i *Issuer) { i.issueLimiter = rl }
}

// WithVerifyLimiter replaces the default verification limiter (5 per
// minute per email).
func WithVerifyLimiter(rl *security.RateLimiter) Option {
	return func(i *Issuer) { i.verifyLimiter = rl }
}

// WithAuditor attaches a security auditor.
func WithAuditor(a *security.Auditor) Option {
	return func(i *Issuer) { i.auditor = a }
}

// WithInstrumentation attaches OpenTelemetry instrumentation.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(i *Issuer) { i.instrumentation = inst }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer creates a passcode issuer. The seed must match the session
// signer's seed source so the whole login path shares one secret.
func NewIssuer(seed string, sender Sender, signer *security.Signer, logger *slog.Logger, opts ...Option) (*Issuer, error) {
	if seed == "" {
		return nil, fmt.Errorf("seed is required")
	}
	if sender == nil {
		return nil, fmt.Errorf("sender is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("session signer is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	key := sha256.Sum256([]byte(otpKeyContext + seed))
	i := &Issuer{
		key:    key[:],
		sender: sender,
		signer: signer,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.issueLimiter == nil {
		i.issueLimiter = security.NewRateLimiter(security.PerWindow(5, 5*time.Minute), 5, logger)
	}
	if i.verifyLimiter == nil {
		i.verifyLimiter = security.NewRateLimiter(security.PerWindow(5, time.Minute), 5, logger)
	}
	return i, nil
}

// Issue generates the current passcode for email and hands it to the
// sender. The clientIP is recorded in the audit trail only.
func (i *Issuer) Issue(ctx context.Context, email, clientIP string) error {
	email = normalizeEmail(email)
	if email == "" {
		return fmt.Errorf("email is required")
	}

	if !i.issueLimiter.Allow(email) {
		i.logger.Warn("passcode issuance throttled", "ip", clientIP)
		i.auditor.LogRateLimitExceeded(email, clientIP, "otp_issue")
		if i.instrumentation != nil {
			i.instrumentation.Metrics().RecordRateLimitExceeded(ctx, "otp_issue")
		}
		return ErrRateLimited
	}

	code := i.codeFor(email, i.currentBucket())
	if err := i.sender.Send(ctx, email, code); err != nil {
		return fmt.Errorf("send passcode: %w", err)
	}

	i.auditor.LogOTPIssued(email, clientIP)
	if i.instrumentation != nil {
		i.instrumentation.Metrics().RecordOTPIssued(ctx)
	}
	return nil
}

// Verify checks a passcode against the trailing bucket window. A false
// return means the code is wrong or stale; ErrRateLimited means the caller
// must back off before the code was even examined.
func (i *Issuer) Verify(ctx context.Context, email, code string) (bool, error) {
	email = normalizeEmail(email)
	if email == "" || code == "" {
		return false, nil
	}

	if !i.verifyLimiter.Allow(email) {
		i.auditor.LogRateLimitExceeded(email, "", "otp_verify")
		if i.instrumentation != nil {
			i.instrumentation.Metrics().RecordRateLimitExceeded(ctx, "otp_verify")
		}
		return false, ErrRateLimited
	}

	current := i.currentBucket()
	match := false
	// Check every bucket in the window; no early exit so timing does not
	// reveal which bucket matched.
	for b := int64(0); b < validBuckets; b++ {
		expected := i.codeFor(email, current-b)
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			match = true
		}
	}

	if i.instrumentation != nil {
		i.instrumentation.Metrics().RecordOTPVerified(ctx, match)
	}
	return match, nil
}

// Authenticate verifies a passcode and, on success, issues a session token
// bound to the client IP.
func (i *Issuer) Authenticate(ctx context.Context, email, code, clientIP string) (string, error) {
	ok, err := i.Verify(ctx, email, code)
	if err != nil {
		return "", err
	}
	if !ok {
		i.auditor.LogAuthFailure(normalizeEmail(email), "", clientIP, "invalid_otp")
		return "", fmt.Errorf("invalid passcode")
	}

	token, err := i.signer.Issue(normalizeEmail(email), clientIP)
	if err != nil {
		return "", fmt.Errorf("issue session: %w", err)
	}
	i.auditor.LogSessionEstablished(normalizeEmail(email), clientIP)
	return token, nil
}

func (i *Issuer) currentBucket() int64 {
	return i.now().Unix() / int64(bucketSize.Seconds())
}

// codeFor derives the passcode for an email and bucket.
func (i *Issuer) codeFor(email string, bucket int64) string {
	mac := hmac.New(sha256.New, i.key)
	mac.Write([]byte(email))
	mac.Write([]byte{0})
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(bucket))
	mac.Write(buf[:])
	return hex.EncodeToString(mac.Sum(nil))[:CodeLength]
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
