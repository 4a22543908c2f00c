package security

import "time"

// DefaultClockSkewGracePeriod is the grace period applied to expiry checks.
// It prevents false expiration errors from NTP drift between the issuing
// and validating hosts; 5 seconds covers typical drift without meaningfully
// extending token lifetime.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpired checks expiry against now with the default clock skew grace
// period.
func IsExpired(expiresAt, now time.Time) bool {
	return IsExpiredWithGrace(expiresAt, now, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGrace checks expiry against now with a custom grace period.
// A zero expiresAt never expires. The caller supplies now so clocks stay
// injectable in tests.
func IsExpiredWithGrace(expiresAt, now time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(grace))
}
