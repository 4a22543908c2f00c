package server

import (
	"log/slog"
)

// Config holds authorization server configuration.
type Config struct {
	// Issuer is the value placed in the iss claim of access tokens.
	Issuer string // default: "lenny-auth-server"

	// Audience is the value placed in the aud claim of access tokens.
	Audience string // default: "lenny-api"

	// DefaultScope is granted when a client requests no scope.
	DefaultScope string // default: "openid"

	// AuthorizationCodeTTL is how long authorization codes are valid.
	AuthorizationCodeTTL int64 // seconds, default: 300 (5 minutes)

	// AccessTokenTTL is how long access tokens are valid.
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid.
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// ClockSkewGracePeriod is the grace period for expiry checks (in
	// seconds). Prevents false expiration errors from clock drift.
	ClockSkewGracePeriod int64 // seconds, default: 5

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of the
	// server, used with TrustProxy to pick the right X-Forwarded-For hop.
	TrustedProxyCount int // default: 1

	// CleanupInterval is how often expired codes and refresh tokens are
	// swept from storage.
	CleanupInterval int64 // seconds, default: 60
}

// applySecureDefaults fills zero values with secure defaults and warns
// about settings that weaken the deployment.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.Issuer == "" {
		config.Issuer = "lenny-auth-server"
	}
	if config.Audience == "" {
		config.Audience = "lenny-api"
	}
	if config.DefaultScope == "" {
		config.DefaultScope = "openid"
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 300 // 5 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 2592000 // 30 days
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = 60
	}

	if config.TrustProxy {
		logger.Warn("proxy headers are trusted for client IP extraction",
			"trusted_proxy_count", config.TrustedProxyCount)
	}

	return config
}
