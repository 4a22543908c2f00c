// Package server implements the authorization server core: client
// validation, the authorization code grant with PKCE, refresh token
// rotation, and access token minting.
package server

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/lennyproject/lenny/instrumentation"
	"github.com/lennyproject/lenny/security"
	"github.com/lennyproject/lenny/storage"
)

// Sentinel errors returned by the flow methods. Callers translate these
// into wire-level OAuth error responses; the descriptions stay generic so
// nothing useful leaks to an attacker probing the token endpoint.
var (
	ErrInvalidClient      = errors.New("invalid_client")
	ErrInvalidGrant       = errors.New("invalid_grant")
	ErrInvalidRedirectURI = errors.New("redirect_uri is not registered for this client")

	ErrPKCERequired               = errors.New("code_challenge is required")
	ErrUnsupportedChallengeMethod = errors.New("only the S256 code_challenge_method is supported")
)

// accessTokenKeyContext separates the JWT signing key from other keys
// derived from the same secret seed.
const accessTokenKeyContext = "lenny-access-token:"

// TokenResponse is the token endpoint response body per RFC 6749
// section 5.1.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Server coordinates the authorization flows against pluggable storage.
type Server struct {
	clientStore  storage.ClientStore
	codeStore    storage.CodeStore
	refreshStore storage.RefreshTokenStore

	Cipher  *security.Cipher
	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	instrumentation *instrumentation.Instrumentation
	signingKey      []byte

	// now is injectable for tests.
	now func() time.Time
}

// New creates an authorization server. The secretSeed signs access tokens;
// it must match the seed used for the email cipher so identities round-trip
// across restarts.
func New(
	clientStore storage.ClientStore,
	codeStore storage.CodeStore,
	refreshStore storage.RefreshTokenStore,
	secretSeed string,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if codeStore == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if refreshStore == nil {
		return nil, fmt.Errorf("refresh token store is required")
	}
	if secretSeed == "" {
		return nil, fmt.Errorf("secret seed is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	key := sha256.Sum256([]byte(accessTokenKeyContext + secretSeed))

	return &Server{
		clientStore:  clientStore,
		codeStore:    codeStore,
		refreshStore: refreshStore,
		Config:       config,
		Logger:       logger,
		signingKey:   key[:],
		now:          time.Now,
	}, nil
}

// SetCipher sets the email cipher used to protect identities at rest.
func (s *Server) SetCipher(c *security.Cipher) {
	s.Cipher = c
}

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(a *security.Auditor) {
	s.Auditor = a
}

// SetInstrumentation attaches OpenTelemetry instrumentation.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// SetClock overrides the server's time source for tests.
func (s *Server) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// StartCleanup launches a background sweep that deletes expired
// authorization codes and refresh tokens until ctx is cancelled.
func (s *Server) StartCleanup(ctx context.Context) {
	interval := time.Duration(s.Config.CleanupInterval) * time.Second
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				now := s.now()
				codes, err := s.codeStore.DeleteExpiredAuthCodes(ctx, now)
				if err != nil {
					s.Logger.Warn("auth code cleanup failed", "error", err)
				}
				tokens, err := s.refreshStore.DeleteExpiredRefreshTokens(ctx, now)
				if err != nil {
					s.Logger.Warn("refresh token cleanup failed", "error", err)
				}
				if codes > 0 || tokens > 0 {
					s.Logger.Debug("expired credentials swept",
						"auth_codes", codes,
						"refresh_tokens", tokens)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// generateOpaqueToken produces a URL-safe random string suitable for
// authorization codes and refresh tokens.
func generateOpaqueToken() string {
	return oauth2.GenerateVerifier()
}
