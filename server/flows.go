package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/lennyproject/lenny/internal/util"
	"github.com/lennyproject/lenny/security"
	"github.com/lennyproject/lenny/storage"
)

// tokenLogLength bounds how much of a code or token ends up in logs.
const tokenLogLength = 8

// ValidateClient looks up the client and checks the redirect URI against
// its registered list with an exact string match. No wildcard or prefix
// matching; a URI that differs in any byte is rejected.
func (s *Server) ValidateClient(ctx context.Context, clientID, redirectURI string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidClient
	}

	client, err := s.clientStore.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.Logger.Debug("unknown client", "client_id", clientID)
			return nil, ErrInvalidClient
		}
		return nil, fmt.Errorf("lookup client: %w", err)
	}

	if redirectURI != "" && !client.AllowsRedirectURI(redirectURI) {
		s.Logger.Debug("redirect URI not registered",
			"client_id", clientID,
			"redirect_uri", redirectURI)
		return nil, ErrInvalidRedirectURI
	}

	return client, nil
}

// AuthenticateClient validates credentials presented at the token
// endpoint. Public clients carry no secret and rely on PKCE; confidential
// clients must present the secret matching their stored bcrypt hash.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	client, err := s.ValidateClient(ctx, clientID, "")
	if err != nil {
		return nil, err
	}

	if client.IsConfidential {
		if clientSecret == "" {
			s.Auditor.LogAuthFailure("", clientID, "", "missing_client_secret")
			return nil, ErrInvalidClient
		}
		if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
			s.Auditor.LogAuthFailure("", clientID, "", "invalid_client_secret")
			return nil, ErrInvalidClient
		}
	}

	return client, nil
}

// HashClientSecret produces the bcrypt hash stored for confidential
// clients.
func HashClientSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash client secret: %w", err)
	}
	return string(hash), nil
}

// CreateAuthorizationCode issues a single-use authorization code bound to
// the client, redirect URI, and PKCE challenge. The patron email is
// encrypted before it touches storage.
func (s *Server) CreateAuthorizationCode(ctx context.Context, client *storage.Client, email, redirectURI, scope, state, codeChallenge, codeChallengeMethod string) (string, error) {
	if err := s.validateChallenge(codeChallenge, codeChallengeMethod); err != nil {
		return "", err
	}
	if s.Cipher == nil {
		return "", fmt.Errorf("email cipher is not configured")
	}
	if scope == "" {
		scope = s.Config.DefaultScope
	}

	emailEncrypted, err := s.Cipher.Encrypt(email)
	if err != nil {
		return "", fmt.Errorf("encrypt email: %w", err)
	}

	code := generateOpaqueToken()
	now := s.now()
	authCode := &storage.AuthCode{
		Code:                code,
		ClientID:            client.ClientID,
		RedirectURI:         redirectURI,
		EmailEncrypted:      emailEncrypted,
		Scope:               scope,
		State:               state,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
		CreatedAt:           now,
	}
	if err := s.codeStore.SaveAuthCode(ctx, authCode); err != nil {
		return "", fmt.Errorf("save authorization code: %w", err)
	}

	s.Logger.Info("authorization code issued",
		"client_id", client.ClientID,
		"scope", scope,
		"code_prefix", util.SafeTruncate(code, tokenLogLength))
	s.Auditor.LogCodeIssued(email, client.ClientID, scope)
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordCodeIssued(ctx, client.ClientID)
	}

	return code, nil
}

// ExchangeAuthorizationCode trades an authorization code plus its PKCE
// verifier for a token pair.
//
// The code is claimed atomically BEFORE any validation runs, so a failed
// PKCE check or mismatched redirect URI still burns the code. Every
// failure after the claim collapses into the same generic invalid_grant
// per RFC 6749; the specific reason goes to the debug log only.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*TokenResponse, error) {
	authCode, err := s.codeStore.ClaimAuthCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthCodeUsed) {
			// Reuse of a burned code is a token-theft indicator, not a
			// client bug. Log loudly but answer blandly.
			s.Logger.Error("authorization code reuse detected",
				"client_id", clientID,
				"code_prefix", util.SafeTruncate(code, tokenLogLength))
			s.Auditor.LogAuthFailure("", clientID, "", "authorization_code_reuse")
			if s.instrumentation != nil {
				s.instrumentation.Metrics().RecordCodeReuseDetected(ctx)
			}
			return nil, ErrInvalidGrant
		}

		s.Logger.Debug("authorization code not found",
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(code, tokenLogLength))
		s.Auditor.LogAuthFailure("", clientID, "", "invalid_authorization_code")
		return nil, ErrInvalidGrant
	}

	// The code is burned from here on. Validation failures below do not
	// restore it.
	grace := time.Duration(s.Config.ClockSkewGracePeriod) * time.Second
	if security.IsExpiredWithGrace(authCode.ExpiresAt, s.now(), grace) {
		s.logExchangeFailure(clientID, code, "code_expired")
		return nil, ErrInvalidGrant
	}
	if authCode.ClientID != clientID {
		s.logExchangeFailure(clientID, code, "client_id_mismatch")
		return nil, ErrInvalidGrant
	}
	if authCode.RedirectURI != redirectURI {
		s.logExchangeFailure(clientID, code, "redirect_uri_mismatch")
		return nil, ErrInvalidGrant
	}
	if err := s.validatePKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, codeVerifier); err != nil {
		s.Logger.Debug("PKCE validation failed",
			"client_id", clientID,
			"reason", err.Error(),
			"code_prefix", util.SafeTruncate(code, tokenLogLength))
		s.Auditor.LogAuthFailure("", clientID, "", "pkce_validation_failed")
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordPKCEValidationFailed(ctx)
		}
		return nil, ErrInvalidGrant
	}

	email, err := s.Cipher.Decrypt(authCode.EmailEncrypted)
	if err != nil {
		s.Logger.Error("stored email failed to decrypt",
			"client_id", clientID,
			"error", err)
		return nil, fmt.Errorf("decrypt email: %w", err)
	}

	resp, err := s.issueTokenPair(ctx, email, clientID, authCode.Scope)
	if err != nil {
		return nil, err
	}

	s.Auditor.LogCodeExchanged(email, clientID)
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordCodeExchanged(ctx, clientID)
	}
	return resp, nil
}

// RefreshAccessToken rotates a refresh token: the presented token is
// revoked atomically first, then validated, then replaced. A token that
// was already revoked signals replay and is reported as plain
// invalid_grant.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID string) (*TokenResponse, error) {
	rt, err := s.refreshStore.RevokeRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrRefreshTokenRevoked) {
			s.Logger.Error("refresh token reuse detected",
				"client_id", clientID,
				"token_prefix", util.SafeTruncate(refreshToken, tokenLogLength))
			s.Auditor.LogAuthFailure("", clientID, "", "refresh_token_reuse")
			if s.instrumentation != nil {
				s.instrumentation.Metrics().RecordTokenReuseDetected(ctx)
			}
			return nil, ErrInvalidGrant
		}

		s.Logger.Debug("refresh token not found",
			"client_id", clientID,
			"token_prefix", util.SafeTruncate(refreshToken, tokenLogLength))
		s.Auditor.LogAuthFailure("", clientID, "", "invalid_refresh_token")
		return nil, ErrInvalidGrant
	}

	// Revoked from here on; an expired or mis-bound token stays revoked.
	grace := time.Duration(s.Config.ClockSkewGracePeriod) * time.Second
	if security.IsExpiredWithGrace(rt.ExpiresAt, s.now(), grace) {
		s.Logger.Debug("refresh token expired",
			"client_id", clientID,
			"token_prefix", util.SafeTruncate(refreshToken, tokenLogLength))
		s.Auditor.LogAuthFailure("", clientID, "", "refresh_token_expired")
		return nil, ErrInvalidGrant
	}
	if rt.ClientID != clientID {
		s.Logger.Debug("refresh token client mismatch",
			"expected_client_id", rt.ClientID,
			"provided_client_id", clientID)
		s.Auditor.LogAuthFailure("", clientID, "", "refresh_token_client_mismatch")
		return nil, ErrInvalidGrant
	}

	email, err := s.Cipher.Decrypt(rt.EmailEncrypted)
	if err != nil {
		s.Logger.Error("stored email failed to decrypt",
			"client_id", clientID,
			"error", err)
		return nil, fmt.Errorf("decrypt email: %w", err)
	}

	resp, err := s.issueTokenPair(ctx, email, clientID, rt.Scope)
	if err != nil {
		return nil, err
	}

	s.Auditor.LogTokenRefreshed(email, clientID)
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordTokenRefreshed(ctx, clientID)
	}
	return resp, nil
}

// issueTokenPair mints an access token and a fresh refresh token for the
// given identity.
func (s *Server) issueTokenPair(ctx context.Context, email, clientID, scope string) (*TokenResponse, error) {
	accessToken, err := s.mintAccessToken(email, clientID, scope)
	if err != nil {
		return nil, err
	}

	emailEncrypted, err := s.Cipher.Encrypt(email)
	if err != nil {
		return nil, fmt.Errorf("encrypt email: %w", err)
	}

	refreshToken := generateOpaqueToken()
	now := s.now()
	rt := &storage.RefreshToken{
		Token:          refreshToken,
		ClientID:       clientID,
		EmailEncrypted: emailEncrypted,
		Scope:          scope,
		ExpiresAt:      now.Add(time.Duration(s.Config.RefreshTokenTTL) * time.Second),
		CreatedAt:      now,
	}
	if err := s.refreshStore.SaveRefreshToken(ctx, rt); err != nil {
		return nil, fmt.Errorf("save refresh token: %w", err)
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    s.Config.AccessTokenTTL,
		RefreshToken: refreshToken,
		Scope:        scope,
	}, nil
}

func (s *Server) logExchangeFailure(clientID, code, reason string) {
	s.Logger.Debug("authorization code validation failed",
		"client_id", clientID,
		"reason", reason,
		"code_prefix", util.SafeTruncate(code, tokenLogLength))
	s.Auditor.LogAuthFailure("", clientID, "", reason)
}
