package server

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// accessClaims are the claims carried by minted access tokens.
type accessClaims struct {
	Scope           string `json:"scope,omitempty"`
	AuthorizedParty string `json:"azp,omitempty"`
	jwt.RegisteredClaims
}

// mintAccessToken signs an HS256 access token for the given patron email.
func (s *Server) mintAccessToken(email, clientID, scope string) (string, error) {
	now := s.now()
	claims := accessClaims{
		Scope:           scope,
		AuthorizedParty: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.Config.Issuer,
			Subject:   email,
			Audience:  jwt.ClaimStrings{s.Config.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.Config.AccessTokenTTL) * time.Second)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// AccessTokenIdentity is the verified identity carried by an access token.
type AccessTokenIdentity struct {
	Email    string
	ClientID string
	Scope    string
}

// VerifyAccessToken parses and validates a bearer token, returning the
// patron identity it asserts.
func (s *Server) VerifyAccessToken(tokenString string) (*AccessTokenIdentity, error) {
	claims := &accessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.signingKey, nil
		},
		jwt.WithIssuer(s.Config.Issuer),
		jwt.WithAudience(s.Config.Audience),
		jwt.WithTimeFunc(s.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGrant, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidGrant
	}

	return &AccessTokenIdentity{
		Email:    claims.Subject,
		ClientID: claims.AuthorizedParty,
		Scope:    claims.Scope,
	}, nil
}
