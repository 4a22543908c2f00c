package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lennyproject/lenny/internal/testutil"
	"github.com/lennyproject/lenny/security"
	"github.com/lennyproject/lenny/storage"
	"github.com/lennyproject/lenny/storage/memory"
)

const testSeed = "test-secret-seed-for-flows"

func newTestServer(t *testing.T) (*Server, *memory.Store) {
	t.Helper()

	store := memory.NewWithInterval(time.Hour)
	t.Cleanup(store.Stop)

	srv, err := New(store, store, store, testSeed, &Config{}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cipher, err := security.NewCipher(testSeed)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	srv.SetCipher(cipher)

	if err := store.SaveClient(context.Background(), &storage.Client{
		ClientID:     "test-client",
		RedirectURIs: []string{"https://app.example.com/callback", "opds://authorize"},
	}); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}

	return srv, store
}

func issueCode(t *testing.T, srv *Server, email, challenge string) string {
	t.Helper()
	ctx := context.Background()
	client, err := srv.ValidateClient(ctx, "test-client", "https://app.example.com/callback")
	if err != nil {
		t.Fatalf("ValidateClient: %v", err)
	}
	code, err := srv.CreateAuthorizationCode(ctx, client, email,
		"https://app.example.com/callback", "", "xyzstate", challenge, PKCEMethodS256)
	if err != nil {
		t.Fatalf("CreateAuthorizationCode: %v", err)
	}
	return code
}

func TestValidateClient(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		clientID    string
		redirectURI string
		wantErr     error
	}{
		{"registered URI", "test-client", "https://app.example.com/callback", nil},
		{"custom scheme URI", "test-client", "opds://authorize", nil},
		{"unregistered URI", "test-client", "https://evil.example.com/cb", ErrInvalidRedirectURI},
		{"prefix is not a match", "test-client", "https://app.example.com/callback/extra", ErrInvalidRedirectURI},
		{"unknown client", "ghost", "https://app.example.com/callback", ErrInvalidClient},
		{"empty client id", "", "https://app.example.com/callback", ErrInvalidClient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := srv.ValidateClient(ctx, tt.clientID, tt.redirectURI)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAuthenticateClient(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	hash, err := HashClientSecret("s3cret")
	if err != nil {
		t.Fatalf("HashClientSecret: %v", err)
	}
	if err := store.SaveClient(ctx, &storage.Client{
		ClientID:         "confidential-client",
		ClientSecretHash: hash,
		IsConfidential:   true,
		RedirectURIs:     []string{"https://backend.example.com/cb"},
	}); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}

	if _, err := srv.AuthenticateClient(ctx, "confidential-client", "s3cret"); err != nil {
		t.Errorf("correct secret rejected: %v", err)
	}
	if _, err := srv.AuthenticateClient(ctx, "confidential-client", "wrong"); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("wrong secret: got %v, want ErrInvalidClient", err)
	}
	if _, err := srv.AuthenticateClient(ctx, "confidential-client", ""); !errors.Is(err, ErrInvalidClient) {
		t.Errorf("missing secret: got %v, want ErrInvalidClient", err)
	}
	// Public clients authenticate by PKCE alone.
	if _, err := srv.AuthenticateClient(ctx, "test-client", ""); err != nil {
		t.Errorf("public client rejected: %v", err)
	}
}

func TestExchangeAcceptsShortVerifier(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	// Verifiers shorter than the RFC's 43-character recommendation still
	// exchange successfully when the S256 hash matches.
	code := issueCode(t, srv, "reader@example.com", challengeFor("abc123"))

	resp, err := srv.ExchangeAuthorizationCode(ctx, code, "test-client",
		"https://app.example.com/callback", "abc123")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode: %v", err)
	}
	identity, err := srv.VerifyAccessToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if identity.Email != "reader@example.com" {
		t.Errorf("email = %q", identity.Email)
	}
}

func TestCreateAuthorizationCodeRequiresPKCE(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()
	client, _ := srv.ValidateClient(ctx, "test-client", "")

	if _, err := srv.CreateAuthorizationCode(ctx, client, "reader@example.com",
		"https://app.example.com/callback", "", "", "", ""); !errors.Is(err, ErrPKCERequired) {
		t.Errorf("missing challenge: got %v, want ErrPKCERequired", err)
	}

	if _, err := srv.CreateAuthorizationCode(ctx, client, "reader@example.com",
		"https://app.example.com/callback", "", "", "some-challenge", "plain"); !errors.Is(err, ErrUnsupportedChallengeMethod) {
		t.Errorf("plain method: got %v, want ErrUnsupportedChallengeMethod", err)
	}
}

func TestExchangeAuthorizationCode(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	verifier, challenge := testutil.PKCEPair()
	code := issueCode(t, srv, "reader@example.com", challenge)

	resp, err := srv.ExchangeAuthorizationCode(ctx, code, "test-client",
		"https://app.example.com/callback", verifier)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode: %v", err)
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("expires_in = %d, want 3600", resp.ExpiresIn)
	}
	if resp.Scope != "openid" {
		t.Errorf("scope = %q, want openid (default)", resp.Scope)
	}
	if resp.RefreshToken == "" {
		t.Error("refresh token missing")
	}

	identity, err := srv.VerifyAccessToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if identity.Email != "reader@example.com" {
		t.Errorf("email = %q", identity.Email)
	}
	if identity.ClientID != "test-client" {
		t.Errorf("azp = %q", identity.ClientID)
	}
}

func TestExchangeRejectsReusedCode(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	verifier, challenge := testutil.PKCEPair()
	code := issueCode(t, srv, "reader@example.com", challenge)

	if _, err := srv.ExchangeAuthorizationCode(ctx, code, "test-client",
		"https://app.example.com/callback", verifier); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	if _, err := srv.ExchangeAuthorizationCode(ctx, code, "test-client",
		"https://app.example.com/callback", verifier); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("second exchange: got %v, want ErrInvalidGrant", err)
	}
}

func TestFailedPKCEBurnsTheCode(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	verifier, challenge := testutil.PKCEPair()
	code := issueCode(t, srv, "reader@example.com", challenge)

	wrongVerifier := testutil.GenerateRandomString(43)
	if _, err := srv.ExchangeAuthorizationCode(ctx, code, "test-client",
		"https://app.example.com/callback", wrongVerifier); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("wrong verifier: got %v, want ErrInvalidGrant", err)
	}

	// The failed attempt consumed the code; the correct verifier cannot
	// rescue it.
	if _, err := srv.ExchangeAuthorizationCode(ctx, code, "test-client",
		"https://app.example.com/callback", verifier); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("retry with correct verifier: got %v, want ErrInvalidGrant", err)
	}
}

func TestExchangeValidationFailures(t *testing.T) {
	tests := []struct {
		name        string
		clientID    string
		redirectURI string
	}{
		{"wrong client", "other-client", "https://app.example.com/callback"},
		{"wrong redirect uri", "test-client", "https://evil.example.com/cb"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t)
			verifier, challenge := testutil.PKCEPair()
			code := issueCode(t, srv, "reader@example.com", challenge)

			_, err := srv.ExchangeAuthorizationCode(context.Background(), code,
				tt.clientID, tt.redirectURI, verifier)
			if !errors.Is(err, ErrInvalidGrant) {
				t.Errorf("got %v, want ErrInvalidGrant", err)
			}
		})
	}
}

func TestExchangeExpiredCode(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	clock := testutil.NewMockTime(time.Now())
	srv.SetClock(clock.Now)

	verifier, challenge := testutil.PKCEPair()
	code := issueCode(t, srv, "reader@example.com", challenge)

	// Past TTL plus the clock skew grace.
	clock.Advance(6 * time.Minute)

	if _, err := srv.ExchangeAuthorizationCode(ctx, code, "test-client",
		"https://app.example.com/callback", verifier); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("expired code: got %v, want ErrInvalidGrant", err)
	}
}

func TestConcurrentExchangeSingleWinner(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	verifier, challenge := testutil.PKCEPair()
	code := issueCode(t, srv, "reader@example.com", challenge)

	const goroutines = 10
	results := make(chan error, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := srv.ExchangeAuthorizationCode(ctx, code, "test-client",
				"https://app.example.com/callback", verifier)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, ErrInvalidGrant) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("expected exactly 1 successful exchange, got %d", successes)
	}
}

func TestRefreshTokenRotation(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	verifier, challenge := testutil.PKCEPair()
	code := issueCode(t, srv, "reader@example.com", challenge)
	first, err := srv.ExchangeAuthorizationCode(ctx, code, "test-client",
		"https://app.example.com/callback", verifier)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	second, err := srv.RefreshAccessToken(ctx, first.RefreshToken, "test-client")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Error("rotation must issue a new refresh token")
	}
	if second.Scope != first.Scope {
		t.Errorf("scope changed across rotation: %q -> %q", first.Scope, second.Scope)
	}

	identity, err := srv.VerifyAccessToken(second.AccessToken)
	if err != nil {
		t.Fatalf("VerifyAccessToken: %v", err)
	}
	if identity.Email != "reader@example.com" {
		t.Errorf("identity lost across rotation: %q", identity.Email)
	}

	// The old token was revoked by the rotation.
	if _, err := srv.RefreshAccessToken(ctx, first.RefreshToken, "test-client"); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("replayed refresh token: got %v, want ErrInvalidGrant", err)
	}
}

func TestRefreshRejectsWrongClient(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	verifier, challenge := testutil.PKCEPair()
	code := issueCode(t, srv, "reader@example.com", challenge)
	resp, err := srv.ExchangeAuthorizationCode(ctx, code, "test-client",
		"https://app.example.com/callback", verifier)
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	if _, err := srv.RefreshAccessToken(ctx, resp.RefreshToken, "other-client"); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("wrong client: got %v, want ErrInvalidGrant", err)
	}
	// The mismatch attempt revoked the token; the real client is locked
	// out too and must reauthorize.
	if _, err := srv.RefreshAccessToken(ctx, resp.RefreshToken, "test-client"); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("after mismatch: got %v, want ErrInvalidGrant", err)
	}
}

func TestRefreshUnknownToken(t *testing.T) {
	srv, _ := newTestServer(t)
	if _, err := srv.RefreshAccessToken(context.Background(), "never-issued", "test-client"); !errors.Is(err, ErrInvalidGrant) {
		t.Errorf("got %v, want ErrInvalidGrant", err)
	}
}
