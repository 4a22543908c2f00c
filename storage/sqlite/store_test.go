package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/lennyproject/lenny/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "lenny.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestClientRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	client := &storage.Client{
		ClientID:         "lenny-reader",
		ClientSecretHash: "$2a$10$fakehashforstoragetest",
		IsConfidential:   true,
		RedirectURIs:     []string{"https://reader.example.com/cb", "opds://authorize"},
	}
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient: %v", err)
	}

	got, err := s.GetClient(ctx, "lenny-reader")
	if err != nil {
		t.Fatalf("GetClient: %v", err)
	}
	if !got.IsConfidential || got.ClientSecretHash != client.ClientSecretHash || len(got.RedirectURIs) != 2 {
		t.Errorf("got %+v", got)
	}
	if !got.AllowsRedirectURI("opds://authorize") {
		t.Error("registered redirect URI should be allowed")
	}

	// Upsert replaces the URI list.
	client.RedirectURIs = []string{"https://reader.example.com/cb"}
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient upsert: %v", err)
	}
	got, _ = s.GetClient(ctx, "lenny-reader")
	if len(got.RedirectURIs) != 1 {
		t.Errorf("expected 1 redirect URI after upsert, got %d", len(got.RedirectURIs))
	}

	if _, err := s.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("expected ErrClientNotFound, got %v", err)
	}
}

func TestAuthCodeClaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	code := &storage.AuthCode{
		Code:                "sqlite-code",
		ClientID:            "client-1",
		RedirectURI:         "https://app.example.com/cb",
		EmailEncrypted:      "v1:ciphertext",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		ExpiresAt:           time.Now().Add(5 * time.Minute),
	}
	if err := s.SaveAuthCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthCode: %v", err)
	}

	claimed, err := s.ClaimAuthCode(ctx, "sqlite-code")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if !claimed.Used {
		t.Error("claimed code should be used")
	}
	if claimed.EmailEncrypted != "v1:ciphertext" {
		t.Errorf("email = %q", claimed.EmailEncrypted)
	}

	if _, err := s.ClaimAuthCode(ctx, "sqlite-code"); !errors.Is(err, storage.ErrAuthCodeUsed) {
		t.Errorf("second claim: expected ErrAuthCodeUsed, got %v", err)
	}
	if _, err := s.ClaimAuthCode(ctx, "never-issued"); !errors.Is(err, storage.ErrAuthCodeNotFound) {
		t.Errorf("unknown code: expected ErrAuthCodeNotFound, got %v", err)
	}
}

func TestAuthCodeExpiryCleanup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, c := range []*storage.AuthCode{
		{Code: "live", ExpiresAt: now.Add(time.Minute), CodeChallenge: "c", CodeChallengeMethod: "S256", RedirectURI: "u", EmailEncrypted: "e", ClientID: "cl"},
		{Code: "dead", ExpiresAt: now.Add(-time.Minute), CodeChallenge: "c", CodeChallengeMethod: "S256", RedirectURI: "u", EmailEncrypted: "e", ClientID: "cl"},
	} {
		if err := s.SaveAuthCode(ctx, c); err != nil {
			t.Fatalf("SaveAuthCode(%s): %v", c.Code, err)
		}
	}

	removed, err := s.DeleteExpiredAuthCodes(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredAuthCodes: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := s.GetAuthCode(ctx, "live"); err != nil {
		t.Errorf("live code should survive: %v", err)
	}
}

func TestRefreshTokenRevoke(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	token := &storage.RefreshToken{
		Token:          "rt-sqlite",
		ClientID:       "client-1",
		EmailEncrypted: "v1:ct",
		Scope:          "openid",
		ExpiresAt:      time.Now().Add(30 * 24 * time.Hour),
	}
	if err := s.SaveRefreshToken(ctx, token); err != nil {
		t.Fatalf("SaveRefreshToken: %v", err)
	}

	revoked, err := s.RevokeRefreshToken(ctx, "rt-sqlite")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !revoked.Revoked {
		t.Error("token should be revoked")
	}
	if _, err := s.RevokeRefreshToken(ctx, "rt-sqlite"); !errors.Is(err, storage.ErrRefreshTokenRevoked) {
		t.Errorf("expected ErrRefreshTokenRevoked, got %v", err)
	}
	if _, err := s.RevokeRefreshToken(ctx, "ghost"); !errors.Is(err, storage.ErrRefreshTokenNotFound) {
		t.Errorf("expected ErrRefreshTokenNotFound, got %v", err)
	}
}

func TestLoanUniqueActiveIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveItem(ctx, &storage.Item{ID: 1, OpenLibraryEdition: 100, NumLendableTotal: 3}); err != nil {
		t.Fatalf("SaveItem: %v", err)
	}

	if err := s.CreateLoan(ctx, &storage.Loan{ID: "l1", ItemID: 1, PatronEmailHash: "h1"}); err != nil {
		t.Fatalf("CreateLoan: %v", err)
	}
	err := s.CreateLoan(ctx, &storage.Loan{ID: "l2", ItemID: 1, PatronEmailHash: "h1"})
	if !errors.Is(err, storage.ErrDuplicateLoan) {
		t.Fatalf("expected ErrDuplicateLoan, got %v", err)
	}

	// After the loan is closed the index no longer applies.
	if err := s.CloseLoan(ctx, "l1", time.Now()); err != nil {
		t.Fatalf("CloseLoan: %v", err)
	}
	if err := s.CreateLoan(ctx, &storage.Loan{ID: "l3", ItemID: 1, PatronEmailHash: "h1"}); err != nil {
		t.Errorf("re-borrow after return: %v", err)
	}

	count, err := s.CountActiveLoans(ctx, 1)
	if err != nil {
		t.Fatalf("CountActiveLoans: %v", err)
	}
	if count != 1 {
		t.Errorf("active loans = %d, want 1", count)
	}
}

func TestDeleteItemCascadesLoans(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveItem(ctx, &storage.Item{ID: 2, OpenLibraryEdition: 200, NumLendableTotal: 1}); err != nil {
		t.Fatalf("SaveItem: %v", err)
	}
	if err := s.CreateLoan(ctx, &storage.Loan{ID: "c1", ItemID: 2, PatronEmailHash: "h"}); err != nil {
		t.Fatalf("CreateLoan: %v", err)
	}

	if err := s.DeleteItem(ctx, 2); err != nil {
		t.Fatalf("DeleteItem: %v", err)
	}
	count, err := s.CountActiveLoans(ctx, 2)
	if err != nil {
		t.Fatalf("CountActiveLoans: %v", err)
	}
	if count != 0 {
		t.Errorf("loans should cascade with item delete, got %d", count)
	}
	if err := s.DeleteItem(ctx, 2); !errors.Is(err, storage.ErrItemNotFound) {
		t.Errorf("expected ErrItemNotFound, got %v", err)
	}
}

func TestFindActiveLoan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SaveItem(ctx, &storage.Item{ID: 3, OpenLibraryEdition: 300, NumLendableTotal: 1}); err != nil {
		t.Fatalf("SaveItem: %v", err)
	}
	if _, err := s.FindActiveLoan(ctx, 3, "nobody"); !errors.Is(err, storage.ErrLoanNotFound) {
		t.Errorf("expected ErrLoanNotFound, got %v", err)
	}

	if err := s.CreateLoan(ctx, &storage.Loan{ID: "f1", ItemID: 3, PatronEmailHash: "reader"}); err != nil {
		t.Fatalf("CreateLoan: %v", err)
	}
	loan, err := s.FindActiveLoan(ctx, 3, "reader")
	if err != nil {
		t.Fatalf("FindActiveLoan: %v", err)
	}
	if loan.ID != "f1" || !loan.Active() {
		t.Errorf("got %+v", loan)
	}
}
