// Package storage defines the persisted records of the lending backend
// (OAuth clients, authorization codes, refresh tokens, items, and loans)
// and the store interfaces over them. Implementations live in the memory
// and sqlite subpackages.
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all store implementations. Services match on
// these with errors.Is to map failures to the boundary taxonomy.
var (
	ErrClientNotFound       = errors.New("client not found")
	ErrAuthCodeNotFound     = errors.New("authorization code not found")
	ErrAuthCodeUsed         = errors.New("authorization code already used")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrRefreshTokenRevoked  = errors.New("refresh token already used")
	ErrItemNotFound         = errors.New("item not found")
	ErrLoanNotFound         = errors.New("no active loan")
	ErrDuplicateLoan        = errors.New("active loan already exists")
)

// Client is a registered OAuth client.
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash; empty for public clients
	RedirectURIs     []string
	IsConfidential   bool
	CreatedAt        time.Time
}

// AllowsRedirectURI reports whether uri exactly matches one of the client's
// registered redirect URIs. No wildcard or prefix matching.
func (c *Client) AllowsRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AuthCode is a single-use authorization code bound to a PKCE challenge.
// Used transitions false to true exactly once, atomically, via
// CodeStore.ClaimAuthCode.
type AuthCode struct {
	Code                string // opaque, high-entropy, primary key
	ClientID            string
	RedirectURI         string
	EmailEncrypted      string
	Scope               string
	State               string // opaque client CSRF token, echoed but never validated server-side
	CodeChallenge       string
	CodeChallengeMethod string
	ExpiresAt           time.Time
	Used                bool
	CreatedAt           time.Time
}

// RefreshToken is an opaque rotating refresh credential. Each refresh
// revokes the presented token and issues a new one; a revoked token can
// never be exchanged again.
type RefreshToken struct {
	Token          string // opaque, primary key
	ClientID       string
	EmailEncrypted string
	Scope          string
	ExpiresAt      time.Time
	Revoked        bool
	CreatedAt      time.Time
}

// Item is a lendable work. Non-encrypted items are open access: no login or
// loan is required to read them. NumLendableTotal bounds concurrent active
// loans for encrypted items.
type Item struct {
	ID                 int64
	OpenLibraryEdition int64
	Encrypted          bool
	NumLendableTotal   int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Loan is one patron's active or historical borrow of one item. Patrons
// are identified by a one-way email hash, deliberately not the encrypted
// email the OAuth tables use. ReturnedAt is nil while the loan is active;
// at most one active loan exists per (item, patron).
type Loan struct {
	ID              string
	ItemID          int64
	PatronEmailHash string
	CreatedAt       time.Time
	ReturnedAt      *time.Time
}

// Active reports whether the loan has not been returned.
func (l *Loan) Active() bool {
	return l.ReturnedAt == nil
}

// ClientStore manages OAuth client registrations.
type ClientStore interface {
	SaveClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// CodeStore manages authorization codes.
type CodeStore interface {
	SaveAuthCode(ctx context.Context, code *AuthCode) error

	// GetAuthCode retrieves a code without claiming it. Exchange paths must
	// use ClaimAuthCode instead; this exists for the "already used versus
	// invalid" follow-up lookup and for tests.
	GetAuthCode(ctx context.Context, code string) (*AuthCode, error)

	// ClaimAuthCode atomically flips Used from false to true and returns
	// the claimed record. Exactly one concurrent caller can succeed; the
	// rest receive ErrAuthCodeUsed. Unknown codes yield ErrAuthCodeNotFound.
	// Expiry is deliberately NOT checked here: the claim must land before
	// any validation so a failed validation still burns the code.
	ClaimAuthCode(ctx context.Context, code string) (*AuthCode, error)

	// DeleteExpiredAuthCodes garbage-collects codes that expired before the
	// given time, returning how many were removed.
	DeleteExpiredAuthCodes(ctx context.Context, before time.Time) (int, error)
}

// RefreshTokenStore manages refresh tokens.
type RefreshTokenStore interface {
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// RevokeRefreshToken atomically flips Revoked from false to true and
	// returns the revoked record. Same claim-before-validate contract as
	// ClaimAuthCode: ErrRefreshTokenRevoked on reuse, ErrRefreshTokenNotFound
	// on unknown tokens, and no expiry check here.
	RevokeRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// DeleteExpiredRefreshTokens garbage-collects tokens that expired
	// before the given time.
	DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int, error)
}

// ItemStore manages items.
type ItemStore interface {
	SaveItem(ctx context.Context, item *Item) error
	GetItem(ctx context.Context, id int64) (*Item, error)

	// DeleteItem removes an item and cascades to its loans. Loans are never
	// physically deleted any other way.
	DeleteItem(ctx context.Context, id int64) error
}

// LoanStore manages the loan ledger rows.
type LoanStore interface {
	// CountActiveLoans counts loans for the item with ReturnedAt unset.
	CountActiveLoans(ctx context.Context, itemID int64) (int64, error)

	// FindActiveLoan returns the active loan for (item, patron hash), or
	// ErrLoanNotFound.
	FindActiveLoan(ctx context.Context, itemID int64, patronEmailHash string) (*Loan, error)

	// CreateLoan inserts a new loan row. A concurrent duplicate for the
	// same (item, patron hash) fails with ErrDuplicateLoan; the store's
	// uniqueness guarantee is the safety net under the ledger's
	// find-then-insert sequence.
	CreateLoan(ctx context.Context, loan *Loan) error

	// CloseLoan sets ReturnedAt on an active loan.
	CloseLoan(ctx context.Context, loanID string, returnedAt time.Time) error
}

// Store aggregates every interface a full backend needs. Both the memory
// and sqlite implementations satisfy it.
type Store interface {
	ClientStore
	CodeStore
	RefreshTokenStore
	ItemStore
	LoanStore
}
