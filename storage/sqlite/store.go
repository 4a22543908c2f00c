// Package sqlite provides a SQLite-backed implementation of all storage
// interfaces using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/lennyproject/lenny/instrumentation"
	"github.com/lennyproject/lenny/storage"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS clients (
	client_id          TEXT PRIMARY KEY,
	client_secret_hash TEXT NOT NULL DEFAULT '',
	redirect_uris      TEXT NOT NULL DEFAULT '',
	is_confidential    INTEGER NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS auth_codes (
	code                  TEXT PRIMARY KEY,
	client_id             TEXT NOT NULL,
	redirect_uri          TEXT NOT NULL,
	email_encrypted       TEXT NOT NULL,
	scope                 TEXT NOT NULL DEFAULT '',
	state                 TEXT NOT NULL DEFAULT '',
	code_challenge        TEXT NOT NULL,
	code_challenge_method TEXT NOT NULL,
	expires_at            INTEGER NOT NULL,
	used                  INTEGER NOT NULL DEFAULT 0,
	created_at            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_auth_codes_expires_at ON auth_codes(expires_at);

CREATE TABLE IF NOT EXISTS refresh_tokens (
	token           TEXT PRIMARY KEY,
	client_id       TEXT NOT NULL,
	email_encrypted TEXT NOT NULL,
	scope           TEXT NOT NULL DEFAULT '',
	expires_at      INTEGER NOT NULL,
	revoked         INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_refresh_tokens_expires_at ON refresh_tokens(expires_at);

CREATE TABLE IF NOT EXISTS items (
	id                   INTEGER PRIMARY KEY,
	openlibrary_edition  INTEGER NOT NULL,
	encrypted            INTEGER NOT NULL DEFAULT 0,
	num_lendable_total   INTEGER NOT NULL DEFAULT 0,
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS loans (
	id                TEXT PRIMARY KEY,
	item_id           INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	patron_email_hash TEXT NOT NULL,
	created_at        INTEGER NOT NULL,
	returned_at       INTEGER
);
CREATE INDEX IF NOT EXISTS idx_loans_item_id ON loans(item_id);
CREATE INDEX IF NOT EXISTS idx_loans_patron ON loans(patron_email_hash);
CREATE UNIQUE INDEX IF NOT EXISTS idx_loans_active
	ON loans(item_id, patron_email_hash) WHERE returned_at IS NULL;
`

// Store implements storage.Store over a single SQLite database file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema. The
// DSN enables WAL mode and foreign keys so loan rows cascade with their
// item.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, logger: slog.Default()}, nil
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation registers the storage size gauges against live row
// counts.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return s.countRows("auth_codes") },
		func() int64 { return s.countRows("refresh_tokens") },
		func() int64 { return s.countRows("loans") },
	)
	if err != nil {
		s.logger.Warn("failed to register storage size callbacks", "error", err)
	}
}

func (s *Store) countRows(table string) int64 {
	var n int64
	// table comes from the fixed set above, never from input
	if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// ============================================================
// ClientStore
// ============================================================

func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return storage.ErrClientNotFound
	}
	createdAt := client.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (client_id, client_secret_hash, redirect_uris, is_confidential, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			client_secret_hash = excluded.client_secret_hash,
			redirect_uris = excluded.redirect_uris,
			is_confidential = excluded.is_confidential`,
		client.ClientID, client.ClientSecretHash, strings.Join(client.RedirectURIs, "\n"),
		boolToInt(client.IsConfidential), toMillis(createdAt))
	if err != nil {
		return fmt.Errorf("save client: %w", err)
	}
	return nil
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var (
		client       storage.Client
		uris         string
		confidential int
		ms           int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT client_id, client_secret_hash, redirect_uris, is_confidential, created_at
		FROM clients WHERE client_id = ?`, clientID).
		Scan(&client.ClientID, &client.ClientSecretHash, &uris, &confidential, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get client: %w", err)
	}
	if uris != "" {
		client.RedirectURIs = strings.Split(uris, "\n")
	}
	client.IsConfidential = confidential != 0
	client.CreatedAt = fromMillis(ms)
	return &client, nil
}

// ============================================================
// CodeStore
// ============================================================

func (s *Store) SaveAuthCode(ctx context.Context, code *storage.AuthCode) error {
	if code == nil || code.Code == "" {
		return storage.ErrAuthCodeNotFound
	}
	createdAt := code.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_codes
			(code, client_id, redirect_uri, email_encrypted, scope, state,
			 code_challenge, code_challenge_method, expires_at, used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.Code, code.ClientID, code.RedirectURI, code.EmailEncrypted,
		code.Scope, code.State, code.CodeChallenge, code.CodeChallengeMethod,
		toMillis(code.ExpiresAt), boolToInt(code.Used), toMillis(createdAt))
	if err != nil {
		return fmt.Errorf("save auth code: %w", err)
	}
	return nil
}

func (s *Store) GetAuthCode(ctx context.Context, code string) (*storage.AuthCode, error) {
	return s.scanAuthCode(s.db.QueryRowContext(ctx, `
		SELECT code, client_id, redirect_uri, email_encrypted, scope, state,
		       code_challenge, code_challenge_method, expires_at, used, created_at
		FROM auth_codes WHERE code = ?`, code))
}

// ClaimAuthCode flips used from 0 to 1 in a single UPDATE so only one
// concurrent exchange can win. Expiry is deliberately not part of the
// predicate; the caller validates after claiming.
func (s *Store) ClaimAuthCode(ctx context.Context, code string) (*storage.AuthCode, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE auth_codes SET used = 1 WHERE code = ? AND used = 0`, code)
	if err != nil {
		return nil, fmt.Errorf("claim auth code: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim auth code: %w", err)
	}
	if affected == 0 {
		// Distinguish "never existed" from "already claimed".
		if _, getErr := s.GetAuthCode(ctx, code); getErr == nil {
			return nil, storage.ErrAuthCodeUsed
		}
		return nil, storage.ErrAuthCodeNotFound
	}
	return s.GetAuthCode(ctx, code)
}

func (s *Store) DeleteExpiredAuthCodes(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM auth_codes WHERE expires_at < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("delete expired auth codes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired auth codes: %w", err)
	}
	return int(n), nil
}

func (s *Store) scanAuthCode(row *sql.Row) (*storage.AuthCode, error) {
	var (
		code      storage.AuthCode
		expires   int64
		used      int
		createdAt int64
	)
	err := row.Scan(&code.Code, &code.ClientID, &code.RedirectURI,
		&code.EmailEncrypted, &code.Scope, &code.State,
		&code.CodeChallenge, &code.CodeChallengeMethod,
		&expires, &used, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrAuthCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan auth code: %w", err)
	}
	code.ExpiresAt = fromMillis(expires)
	code.Used = used != 0
	code.CreatedAt = fromMillis(createdAt)
	return &code, nil
}

// ============================================================
// RefreshTokenStore
// ============================================================

func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return storage.ErrRefreshTokenNotFound
	}
	createdAt := token.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens
			(token, client_id, email_encrypted, scope, expires_at, revoked, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		token.Token, token.ClientID, token.EmailEncrypted, token.Scope,
		toMillis(token.ExpiresAt), boolToInt(token.Revoked), toMillis(createdAt))
	if err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	return s.scanRefreshToken(s.db.QueryRowContext(ctx, `
		SELECT token, client_id, email_encrypted, scope, expires_at, revoked, created_at
		FROM refresh_tokens WHERE token = ?`, token))
}

// RevokeRefreshToken flips revoked from 0 to 1 atomically, same contract
// as ClaimAuthCode.
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_tokens SET revoked = 1 WHERE token = ? AND revoked = 0`, token)
	if err != nil {
		return nil, fmt.Errorf("revoke refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("revoke refresh token: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetRefreshToken(ctx, token); getErr == nil {
			return nil, storage.ErrRefreshTokenRevoked
		}
		return nil, storage.ErrRefreshTokenNotFound
	}
	return s.GetRefreshToken(ctx, token)
}

func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM refresh_tokens WHERE expires_at < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return int(n), nil
}

func (s *Store) scanRefreshToken(row *sql.Row) (*storage.RefreshToken, error) {
	var (
		token     storage.RefreshToken
		expires   int64
		revoked   int
		createdAt int64
	)
	err := row.Scan(&token.Token, &token.ClientID, &token.EmailEncrypted,
		&token.Scope, &expires, &revoked, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRefreshTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan refresh token: %w", err)
	}
	token.ExpiresAt = fromMillis(expires)
	token.Revoked = revoked != 0
	token.CreatedAt = fromMillis(createdAt)
	return &token, nil
}

// ============================================================
// ItemStore
// ============================================================

func (s *Store) SaveItem(ctx context.Context, item *storage.Item) error {
	if item == nil || item.ID == 0 {
		return storage.ErrItemNotFound
	}
	now := time.Now()
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (id, openlibrary_edition, encrypted, num_lendable_total, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			openlibrary_edition = excluded.openlibrary_edition,
			encrypted = excluded.encrypted,
			num_lendable_total = excluded.num_lendable_total,
			updated_at = excluded.updated_at`,
		item.ID, item.OpenLibraryEdition, boolToInt(item.Encrypted),
		item.NumLendableTotal, toMillis(createdAt), toMillis(now))
	if err != nil {
		return fmt.Errorf("save item: %w", err)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, id int64) (*storage.Item, error) {
	var (
		item      storage.Item
		encrypted int
		createdAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, openlibrary_edition, encrypted, num_lendable_total, created_at, updated_at
		FROM items WHERE id = ?`, id).
		Scan(&item.ID, &item.OpenLibraryEdition, &encrypted,
			&item.NumLendableTotal, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	item.Encrypted = encrypted != 0
	item.CreatedAt = fromMillis(createdAt)
	item.UpdatedAt = fromMillis(updatedAt)
	return &item, nil
}

func (s *Store) DeleteItem(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if affected == 0 {
		return storage.ErrItemNotFound
	}
	return nil
}

// ============================================================
// LoanStore
// ============================================================

func (s *Store) CountActiveLoans(ctx context.Context, itemID int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM loans
		WHERE item_id = ? AND returned_at IS NULL`, itemID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active loans: %w", err)
	}
	return count, nil
}

func (s *Store) FindActiveLoan(ctx context.Context, itemID int64, patronEmailHash string) (*storage.Loan, error) {
	var (
		loan       storage.Loan
		createdAt  int64
		returnedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, item_id, patron_email_hash, created_at, returned_at
		FROM loans
		WHERE item_id = ? AND patron_email_hash = ? AND returned_at IS NULL`,
		itemID, patronEmailHash).
		Scan(&loan.ID, &loan.ItemID, &loan.PatronEmailHash, &createdAt, &returnedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrLoanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active loan: %w", err)
	}
	loan.CreatedAt = fromMillis(createdAt)
	if returnedAt.Valid {
		t := fromMillis(returnedAt.Int64)
		loan.ReturnedAt = &t
	}
	return &loan, nil
}

// CreateLoan inserts a loan row. The partial unique index on
// (item_id, patron_email_hash) WHERE returned_at IS NULL is the last line
// of defense against concurrent double-borrows; a violation surfaces as
// ErrDuplicateLoan.
func (s *Store) CreateLoan(ctx context.Context, loan *storage.Loan) error {
	if loan == nil || loan.ID == "" {
		return storage.ErrLoanNotFound
	}
	createdAt := loan.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loans (id, item_id, patron_email_hash, created_at, returned_at)
		VALUES (?, ?, ?, ?, NULL)`,
		loan.ID, loan.ItemID, loan.PatronEmailHash, toMillis(createdAt))
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateLoan
		}
		return fmt.Errorf("create loan: %w", err)
	}
	return nil
}

func (s *Store) CloseLoan(ctx context.Context, loanID string, returnedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE loans SET returned_at = ?
		WHERE id = ? AND returned_at IS NULL`,
		toMillis(returnedAt), loanID)
	if err != nil {
		return fmt.Errorf("close loan: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close loan: %w", err)
	}
	if affected == 0 {
		return storage.ErrLoanNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
