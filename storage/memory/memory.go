// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lennyproject/lenny/instrumentation"
	"github.com/lennyproject/lenny/internal/util"
	"github.com/lennyproject/lenny/storage"
)

// tokenIDLogLength is the number of characters logged for codes and tokens.
// Enough for debugging correlation without exposing the credential.
const tokenIDLogLength = 8

// Store is an in-memory implementation of every storage interface.
type Store struct {
	mu sync.RWMutex

	clients       map[string]*storage.Client
	authCodes     map[string]*storage.AuthCode
	refreshTokens map[string]*storage.RefreshToken
	items         map[int64]*storage.Item
	loans         map[string]*storage.Loan

	// Lock-free counters observed by the storage size gauges.
	codesCountAtomic   atomic.Int64
	refreshCountAtomic atomic.Int64
	loansCountAtomic   atomic.Int64

	instrumentation *instrumentation.Instrumentation

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store with the default cleanup interval of
// one minute.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. A non-positive interval selects the default.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		authCodes:       make(map[string]*storage.AuthCode),
		refreshTokens:   make(map[string]*storage.RefreshToken),
		items:           make(map[int64]*storage.Item),
		loans:           make(map[string]*storage.Loan),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()
	return s
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation attaches OpenTelemetry instrumentation and registers
// the storage size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.refreshCountAtomic.Store(int64(len(s.refreshTokens)))
	s.loansCountAtomic.Store(int64(len(s.loans)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.refreshCountAtomic.Load() },
			func() int64 { return s.loansCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient stores a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return storage.ErrClientNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := *client
	saved.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now()
	}
	s.clients[client.ClientID] = &saved
	return nil
}

// GetClient retrieves a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	cp := *client
	cp.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	return &cp, nil
}

// ============================================================
// CodeStore
// ============================================================

// SaveAuthCode stores an authorization code.
func (s *Store) SaveAuthCode(ctx context.Context, code *storage.AuthCode) error {
	if code == nil || code.Code == "" {
		return storage.ErrAuthCodeNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := *code
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now()
	}
	s.authCodes[code.Code] = &saved
	s.codesCountAtomic.Add(1)
	return nil
}

// GetAuthCode retrieves a code without claiming it.
func (s *Store) GetAuthCode(ctx context.Context, code string) (*storage.AuthCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthCodeNotFound
	}
	cp := *authCode
	return &cp, nil
}

// ClaimAuthCode atomically flips Used from false to true. Only one
// concurrent caller can succeed; the rest receive ErrAuthCodeUsed. Expiry
// is not checked here: the claim must land before validation so a failed
// validation still burns the code.
func (s *Store) ClaimAuthCode(ctx context.Context, code string) (*storage.AuthCode, error) {
	s.mu.Lock() // write lock: atomic check-and-set
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthCodeNotFound
	}
	if authCode.Used {
		return nil, storage.ErrAuthCodeUsed
	}

	authCode.Used = true
	s.logger.Debug("claimed authorization code",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	cp := *authCode
	return &cp, nil
}

// DeleteExpiredAuthCodes garbage-collects codes that expired before the
// given time.
func (s *Store) DeleteExpiredAuthCodes(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for code, authCode := range s.authCodes {
		if authCode.ExpiresAt.Before(before) {
			delete(s.authCodes, code)
			removed++
		}
	}
	s.codesCountAtomic.Add(int64(-removed))
	return removed, nil
}

// ============================================================
// RefreshTokenStore
// ============================================================

// SaveRefreshToken stores a refresh token.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if token == nil || token.Token == "" {
		return storage.ErrRefreshTokenNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := *token
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now()
	}
	s.refreshTokens[token.Token] = &saved
	s.refreshCountAtomic.Add(1)
	return nil
}

// GetRefreshToken retrieves a refresh token.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}
	cp := *rt
	return &cp, nil
}

// RevokeRefreshToken atomically flips Revoked from false to true. Same
// claim-before-validate contract as ClaimAuthCode.
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rt, ok := s.refreshTokens[token]
	if !ok {
		return nil, storage.ErrRefreshTokenNotFound
	}
	if rt.Revoked {
		return nil, storage.ErrRefreshTokenRevoked
	}

	rt.Revoked = true
	s.logger.Debug("revoked refresh token",
		"token_prefix", util.SafeTruncate(token, tokenIDLogLength))

	cp := *rt
	return &cp, nil
}

// DeleteExpiredRefreshTokens garbage-collects tokens that expired before
// the given time.
func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, rt := range s.refreshTokens {
		if rt.ExpiresAt.Before(before) {
			delete(s.refreshTokens, token)
			removed++
		}
	}
	s.refreshCountAtomic.Add(int64(-removed))
	return removed, nil
}

// ============================================================
// ItemStore
// ============================================================

// SaveItem stores an item.
func (s *Store) SaveItem(ctx context.Context, item *storage.Item) error {
	if item == nil || item.ID == 0 {
		return storage.ErrItemNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := *item
	now := time.Now()
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = now
	}
	saved.UpdatedAt = now
	s.items[item.ID] = &saved
	return nil
}

// GetItem retrieves an item by ID.
func (s *Store) GetItem(ctx context.Context, id int64) (*storage.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, storage.ErrItemNotFound
	}
	cp := *item
	return &cp, nil
}

// DeleteItem removes an item and cascades to its loans.
func (s *Store) DeleteItem(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return storage.ErrItemNotFound
	}
	delete(s.items, id)

	removed := 0
	for loanID, loan := range s.loans {
		if loan.ItemID == id {
			delete(s.loans, loanID)
			removed++
		}
	}
	s.loansCountAtomic.Add(int64(-removed))
	return nil
}

// ============================================================
// LoanStore
// ============================================================

// CountActiveLoans counts loans for the item with ReturnedAt unset.
func (s *Store) CountActiveLoans(ctx context.Context, itemID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, loan := range s.loans {
		if loan.ItemID == itemID && loan.ReturnedAt == nil {
			count++
		}
	}
	return count, nil
}

// FindActiveLoan returns the active loan for (item, patron hash).
func (s *Store) FindActiveLoan(ctx context.Context, itemID int64, patronEmailHash string) (*storage.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, loan := range s.loans {
		if loan.ItemID == itemID && loan.PatronEmailHash == patronEmailHash && loan.ReturnedAt == nil {
			return copyLoan(loan), nil
		}
	}
	return nil, storage.ErrLoanNotFound
}

// CreateLoan inserts a new loan row. The active-loan uniqueness check runs
// under the same lock as the insert, so two concurrent borrows from the
// same patron cannot both succeed.
func (s *Store) CreateLoan(ctx context.Context, loan *storage.Loan) error {
	if loan == nil || loan.ID == "" {
		return storage.ErrLoanNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.loans {
		if existing.ItemID == loan.ItemID &&
			existing.PatronEmailHash == loan.PatronEmailHash &&
			existing.ReturnedAt == nil {
			return storage.ErrDuplicateLoan
		}
	}

	saved := *loan
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = time.Now()
	}
	s.loans[loan.ID] = &saved
	s.loansCountAtomic.Add(1)
	return nil
}

// CloseLoan sets ReturnedAt on an active loan.
func (s *Store) CloseLoan(ctx context.Context, loanID string, returnedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loan, ok := s.loans[loanID]
	if !ok || loan.ReturnedAt != nil {
		return storage.ErrLoanNotFound
	}
	t := returnedAt
	loan.ReturnedAt = &t
	return nil
}

func copyLoan(loan *storage.Loan) *storage.Loan {
	cp := *loan
	if loan.ReturnedAt != nil {
		t := *loan.ReturnedAt
		cp.ReturnedAt = &t
	}
	return &cp
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes expired authorization codes and refresh tokens. Loans are
// never cleaned up here; they are historical records removed only when
// their item is deleted.
func (s *Store) cleanup() {
	now := time.Now()
	codes, _ := s.DeleteExpiredAuthCodes(context.Background(), now)
	tokens, _ := s.DeleteExpiredRefreshTokens(context.Background(), now)
	if codes > 0 || tokens > 0 {
		s.logger.Debug("storage cleanup",
			"expired_codes", codes,
			"expired_refresh_tokens", tokens)
	}
}
