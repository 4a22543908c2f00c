// Package ledger keeps the loan ledger: who holds which item, how many
// copies remain, and the borrow and return operations.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lennyproject/lenny/instrumentation"
	"github.com/lennyproject/lenny/security"
	"github.com/lennyproject/lenny/storage"
)

// Sentinel errors for borrow and return outcomes.
var (
	// ErrLoanNotRequired means the item is open access; it can be read
	// without a loan, so borrowing it is a client mistake.
	ErrLoanNotRequired = errors.New("item is open access and does not require a loan")

	// ErrMissingIdentity means no patron email was supplied.
	ErrMissingIdentity = errors.New("patron identity is required")

	// ErrUnavailable means every lendable copy is out.
	ErrUnavailable = errors.New("no copies available")

	// ErrNoActiveLoan means a return was requested without a matching
	// active loan.
	ErrNoActiveLoan = errors.New("no active loan for this patron and item")
)

// AvailableCopies reports how many copies of the item can still be lent,
// given the current number of active loans. Never negative, even if the
// total was lowered below the number of copies already out.
func AvailableCopies(item *storage.Item, activeLoans int64) int64 {
	available := item.NumLendableTotal - activeLoans
	if available < 0 {
		return 0
	}
	return available
}

// IsBorrowable reports whether a new loan can be created for the item.
// Open-access items are never borrowable; they need no loan at all.
func IsBorrowable(item *storage.Item, activeLoans int64) bool {
	if !item.Encrypted {
		return false
	}
	return AvailableCopies(item, activeLoans) > 0
}

// Service executes borrow and return operations against a loan store.
type Service struct {
	loans storage.LoanStore

	auditor         *security.Auditor
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation

	now func() time.Time
}

// NewService creates a loan ledger service.
func NewService(loans storage.LoanStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		loans:  loans,
		logger: logger,
		now:    time.Now,
	}
}

// SetAuditor attaches a security auditor.
func (s *Service) SetAuditor(a *security.Auditor) {
	s.auditor = a
}

// SetInstrumentation attaches OpenTelemetry instrumentation.
func (s *Service) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// SetClock overrides the time source for tests.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Borrow creates a loan of item for the patron identified by email.
//
// Re-borrowing an item the patron already holds is not an error; the
// existing loan is returned unchanged. If two requests race past the
// availability check, the storage layer's uniqueness guarantee turns the
// loser into the idempotent path as well.
func (s *Service) Borrow(ctx context.Context, item *storage.Item, email string) (*storage.Loan, error) {
	if !item.Encrypted {
		return nil, ErrLoanNotRequired
	}
	if email == "" {
		return nil, ErrMissingIdentity
	}
	emailHash := security.HashEmail(email)

	existing, err := s.loans.FindActiveLoan(ctx, item.ID, emailHash)
	if err == nil {
		s.logger.Debug("borrow is idempotent, returning existing loan",
			"item_id", item.ID, "loan_id", existing.ID)
		return existing, nil
	}
	if !errors.Is(err, storage.ErrLoanNotFound) {
		return nil, fmt.Errorf("find active loan: %w", err)
	}

	active, err := s.loans.CountActiveLoans(ctx, item.ID)
	if err != nil {
		return nil, fmt.Errorf("count active loans: %w", err)
	}
	if !IsBorrowable(item, active) {
		if s.instrumentation != nil {
			s.instrumentation.Metrics().RecordLoanRejected(ctx, item.ID)
		}
		return nil, ErrUnavailable
	}

	loan := &storage.Loan{
		ID:              uuid.NewString(),
		ItemID:          item.ID,
		PatronEmailHash: emailHash,
		CreatedAt:       s.now(),
	}
	if err := s.loans.CreateLoan(ctx, loan); err != nil {
		if errors.Is(err, storage.ErrDuplicateLoan) {
			// Lost a race against the same patron's other request; the
			// loan that won is the one they wanted.
			return s.loans.FindActiveLoan(ctx, item.ID, emailHash)
		}
		return nil, fmt.Errorf("create loan: %w", err)
	}

	s.logger.Info("loan created", "item_id", item.ID, "loan_id", loan.ID)
	s.auditor.LogLoanCreated(emailHash, item.ID)
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordLoanCreated(ctx, item.ID)
	}
	return loan, nil
}

// Unborrow closes the patron's active loan of item. Preconditions mirror
// Borrow: open-access items carry no loans to return.
func (s *Service) Unborrow(ctx context.Context, item *storage.Item, email string) error {
	if !item.Encrypted {
		return ErrLoanNotRequired
	}
	if email == "" {
		return ErrMissingIdentity
	}
	emailHash := security.HashEmail(email)

	loan, err := s.loans.FindActiveLoan(ctx, item.ID, emailHash)
	if err != nil {
		if errors.Is(err, storage.ErrLoanNotFound) {
			return ErrNoActiveLoan
		}
		return fmt.Errorf("find active loan: %w", err)
	}

	if err := s.loans.CloseLoan(ctx, loan.ID, s.now()); err != nil {
		if errors.Is(err, storage.ErrLoanNotFound) {
			// Raced with another return of the same loan.
			return ErrNoActiveLoan
		}
		return fmt.Errorf("close loan: %w", err)
	}

	s.logger.Info("loan returned", "item_id", item.ID, "loan_id", loan.ID)
	s.auditor.LogLoanReturned(emailHash, item.ID)
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordLoanReturned(ctx, item.ID)
	}
	return nil
}

// Availability reports the remaining copies of an item.
func (s *Service) Availability(ctx context.Context, item *storage.Item) (int64, error) {
	active, err := s.loans.CountActiveLoans(ctx, item.ID)
	if err != nil {
		return 0, fmt.Errorf("count active loans: %w", err)
	}
	return AvailableCopies(item, active), nil
}
