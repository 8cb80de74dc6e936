package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanservicing/pkg/models"
)

// ErrDuplicateKey is returned when an insert violates a unique constraint,
// e.g. a generated reference number that already exists.
var ErrDuplicateKey = errors.New("duplicate key")

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Page selects a window of a listing.
type Page struct {
	Limit  int
	Offset int
}

func (p Page) normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

type LoanFilter struct {
	BorrowerID     string
	Status         models.LoanStatus
	IncludeDeleted bool
	Page
}

type RepaymentFilter struct {
	LoanID *uuid.UUID
	// Statuses restricts the listing; empty means any.
	Statuses  []models.RepaymentStatus
	DueBefore *time.Time
	Page
}

type EscrowAccountFilter struct {
	OwnerID string
	LoanID  *uuid.UUID
	Status  models.EscrowStatus
	Page
}

type TransactionFilter struct {
	EscrowAccountID *uuid.UUID
	LoanID          *uuid.UUID
	Type            models.TransactionType
	Page
}

type PayoutFilter struct {
	RecipientID string
	LoanID      *uuid.UUID
	Status      models.PayoutStatus
	Page
}

type DisbursementFilter struct {
	LoanID *uuid.UUID
	Status models.PayoutStatus
	// ScheduledBefore selects rows whose release date is at or before it.
	ScheduledBefore *time.Time
	Page
}

// Reader defines the read accessors shared by the store and its transactions.
type Reader interface {
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	ListLoans(ctx context.Context, f LoanFilter) ([]*models.Loan, error)

	GetRepayment(ctx context.Context, id uuid.UUID) (*models.Repayment, error)
	ListRepayments(ctx context.Context, f RepaymentFilter) ([]*models.Repayment, error)

	GetEscrowAccount(ctx context.Context, id uuid.UUID) (*models.EscrowAccount, error)
	ListEscrowAccounts(ctx context.Context, f EscrowAccountFilter) ([]*models.EscrowAccount, error)

	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]*models.Transaction, error)

	GetPayout(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error)
	ListPayouts(ctx context.Context, f PayoutFilter) ([]*models.PayoutRequest, error)

	GetDisbursement(ctx context.Context, id uuid.UUID) (*models.Disbursement, error)
	ListDisbursements(ctx context.Context, f DisbursementFilter) ([]*models.Disbursement, error)
}

// Tx is a unit of work. Lock* methods take a pessimistic write lock on the
// row for the rest of the transaction; Update* methods are conditional on the
// record's Version and fail with a concurrency conflict when it moved.
type Tx interface {
	Reader

	CreateLoan(ctx context.Context, l *models.Loan) error
	LockLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	UpdateLoan(ctx context.Context, l *models.Loan) error

	CreateRepayments(ctx context.Context, rs []*models.Repayment) error
	LockRepayment(ctx context.Context, id uuid.UUID) (*models.Repayment, error)
	UpdateRepayment(ctx context.Context, r *models.Repayment) error

	CreateEscrowAccount(ctx context.Context, a *models.EscrowAccount) error
	// LockEscrowAccounts locks the accounts in ascending id order regardless
	// of argument order.
	LockEscrowAccounts(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*models.EscrowAccount, error)
	UpdateEscrowAccount(ctx context.Context, a *models.EscrowAccount) error

	CreateTransaction(ctx context.Context, t *models.Transaction) error
	LockTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	// UpdateTransactionStatus persists a status change; entries are otherwise immutable.
	UpdateTransactionStatus(ctx context.Context, t *models.Transaction) error

	CreatePayout(ctx context.Context, p *models.PayoutRequest) error
	LockPayout(ctx context.Context, id uuid.UUID) (*models.PayoutRequest, error)
	UpdatePayout(ctx context.Context, p *models.PayoutRequest) error

	CreateDisbursements(ctx context.Context, ds []*models.Disbursement) error
	LockDisbursement(ctx context.Context, id uuid.UUID) (*models.Disbursement, error)
	UpdateDisbursement(ctx context.Context, d *models.Disbursement) error
}

// Storage defines the persistence operations of the servicing core.
// WithTx runs fn inside one ACID transaction: fn's error, a panic, or a
// failed commit rolls back every write made through tx.
type Storage interface {
	Reader
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}
