// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Users and investments are versioned. Every mutating call takes the version
// the caller read and fails with ErrVersionConflict if the record moved on in
// between; callers re-read and retry.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/coinvest/ledger-engine/internal/model"
)

// ErrVersionConflict is returned when a conditional write loses the race
// against a concurrent mutation of the same record.
var ErrVersionConflict = errors.New("store: version conflict")

// TransactionQuery selects a window of a user's cash history.
type TransactionQuery struct {
	UserID string
	Sort   model.SortOrder
	Offset int
	Limit  int
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Users & cash ledger ---

	// CreateUser persists a new user. Duplicate email → apperr.DuplicateUser.
	CreateUser(ctx context.Context, u *model.User) error

	// GetUser retrieves a user by id.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetUserByEmail retrieves a user by email (case-insensitive).
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)

	// ListUsers returns every user, oldest first.
	ListUsers(ctx context.Context) ([]model.User, error)

	// ApplyCashTransaction sets the user's balance to newBalance and appends
	// tx, atomically, provided the user is still at expectedVersion.
	ApplyCashTransaction(ctx context.Context, userID string, expectedVersion int64, newBalance decimal.Decimal, tx *model.CashTransaction) error

	// ListCashTransactions returns one window of history plus the total count.
	ListCashTransactions(ctx context.Context, q TransactionQuery) ([]model.CashTransaction, int, error)

	// --- Investments ---

	// OpenInvestment debits the owner to newOwnerBalance, appends cashTx and
	// creates inv, atomically. Fails with apperr.DuplicateSlot if the owner
	// already holds inv.Slot, or ErrVersionConflict if the owner moved on.
	OpenInvestment(ctx context.Context, inv *model.Investment, ownerVersion int64, newOwnerBalance decimal.Decimal, cashTx *model.CashTransaction) error

	// GetInvestment retrieves an investment (with its ledger) by id.
	GetInvestment(ctx context.Context, id string) (*model.Investment, error)

	// GetInvestmentBySlot resolves the (owner, slot) index.
	GetInvestmentBySlot(ctx context.Context, ownerID string, slot int) (*model.Investment, error)

	// ListInvestmentsByOwner returns the owner's investments, newest first.
	ListInvestmentsByOwner(ctx context.Context, ownerID string) ([]model.Investment, error)

	// ListInvestmentsByRiskTier returns every investment in the tier, newest first.
	ListInvestmentsByRiskTier(ctx context.Context, tier model.RiskTier) ([]model.Investment, error)

	// UpdateInvestment writes inv's principal and accumulated profit and
	// appends entry (if non-nil), provided the stored version is
	// expectedVersion. inv.Version is bumped on success.
	UpdateInvestment(ctx context.Context, inv *model.Investment, expectedVersion int64, entry *model.InvestmentTransaction) error

	// CloseInvestment credits the owner to newOwnerBalance, appends cashTx
	// (nil when nothing is credited) and deletes the investment, atomically,
	// provided both records are at the expected versions.
	CloseInvestment(ctx context.Context, investmentID string, investmentVersion int64, ownerID string, ownerVersion int64, newOwnerBalance decimal.Decimal, cashTx *model.CashTransaction) error

	// --- Distribution history ---

	// InsertDistribution appends a distribution record. A non-empty TradeID
	// already recorded → apperr.DuplicateEvent.
	InsertDistribution(ctx context.Context, d *model.Distribution) error

	// ListDistributions returns records newest first; empty tier means all.
	ListDistributions(ctx context.Context, tier model.RiskTier, limit int) ([]model.Distribution, error)
}
