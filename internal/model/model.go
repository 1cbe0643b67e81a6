// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// User owns a custodial USDT cash balance and, by back-reference, a set of
// investments. Version is bumped on every committed balance mutation.
type User struct {
	ID          string          `json:"id" db:"id"`
	Email       string          `json:"email" db:"email"`
	CashBalance decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	Version     int64           `json:"version" db:"version"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// CashTransaction is an immutable record in a user's cash ledger.
// InvestmentID is set when the movement funded or redeemed a position.
type CashTransaction struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	Kind         TransactionKind `json:"kind" db:"kind"`
	Amount       decimal.Decimal `json:"amount" db:"amount"` // always positive
	Description  string          `json:"description" db:"description"`
	InvestmentID string          `json:"investment_id,omitempty" db:"investment_id"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// InvestmentTransaction is one entry of an investment's embedded sub-ledger.
// Entries are appended in order and never reordered or mutated.
type InvestmentTransaction struct {
	ID          string          `json:"id" db:"id"`
	Kind        TransactionKind `json:"kind" db:"kind"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Description string          `json:"description" db:"description"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Investment is a named position opened against an owner's cash balance.
type Investment struct {
	ID                  string                  `json:"id" db:"id"`
	OwnerID             string                  `json:"owner_id" db:"owner_id"`
	Name                string                  `json:"name" db:"name"`
	CoinType            CoinType                `json:"coin_type" db:"coin_type"`
	RiskTier            RiskTier                `json:"risk_tier" db:"risk_tier"`
	Slot                int                     `json:"slot" db:"slot"`
	Principal           decimal.Decimal         `json:"principal" db:"principal"`
	EntryReferencePrice decimal.Decimal         `json:"entry_reference_price" db:"entry_reference_price"`
	AccumulatedProfit   decimal.Decimal         `json:"accumulated_profit" db:"accumulated_profit"`
	Ledger              []InvestmentTransaction `json:"ledger"`
	Version             int64                   `json:"version" db:"version"`
	CreatedAt           time.Time               `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time               `json:"updated_at" db:"updated_at"`
}

// Stake is the position's current stake: principal plus accumulated profit.
func (inv *Investment) Stake() decimal.Decimal {
	return inv.Principal.Add(inv.AccumulatedProfit)
}

// LedgerBalance replays the sub-ledger: Σdeposits − Σwithdrawals.
// For a consistent investment this equals Principal.
func (inv *Investment) LedgerBalance() decimal.Decimal {
	total := decimal.Zero
	for _, e := range inv.Ledger {
		switch e.Kind {
		case KindDeposit:
			total = total.Add(e.Amount)
		case KindWithdrawal:
			total = total.Sub(e.Amount)
		}
	}
	return total
}

// Clone returns a deep copy, including the ledger slice.
func (inv *Investment) Clone() *Investment {
	c := *inv
	c.Ledger = append([]InvestmentTransaction(nil), inv.Ledger...)
	return &c
}

// Distribution records one external profit event for a risk tier,
// independent of how many positions it fanned out to.
type Distribution struct {
	ID                   string          `json:"id" db:"id"`
	RiskTier             RiskTier        `json:"risk_tier" db:"risk_tier"`
	RealizedProfitAmount decimal.Decimal `json:"realized_profit_amount" db:"realized_profit_amount"`
	CapitalCeiling       decimal.Decimal `json:"capital_ceiling" db:"capital_ceiling"`
	TradeID              string          `json:"trade_id,omitempty" db:"trade_id"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
}

// SortOrder orders transaction history by creation time.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// Page is one window over a user's cash transaction history.
type Page struct {
	Items      []CashTransaction `json:"items"`
	Page       int               `json:"page"`
	PerPage    int               `json:"per_page"`
	TotalCount int               `json:"total_count"`
	TotalPages int               `json:"total_pages"`
	Sort       SortOrder         `json:"sort"`
}
