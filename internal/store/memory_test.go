package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinvest/ledger-engine/internal/apperr"
	"github.com/coinvest/ledger-engine/internal/model"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func seedUser(t *testing.T, s *MemoryStore, id, email string, cash int64) *model.User {
	t.Helper()
	u := &model.User{ID: id, Email: email, CashBalance: decimal.NewFromInt(cash), CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, s.CreateUser(context.Background(), u))
	return u
}

func newInvestment(id, owner string, slot int, principal int64) *model.Investment {
	return &model.Investment{
		ID:        id,
		OwnerID:   owner,
		CoinType:  model.CoinBTC,
		RiskTier:  model.TierHigh,
		Slot:      slot,
		Principal: decimal.NewFromInt(principal),
		Ledger: []model.InvestmentTransaction{
			{ID: id + "-0", Kind: model.KindDeposit, Amount: decimal.NewFromInt(principal)},
		},
		CreatedAt: t0,
	}
}

func cashTx(id, user string, kind model.TransactionKind, amount int64, at time.Time) *model.CashTransaction {
	return &model.CashTransaction{ID: id, UserID: user, Kind: kind, Amount: decimal.NewFromInt(amount), CreatedAt: at}
}

func TestMemoryStore_CreateUserRejectsDuplicateEmail(t *testing.T) {
	s := NewMemoryStore()
	seedUser(t, s, "u1", "Alice@example.com", 0)

	err := s.CreateUser(context.Background(), &model.User{ID: "u2", Email: "alice@EXAMPLE.com"})
	assert.ErrorIs(t, err, apperr.ErrDuplicateUser)

	u, err := s.GetUserByEmail(context.Background(), "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
}

func TestMemoryStore_ApplyCashTransactionChecksVersion(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedUser(t, s, "u1", "a@example.com", 0)

	require.NoError(t, s.ApplyCashTransaction(ctx, "u1", 0, decimal.NewFromInt(10), cashTx("t1", "u1", model.KindDeposit, 10, t0)))

	err := s.ApplyCashTransaction(ctx, "u1", 0, decimal.NewFromInt(20), cashTx("t2", "u1", model.KindDeposit, 10, t0))
	require.ErrorIs(t, err, ErrVersionConflict)

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Version)
	assert.True(t, u.CashBalance.Equal(decimal.NewFromInt(10)))
}

func TestMemoryStore_ReturnedRecordsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedUser(t, s, "u1", "a@example.com", 100)
	require.NoError(t, s.OpenInvestment(ctx, newInvestment("i1", "u1", 1, 50), 0, decimal.NewFromInt(50), cashTx("t1", "u1", model.KindWithdrawal, 50, t0)))

	inv, err := s.GetInvestment(ctx, "i1")
	require.NoError(t, err)
	inv.Principal = decimal.NewFromInt(999)
	inv.Ledger[0].Amount = decimal.NewFromInt(999)

	again, err := s.GetInvestment(ctx, "i1")
	require.NoError(t, err)
	assert.True(t, again.Principal.Equal(decimal.NewFromInt(50)))
	assert.True(t, again.Ledger[0].Amount.Equal(decimal.NewFromInt(50)))
}

func TestMemoryStore_OpenInvestmentIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedUser(t, s, "u1", "a@example.com", 100)
	require.NoError(t, s.OpenInvestment(ctx, newInvestment("i1", "u1", 1, 50), 0, decimal.NewFromInt(50), cashTx("t1", "u1", model.KindWithdrawal, 50, t0)))

	// Same slot: rejected without touching the owner.
	err := s.OpenInvestment(ctx, newInvestment("i2", "u1", 1, 10), 1, decimal.NewFromInt(40), cashTx("t2", "u1", model.KindWithdrawal, 10, t0))
	require.ErrorIs(t, err, apperr.ErrDuplicateSlot)

	// Stale owner version: rejected.
	err = s.OpenInvestment(ctx, newInvestment("i3", "u1", 2, 10), 0, decimal.NewFromInt(40), cashTx("t3", "u1", model.KindWithdrawal, 10, t0))
	require.ErrorIs(t, err, ErrVersionConflict)

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.CashBalance.Equal(decimal.NewFromInt(50)))
	_, total, err := s.ListCashTransactions(ctx, TransactionQuery{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	_, err = s.GetInvestment(ctx, "i3")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMemoryStore_UpdateInvestment(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedUser(t, s, "u1", "a@example.com", 100)
	require.NoError(t, s.OpenInvestment(ctx, newInvestment("i1", "u1", 1, 50), 0, decimal.NewFromInt(50), cashTx("t1", "u1", model.KindWithdrawal, 50, t0)))

	inv, err := s.GetInvestment(ctx, "i1")
	require.NoError(t, err)
	inv.Principal = decimal.NewFromInt(70)
	entry := &model.InvestmentTransaction{ID: "e1", Kind: model.KindDeposit, Amount: decimal.NewFromInt(20)}
	require.NoError(t, s.UpdateInvestment(ctx, inv, 0, entry))
	assert.Equal(t, int64(1), inv.Version)
	assert.Len(t, inv.Ledger, 2)

	stale, err := s.GetInvestment(ctx, "i1")
	require.NoError(t, err)
	stale.AccumulatedProfit = decimal.NewFromInt(5)
	err = s.UpdateInvestment(ctx, stale, 0, nil)
	assert.ErrorIs(t, err, ErrVersionConflict)

	stale.Principal = decimal.NewFromInt(-1)
	err = s.UpdateInvestment(ctx, stale, 1, nil)
	assert.ErrorIs(t, err, apperr.ErrInsufficientFunds)
}

func TestMemoryStore_CloseInvestmentFreesSlot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedUser(t, s, "u1", "a@example.com", 100)
	require.NoError(t, s.OpenInvestment(ctx, newInvestment("i1", "u1", 4, 50), 0, decimal.NewFromInt(50), cashTx("t1", "u1", model.KindWithdrawal, 50, t0)))

	err := s.CloseInvestment(ctx, "i1", 0, "someone-else", 1, decimal.NewFromInt(100), nil)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, s.CloseInvestment(ctx, "i1", 0, "u1", 1, decimal.NewFromInt(100), cashTx("t2", "u1", model.KindDeposit, 50, t0)))

	_, err = s.GetInvestmentBySlot(ctx, "u1", 4)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.CashBalance.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, int64(2), u.Version)
}

func TestMemoryStore_ListCashTransactions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedUser(t, s, "u1", "a@example.com", 0)
	for i := 0; i < 5; i++ {
		// Equal timestamps for pairs: insertion order breaks ties.
		at := t0.Add(time.Duration(i/2) * time.Second)
		tx := cashTx(fmt.Sprintf("t%d", i), "u1", model.KindDeposit, 1, at)
		require.NoError(t, s.ApplyCashTransaction(ctx, "u1", int64(i), decimal.NewFromInt(int64(i+1)), tx))
	}

	asc, total, err := s.ListCashTransactions(ctx, TransactionQuery{UserID: "u1", Sort: model.SortAsc, Offset: 1, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Equal(t, []string{"t1", "t2", "t3"}, ids(asc))

	desc, _, err := s.ListCashTransactions(ctx, TransactionQuery{UserID: "u1", Sort: model.SortDesc, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"t4", "t3"}, ids(desc))

	past, total, err := s.ListCashTransactions(ctx, TransactionQuery{UserID: "u1", Sort: model.SortAsc, Offset: 10, Limit: 2})
	require.NoError(t, err)
	assert.Empty(t, past)
	assert.Equal(t, 5, total)

	_, _, err = s.ListCashTransactions(ctx, TransactionQuery{UserID: "ghost"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func ids(txs []model.CashTransaction) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = tx.ID
	}
	return out
}

func TestMemoryStore_Distributions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.InsertDistribution(ctx, &model.Distribution{ID: "d1", RiskTier: model.TierHigh, TradeID: "trade-1"}))
	require.NoError(t, s.InsertDistribution(ctx, &model.Distribution{ID: "d2", RiskTier: model.TierLow}))
	require.NoError(t, s.InsertDistribution(ctx, &model.Distribution{ID: "d3", RiskTier: model.TierHigh}))
	// Events without a trade id are never deduplicated.
	require.NoError(t, s.InsertDistribution(ctx, &model.Distribution{ID: "d4", RiskTier: model.TierHigh}))

	err := s.InsertDistribution(ctx, &model.Distribution{ID: "d5", RiskTier: model.TierHigh, TradeID: "trade-1"})
	require.ErrorIs(t, err, apperr.ErrDuplicateEvent)

	high, err := s.ListDistributions(ctx, model.TierHigh, 2)
	require.NoError(t, err)
	require.Len(t, high, 2)
	assert.Equal(t, "d4", high[0].ID)
	assert.Equal(t, "d3", high[1].ID)

	all, err := s.ListDistributions(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}
