// Package reconcile audits stored balances against their ledgers.
//
// For every user the cash log must replay to the stored cash balance and
// the balance must be non-negative. For every position the sub-ledger must
// replay to the stored principal and the principal must be non-negative.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/coinvest/ledger-engine/internal/metrics"
	"github.com/coinvest/ledger-engine/internal/model"
	"github.com/coinvest/ledger-engine/internal/store"
)

// Mismatch kinds.
const (
	CashLogMismatch   = "cash_log_mismatch"
	NegativeCash      = "negative_cash_balance"
	PositionLedger    = "position_ledger_mismatch"
	NegativePrincipal = "negative_principal"
)

// Mismatch is one record that failed an invariant.
type Mismatch struct {
	Kind         string          `json:"kind"`
	UserID       string          `json:"user_id"`
	InvestmentID string          `json:"investment_id,omitempty"`
	Expected     decimal.Decimal `json:"expected"`
	Actual       decimal.Decimal `json:"actual"`
}

// Report summarises one audit run.
type Report struct {
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Users       int           `json:"users"`
	Investments int           `json:"investments"`
	Mismatches  []Mismatch    `json:"mismatches"`
}

// OK reports whether the audit found nothing.
func (r *Report) OK() bool { return len(r.Mismatches) == 0 }

// Auditor checks ledger invariants across the whole store.
type Auditor struct {
	store store.Store
}

// NewAuditor creates an auditor over st.
func NewAuditor(st store.Store) *Auditor {
	return &Auditor{store: st}
}

// Run audits every user and every position once.
func (a *Auditor) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now().UTC(), Mismatches: []Mismatch{}}

	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Users++

		if u.CashBalance.IsNegative() {
			report.Mismatches = append(report.Mismatches, Mismatch{
				Kind: NegativeCash, UserID: u.ID, Expected: decimal.Zero, Actual: u.CashBalance,
			})
		}

		txs, _, err := a.store.ListCashTransactions(ctx, store.TransactionQuery{UserID: u.ID, Sort: model.SortAsc})
		if err != nil {
			return nil, fmt.Errorf("list transactions for %s: %w", u.ID, err)
		}
		if replayed := replayCash(txs); !replayed.Equal(u.CashBalance) {
			report.Mismatches = append(report.Mismatches, Mismatch{
				Kind: CashLogMismatch, UserID: u.ID, Expected: replayed, Actual: u.CashBalance,
			})
		}

		investments, err := a.store.ListInvestmentsByOwner(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("list investments for %s: %w", u.ID, err)
		}
		for _, inv := range investments {
			report.Investments++
			if inv.Principal.IsNegative() {
				report.Mismatches = append(report.Mismatches, Mismatch{
					Kind: NegativePrincipal, UserID: u.ID, InvestmentID: inv.ID, Expected: decimal.Zero, Actual: inv.Principal,
				})
			}
			if replayed := inv.LedgerBalance(); !replayed.Equal(inv.Principal) {
				report.Mismatches = append(report.Mismatches, Mismatch{
					Kind: PositionLedger, UserID: u.ID, InvestmentID: inv.ID, Expected: replayed, Actual: inv.Principal,
				})
			}
		}
	}

	report.Duration = time.Since(report.StartedAt)
	metrics.ReconcileMismatches.Set(float64(len(report.Mismatches)))

	if report.OK() {
		slog.Info("reconciliation passed", "users", report.Users, "investments", report.Investments, "duration", report.Duration)
	} else {
		for _, m := range report.Mismatches {
			slog.Error("reconciliation mismatch",
				"kind", m.Kind,
				"user", m.UserID,
				"investment", m.InvestmentID,
				"expected", m.Expected.String(),
				"actual", m.Actual.String(),
			)
		}
	}
	return report, nil
}

func replayCash(txs []model.CashTransaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		switch tx.Kind {
		case model.KindDeposit:
			total = total.Add(tx.Amount)
		case model.KindWithdrawal:
			total = total.Sub(tx.Amount)
		}
	}
	return total
}

// Scheduler runs the auditor on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	auditor *Auditor
}

// NewScheduler creates a scheduler; call Start to begin.
func NewScheduler(auditor *Auditor) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		auditor: auditor,
	}
}

// Start registers the audit under spec (e.g. "@every 15m", "0 3 * * *")
// and starts the scheduler.
func (s *Scheduler) Start(ctx context.Context, spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		if _, err := s.auditor.Run(ctx); err != nil {
			slog.Error("scheduled reconciliation failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reconciliation %q: %w", spec, err)
	}
	s.cron.Start()
	slog.Info("reconciliation scheduled", "spec", spec)
	return nil
}

// Stop stops the scheduler and waits for a running audit to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
