// Package distribution allocates realized trading profit across the open
// positions of a risk tier.
//
// Each position receives realized_profit * (principal + accumulated_profit)
// / capital_ceiling. The ceiling is the notional capital the tier's
// strategy trades with, so increments sum to realized_profit only when the
// tier is fully subscribed. Positions are updated independently with an
// optimistic version check; one failing position never blocks the others.
package distribution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/coinvest/ledger-engine/internal/apperr"
	"github.com/coinvest/ledger-engine/internal/metrics"
	"github.com/coinvest/ledger-engine/internal/model"
	"github.com/coinvest/ledger-engine/internal/retry"
	"github.com/coinvest/ledger-engine/internal/store"
)

// EventApplied is published after every processed distribution.
const EventApplied = "distribution.applied"

// DefaultWorkers bounds the fan-out when no worker count is configured.
const DefaultWorkers = 8

// CeilingSource resolves a tier's capital ceiling.
type CeilingSource interface {
	Ceiling(t model.RiskTier) (decimal.Decimal, error)
}

// Publisher receives distribution results.
type Publisher interface {
	Publish(eventType string, data any)
}

// Event is one external profit report.
type Event struct {
	RiskTier       model.RiskTier
	RealizedProfit decimal.Decimal // signed
	CapitalCeiling decimal.Decimal // optional per-call override; zero means use the tier config
	TradeID        string          // optional; deduplicated when set
}

// Outcome is the result of distributing to one position.
type Outcome struct {
	InvestmentID      string          `json:"investment_id"`
	OwnerID           string          `json:"owner_id"`
	Slot              int             `json:"slot"`
	StakeRatio        decimal.Decimal `json:"stake_ratio"`
	Increment         decimal.Decimal `json:"increment"`
	AccumulatedProfit decimal.Decimal `json:"accumulated_profit"`
	ErrorKind         apperr.Kind     `json:"error_kind,omitempty"`
	Error             string          `json:"error,omitempty"`
}

// Result aggregates a distribution.
type Result struct {
	Distribution model.Distribution `json:"distribution"`
	Applied      []Outcome          `json:"applied"`
	Failed       []Outcome          `json:"failed"`
}

// Engine runs profit distributions.
type Engine struct {
	store    store.Store
	ceilings CeilingSource
	workers  int
	retry    retry.Policy
	events   Publisher
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithWorkers bounds the number of positions updated in parallel.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithRetryPolicy overrides the per-position retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.retry = p }
}

// WithPublisher broadcasts results to p.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a distribution engine.
func NewEngine(st store.Store, ceilings CeilingSource, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		ceilings: ceilings,
		workers:  DefaultWorkers,
		retry:    retry.DefaultPolicy(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Distribute applies ev to every open BTC position in ev.RiskTier and
// records exactly one distribution. A zero CapitalCeiling uses the tier
// configuration; a negative one is rejected. Per-position failures are
// reported in Result.Failed; the returned error is non-nil only when
// nothing was applied (bad input, missing ceiling, duplicate trade id,
// storage failure before fan-out).
func (e *Engine) Distribute(ctx context.Context, ev Event) (*Result, error) {
	defer metrics.ObserveSince("distribute", time.Now())

	if !ev.RiskTier.Valid() {
		return nil, apperr.New(apperr.InvalidArgument, "unsupported risk tier %q", ev.RiskTier)
	}

	if ev.CapitalCeiling.IsNegative() {
		return nil, apperr.New(apperr.InvalidArgument, "capital ceiling override must be positive, got %s", ev.CapitalCeiling)
	}
	ceiling := ev.CapitalCeiling
	if ceiling.IsZero() {
		var err error
		ceiling, err = e.ceilings.Ceiling(ev.RiskTier)
		if err != nil {
			return nil, err
		}
	}

	all, err := e.store.ListInvestmentsByRiskTier(ctx, ev.RiskTier)
	if err != nil {
		return nil, fmt.Errorf("list %s positions: %w", ev.RiskTier, err)
	}
	targets := make([]model.Investment, 0, len(all))
	for _, inv := range all {
		if inv.CoinType == model.CoinBTC {
			targets = append(targets, inv)
		}
	}

	// From the claim on, the event runs to completion even if the caller
	// goes away: a claimed trade id cannot be replayed.
	ctx = context.WithoutCancel(ctx)

	// The record is written before fan-out so a repeated trade id is
	// rejected before any position moves.
	record := model.Distribution{
		ID:                   uuid.New().String(),
		RiskTier:             ev.RiskTier,
		RealizedProfitAmount: ev.RealizedProfit,
		CapitalCeiling:       ceiling,
		TradeID:              ev.TradeID,
		CreatedAt:            e.now(),
	}
	if err := e.store.InsertDistribution(ctx, &record); err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, len(targets))
	p := pool.New().WithMaxGoroutines(e.workers)
	for i := range targets {
		p.Go(func() {
			outcomes[i] = e.apply(ctx, &targets[i], ev.RealizedProfit, ceiling)
		})
	}
	p.Wait()

	result := &Result{Distribution: record, Applied: []Outcome{}, Failed: []Outcome{}}
	for _, o := range outcomes {
		if o.ErrorKind != "" {
			result.Failed = append(result.Failed, o)
		} else {
			result.Applied = append(result.Applied, o)
		}
	}

	tierLabel := string(ev.RiskTier)
	metrics.Distributions.WithLabelValues(tierLabel).Inc()
	metrics.DistributionOutcomes.WithLabelValues(tierLabel, "applied").Add(float64(len(result.Applied)))
	metrics.DistributionOutcomes.WithLabelValues(tierLabel, "failed").Add(float64(len(result.Failed)))

	slog.Info("profit distributed",
		"id", record.ID,
		"tier", ev.RiskTier,
		"profit", ev.RealizedProfit.String(),
		"ceiling", ceiling.String(),
		"trade_id", ev.TradeID,
		"applied", len(result.Applied),
		"failed", len(result.Failed),
	)
	if e.events != nil {
		e.events.Publish(EventApplied, result)
	}
	return result, nil
}

// apply credits one position, re-reading it on every attempt so the stake
// ratio reflects the committed state.
func (e *Engine) apply(ctx context.Context, target *model.Investment, profit, ceiling decimal.Decimal) Outcome {
	out := Outcome{InvestmentID: target.ID, OwnerID: target.OwnerID, Slot: target.Slot}

	err := retry.OnConflict(ctx, e.retry, "distribute", func() error {
		cur, err := e.store.GetInvestment(ctx, target.ID)
		if err != nil {
			return err
		}
		expected := cur.Version
		ratio := cur.Stake().Div(ceiling)
		increment := profit.Mul(ratio)
		cur.AccumulatedProfit = cur.AccumulatedProfit.Add(increment)
		cur.UpdatedAt = e.now()
		if err := e.store.UpdateInvestment(ctx, cur, expected, nil); err != nil {
			return err
		}
		out.StakeRatio = ratio
		out.Increment = increment
		out.AccumulatedProfit = cur.AccumulatedProfit
		return nil
	})
	if err != nil {
		out.ErrorKind = apperr.KindOf(err)
		out.Error = apperr.MessageOf(err)
		slog.Warn("distribution to position failed",
			"investment", target.ID,
			"owner", target.OwnerID,
			"kind", out.ErrorKind,
			"err", err,
		)
	}
	return out
}

// History lists distribution records newest first. An empty tier lists all
// tiers; limit <= 0 means no limit.
func (e *Engine) History(ctx context.Context, t model.RiskTier, limit int) ([]model.Distribution, error) {
	if t != "" && !t.Valid() {
		return nil, apperr.New(apperr.InvalidArgument, "unsupported risk tier %q", t)
	}
	return e.store.ListDistributions(ctx, t, limit)
}
