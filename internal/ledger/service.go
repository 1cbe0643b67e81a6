// Package ledger implements the user-facing side of the engine: custodial
// cash balances, investment positions and owner/position lookup.
//
// Every mutation is an optimistic read-modify-write against the store. A
// lost version race is retried with backoff and, if it keeps losing,
// surfaces as apperr.ConcurrentModification. All monetary values use
// shopspring/decimal.
package ledger

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"github.com/coinvest/ledger-engine/internal/pricefeed"
	"github.com/coinvest/ledger-engine/internal/retry"
	"github.com/coinvest/ledger-engine/internal/store"
)

// Event types published after committed mutations.
const (
	EventCashDeposited   = "cash.deposited"
	EventCashWithdrawn   = "cash.withdrawn"
	EventPositionOpened  = "position.opened"
	EventPositionUpdated = "position.updated"
	EventPositionClosed  = "position.closed"
	EventUserRegistered  = "user.registered"
)

// Publisher receives ledger events, e.g. a WebSocket hub.
type Publisher interface {
	Publish(eventType string, data any)
}

// Service owns the Balance Ledger, the Investment Store operations and the
// User/Position Directory.
type Service struct {
	store    store.Store
	prices   pricefeed.Feed
	events   Publisher
	retry    retry.Policy
	now      func() time.Time
	validate *validator.Validate
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher broadcasts committed mutations to p.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithRetryPolicy overrides the optimistic-concurrency retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.retry = p }
}

// WithClock overrides the time source used to stamp records.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a ledger service.
func NewService(st store.Store, prices pricefeed.Feed, opts ...Option) *Service {
	s := &Service{
		store:    st,
		prices:   prices,
		retry:    retry.DefaultPolicy(),
		now:      func() time.Time { return time.Now().UTC() },
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) publish(eventType string, data any) {
	if s.events != nil {
		s.events.Publish(eventType, data)
	}
}

// newTxID returns a ULID stamped with t, so ids sort by creation time.
func newTxID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
