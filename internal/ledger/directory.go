package ledger

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinvest/ledger-engine/internal/apperr"
	"github.com/coinvest/ledger-engine/internal/model"
)

// RegisterUser creates a user with a zero cash balance.
func (s *Service) RegisterUser(ctx context.Context, email string) (*model.User, error) {
	email = strings.TrimSpace(email)
	if err := s.validate.Var(email, "required,email"); err != nil {
		return nil, apperr.New(apperr.InvalidArgument, "invalid email address %q", email)
	}

	now := s.now()
	u := &model.User{
		ID:          uuid.New().String(),
		Email:       email,
		CashBalance: decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	slog.Info("user registered", "user", u.ID)
	s.publish(EventUserRegistered, u)
	return u, nil
}

// ResolveOwner maps an already-authenticated identifier (user id or email)
// to the user it names.
func (s *Service) ResolveOwner(ctx context.Context, identifier string) (*model.User, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, apperr.New(apperr.InvalidArgument, "owner identifier is required")
	}
	if strings.Contains(identifier, "@") {
		return s.store.GetUserByEmail(ctx, identifier)
	}
	return s.store.GetUser(ctx, identifier)
}

// ResolvePosition finds the owner's open position in slot.
func (s *Service) ResolvePosition(ctx context.Context, ownerIdentifier string, slot int) (*model.Investment, error) {
	owner, err := s.ResolveOwner(ctx, ownerIdentifier)
	if err != nil {
		return nil, err
	}
	return s.store.GetInvestmentBySlot(ctx, owner.ID, slot)
}
