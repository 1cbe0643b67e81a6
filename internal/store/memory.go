package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coinvest/ledger-engine/internal/apperr"
	"github.com/coinvest/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]*model.User
	usersByEmail  map[string]string // lower(email) → user id
	cashLog       map[string][]model.CashTransaction
	investments   map[string]*model.Investment
	slotIndex     map[slotKey]string // (owner, slot) → investment id
	distributions []model.Distribution
	tradeIDs      map[string]bool
	seq           int64
	created       map[string]int64 // investment id → insertion sequence
}

type slotKey struct {
	owner string
	slot  int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]*model.User),
		usersByEmail: make(map[string]string),
		cashLog:      make(map[string][]model.CashTransaction),
		investments:  make(map[string]*model.Investment),
		slotIndex:    make(map[slotKey]string),
		tradeIDs:     make(map[string]bool),
		created:      make(map[string]int64),
	}
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(u.Email)
	if _, ok := s.usersByEmail[email]; ok {
		return apperr.New(apperr.DuplicateUser, "user with email %s already exists", u.Email)
	}
	if _, ok := s.users[u.ID]; ok {
		return apperr.New(apperr.DuplicateUser, "user %s already exists", u.ID)
	}

	// Store a copy to avoid external mutation.
	copy := *u
	s.users[u.ID] = &copy
	s.usersByEmail[email] = u.ID
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "user %s not found", id)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByEmail[strings.ToLower(email)]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "user with email %s not found", email)
	}
	copy := *s.users[id]
	return &copy, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

func (s *MemoryStore) ApplyCashTransaction(_ context.Context, userID string, expectedVersion int64, newBalance decimal.Decimal, tx *model.CashTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return apperr.New(apperr.NotFound, "user %s not found", userID)
	}
	if u.Version != expectedVersion {
		return ErrVersionConflict
	}

	u.CashBalance = newBalance
	u.Version++
	u.UpdatedAt = tx.CreatedAt
	s.cashLog[userID] = append(s.cashLog[userID], *tx)
	return nil
}

func (s *MemoryStore) ListCashTransactions(_ context.Context, q TransactionQuery) ([]model.CashTransaction, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.users[q.UserID]; !ok {
		return nil, 0, apperr.New(apperr.NotFound, "user %s not found", q.UserID)
	}

	// The log is kept in insertion order; a stable sort by timestamp keeps
	// insertion order as the tiebreak.
	all := append([]model.CashTransaction(nil), s.cashLog[q.UserID]...)
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	if q.Sort == model.SortDesc {
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
	}

	total := len(all)
	if q.Offset < 0 || q.Offset >= total {
		return []model.CashTransaction{}, total, nil
	}
	end := total
	if q.Limit > 0 && q.Limit < total-q.Offset {
		end = q.Offset + q.Limit
	}
	return all[q.Offset:end], total, nil
}

func (s *MemoryStore) OpenInvestment(_ context.Context, inv *model.Investment, ownerVersion int64, newOwnerBalance decimal.Decimal, cashTx *model.CashTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before touching state so a failure leaves nothing
	// half-applied.
	owner, ok := s.users[inv.OwnerID]
	if !ok {
		return apperr.New(apperr.NotFound, "user %s not found", inv.OwnerID)
	}
	key := slotKey{owner: inv.OwnerID, slot: inv.Slot}
	if _, taken := s.slotIndex[key]; taken {
		return apperr.New(apperr.DuplicateSlot, "slot %d is already open", inv.Slot)
	}
	if owner.Version != ownerVersion {
		return ErrVersionConflict
	}
	if newOwnerBalance.IsNegative() {
		return apperr.New(apperr.InsufficientBalance, "cash balance would become negative")
	}

	owner.CashBalance = newOwnerBalance
	owner.Version++
	owner.UpdatedAt = inv.CreatedAt
	s.cashLog[owner.ID] = append(s.cashLog[owner.ID], *cashTx)

	s.investments[inv.ID] = inv.Clone()
	s.slotIndex[key] = inv.ID
	s.seq++
	s.created[inv.ID] = s.seq
	return nil
}

func (s *MemoryStore) GetInvestment(_ context.Context, id string) (*model.Investment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.investments[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "investment %s not found", id)
	}
	return inv.Clone(), nil
}

func (s *MemoryStore) GetInvestmentBySlot(_ context.Context, ownerID string, slot int) (*model.Investment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.slotIndex[slotKey{owner: ownerID, slot: slot}]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "no open investment in slot %d", slot)
	}
	return s.investments[id].Clone(), nil
}

func (s *MemoryStore) ListInvestmentsByOwner(_ context.Context, ownerID string) ([]model.Investment, error) {
	return s.filterInvestments(func(inv *model.Investment) bool {
		return inv.OwnerID == ownerID
	}), nil
}

func (s *MemoryStore) ListInvestmentsByRiskTier(_ context.Context, tier model.RiskTier) ([]model.Investment, error) {
	return s.filterInvestments(func(inv *model.Investment) bool {
		return inv.RiskTier == tier
	}), nil
}

// filterInvestments returns matching investments newest first.
func (s *MemoryStore) filterInvestments(match func(*model.Investment) bool) []model.Investment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.Investment{}
	for _, inv := range s.investments {
		if match(inv) {
			result = append(result, *inv.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return s.created[result[i].ID] > s.created[result[j].ID]
	})
	return result
}

func (s *MemoryStore) UpdateInvestment(_ context.Context, inv *model.Investment, expectedVersion int64, entry *model.InvestmentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.investments[inv.ID]
	if !ok {
		return apperr.New(apperr.NotFound, "investment %s not found", inv.ID)
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	if inv.Principal.IsNegative() {
		return apperr.New(apperr.InsufficientFunds, "principal would become negative")
	}

	cur.Principal = inv.Principal
	cur.AccumulatedProfit = inv.AccumulatedProfit
	cur.UpdatedAt = inv.UpdatedAt
	if entry != nil {
		cur.Ledger = append(cur.Ledger, *entry)
	}
	cur.Version++

	inv.Version = cur.Version
	inv.Ledger = append([]model.InvestmentTransaction(nil), cur.Ledger...)
	return nil
}

func (s *MemoryStore) CloseInvestment(_ context.Context, investmentID string, investmentVersion int64, ownerID string, ownerVersion int64, newOwnerBalance decimal.Decimal, cashTx *model.CashTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.investments[investmentID]
	if !ok || inv.OwnerID != ownerID {
		return apperr.New(apperr.NotFound, "investment %s not found", investmentID)
	}
	owner, ok := s.users[ownerID]
	if !ok {
		return apperr.New(apperr.NotFound, "user %s not found", ownerID)
	}
	if inv.Version != investmentVersion || owner.Version != ownerVersion {
		return ErrVersionConflict
	}

	owner.CashBalance = newOwnerBalance
	owner.Version++
	if cashTx != nil {
		owner.UpdatedAt = cashTx.CreatedAt
		s.cashLog[ownerID] = append(s.cashLog[ownerID], *cashTx)
	}

	delete(s.slotIndex, slotKey{owner: ownerID, slot: inv.Slot})
	delete(s.investments, investmentID)
	delete(s.created, investmentID)
	return nil
}

func (s *MemoryStore) InsertDistribution(_ context.Context, d *model.Distribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.TradeID != "" {
		if s.tradeIDs[d.TradeID] {
			return apperr.New(apperr.DuplicateEvent, "trade %s was already distributed", d.TradeID)
		}
		s.tradeIDs[d.TradeID] = true
	}
	s.distributions = append(s.distributions, *d)
	return nil
}

func (s *MemoryStore) ListDistributions(_ context.Context, tier model.RiskTier, limit int) ([]model.Distribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.Distribution{}
	for i := len(s.distributions) - 1; i >= 0; i-- {
		d := s.distributions[i]
		if tier != "" && d.RiskTier != tier {
			continue
		}
		result = append(result, d)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}
