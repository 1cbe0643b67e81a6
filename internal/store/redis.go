package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/coinvest/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Every cached record has a generation counter that writers bump on
// invalidation. A reader only fills the cache if the generation it saw
// before reading the primary is still current, so a slow reader cannot
// put back a record that a concurrent write has replaced or deleted.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.primary.CreateUser(ctx, u); err != nil {
		return err
	}
	s.rdb.Set(ctx, emailKey(u.Email), u.ID, s.ttl)
	return nil
}

func (s *CachedStore) ApplyCashTransaction(ctx context.Context, userID string, expectedVersion int64, newBalance decimal.Decimal, tx *model.CashTransaction) error {
	err := s.primary.ApplyCashTransaction(ctx, userID, expectedVersion, newBalance, tx)
	// A version conflict means our cached copy may be stale too.
	if err == nil || errors.Is(err, ErrVersionConflict) {
		s.invalidate(ctx, []string{userKey(userID)})
	}
	return err
}

func (s *CachedStore) OpenInvestment(ctx context.Context, inv *model.Investment, ownerVersion int64, newOwnerBalance decimal.Decimal, cashTx *model.CashTransaction) error {
	err := s.primary.OpenInvestment(ctx, inv, ownerVersion, newOwnerBalance, cashTx)
	if err == nil || errors.Is(err, ErrVersionConflict) {
		s.invalidate(ctx, []string{userKey(inv.OwnerID)}, slotKeyOf(inv.OwnerID, inv.Slot))
	}
	return err
}

func (s *CachedStore) UpdateInvestment(ctx context.Context, inv *model.Investment, expectedVersion int64, entry *model.InvestmentTransaction) error {
	err := s.primary.UpdateInvestment(ctx, inv, expectedVersion, entry)
	if err == nil || errors.Is(err, ErrVersionConflict) {
		s.invalidate(ctx, []string{investmentKey(inv.ID)})
	}
	return err
}

func (s *CachedStore) CloseInvestment(ctx context.Context, investmentID string, investmentVersion int64, ownerID string, ownerVersion int64, newOwnerBalance decimal.Decimal, cashTx *model.CashTransaction) error {
	// Resolve the slot before the record disappears so its index can be dropped.
	var slotIndexKey string
	if inv, err := s.GetInvestment(ctx, investmentID); err == nil {
		slotIndexKey = slotKeyOf(inv.OwnerID, inv.Slot)
	}

	err := s.primary.CloseInvestment(ctx, investmentID, investmentVersion, ownerID, ownerVersion, newOwnerBalance, cashTx)
	if err == nil || errors.Is(err, ErrVersionConflict) {
		var indexes []string
		if slotIndexKey != "" {
			indexes = append(indexes, slotIndexKey)
		}
		s.invalidate(ctx, []string{investmentKey(investmentID), userKey(ownerID)}, indexes...)
	}
	return err
}

func (s *CachedStore) InsertDistribution(ctx context.Context, d *model.Distribution) error {
	return s.primary.InsertDistribution(ctx, d)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	data, err := s.rdb.Get(ctx, userKey(id)).Bytes()
	if err == nil {
		var u model.User
		if json.Unmarshal(data, &u) == nil {
			return &u, nil
		}
	}

	gen, genOK := s.generation(ctx, userKey(id))
	u, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if genOK {
		s.cache(ctx, userKey(id), gen, u)
	}
	return u, nil
}

func (s *CachedStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	// Try cache via email→userID mapping.
	id, err := s.rdb.Get(ctx, emailKey(email)).Result()
	if err == nil {
		return s.GetUser(ctx, id)
	}

	u, err := s.primary.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	// The user id is only known after the read, so the record itself is
	// left for GetUser to cache.
	s.rdb.Set(ctx, emailKey(email), u.ID, s.ttl)
	return u, nil
}

func (s *CachedStore) GetInvestment(ctx context.Context, id string) (*model.Investment, error) {
	data, err := s.rdb.Get(ctx, investmentKey(id)).Bytes()
	if err == nil {
		var inv model.Investment
		if json.Unmarshal(data, &inv) == nil {
			return &inv, nil
		}
	}

	gen, genOK := s.generation(ctx, investmentKey(id))
	inv, err := s.primary.GetInvestment(ctx, id)
	if err != nil {
		return nil, err
	}
	if genOK {
		s.cache(ctx, investmentKey(id), gen, inv)
	}
	return inv, nil
}

func (s *CachedStore) GetInvestmentBySlot(ctx context.Context, ownerID string, slot int) (*model.Investment, error) {
	id, err := s.rdb.Get(ctx, slotKeyOf(ownerID, slot)).Result()
	if err == nil {
		inv, err := s.GetInvestment(ctx, id)
		if err == nil {
			return inv, nil
		}
		// Stale index entry: the position was closed elsewhere.
		s.rdb.Del(ctx, slotKeyOf(ownerID, slot))
	}

	inv, err := s.primary.GetInvestmentBySlot(ctx, ownerID, slot)
	if err != nil {
		return nil, err
	}
	s.rdb.Set(ctx, slotKeyOf(ownerID, slot), inv.ID, s.ttl)
	return inv, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListUsers(ctx)
}

func (s *CachedStore) ListCashTransactions(ctx context.Context, q TransactionQuery) ([]model.CashTransaction, int, error) {
	return s.primary.ListCashTransactions(ctx, q)
}

func (s *CachedStore) ListInvestmentsByOwner(ctx context.Context, ownerID string) ([]model.Investment, error) {
	return s.primary.ListInvestmentsByOwner(ctx, ownerID)
}

func (s *CachedStore) ListInvestmentsByRiskTier(ctx context.Context, tier model.RiskTier) ([]model.Investment, error) {
	return s.primary.ListInvestmentsByRiskTier(ctx, tier)
}

func (s *CachedStore) ListDistributions(ctx context.Context, tier model.RiskTier, limit int) ([]model.Distribution, error) {
	return s.primary.ListDistributions(ctx, tier, limit)
}

// --- Cache helpers ---

// generationTTL outlives any cached record so a counter is not reset while
// a reader still holds its old value.
const generationTTL = 24 * time.Hour

var errStaleRead = errors.New("cache generation moved")

// generation returns the current generation of a cached record. ok is false
// when Redis cannot answer, in which case the caller must not cache.
func (s *CachedStore) generation(ctx context.Context, key string) (gen int64, ok bool) {
	gen, err := s.rdb.Get(ctx, generationKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	return gen, err == nil
}

// cache stores v under key unless the record's generation has moved past
// gen. The check and the write are one WATCH transaction.
func (s *CachedStore) cache(ctx context.Context, key string, gen int64, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	genKey := generationKey(key)
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return errStaleRead
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, genKey)
	if err != nil && !errors.Is(err, errStaleRead) && !errors.Is(err, redis.TxFailedErr) {
		slog.Debug("cache fill skipped", "key", key, "err", err)
	}
}

// invalidate bumps the generation of each record key and drops it together
// with any index keys.
func (s *CachedStore) invalidate(ctx context.Context, records []string, indexes ...string) {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range records {
			pipe.Incr(ctx, generationKey(key))
			pipe.Expire(ctx, generationKey(key), generationTTL)
		}
		pipe.Del(ctx, append(append([]string{}, records...), indexes...)...)
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "keys", records, "err", err)
	}
}

func generationKey(key string) string { return "gen:" + key }

func userKey(id string) string            { return fmt.Sprintf("user:%s", id) }
func investmentKey(id string) string      { return fmt.Sprintf("investment:%s", id) }
func slotKeyOf(owner string, n int) string { return fmt.Sprintf("slot:%s:%d", owner, n) }

func emailKey(email string) string {
	return "email:" + strings.ToLower(strings.TrimSpace(email))
}
