package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coinvest/ledger-engine/internal/apperr"
	"github.com/coinvest/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Conditional writes use `WHERE version = $n` and multi-record operations
// run inside a single transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const uniqueViolation = "23505"

const userColumns = `id, email, cash_balance::TEXT, version, created_at, updated_at`

const investmentColumns = `id, owner_id, name, coin_type, risk_tier, slot,
	principal::TEXT, entry_reference_price::TEXT, accumulated_profit::TEXT,
	version, created_at, updated_at`

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, cash_balance, version, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)`,
		u.ID, u.Email, u.CashBalance.String(), u.Version, u.CreatedAt, u.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.New(apperr.DuplicateUser, "user with email %s already exists", u.Email)
	}
	return err
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "user %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "user with email %s not found", email)
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) ApplyCashTransaction(ctx context.Context, userID string, expectedVersion int64, newBalance decimal.Decimal, tx *model.CashTransaction) error {
	return pgx.BeginFunc(ctx, s.pool, func(dbtx pgx.Tx) error {
		if err := updateUserBalance(ctx, dbtx, userID, expectedVersion, newBalance); err != nil {
			return err
		}
		return insertCashTransaction(ctx, dbtx, tx)
	})
}

func (s *PostgresStore) ListCashTransactions(ctx context.Context, q TransactionQuery) ([]model.CashTransaction, int, error) {
	var total int
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM cash_transactions WHERE user_id = $1),
		        EXISTS (SELECT 1 FROM users WHERE id = $1)`, q.UserID).
		Scan(&total, &exists)
	if err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}
	if !exists {
		return nil, 0, apperr.New(apperr.NotFound, "user %s not found", q.UserID)
	}

	order := "ASC"
	if q.Sort == model.SortDesc {
		order = "DESC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = total
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, kind, amount::TEXT, description, investment_id, created_at
		 FROM cash_transactions WHERE user_id = $1
		 ORDER BY created_at `+order+`, seq `+order+`
		 LIMIT $2 OFFSET $3`, q.UserID, limit, q.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []model.CashTransaction{}
	for rows.Next() {
		var t model.CashTransaction
		var amountS string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Kind, &amountS, &t.Description, &t.InvestmentID, &t.CreatedAt); err != nil {
			return nil, 0, err
		}
		t.Amount, _ = decimal.NewFromString(amountS)
		items = append(items, t)
	}
	return items, total, rows.Err()
}

func (s *PostgresStore) OpenInvestment(ctx context.Context, inv *model.Investment, ownerVersion int64, newOwnerBalance decimal.Decimal, cashTx *model.CashTransaction) error {
	return pgx.BeginFunc(ctx, s.pool, func(dbtx pgx.Tx) error {
		if err := updateUserBalance(ctx, dbtx, inv.OwnerID, ownerVersion, newOwnerBalance); err != nil {
			return err
		}
		if err := insertCashTransaction(ctx, dbtx, cashTx); err != nil {
			return err
		}

		_, err := dbtx.Exec(ctx,
			`INSERT INTO investments (id, owner_id, name, coin_type, risk_tier, slot,
			        principal, entry_reference_price, accumulated_profit, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
			inv.ID, inv.OwnerID, inv.Name, string(inv.CoinType), string(inv.RiskTier), inv.Slot,
			inv.Principal.String(), inv.EntryReferencePrice.String(), inv.AccumulatedProfit.String(),
			inv.Version, inv.CreatedAt, inv.UpdatedAt,
		)
		if isUniqueViolation(err) {
			return apperr.New(apperr.DuplicateSlot, "slot %d is already open", inv.Slot)
		}
		if err != nil {
			return fmt.Errorf("insert investment: %w", err)
		}

		for i := range inv.Ledger {
			if err := insertInvestmentTransaction(ctx, dbtx, inv.ID, &inv.Ledger[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetInvestment(ctx context.Context, id string) (*model.Investment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+investmentColumns+` FROM investments WHERE id = $1`, id)
	return s.loadInvestment(ctx, row, fmt.Sprintf("investment %s not found", id))
}

func (s *PostgresStore) GetInvestmentBySlot(ctx context.Context, ownerID string, slot int) (*model.Investment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+investmentColumns+` FROM investments WHERE owner_id = $1 AND slot = $2`, ownerID, slot)
	return s.loadInvestment(ctx, row, fmt.Sprintf("no open investment in slot %d", slot))
}

func (s *PostgresStore) ListInvestmentsByOwner(ctx context.Context, ownerID string) ([]model.Investment, error) {
	return s.queryInvestments(ctx,
		`SELECT `+investmentColumns+` FROM investments WHERE owner_id = $1 ORDER BY created_at DESC, seq DESC`, ownerID)
}

func (s *PostgresStore) ListInvestmentsByRiskTier(ctx context.Context, tier model.RiskTier) ([]model.Investment, error) {
	return s.queryInvestments(ctx,
		`SELECT `+investmentColumns+` FROM investments WHERE risk_tier = $1 ORDER BY created_at DESC, seq DESC`, string(tier))
}

func (s *PostgresStore) UpdateInvestment(ctx context.Context, inv *model.Investment, expectedVersion int64, entry *model.InvestmentTransaction) error {
	return pgx.BeginFunc(ctx, s.pool, func(dbtx pgx.Tx) error {
		tag, err := dbtx.Exec(ctx,
			`UPDATE investments
			 SET principal = $2::NUMERIC, accumulated_profit = $3::NUMERIC,
			     version = version + 1, updated_at = $4
			 WHERE id = $1 AND version = $5`,
			inv.ID, inv.Principal.String(), inv.AccumulatedProfit.String(), inv.UpdatedAt, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("update investment %s: %w", inv.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return s.missingOrConflict(ctx, dbtx, "investments", inv.ID,
				apperr.New(apperr.NotFound, "investment %s not found", inv.ID))
		}
		if entry != nil {
			if err := insertInvestmentTransaction(ctx, dbtx, inv.ID, entry); err != nil {
				return err
			}
			inv.Ledger = append(inv.Ledger, *entry)
		}
		inv.Version = expectedVersion + 1
		return nil
	})
}

func (s *PostgresStore) CloseInvestment(ctx context.Context, investmentID string, investmentVersion int64, ownerID string, ownerVersion int64, newOwnerBalance decimal.Decimal, cashTx *model.CashTransaction) error {
	return pgx.BeginFunc(ctx, s.pool, func(dbtx pgx.Tx) error {
		tag, err := dbtx.Exec(ctx,
			`DELETE FROM investments WHERE id = $1 AND owner_id = $2 AND version = $3`,
			investmentID, ownerID, investmentVersion)
		if err != nil {
			return fmt.Errorf("delete investment %s: %w", investmentID, err)
		}
		if tag.RowsAffected() == 0 {
			var owned bool
			if err := dbtx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM investments WHERE id = $1 AND owner_id = $2)`,
				investmentID, ownerID).Scan(&owned); err != nil {
				return err
			}
			if !owned {
				return apperr.New(apperr.NotFound, "investment %s not found", investmentID)
			}
			return ErrVersionConflict
		}

		if err := updateUserBalance(ctx, dbtx, ownerID, ownerVersion, newOwnerBalance); err != nil {
			return err
		}
		if cashTx == nil {
			return nil
		}
		return insertCashTransaction(ctx, dbtx, cashTx)
	})
}

func (s *PostgresStore) InsertDistribution(ctx context.Context, d *model.Distribution) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO distributions (id, risk_tier, realized_profit_amount, capital_ceiling, trade_id, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)`,
		d.ID, string(d.RiskTier), d.RealizedProfitAmount.String(), d.CapitalCeiling.String(), d.TradeID, d.CreatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.New(apperr.DuplicateEvent, "trade %s was already distributed", d.TradeID)
	}
	return err
}

func (s *PostgresStore) ListDistributions(ctx context.Context, tier model.RiskTier, limit int) ([]model.Distribution, error) {
	query := `SELECT id, risk_tier, realized_profit_amount::TEXT, capital_ceiling::TEXT, trade_id, created_at
	          FROM distributions WHERE ($1 = '' OR risk_tier = $1)
	          ORDER BY created_at DESC, seq DESC`
	args := []any{string(tier)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []model.Distribution{}
	for rows.Next() {
		var d model.Distribution
		var amountS, ceilingS string
		if err := rows.Scan(&d.ID, &d.RiskTier, &amountS, &ceilingS, &d.TradeID, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.RealizedProfitAmount, _ = decimal.NewFromString(amountS)
		d.CapitalCeiling, _ = decimal.NewFromString(ceilingS)
		result = append(result, d)
	}
	return result, rows.Err()
}

// --- helpers ---

// updateUserBalance is the conditional write shared by every cash movement.
func updateUserBalance(ctx context.Context, dbtx pgx.Tx, userID string, expectedVersion int64, newBalance decimal.Decimal) error {
	tag, err := dbtx.Exec(ctx,
		`UPDATE users SET cash_balance = $2::NUMERIC, version = version + 1, updated_at = NOW()
		 WHERE id = $1 AND version = $3`,
		userID, newBalance.String(), expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update balance for %s: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := dbtx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return apperr.New(apperr.NotFound, "user %s not found", userID)
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) missingOrConflict(ctx context.Context, dbtx pgx.Tx, table, id string, notFound error) error {
	var exists bool
	if err := dbtx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return notFound
	}
	return ErrVersionConflict
}

func insertCashTransaction(ctx context.Context, dbtx pgx.Tx, t *model.CashTransaction) error {
	_, err := dbtx.Exec(ctx,
		`INSERT INTO cash_transactions (id, user_id, kind, amount, description, investment_id, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
		t.ID, t.UserID, string(t.Kind), t.Amount.String(), t.Description, t.InvestmentID, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert cash transaction: %w", err)
	}
	return nil
}

func insertInvestmentTransaction(ctx context.Context, dbtx pgx.Tx, investmentID string, e *model.InvestmentTransaction) error {
	_, err := dbtx.Exec(ctx,
		`INSERT INTO investment_transactions (id, investment_id, kind, amount, description, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		e.ID, investmentID, string(e.Kind), e.Amount.String(), e.Description, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert investment transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) loadInvestment(ctx context.Context, row pgx.Row, notFoundMsg string) (*model.Investment, error) {
	inv, err := scanInvestment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "%s", notFoundMsg)
	}
	if err != nil {
		return nil, err
	}
	ledgers, err := s.loadLedgers(ctx, []string{inv.ID})
	if err != nil {
		return nil, err
	}
	inv.Ledger = ledgers[inv.ID]
	return inv, nil
}

func (s *PostgresStore) queryInvestments(ctx context.Context, query string, args ...any) ([]model.Investment, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []model.Investment{}
	var ids []string
	for rows.Next() {
		inv, err := scanInvestment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *inv)
		ids = append(ids, inv.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return result, nil
	}

	ledgers, err := s.loadLedgers(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range result {
		result[i].Ledger = ledgers[result[i].ID]
	}
	return result, nil
}

// loadLedgers fetches the sub-ledgers of several investments in one query,
// preserving insertion order.
func (s *PostgresStore) loadLedgers(ctx context.Context, ids []string) (map[string][]model.InvestmentTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT investment_id, id, kind, amount::TEXT, description, created_at
		 FROM investment_transactions WHERE investment_id = ANY($1) ORDER BY seq`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ledgers := make(map[string][]model.InvestmentTransaction, len(ids))
	for rows.Next() {
		var invID, amountS string
		var e model.InvestmentTransaction
		if err := rows.Scan(&invID, &e.ID, &e.Kind, &amountS, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amountS)
		ledgers[invID] = append(ledgers[invID], e)
	}
	return ledgers, rows.Err()
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var balanceS string
	if err := row.Scan(&u.ID, &u.Email, &balanceS, &u.Version, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.CashBalance, _ = decimal.NewFromString(balanceS)
	return &u, nil
}

func scanInvestment(row pgx.Row) (*model.Investment, error) {
	var inv model.Investment
	var principalS, priceS, profitS string
	if err := row.Scan(&inv.ID, &inv.OwnerID, &inv.Name, &inv.CoinType, &inv.RiskTier, &inv.Slot,
		&principalS, &priceS, &profitS,
		&inv.Version, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	inv.Principal, _ = decimal.NewFromString(principalS)
	inv.EntryReferencePrice, _ = decimal.NewFromString(priceS)
	inv.AccumulatedProfit, _ = decimal.NewFromString(profitS)
	return &inv, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
