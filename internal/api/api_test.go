package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/coinvest/ledger-engine/internal/api"
	"github.com/coinvest/ledger-engine/internal/distribution"
	"github.com/coinvest/ledger-engine/internal/ledger"
	"github.com/coinvest/ledger-engine/internal/model"
	"github.com/coinvest/ledger-engine/internal/pricefeed"
	"github.com/coinvest/ledger-engine/internal/store"
	"github.com/coinvest/ledger-engine/internal/tier"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv wires the handlers to an in-memory store.
func newTestEnv(t *testing.T) chi.Router {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := ledger.NewService(ms, pricefeed.Static{model.CoinBTC: d(50000), model.CoinETH: d(3000)})
	engine := distribution.NewEngine(ms, tier.Ceilings{
		model.TierLow:    d(1000),
		model.TierMedium: d(5000),
	})
	return api.NewRouter(api.NewHandler(svc, engine), nil)
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeInto(t, w, &body)
	return body.Error.Kind
}

// registerFunded creates a user holding cash.
func registerFunded(t *testing.T, r http.Handler, email string, cash float64) model.User {
	t.Helper()
	w := do(t, r, http.MethodPost, "/api/v1/users", map[string]string{"email": email})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var u model.User
	decodeInto(t, w, &u)

	if cash > 0 {
		w = do(t, r, http.MethodPost, "/api/v1/users/"+u.ID+"/cash/deposit", map[string]any{"amount": d(cash)})
		if w.Code != http.StatusOK {
			t.Fatalf("deposit: expected 200, got %d: %s", w.Code, w.Body.String())
		}
		decodeInto(t, w, &u)
	}
	return u
}

func TestHealth(t *testing.T) {
	r := newTestEnv(t)
	w := do(t, r, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRegisterUser_InvalidEmail(t *testing.T) {
	r := newTestEnv(t)
	w := do(t, r, http.MethodPost, "/api/v1/users", map[string]string{"email": "not-an-email"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if kind := errorKind(t, w); kind != "invalid_argument" {
		t.Errorf("expected invalid_argument, got %s", kind)
	}
}

func TestRegisterUser_Duplicate(t *testing.T) {
	r := newTestEnv(t)
	registerFunded(t, r, "alice@example.com", 0)

	w := do(t, r, http.MethodPost, "/api/v1/users", map[string]string{"email": "Alice@Example.com"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if kind := errorKind(t, w); kind != "duplicate_user" {
		t.Errorf("expected duplicate_user, got %s", kind)
	}
}

func TestCash_DepositWithdrawByEmail(t *testing.T) {
	r := newTestEnv(t)
	registerFunded(t, r, "bob@example.com", 100)

	w := do(t, r, http.MethodPost, "/api/v1/users/bob@example.com/cash/withdraw", map[string]any{"amount": "40.5"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var u model.User
	decodeInto(t, w, &u)
	if !u.CashBalance.Equal(d(59.5)) {
		t.Errorf("expected balance 59.5, got %s", u.CashBalance)
	}

	w = do(t, r, http.MethodGet, "/api/v1/users/bob@example.com", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCash_WithdrawInsufficient(t *testing.T) {
	r := newTestEnv(t)
	u := registerFunded(t, r, "carol@example.com", 10)

	w := do(t, r, http.MethodPost, "/api/v1/users/"+u.ID+"/cash/withdraw", map[string]any{"amount": "10.01"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", w.Code)
	}
	if kind := errorKind(t, w); kind != "insufficient_balance" {
		t.Errorf("expected insufficient_balance, got %s", kind)
	}
}

func TestCash_NonPositiveAmount(t *testing.T) {
	r := newTestEnv(t)
	u := registerFunded(t, r, "dave@example.com", 0)

	w := do(t, r, http.MethodPost, "/api/v1/users/"+u.ID+"/cash/deposit", map[string]any{"amount": "0"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if kind := errorKind(t, w); kind != "invalid_amount" {
		t.Errorf("expected invalid_amount, got %s", kind)
	}
}

func TestUnknownUser(t *testing.T) {
	r := newTestEnv(t)
	w := do(t, r, http.MethodGet, "/api/v1/users/nobody@example.com", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestTransactions_Pagination(t *testing.T) {
	r := newTestEnv(t)
	u := registerFunded(t, r, "erin@example.com", 0)
	for i := 1; i <= 5; i++ {
		w := do(t, r, http.MethodPost, "/api/v1/users/"+u.ID+"/cash/deposit", map[string]any{"amount": d(float64(i))})
		if w.Code != http.StatusOK {
			t.Fatalf("deposit %d: got %d", i, w.Code)
		}
	}

	w := do(t, r, http.MethodGet, "/api/v1/users/"+u.ID+"/transactions?page=2&per_page=2&sort=asc", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var page model.Page
	decodeInto(t, w, &page)
	if page.TotalCount != 5 || page.TotalPages != 3 {
		t.Errorf("expected 5 records over 3 pages, got %d over %d", page.TotalCount, page.TotalPages)
	}
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page.Items))
	}
	if !page.Items[0].Amount.Equal(d(3)) || !page.Items[1].Amount.Equal(d(4)) {
		t.Errorf("expected amounts 3 and 4, got %s and %s", page.Items[0].Amount, page.Items[1].Amount)
	}
}

func TestTransactions_InvalidPage(t *testing.T) {
	r := newTestEnv(t)
	u := registerFunded(t, r, "frank@example.com", 0)

	for _, q := range []string{"page=0", "page=abc", "per_page=0", "per_page=101"} {
		w := do(t, r, http.MethodGet, "/api/v1/users/"+u.ID+"/transactions?"+q, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
			continue
		}
		if kind := errorKind(t, w); kind != "invalid_page" {
			t.Errorf("%s: expected invalid_page, got %s", q, kind)
		}
	}

	w := do(t, r, http.MethodGet, "/api/v1/users/"+u.ID+"/transactions?sort=sideways", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad sort: expected 400, got %d", w.Code)
	}
}

func TestPosition_Lifecycle(t *testing.T) {
	r := newTestEnv(t)
	u := registerFunded(t, r, "grace@example.com", 1000)
	base := "/api/v1/users/" + u.ID + "/investments"

	w := do(t, r, http.MethodPost, base, map[string]any{
		"coin_type": "btc", "risk_tier": "LOW", "slot": 0, "principal": "400",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("open: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var inv model.Investment
	decodeInto(t, w, &inv)
	if inv.Name != "BTC slot 0" {
		t.Errorf("expected default name, got %q", inv.Name)
	}
	if !inv.EntryReferencePrice.Equal(d(50000)) {
		t.Errorf("expected entry price 50000, got %s", inv.EntryReferencePrice)
	}

	// Same slot again.
	w = do(t, r, http.MethodPost, base, map[string]any{
		"coin_type": "BTC", "risk_tier": "low", "slot": 0, "principal": "1",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate slot: expected 409, got %d", w.Code)
	}

	w = do(t, r, http.MethodPost, base+"/0/withdraw", map[string]any{"amount": "100", "description": "rebalance"})
	if w.Code != http.StatusOK {
		t.Fatalf("withdraw: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, r, http.MethodPost, base+"/0/withdraw", map[string]any{"amount": "301"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("over-withdraw: expected 422, got %d", w.Code)
	}
	w = do(t, r, http.MethodPost, base+"/0/deposit", map[string]any{"amount": "50"})
	if w.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d", w.Code)
	}
	w = do(t, r, http.MethodPut, base+"/0/profit", map[string]any{"accumulated_profit": "12.5"})
	if w.Code != http.StatusOK {
		t.Fatalf("profit: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, r, http.MethodGet, base+"/0", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
	decodeInto(t, w, &inv)
	if !inv.Principal.Equal(d(350)) {
		t.Errorf("expected principal 350, got %s", inv.Principal)
	}
	if !inv.AccumulatedProfit.Equal(d(12.5)) {
		t.Errorf("expected profit 12.5, got %s", inv.AccumulatedProfit)
	}
	if len(inv.Ledger) != 3 {
		t.Errorf("expected 3 ledger entries, got %d", len(inv.Ledger))
	}

	w = do(t, r, http.MethodDelete, base+"/0", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("close: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var closure ledger.Closure
	decodeInto(t, w, &closure)
	if !closure.Credited.Equal(d(350)) {
		t.Errorf("expected credit 350, got %s", closure.Credited)
	}
	if !closure.CashBalance.Equal(d(950)) {
		t.Errorf("expected cash 950, got %s", closure.CashBalance)
	}

	w = do(t, r, http.MethodGet, base+"/0", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("closed position: expected 404, got %d", w.Code)
	}
}

func TestPosition_Validation(t *testing.T) {
	r := newTestEnv(t)
	u := registerFunded(t, r, "heidi@example.com", 100)
	base := "/api/v1/users/" + u.ID + "/investments"

	cases := []struct {
		name string
		body map[string]any
		code int
	}{
		{"missing slot", map[string]any{"coin_type": "BTC", "risk_tier": "low", "principal": "10"}, http.StatusBadRequest},
		{"negative slot", map[string]any{"coin_type": "BTC", "risk_tier": "low", "slot": -1, "principal": "10"}, http.StatusBadRequest},
		{"unknown coin", map[string]any{"coin_type": "DOGE", "risk_tier": "low", "slot": 1, "principal": "10"}, http.StatusBadRequest},
		{"unknown tier", map[string]any{"coin_type": "BTC", "risk_tier": "extreme", "slot": 1, "principal": "10"}, http.StatusBadRequest},
		{"over balance", map[string]any{"coin_type": "BTC", "risk_tier": "low", "slot": 1, "principal": "100.01"}, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, r, http.MethodPost, base, tc.body)
			if w.Code != tc.code {
				t.Errorf("expected %d, got %d: %s", tc.code, w.Code, w.Body.String())
			}
		})
	}

	w := do(t, r, http.MethodGet, base+"/one", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("non-integer slot: expected 400, got %d", w.Code)
	}
}

func TestListInvestments(t *testing.T) {
	r := newTestEnv(t)
	u := registerFunded(t, r, "ivan@example.com", 1000)
	base := "/api/v1/users/" + u.ID + "/investments"

	for i, coin := range []string{"BTC", "ETH", "BTC"} {
		tierName := "low"
		if i == 2 {
			tierName = "high"
		}
		w := do(t, r, http.MethodPost, base, map[string]any{
			"coin_type": coin, "risk_tier": tierName, "slot": i, "principal": "10",
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("open %d: got %d: %s", i, w.Code, w.Body.String())
		}
	}

	var invs []model.Investment
	w := do(t, r, http.MethodGet, base+"?coin_type=btc", nil)
	decodeInto(t, w, &invs)
	if len(invs) != 2 {
		t.Errorf("expected 2 BTC positions, got %d", len(invs))
	}

	w = do(t, r, http.MethodGet, "/api/v1/investments?risk_tier=low", nil)
	decodeInto(t, w, &invs)
	if len(invs) != 2 {
		t.Errorf("expected 2 low-tier positions, got %d", len(invs))
	}

	w = do(t, r, http.MethodGet, "/api/v1/investments", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing tier: expected 400, got %d", w.Code)
	}
}

func TestTradeCallback_Distributes(t *testing.T) {
	r := newTestEnv(t)
	u := registerFunded(t, r, "judy@example.com", 1000)
	w := do(t, r, http.MethodPost, "/api/v1/users/"+u.ID+"/investments", map[string]any{
		"coin_type": "BTC", "risk_tier": "low", "slot": 0, "principal": "100",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("open: got %d", w.Code)
	}

	// 100 of a 1000 ceiling earns a tenth of 50.
	w = do(t, r, http.MethodGet, "/trade/callback/sell?risk_level=low&profit_usd=50&trade_id=t-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("callback: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res distribution.Result
	decodeInto(t, w, &res)
	if len(res.Applied) != 1 || len(res.Failed) != 0 {
		t.Fatalf("expected 1 applied, got %d applied %d failed", len(res.Applied), len(res.Failed))
	}
	if !res.Applied[0].Increment.Equal(d(5)) {
		t.Errorf("expected increment 5, got %s", res.Applied[0].Increment)
	}

	// Replay of the same trade.
	w = do(t, r, http.MethodPost, "/trade/callback/sell?risk_level=low&profit_usd=50&trade_id=t-1", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("replay: expected 409, got %d", w.Code)
	}

	// stake_amount overrides the configured ceiling.
	w = do(t, r, http.MethodGet, "/trade/callback/sell?risk_level=LOW&profit_usd=-20&stake_amount=500", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("override: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	decodeInto(t, w, &res)
	// (100 + 5) / 500 * -20
	if !res.Applied[0].Increment.Equal(d(-4.2)) {
		t.Errorf("expected increment -4.2, got %s", res.Applied[0].Increment)
	}

	var history []model.Distribution
	w = do(t, r, http.MethodGet, "/api/v1/distributions?risk_tier=low", nil)
	decodeInto(t, w, &history)
	if len(history) != 2 {
		t.Fatalf("expected 2 distributions, got %d", len(history))
	}
	if history[0].TradeID != "" || history[1].TradeID != "t-1" {
		t.Errorf("expected newest first, got %q then %q", history[0].TradeID, history[1].TradeID)
	}

	// Tier filters parse the same way as request bodies.
	w = do(t, r, http.MethodGet, "/api/v1/distributions?risk_tier=LOW", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("upper-case tier: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	decodeInto(t, w, &history)
	if len(history) != 2 {
		t.Errorf("upper-case tier: expected 2 distributions, got %d", len(history))
	}
	w = do(t, r, http.MethodGet, "/api/v1/distributions?risk_tier=extreme", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown tier: expected 400, got %d", w.Code)
	}
}

func TestTradeCallback_BadInput(t *testing.T) {
	r := newTestEnv(t)

	cases := []struct {
		query string
		code  int
	}{
		{"risk_level=extreme&profit_usd=1", http.StatusBadRequest},
		{"risk_level=low", http.StatusBadRequest},
		{"risk_level=low&profit_usd=lots", http.StatusBadRequest},
		{"risk_level=low&profit_usd=1&stake_amount=x", http.StatusBadRequest},
		{"risk_level=low&profit_usd=1&stake_amount=-5", http.StatusBadRequest},
		// No ceiling configured for high.
		{"risk_level=high&profit_usd=1", http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		w := do(t, r, http.MethodGet, "/trade/callback/sell?"+tc.query, nil)
		if w.Code != tc.code {
			t.Errorf("%s: expected %d, got %d: %s", tc.query, tc.code, w.Code, w.Body.String())
		}
	}
}
