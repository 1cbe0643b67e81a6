// Package pricefeed supplies reference prices used to stamp new positions.
package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/coinvest/ledger-engine/internal/model"
)

// ErrUnavailable is returned when no price can be obtained for a coin.
var ErrUnavailable = errors.New("pricefeed: price unavailable")

// Feed returns the current USDT price of a coin.
type Feed interface {
	Price(ctx context.Context, coin model.CoinType) (decimal.Decimal, error)
}

// Binance reads spot prices from the public Binance ticker endpoint.
// Concurrent lookups for the same symbol share one request, and repeated
// failures open a circuit breaker so callers fail fast.
type Binance struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
}

// NewBinance creates a client against baseURL (e.g. https://api.binance.com).
func NewBinance(baseURL string, timeout time.Duration) *Binance {
	return &Binance{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "binance-ticker",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// A caller giving up says nothing about the ticker's health.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

type tickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// Price returns the last traded price of coin against USDT.
func (b *Binance) Price(ctx context.Context, coin model.CoinType) (decimal.Decimal, error) {
	if !coin.Valid() {
		return decimal.Zero, fmt.Errorf("%w: unknown coin %q", ErrUnavailable, coin)
	}
	symbol := coin.USDTSymbol()

	if err := ctx.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
	}

	// The shared fetch outlives any single caller and is bounded by the
	// client timeout instead.
	fetchCtx := context.WithoutCancel(ctx)
	ch := b.group.DoChan(symbol, func() (any, error) {
		return b.breaker.Execute(func() (any, error) {
			return b.fetch(fetchCtx, symbol)
		})
	})
	select {
	case <-ctx.Done():
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, res.Err)
		}
		return res.Val.(decimal.Decimal), nil
	}
}

func (b *Binance) fetch(ctx context.Context, symbol string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", b.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("ticker returned status %d", resp.StatusCode)
	}

	var ticker tickerResponse
	if err := json.NewDecoder(resp.Body).Decode(&ticker); err != nil {
		return decimal.Zero, fmt.Errorf("decode ticker: %w", err)
	}
	price, err := decimal.NewFromString(ticker.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", ticker.Price, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %s", price)
	}
	return price, nil
}

// Static serves fixed prices. Coins without an entry are unavailable.
type Static map[model.CoinType]decimal.Decimal

// Price implements Feed.
func (s Static) Price(_ context.Context, coin model.CoinType) (decimal.Decimal, error) {
	p, ok := s[coin]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no static price for %s", ErrUnavailable, coin)
	}
	return p, nil
}
