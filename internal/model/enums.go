package model

import (
	"fmt"
	"strings"
)

// CoinType is the coin an investment is denominated in.
type CoinType string

const (
	CoinBTC CoinType = "BTC"
	CoinETH CoinType = "ETH"
	CoinSOL CoinType = "SOL"
)

// CoinTypes lists every supported coin.
var CoinTypes = []CoinType{CoinBTC, CoinETH, CoinSOL}

// ParseCoinType accepts any casing ("btc", "BTC").
func ParseCoinType(s string) (CoinType, error) {
	c := CoinType(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unsupported coin type %q (expected BTC, ETH or SOL)", s)
	}
	return c, nil
}

// Valid reports whether c is a supported coin.
func (c CoinType) Valid() bool {
	switch c {
	case CoinBTC, CoinETH, CoinSOL:
		return true
	}
	return false
}

// USDTSymbol is the exchange symbol quoting the coin in USDT, e.g. BTCUSDT.
func (c CoinType) USDTSymbol() string {
	return string(c) + "USDT"
}

// RiskTier groups positions that share one trading strategy and one
// capital ceiling.
type RiskTier string

const (
	TierLow    RiskTier = "low"
	TierMedium RiskTier = "medium"
	TierHigh   RiskTier = "high"
)

// RiskTiers lists every tier, lowest risk first.
var RiskTiers = []RiskTier{TierLow, TierMedium, TierHigh}

// ParseRiskTier accepts any casing ("HIGH", "high").
func ParseRiskTier(s string) (RiskTier, error) {
	t := RiskTier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unsupported risk tier %q (expected low, medium or high)", s)
	}
	return t, nil
}

// Valid reports whether t is a known tier.
func (t RiskTier) Valid() bool {
	switch t {
	case TierLow, TierMedium, TierHigh:
		return true
	}
	return false
}

// TransactionKind is the direction of a ledger entry.
type TransactionKind string

const (
	KindDeposit    TransactionKind = "deposit"
	KindWithdrawal TransactionKind = "withdrawal"
)

// ParseSortOrder defaults to descending (newest first) when s is empty.
func ParseSortOrder(s string) (SortOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return SortDesc, nil
	case "asc":
		return SortAsc, nil
	case "desc":
		return SortDesc, nil
	}
	return "", fmt.Errorf("unsupported sort order %q (expected asc or desc)", s)
}
