// Package tier holds the read-only capital ceilings of each risk tier.
package tier

import (
	"github.com/shopspring/decimal"

	"github.com/coinvest/ledger-engine/internal/apperr"
	"github.com/coinvest/ledger-engine/internal/model"
)

// Ceilings maps a risk tier to the notional capital its strategy trades with.
type Ceilings map[model.RiskTier]decimal.Decimal

// Ceiling returns the configured ceiling for t. A missing or non-positive
// value is a configuration error.
func (c Ceilings) Ceiling(t model.RiskTier) (decimal.Decimal, error) {
	v, ok := c[t]
	if !ok {
		return decimal.Zero, apperr.New(apperr.ConfigurationError, "no capital ceiling configured for tier %s", t)
	}
	if !v.IsPositive() {
		return decimal.Zero, apperr.New(apperr.ConfigurationError, "capital ceiling for tier %s must be positive, got %s", t, v)
	}
	return v, nil
}

// FromStrings parses decimal ceilings keyed by tier. Empty values are
// skipped so a tier can be left unconfigured.
func FromStrings(raw map[model.RiskTier]string) (Ceilings, error) {
	c := make(Ceilings, len(raw))
	for t, s := range raw {
		if s == "" {
			continue
		}
		v, err := decimal.NewFromString(s)
		if err != nil {
			return nil, apperr.Wrap(apperr.ConfigurationError, err, "invalid capital ceiling for tier "+string(t))
		}
		c[t] = v
	}
	return c, nil
}
