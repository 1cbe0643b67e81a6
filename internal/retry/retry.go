// Package retry re-runs optimistic read-modify-write cycles that lost a
// version race, with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/coinvest/ledger-engine/internal/apperr"
	"github.com/coinvest/ledger-engine/internal/metrics"
	"github.com/coinvest/ledger-engine/internal/store"
)

// Policy controls how conflicting writes are retried.
type Policy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     5,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// WithMaxRetries returns a copy of p with MaxRetries replaced.
func (p Policy) WithMaxRetries(n int) Policy {
	p.MaxRetries = n
	return p
}

// OnConflict runs fn and re-runs it while it fails with
// store.ErrVersionConflict. fn must re-read the records it writes on every
// attempt. Any other error is returned as is. When retries are exhausted the
// result is an apperr.ConcurrentModification.
func OnConflict(ctx context.Context, p Policy, op string, fn func() error) error {
	backoff := p.InitialBackoff

	for attempt := 0; ; attempt++ {
		err := fn()
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		metrics.VersionConflicts.WithLabelValues(op).Inc()

		if attempt >= p.MaxRetries {
			return apperr.Wrap(apperr.ConcurrentModification, err,
				fmt.Sprintf("%s: record changed concurrently, gave up after %d attempts", op, attempt+1))
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: retry cancelled: %w", op, ctx.Err())
		case <-time.After(jittered(backoff, p.Jitter)):
		}

		next := time.Duration(float64(backoff) * p.Multiplier)
		if p.MaxBackoff > 0 {
			next = min(next, p.MaxBackoff)
		}
		backoff = next
	}
}

func jittered(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	return d + time.Duration((rand.Float64()*2-1)*jitter*float64(d))
}
