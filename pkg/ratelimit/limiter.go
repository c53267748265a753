// Package ratelimit implements the per-caller point limiter used by the guard
// and a tokens-per-minute budget.
//
// A key may consume Capacity points within any Window. The request that
// exceeds Capacity blocks the key for Block; while blocked every request is
// rejected without touching the window. When the block lapses the key starts
// with an empty window.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"

	"github.com/vnmchuo/usage-gateway/internal/apperr"
)

type Policy struct {
	Capacity int
	Window   time.Duration
	Block    time.Duration
}

func (p Policy) validate() error {
	if p.Capacity <= 0 {
		return errors.New("ratelimit: capacity must be positive")
	}
	if p.Window <= 0 || p.Block <= 0 {
		return errors.New("ratelimit: window and block must be positive")
	}
	return nil
}

type Decision struct {
	Allowed      bool
	Count        int
	BlockedUntil time.Time
}

// Store keeps the rate windows. Consume must be atomic per key: two
// concurrent calls for the same key never observe the same count.
type Store interface {
	Consume(ctx context.Context, key string, now time.Time, p Policy) (Decision, error)
}

type Limiter struct {
	policy Policy
	store  Store
	clock  quartz.Clock
	prefix string
}

func New(store Store, policy Policy, clock quartz.Clock) (*Limiter, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Limiter{policy: policy, store: store, clock: clock, prefix: "rl:"}, nil
}

func (l *Limiter) Policy() Policy { return l.policy }

// Consume spends one point for key.
func (l *Limiter) Consume(ctx context.Context, key string) (Decision, error) {
	if key == "" {
		return Decision{}, errors.New("ratelimit: empty key")
	}
	d, err := l.store.Consume(ctx, l.prefix+key, l.clock.Now(), l.policy)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: consume %q: %w", key, err)
	}
	return d, nil
}

// Check is Consume reporting a rejection as *apperr.RateLimitError.
func (l *Limiter) Check(ctx context.Context, key string) error {
	d, err := l.Consume(ctx, key)
	if err != nil {
		return err
	}
	if d.Allowed {
		return nil
	}
	return &apperr.RateLimitError{
		RetryAfter:   d.BlockedUntil.Sub(l.clock.Now()),
		BlockedUntil: d.BlockedUntil,
	}
}
