package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// TokenBudget caps the tokens a subject may request per minute. It is a thin
// wrapper around github.com/vnmchuo/ratelimiter.
type TokenBudget struct {
	store extratelimit.Limiter
}

func NewTokenBudget(rdb *redis.Client, tokensPerMinute int64) *TokenBudget {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(tokensPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &TokenBudget{store: store}
}

func NewTestTokenBudget(store extratelimit.Limiter) *TokenBudget {
	return &TokenBudget{store: store}
}

// Charge reserves tokens for subjectID. A non-positive estimate is charged
// as 1000 tokens. When the budget is spent, ResetAfter on the result says
// how long until the window frees up.
func (b *TokenBudget) Charge(ctx context.Context, subjectID string, tokens int) (*extratelimit.Result, error) {
	if tokens <= 0 {
		tokens = 1000
	}
	return b.store.AllowN(ctx, budgetKey(subjectID), tokens)
}

func budgetKey(subjectID string) string {
	return fmt.Sprintf("ratelimit:tokens:%s", subjectID)
}
