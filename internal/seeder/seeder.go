package seeder

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-gateway/internal/auth"
	"github.com/vnmchuo/usage-gateway/internal/catalog"
	"github.com/vnmchuo/usage-gateway/internal/directory"
)

const TestUserEmail = "test@usage-gateway.local"

var TestModels = []catalog.Model{
	{
		UniqueName:         "gpt-4o",
		Description:        "OpenAI GPT-4o",
		Enabled:            true,
		PriceMillionInput:  decimal.RequireFromString("2.50"),
		PriceMillionOutput: decimal.RequireFromString("10.00"),
	},
	{
		UniqueName:         "claude-3-5-sonnet",
		Description:        "Anthropic Claude 3.5 Sonnet",
		Enabled:            true,
		PriceMillionInput:  decimal.RequireFromString("3.00"),
		PriceMillionOutput: decimal.RequireFromString("15.00"),
	},
}

// SubjectCreator is the part of the directory the seeder writes to.
type SubjectCreator interface {
	CreateSubject(ctx context.Context, s *directory.Subject) error
}

// Seed creates a test user, the test models and a fresh API key for the
// user. The raw key is logged once; it cannot be recovered later.
func Seed(ctx context.Context, subjects SubjectCreator, models catalog.Store, keys *auth.KeyResolver, logger *zap.Logger) error {
	user := &directory.Subject{Email: TestUserEmail, Name: "Test User"}
	if err := subjects.CreateSubject(ctx, user); err != nil {
		return err
	}

	for _, m := range TestModels {
		if err := models.Upsert(ctx, &m); err != nil {
			return err
		}
	}

	raw, err := keys.Issue(ctx, &auth.APIKey{Name: "seed", OwnerUserID: user.ID})
	if err != nil {
		return err
	}
	logger.Info("seeded test data",
		zap.String("user_id", user.ID),
		zap.String("email", user.Email),
		zap.String("api_key", raw))
	return nil
}
