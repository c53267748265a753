// Package usage records one immutable ledger row per metered call.
package usage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Record struct {
	ID             string          `json:"id"`
	APIKeyID       string          `json:"api_key_id,omitempty"`
	UserID         string          `json:"user_id"`
	OrganizationID string          `json:"organization_id,omitempty"`
	ModelID        string          `json:"model_id"`
	InputTokens    int             `json:"input_tokens"`
	OutputTokens   int             `json:"output_tokens"`
	MaxTokens      int             `json:"max_tokens"`
	InputCost      decimal.Decimal `json:"input_cost"`
	OutputCost     decimal.Decimal `json:"output_cost"`
	TotalCost      decimal.Decimal `json:"total_cost"`
	Temperature    float64         `json:"temperature"`
	TopP           float64         `json:"top_p"`
	Echo           bool            `json:"echo"`
	Stream         bool            `json:"stream"`
	Messages       json.RawMessage `json:"messages,omitempty"`
	IdempotencyKey string          `json:"-"`
	CreatedAt      time.Time       `json:"timestamp"`
}

// Input is a validated usage body.
type Input struct {
	Model          string
	Temperature    float64
	TopP           float64
	Echo           bool
	Stream         bool
	InputCost      decimal.Decimal
	OutputCost     decimal.Decimal
	TotalCost      decimal.Decimal
	InputTokens    int
	OutputTokens   int
	MaxTokens      int
	Messages       json.RawMessage
	IdempotencyKey string
}

// Cursor is a keyset position in (created_at, id) order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

func (c Cursor) IsZero() bool { return c.ID == "" }

func (r *Record) Cursor() Cursor {
	return Cursor{CreatedAt: r.CreatedAt, ID: r.ID}
}

type Store interface {
	// Insert writes r. When r carries an idempotency key that was already
	// used by the same user, r is overwritten with the stored row and
	// inserted is false.
	Insert(ctx context.Context, r *Record) (inserted bool, err error)
	// Page returns at most limit records of userID created in [from, to)
	// strictly after the cursor, ordered by (created_at, id).
	Page(ctx context.Context, userID string, from, to time.Time, after Cursor, limit int) ([]Record, error)
}

// Each streams every record of userID in [from, to) to fn, reading at most
// pageSize rows per query.
func Each(ctx context.Context, s Store, userID string, from, to time.Time, pageSize int, fn func(*Record) error) error {
	if pageSize <= 0 {
		pageSize = 500
	}
	var after Cursor
	for {
		page, err := s.Page(ctx, userID, from, to, after, pageSize)
		if err != nil {
			return err
		}
		for i := range page {
			if err := fn(&page[i]); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
		after = page[len(page)-1].Cursor()
	}
}
