// Package catalog lists the models callers may be authorized for.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

var ErrModelNotFound = errors.New("model not found")

type Model struct {
	ID          string
	UniqueName  string
	Description string
	Enabled     bool
	// Prices are per million tokens. Callers report their own costs; these
	// are informational for the web app.
	PriceMillionInput  decimal.Decimal
	PriceMillionOutput decimal.Decimal
}

type Store interface {
	// ByName returns the enabled model with the given unique name.
	ByName(ctx context.Context, name string) (*Model, error)
	Upsert(ctx context.Context, m *Model) error
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ByName(ctx context.Context, name string) (*Model, error) {
	query := `
		SELECT id, unique_name, description, enabled, price_million_input, price_million_output
		FROM models
		WHERE unique_name = $1 AND enabled = true
	`
	var m Model
	if err := s.db.QueryRow(ctx, query, name).Scan(
		&m.ID, &m.UniqueName, &m.Description, &m.Enabled, &m.PriceMillionInput, &m.PriceMillionOutput,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrModelNotFound
		}
		return nil, fmt.Errorf("failed to get model: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, m *Model) error {
	query := `
		INSERT INTO models (unique_name, description, enabled, price_million_input, price_million_output)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (unique_name) DO UPDATE
		SET description = EXCLUDED.description,
		    enabled = EXCLUDED.enabled,
		    price_million_input = EXCLUDED.price_million_input,
		    price_million_output = EXCLUDED.price_million_output
		RETURNING id
	`
	err := s.db.QueryRow(ctx, query, m.UniqueName, m.Description, m.Enabled, m.PriceMillionInput, m.PriceMillionOutput).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert model: %w", err)
	}
	return nil
}
