package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

const recordColumns = `
	id, COALESCE(api_key_id::text, ''), user_id, COALESCE(organization_id::text, ''), model_id,
	input_tokens, output_tokens, max_tokens, input_cost, output_cost, total_cost,
	temperature, top_p, echo, stream, messages, COALESCE(idempotency_key, ''), created_at
`

func scanRecord(row pgx.Row, r *Record) error {
	return row.Scan(
		&r.ID, &r.APIKeyID, &r.UserID, &r.OrganizationID, &r.ModelID,
		&r.InputTokens, &r.OutputTokens, &r.MaxTokens, &r.InputCost, &r.OutputCost, &r.TotalCost,
		&r.Temperature, &r.TopP, &r.Echo, &r.Stream, &r.Messages, &r.IdempotencyKey, &r.CreatedAt,
	)
}

func (s *PostgresStore) Insert(ctx context.Context, r *Record) (bool, error) {
	query := `
		INSERT INTO usage_records (
			id, api_key_id, user_id, organization_id, model_id,
			input_tokens, output_tokens, max_tokens, input_cost, output_cost, total_cost,
			temperature, top_p, echo, stream, messages, idempotency_key, created_at
		)
		VALUES ($1, NULLIF($2, '')::uuid, $3, NULLIF($4, '')::uuid, $5,
			$6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NULLIF($17, ''), $18)
		ON CONFLICT (user_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING id
	`
	var messages any
	if len(r.Messages) > 0 {
		messages = string(r.Messages)
	}

	var id string
	err := s.db.QueryRow(ctx, query,
		r.ID, r.APIKeyID, r.UserID, r.OrganizationID, r.ModelID,
		r.InputTokens, r.OutputTokens, r.MaxTokens, r.InputCost, r.OutputCost, r.TotalCost,
		r.Temperature, r.TopP, r.Echo, r.Stream, messages, r.IdempotencyKey, r.CreatedAt,
	).Scan(&id)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) || r.IdempotencyKey == "" {
		return false, fmt.Errorf("failed to insert usage record: %w", err)
	}

	existing := `SELECT ` + recordColumns + ` FROM usage_records WHERE user_id = $1 AND idempotency_key = $2`
	if err := scanRecord(s.db.QueryRow(ctx, existing, r.UserID, r.IdempotencyKey), r); err != nil {
		return false, fmt.Errorf("failed to load replayed usage record: %w", err)
	}
	return false, nil
}

func (s *PostgresStore) Page(ctx context.Context, userID string, from, to time.Time, after Cursor, limit int) ([]Record, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if after.IsZero() {
		query := `SELECT ` + recordColumns + `
			FROM usage_records
			WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
			ORDER BY created_at, id
			LIMIT $4`
		rows, err = s.db.Query(ctx, query, userID, from, to, limit)
	} else {
		query := `SELECT ` + recordColumns + `
			FROM usage_records
			WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
			  AND (created_at, id) > ($4, $5::uuid)
			ORDER BY created_at, id
			LIMIT $6`
		rows, err = s.db.Query(ctx, query, userID, from, to, after.CreatedAt, after.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := scanRecord(rows, &r); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}
	return records, nil
}
