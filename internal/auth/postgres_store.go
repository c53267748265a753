package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

const keyColumns = `id, secret_hash, name, owner_user_id, COALESCE(organization_id::text, ''), scope, created_at, revoked_at`

func scanKey(row pgx.Row) (*APIKey, error) {
	var k APIKey
	err := row.Scan(&k.ID, &k.SecretHash, &k.Name, &k.OwnerUserID, &k.OrganizationID, &k.Scope, &k.CreatedAt, &k.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return &k, nil
}

func (s *PostgresStore) GetByHash(ctx context.Context, secretHash string) (*APIKey, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys WHERE secret_hash = $1`

	k, err := scanKey(s.db.QueryRow(ctx, query, secretHash))
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return k, err
}

func (s *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	if key.SecretHash == "" {
		return fmt.Errorf("secret_hash is required")
	}
	if key.Scope == nil {
		key.Scope = []string{}
	}

	query := `
		INSERT INTO api_keys (secret_hash, name, owner_user_id, organization_id, scope)
		VALUES ($1, $2, $3, NULLIF($4, '')::uuid, $5)
		RETURNING id, created_at
	`

	err := s.db.QueryRow(ctx, query,
		key.SecretHash, key.Name, key.OwnerUserID, key.OrganizationID, key.Scope,
	).Scan(&key.ID, &key.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}

	return nil
}

// Revoke soft-deletes a key. Revoking twice keeps the first revocation time.
func (s *PostgresStore) Revoke(ctx context.Context, keyID string, at time.Time) (*APIKey, error) {
	query := `
		UPDATE api_keys SET revoked_at = COALESCE(revoked_at, $2)
		WHERE id = $1
		RETURNING ` + keyColumns

	k, err := scanKey(s.db.QueryRow(ctx, query, keyID, at))
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("failed to revoke api key: %w", err)
	}
	return k, err
}
