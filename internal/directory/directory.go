// Package directory reads users and organizations owned by the web app.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrNotFound = errors.New("directory: not found")

type Organization struct {
	ID       string
	PublicID string
	Name     string
	OwnerID  string
}

// Subject is a billable user.
type Subject struct {
	ID    string
	Email string
	Name  string
}

type Directory interface {
	OrganizationByPublicID(ctx context.Context, publicID string) (*Organization, error)
	IsMember(ctx context.Context, organizationID, userID string) (bool, error)
	Subject(ctx context.Context, id string) (*Subject, error)
	// ListBillableSubjects pages subjects ordered by id, starting after
	// afterID ("" for the first page).
	ListBillableSubjects(ctx context.Context, afterID string, limit int) ([]Subject, error)
}

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresDirectory struct {
	db DB
}

func NewPostgresDirectory(db DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) OrganizationByPublicID(ctx context.Context, publicID string) (*Organization, error) {
	query := `SELECT id, public_id, name, owner_id FROM organizations WHERE public_id = $1`

	var o Organization
	err := d.db.QueryRow(ctx, query, publicID).Scan(&o.ID, &o.PublicID, &o.Name, &o.OwnerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get organization: %w", err)
	}
	return &o, nil
}

func (d *PostgresDirectory) IsMember(ctx context.Context, organizationID, userID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM organizations WHERE id = $1 AND owner_id = $2
			UNION ALL
			SELECT 1 FROM organization_members WHERE organization_id = $1 AND user_id = $2 AND deleted_at IS NULL
		)
	`
	var ok bool
	if err := d.db.QueryRow(ctx, query, organizationID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return ok, nil
}

func (d *PostgresDirectory) Subject(ctx context.Context, id string) (*Subject, error) {
	query := `SELECT id, email, COALESCE(full_name, '') FROM users WHERE id = $1`

	var s Subject
	if err := d.db.QueryRow(ctx, query, id).Scan(&s.ID, &s.Email, &s.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subject: %w", err)
	}
	return &s, nil
}

func (d *PostgresDirectory) ListBillableSubjects(ctx context.Context, afterID string, limit int) ([]Subject, error) {
	query := `
		SELECT id, email, COALESCE(full_name, '')
		FROM users
		WHERE id::text > $1 AND email <> ''
		ORDER BY id::text
		LIMIT $2
	`
	rows, err := d.db.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list subjects: %w", err)
	}
	defer rows.Close()

	var subjects []Subject
	for rows.Next() {
		var s Subject
		if err := rows.Scan(&s.ID, &s.Email, &s.Name); err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		subjects = append(subjects, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subjects: %w", err)
	}
	return subjects, nil
}

// CreateSubject inserts a user. Only used for seeding.
func (d *PostgresDirectory) CreateSubject(ctx context.Context, s *Subject) error {
	query := `
		INSERT INTO users (email, full_name) VALUES ($1, $2)
		ON CONFLICT (email) DO UPDATE SET full_name = EXCLUDED.full_name
		RETURNING id
	`
	if err := d.db.QueryRow(ctx, query, s.Email, s.Name).Scan(&s.ID); err != nil {
		return fmt.Errorf("failed to create subject: %w", err)
	}
	return nil
}
