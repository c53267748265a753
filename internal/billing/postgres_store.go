package billing

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

func NewPostgresStore(db DB) InvoiceStore {
	return &PostgresStore{db: db}
}

const invoiceColumns = `
	id, subject_id, period_start, period_end, amount, currency, status,
	COALESCE(external_invoice_id, ''), COALESCE(hosted_url, ''), attempts, COALESCE(last_error, ''),
	due_at, sent_at, paid_at, created_at, updated_at
`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(
		&inv.ID, &inv.SubjectID, &inv.PeriodStart, &inv.PeriodEnd, &inv.Amount, &inv.Currency, &inv.Status,
		&inv.ExternalInvoiceID, &inv.HostedURL, &inv.Attempts, &inv.LastError,
		&inv.DueAt, &inv.SentAt, &inv.PaidAt, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvoiceNotFound
		}
		return nil, err
	}
	return &inv, nil
}

func (s *PostgresStore) Create(ctx context.Context, inv *Invoice) error {
	query := `
		INSERT INTO invoices (subject_id, period_start, period_end, amount, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRow(ctx, query,
		inv.SubjectID, inv.PeriodStart, inv.PeriodEnd, inv.Amount, inv.Currency, inv.Status,
	).Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateInvoice
		}
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

func (s *PostgresStore) getOne(ctx context.Context, where string, args ...any) (*Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE `+where, args...))
	if err != nil && !errors.Is(err, ErrInvoiceNotFound) {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Invoice, error) {
	return s.getOne(ctx, `id = $1`, id)
}

func (s *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (*Invoice, error) {
	return s.getOne(ctx, `external_invoice_id = $1`, externalID)
}

func (s *PostgresStore) Active(ctx context.Context, subjectID string, periodStart time.Time) (*Invoice, error) {
	return s.getOne(ctx, `subject_id = $1 AND period_start = $2 AND status <> 'failed'`, subjectID, periodStart)
}

func (s *PostgresStore) OldestOverdue(ctx context.Context, subjectID string, now time.Time) (*Invoice, error) {
	return s.getOne(ctx, `subject_id = $1 AND status = 'sent' AND due_at < $2 ORDER BY due_at LIMIT 1`, subjectID, now)
}

func (s *PostgresStore) Update(ctx context.Context, inv *Invoice, expected Status) error {
	query := `
		UPDATE invoices SET
			amount = $3, status = $4, external_invoice_id = NULLIF($5, ''), hosted_url = NULLIF($6, ''),
			attempts = $7, last_error = NULLIF($8, ''), due_at = $9, sent_at = $10, paid_at = $11,
			updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING updated_at
	`
	err := s.db.QueryRow(ctx, query,
		inv.ID, expected, inv.Amount, inv.Status, inv.ExternalInvoiceID, inv.HostedURL,
		inv.Attempts, inv.LastError, inv.DueAt, inv.SentAt, inv.PaidAt,
	).Scan(&inv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStaleInvoice
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateInvoice
		}
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, afterID string, limit int) ([]Invoice, error) {
	query := `SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE status = $1 AND id::text > $2
		ORDER BY id::text
		LIMIT $3`
	rows, err := s.db.Query(ctx, query, status, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, *inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating invoices: %w", err)
	}
	return invoices, nil
}
