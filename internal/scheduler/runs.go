package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrRunNotFound = errors.New("billing run not found")

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
)

// Run is the persisted marker for one billed period.
type Run struct {
	PeriodStart time.Time
	Status      RunStatus
	StartedAt   time.Time
	FinishedAt  *time.Time
	Summary     *RunSummary
}

type RunStore interface {
	Get(ctx context.Context, periodStart time.Time) (*Run, error)
	// Start records a running marker, overwriting an unfinished one.
	Start(ctx context.Context, periodStart, at time.Time) error
	Complete(ctx context.Context, periodStart, at time.Time, summary *RunSummary) error
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresRunStore struct {
	db DB
}

func NewPostgresRunStore(db DB) *PostgresRunStore {
	return &PostgresRunStore{db: db}
}

func (s *PostgresRunStore) Get(ctx context.Context, periodStart time.Time) (*Run, error) {
	var (
		run     Run
		summary []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT period_start, status, started_at, finished_at, summary
		FROM billing_runs
		WHERE period_start = $1
	`, periodStart).Scan(&run.PeriodStart, &run.Status, &run.StartedAt, &run.FinishedAt, &summary)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get billing run: %w", err)
	}
	if len(summary) > 0 {
		run.Summary = &RunSummary{}
		if err := json.Unmarshal(summary, run.Summary); err != nil {
			return nil, fmt.Errorf("failed to decode billing run summary: %w", err)
		}
	}
	return &run, nil
}

func (s *PostgresRunStore) Start(ctx context.Context, periodStart, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO billing_runs (period_start, status, started_at)
		VALUES ($1, 'running', $2)
		ON CONFLICT (period_start) DO UPDATE
		SET status = 'running', started_at = EXCLUDED.started_at, finished_at = NULL, summary = NULL
		WHERE billing_runs.status <> 'completed'
	`, periodStart, at)
	if err != nil {
		return fmt.Errorf("failed to start billing run: %w", err)
	}
	return nil
}

func (s *PostgresRunStore) Complete(ctx context.Context, periodStart, at time.Time, summary *RunSummary) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode billing run summary: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		UPDATE billing_runs
		SET status = 'completed', finished_at = $2, summary = $3
		WHERE period_start = $1
	`, periodStart, at, raw)
	if err != nil {
		return fmt.Errorf("failed to complete billing run: %w", err)
	}
	return nil
}

// MemoryRunStore is a RunStore for tests and single-shot tooling.
type MemoryRunStore struct {
	mu   sync.Mutex
	runs map[time.Time]Run
}

func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: map[time.Time]Run{}}
}

func (s *MemoryRunStore) Get(_ context.Context, periodStart time.Time) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[periodStart.UTC()]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &run, nil
}

func (s *MemoryRunStore) Start(_ context.Context, periodStart, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := periodStart.UTC()
	if run, ok := s.runs[key]; ok && run.Status == RunCompleted {
		return nil
	}
	s.runs[key] = Run{PeriodStart: key, Status: RunRunning, StartedAt: at}
	return nil
}

func (s *MemoryRunStore) Complete(_ context.Context, periodStart, at time.Time, summary *RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := periodStart.UTC()
	run := s.runs[key]
	run.PeriodStart = key
	run.Status = RunCompleted
	run.FinishedAt = &at
	run.Summary = summary
	s.runs[key] = run
	return nil
}
