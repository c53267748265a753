// Package usagetest provides an in-memory usage.Store for tests.
package usagetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vnmchuo/usage-gateway/internal/usage"
)

type Store struct {
	mu      sync.Mutex
	records []usage.Record
	// InsertErr, when set, fails every Insert.
	InsertErr error
	// PageErr, when set, is consulted for every Page call.
	PageErr func(userID string) error
	// Pages counts Page calls.
	Pages int
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Insert(ctx context.Context, r *usage.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InsertErr != nil {
		return false, s.InsertErr
	}
	if r.IdempotencyKey != "" {
		for _, existing := range s.records {
			if existing.UserID == r.UserID && existing.IdempotencyKey == r.IdempotencyKey {
				*r = existing
				return false, nil
			}
		}
	}
	s.records = append(s.records, *r)
	return true, nil
}

func (s *Store) Page(ctx context.Context, userID string, from, to time.Time, after usage.Cursor, limit int) ([]usage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Pages++
	if s.PageErr != nil {
		if err := s.PageErr(userID); err != nil {
			return nil, err
		}
	}

	var matched []usage.Record
	for _, r := range s.records {
		if r.UserID != userID || r.CreatedAt.Before(from) || !r.CreatedAt.Before(to) {
			continue
		}
		if !after.IsZero() && !less(after, r.Cursor()) {
			continue
		}
		matched = append(matched, r)
	}
	sort.Slice(matched, func(i, j int) bool { return less(matched[i].Cursor(), matched[j].Cursor()) })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func less(a, b usage.Cursor) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
