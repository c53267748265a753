package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
)

type window struct {
	mu           sync.Mutex
	hits         []time.Time
	blockedUntil time.Time
	lastSeen     time.Time
	// dead is set once Sweep has unlinked the window from the store.
	dead bool
}

// MemoryStore keeps windows in process memory. Only suitable for a single
// gateway instance.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

func (s *MemoryStore) get(key string) *window {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok {
		w = &window{}
		s.windows[key] = w
	}
	return w
}

func (s *MemoryStore) Consume(_ context.Context, key string, now time.Time, p Policy) (Decision, error) {
	for {
		// A window swept between get and consume is dead; fetch the
		// replacement so the hit is not lost.
		if d, ok := s.get(key).consume(now, p); ok {
			return d, nil
		}
	}
}

func (w *window) consume(now time.Time, p Policy) (Decision, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return Decision{}, false
	}

	w.lastSeen = now
	if now.Before(w.blockedUntil) {
		return Decision{Allowed: false, Count: len(w.hits), BlockedUntil: w.blockedUntil}, true
	}

	cutoff := now.Add(-p.Window)
	kept := w.hits[:0]
	for _, ts := range w.hits {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.hits = append(kept, now)

	count := len(w.hits)
	if count > p.Capacity {
		w.blockedUntil = now.Add(p.Block)
		w.hits = w.hits[:0]
		return Decision{Allowed: false, Count: count, BlockedUntil: w.blockedUntil}, true
	}
	return Decision{Allowed: true, Count: count}, true
}

// Sweep drops windows that are neither blocked nor hold a hit inside the
// window. It returns the number of keys removed.
func (s *MemoryStore) Sweep(now time.Time, p Policy) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, w := range s.windows {
		w.mu.Lock()
		idle := !now.Before(w.blockedUntil) && !w.lastSeen.After(now.Add(-p.Window))
		if idle {
			w.dead = true
			delete(s.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// StartJanitor sweeps idle windows every interval until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context, clock quartz.Clock, interval time.Duration, p Policy) {
	clock.TickerFunc(ctx, interval, func() error {
		s.Sweep(clock.Now(), p)
		return nil
	}, "ratelimit", "janitor")
}
