// Package alerts keeps the most recent alerts in memory for operators.
package alerts

import (
	"context"
	"sync"
	"time"

	"fantasyguard/internal/model"
)

// Store is a fixed-size ring of alerts. It satisfies the alerter contract
// so it can sit beside the outbound notifiers.
type Store struct {
	mu    sync.RWMutex
	buf   []model.Alert
	next  int
	full  bool
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{buf: make([]model.Alert, limit), limit: limit}
}

func (s *Store) Alert(_ context.Context, a model.Alert) error {
	s.Add(a)
	return nil
}

func (s *Store) Add(a model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf[s.next] = a
	s.next = (s.next + 1) % s.limit
	if s.next == 0 {
		s.full = true
	}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.full {
		return s.limit
	}
	return s.next
}

// List returns up to limit alerts at or above minSeverity, newest first.
// A zero limit returns everything retained.
func (s *Store) List(limit int, minSeverity model.Severity) []model.Alert {
	return s.collect(func(a *model.Alert) bool {
		return minSeverity == "" || a.Severity.AtLeast(minSeverity)
	}, limit)
}

// Since returns alerts stamped at or after ts, newest first.
func (s *Store) Since(ts time.Time) []model.Alert {
	return s.collect(func(a *model.Alert) bool { return !a.Timestamp.Before(ts) }, 0)
}

func (s *Store) collect(keep func(*model.Alert) bool, limit int) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.next
	if s.full {
		n = s.limit
	}
	out := make([]model.Alert, 0)
	for i := 1; i <= n; i++ {
		a := &s.buf[(s.next-i+s.limit)%s.limit]
		if !keep(a) {
			continue
		}
		out = append(out, *a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = make([]model.Alert, s.limit)
	s.next = 0
	s.full = false
}
