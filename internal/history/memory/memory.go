// Package memory provides an in-process history store for development and
// tests. Records live only for the life of the process.
package memory

import (
	"context"
	"sync"

	"github.com/pinfairy/mediafetch/internal/pipeline"
)

// Store is an append-only in-memory history log.
type Store struct {
	mu   sync.RWMutex
	recs []pipeline.HistoryRecord
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// Append adds one record.
func (s *Store) Append(_ context.Context, rec pipeline.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

// Recent returns up to limit records for callerID, newest first.
func (s *Store) Recent(_ context.Context, callerID string, limit int) ([]pipeline.HistoryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pipeline.HistoryRecord
	for i := len(s.recs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.recs[i].CallerID == callerID {
			out = append(out, s.recs[i])
		}
	}
	return out, nil
}
