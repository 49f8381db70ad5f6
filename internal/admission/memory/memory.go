// Package memory provides an in-process admission store. Callers never
// contend with each other: state is keyed by caller ID and each caller's
// counters serialize on their own lock.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/pinfairy/mediafetch/internal/admission"
)

type callerState struct {
	mu           sync.Mutex
	day          int64
	used         int
	lastAccepted time.Time
}

// Store implements admission.Store in process memory.
type Store struct {
	mu      sync.Mutex
	callers map[string]*callerState
}

// New creates an empty Store.
func New() *Store {
	return &Store{callers: make(map[string]*callerState)}
}

func (s *Store) state(callerID string) *callerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.callers[callerID]
	if !ok {
		st = &callerState{day: -1}
		s.callers[callerID] = st
	}
	return st
}

// Admit evaluates the rate gate, then the quota gate, under the caller's
// lock. Holding one lock for both gates is what makes the update a unit:
// either both counters move or neither does.
func (s *Store) Admit(_ context.Context, callerID string, p admission.Params, now time.Time) (admission.Result, error) {
	st := s.state(callerID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.lastAccepted.IsZero() {
		if elapsed := now.Sub(st.lastAccepted); elapsed < p.Cooldown {
			return admission.Result{
				Reason:     admission.RejectRate,
				RetryAfter: p.Cooldown - elapsed,
			}, nil
		}
	}

	// Day rollover resets the counter exactly once per boundary; the
	// caller's lock makes the check-and-swap atomic.
	day := admission.EpochDay(now)
	if st.day != day {
		st.day = day
		st.used = 0
	}

	if st.used >= p.DailyQuota {
		return admission.Result{
			Reason:    admission.RejectQuota,
			Remaining: 0,
			ResetAt:   admission.NextUTCMidnight(now),
		}, nil
	}

	st.used++
	st.lastAccepted = now
	return admission.Result{
		Admitted:  true,
		Remaining: p.DailyQuota - st.used,
		ResetAt:   admission.NextUTCMidnight(now),
	}, nil
}

// Peek reports the remaining quota without touching either counter.
func (s *Store) Peek(_ context.Context, callerID string, p admission.Params, now time.Time) (admission.Result, error) {
	st := s.state(callerID)
	st.mu.Lock()
	defer st.mu.Unlock()

	used := st.used
	if st.day != admission.EpochDay(now) {
		used = 0
	}
	remaining := p.DailyQuota - used
	if remaining < 0 {
		remaining = 0
	}
	return admission.Result{
		Admitted:  remaining > 0,
		Remaining: remaining,
		ResetAt:   admission.NextUTCMidnight(now),
	}, nil
}
