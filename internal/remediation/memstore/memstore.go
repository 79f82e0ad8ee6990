// Package memstore provides in-memory implementations of the remediation
// store interfaces. Suitable for dev/testing; state does not survive
// restarts, so startup reconciliation is a no-op with this store.
package memstore

import (
	"context"
	"sync"

	"github.com/linnemanlabs/remedy/internal/remediation"
)

// Store holds rules, executions, and gate state in memory.
type Store struct {
	mu       sync.RWMutex
	triggers map[string]*remediation.Trigger
	runbooks map[string]*remediation.Runbook
	execs    map[string]*remediation.Execution
	breakers map[string]*remediation.BreakerState
	windows  map[string]*remediation.RateWindow
}

// New initializes an empty in-memory Store.
func New() *Store {
	return &Store{
		triggers: make(map[string]*remediation.Trigger),
		runbooks: make(map[string]*remediation.Runbook),
		execs:    make(map[string]*remediation.Execution),
		breakers: make(map[string]*remediation.BreakerState),
		windows:  make(map[string]*remediation.RateWindow),
	}
}

// PutTrigger adds or replaces a trigger.
func (s *Store) PutTrigger(t *remediation.Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.triggers[t.ID] = &cp
}

// PutRunbook adds or replaces a runbook.
func (s *Store) PutRunbook(rb *remediation.Runbook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rb
	s.runbooks[rb.ID] = &cp
}

// ListEnabledTriggers returns copies of all enabled triggers.
func (s *Store) ListEnabledTriggers(_ context.Context) ([]*remediation.Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*remediation.Trigger
	for _, t := range s.triggers {
		if !t.Enabled {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

// GetRunbook retrieves a runbook by id. Returns a copy.
func (s *Store) GetRunbook(_ context.Context, id string) (*remediation.Runbook, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rb, ok := s.runbooks[id]
	if !ok {
		return nil, false, nil
	}
	cp := *rb
	return &cp, true, nil
}

// Create stores a copy of a new execution.
func (s *Store) Create(_ context.Context, ex *remediation.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ex
	s.execs[ex.ID] = &cp
	return nil
}

// Update stores a copy of an existing execution.
func (s *Store) Update(_ context.Context, ex *remediation.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ex
	s.execs[ex.ID] = &cp
	return nil
}

// Get retrieves an execution by id. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*remediation.Execution, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.execs[id]
	if !ok {
		return nil, false, nil
	}
	cp := *ex
	return &cp, true, nil
}

// ListPending returns copies of all executions still queued for dispatch.
func (s *Store) ListPending(_ context.Context) ([]*remediation.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*remediation.Execution
	for _, ex := range s.execs {
		if ex.Status == remediation.StatusPending {
			cp := *ex
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListRunning returns copies of all executions currently in RUNNING state.
func (s *Store) ListRunning(_ context.Context) ([]*remediation.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*remediation.Execution
	for _, ex := range s.execs {
		if ex.Status == remediation.StatusRunning {
			cp := *ex
			out = append(out, &cp)
		}
	}
	return out, nil
}

// GetBreaker retrieves breaker state by scope key. Returns a copy.
func (s *Store) GetBreaker(_ context.Context, key string) (*remediation.BreakerState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.breakers[key]
	if !ok {
		return nil, false, nil
	}
	cp := *st
	cp.RecentOutcomeIDs = append([]string(nil), st.RecentOutcomeIDs...)
	return &cp, true, nil
}

// PutBreaker stores a copy of breaker state.
func (s *Store) PutBreaker(_ context.Context, st *remediation.BreakerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	cp.RecentOutcomeIDs = append([]string(nil), st.RecentOutcomeIDs...)
	s.breakers[st.Key] = &cp
	return nil
}

// GetWindow retrieves a rate window by runbook id. Returns a copy.
func (s *Store) GetWindow(_ context.Context, runbookID string) (*remediation.RateWindow, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[runbookID]
	if !ok {
		return nil, false, nil
	}
	cp := *w
	return &cp, true, nil
}

// PutWindow stores a copy of a rate window.
func (s *Store) PutWindow(_ context.Context, w *remediation.RateWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.windows[w.RunbookID] = &cp
	return nil
}
