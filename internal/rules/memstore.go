package rules

import (
	"context"
	"encoding/json"
	"sync"
)

// MemStore is an in-memory Store for tests and the replay tool.
type MemStore struct {
	mu    sync.RWMutex
	rules map[string]*Rule
}

func NewMemStore() *MemStore {
	return &MemStore{rules: make(map[string]*Rule)}
}

// cloneRule deep-copies via JSON so callers can't mutate stored state.
func cloneRule(r *Rule) *Rule {
	b, _ := json.Marshal(r)
	var out Rule
	_ = json.Unmarshal(b, &out)
	return &out
}

func (s *MemStore) Create(_ context.Context, r *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = cloneRule(r)
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRule(r), nil
}

func (s *MemStore) Update(_ context.Context, r *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		return ErrNotFound
	}
	s.rules[r.ID] = cloneRule(r)
	return nil
}

func (s *MemStore) ListByOwner(_ context.Context, owner string, status Status) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Rule
	for _, r := range s.rules {
		if r.Owner != owner {
			continue
		}
		if status == "" {
			if r.Status == StatusDeleted {
				continue
			}
		} else if r.Status != status {
			continue
		}
		out = append(out, cloneRule(r))
	}
	return out, nil
}

func (s *MemStore) ListActive(_ context.Context) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Rule
	for _, r := range s.rules {
		if r.Status == StatusActive {
			out = append(out, cloneRule(r))
		}
	}
	return out, nil
}

func (s *MemStore) ListActiveForWallet(_ context.Context, wallet string) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Rule
	for _, r := range s.rules {
		if r.Status != StatusActive {
			continue
		}
		if r.Source.Type == SourceGroup || r.WatchesWallet(wallet) {
			out = append(out, cloneRule(r))
		}
	}
	return out, nil
}

func (s *MemStore) Close() error { return nil }
