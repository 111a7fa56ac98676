package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mirrordesk/copy-engine/internal/observ"
)

// Service enforces ownership and lifecycle transitions in front of a Store.
// This is the surface the API layer calls; evaluation reads the Store
// directly through the engine's status checks.
type Service struct {
	store Store
	now   func() time.Time

	// onDeleted is invoked after a rule is soft-deleted, so open positions
	// can be force-liquidated. May be nil.
	onDeleted func(ruleID string)
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// WithClock injects a controllable clock for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// OnDeleted registers the hook called after a successful delete.
func (s *Service) OnDeleted(fn func(ruleID string)) {
	s.onDeleted = fn
}

// Create validates, normalizes and stores a new rule owned by owner.
func (s *Service) Create(ctx context.Context, owner string, r Rule) (*Rule, error) {
	r.Owner = owner
	if err := r.Validate(); err != nil {
		return nil, err
	}
	r.Normalize()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == StatusDeleted {
		return nil, fmt.Errorf("%w: cannot create a deleted rule", ErrValidation)
	}
	now := s.now()
	r.CreatedAt = now
	r.UpdatedAt = now
	if err := s.store.Create(ctx, &r); err != nil {
		return nil, err
	}
	observ.Log("rule_created", map[string]any{
		"rule_id": r.ID, "owner": r.Owner, "mode": string(r.Condition.Mode),
	})
	return &r, nil
}

// Get returns the rule if caller owns it. Non-owners get ErrNotFound so
// existence is not leaked.
func (s *Service) Get(ctx context.Context, id, caller string) (*Rule, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Owner != caller {
		return nil, ErrNotFound
	}
	return r, nil
}

// List returns the caller's rules, optionally filtered by status.
func (s *Service) List(ctx context.Context, caller string, status Status) ([]*Rule, error) {
	if status != "" && !ValidStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	return s.store.ListByOwner(ctx, caller, status)
}

// Patch applies the present fields of p to the rule. Sub-objects replace
// wholesale; absent fields are left untouched. Status changes go through
// the same transition rules as SetStatus.
type Patch struct {
	Status     *Status        `json:"status,omitempty"`
	Source     *Source        `json:"source,omitempty"`
	Condition  *Condition     `json:"condition,omitempty"`
	BuySpec    *BuySpec       `json:"buy_spec,omitempty"`
	SellSpec   *SellSpec      `json:"sell_spec,omitempty"`
	Guardrails *Guardrails    `json:"guardrails,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func (s *Service) Patch(ctx context.Context, id, caller string, p Patch) (*Rule, error) {
	r, err := s.Get(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	if r.Status == StatusDeleted {
		return nil, fmt.Errorf("%w: rule is deleted", ErrPermission)
	}

	if p.Status != nil {
		if err := checkTransition(r.Status, *p.Status); err != nil {
			return nil, err
		}
		r.Status = *p.Status
	}
	if p.Source != nil {
		r.Source = *p.Source
	}
	if p.Condition != nil {
		r.Condition = *p.Condition
	}
	if p.BuySpec != nil {
		r.BuySpec = *p.BuySpec
	}
	if p.SellSpec != nil {
		r.SellSpec = p.SellSpec
	}
	if p.Guardrails != nil {
		r.Guardrails = p.Guardrails
	}
	if p.Metadata != nil {
		r.Metadata = p.Metadata
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}
	r.Normalize()
	r.UpdatedAt = s.now()
	if err := s.store.Update(ctx, r); err != nil {
		return nil, err
	}
	observ.Log("rule_patched", map[string]any{"rule_id": r.ID, "owner": caller})
	if p.Status != nil && *p.Status == StatusDeleted && s.onDeleted != nil {
		s.onDeleted(r.ID)
	}
	return r, nil
}

// SetStatus transitions the rule's lifecycle state. paused<->active is
// reversible; deleted is terminal (soft delete, history retained).
func (s *Service) SetStatus(ctx context.Context, id, caller string, status Status) (*Rule, error) {
	if !ValidStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}
	r, err := s.Get(ctx, id, caller)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(r.Status, status); err != nil {
		return nil, err
	}
	if r.Status == status {
		return r, nil
	}
	r.Status = status
	r.UpdatedAt = s.now()
	if err := s.store.Update(ctx, r); err != nil {
		return nil, err
	}
	observ.Log("rule_status_changed", map[string]any{
		"rule_id": r.ID, "owner": caller, "status": string(status),
	})
	if status == StatusDeleted && s.onDeleted != nil {
		s.onDeleted(r.ID)
	}
	return r, nil
}

// Delete soft-deletes the rule.
func (s *Service) Delete(ctx context.Context, id, caller string) error {
	_, err := s.SetStatus(ctx, id, caller, StatusDeleted)
	return err
}

func checkTransition(from, to Status) error {
	if from == StatusDeleted {
		return fmt.Errorf("%w: deleted is terminal", ErrPermission)
	}
	if !ValidStatus(to) {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, to)
	}
	return nil
}
