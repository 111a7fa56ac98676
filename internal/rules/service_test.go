package rules

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestService() *Service {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return NewService(NewMemStore()).WithClock(func() time.Time { return base })
}

func TestCreateAssignsIDAndDefaults(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	created, err := svc.Create(ctx, "user-1", validRule())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("no id assigned")
	}
	if created.Status != StatusActive {
		t.Fatalf("status = %q, want active", created.Status)
	}
	if created.CreatedAt.IsZero() || !created.CreatedAt.Equal(created.UpdatedAt) {
		t.Fatalf("timestamps not set: created=%v updated=%v", created.CreatedAt, created.UpdatedAt)
	}

	bad := validRule()
	bad.BuySpec = BuySpec{}
	if _, err := svc.Create(ctx, "user-1", bad); !errors.Is(err, ErrValidation) {
		t.Fatalf("invalid rule stored: %v", err)
	}
}

func TestGetHidesOtherOwners(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	created, err := svc.Create(ctx, "user-1", validRule())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Get(ctx, created.ID, "user-1"); err != nil {
		t.Fatalf("owner get: %v", err)
	}
	// Non-owners must not learn the rule exists.
	if _, err := svc.Get(ctx, created.ID, "user-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("non-owner get = %v, want ErrNotFound", err)
	}
}

func TestPatchReplacesSubObjectsWholesale(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	r := validRule()
	r.Guardrails = &Guardrails{SpendDailyCapUSD: 500, Denylist: []string{"SCAM"}}
	created, err := svc.Create(ctx, "user-1", r)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	patched, err := svc.Patch(ctx, created.ID, "user-1", Patch{
		Guardrails: &Guardrails{SpendDailyCapUSD: 1000},
	})
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if patched.Guardrails.SpendDailyCapUSD != 1000 {
		t.Fatalf("cap = %v, want 1000", patched.Guardrails.SpendDailyCapUSD)
	}
	if len(patched.Guardrails.Denylist) != 0 {
		t.Fatal("sub-object patch must replace wholesale, denylist survived")
	}
	if patched.Condition.Count != 2 {
		t.Fatal("unpatched field changed")
	}

	// A patch that breaks a construction invariant is rejected whole.
	if _, err := svc.Patch(ctx, created.ID, "user-1", Patch{
		BuySpec: &BuySpec{},
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("invalid patch accepted: %v", err)
	}
	if _, err := svc.Patch(ctx, created.ID, "user-2", Patch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("non-owner patch = %v, want ErrNotFound", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	created, err := svc.Create(ctx, "user-1", validRule())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.SetStatus(ctx, created.ID, "user-1", StatusPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := svc.SetStatus(ctx, created.ID, "user-1", StatusActive); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if err := svc.Delete(ctx, created.ID, "user-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Deleted is terminal.
	if _, err := svc.SetStatus(ctx, created.ID, "user-1", StatusActive); !errors.Is(err, ErrPermission) {
		t.Fatalf("revive after delete = %v, want ErrPermission", err)
	}
	if _, err := svc.Patch(ctx, created.ID, "user-1", Patch{}); !errors.Is(err, ErrPermission) {
		t.Fatalf("patch after delete = %v, want ErrPermission", err)
	}
}

func TestDeletedRulesExcludedFromDefaultList(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	keep, _ := svc.Create(ctx, "user-1", validRule())
	gone, _ := svc.Create(ctx, "user-1", validRule())
	if err := svc.Delete(ctx, gone.ID, "user-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	listed, err := svc.List(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != keep.ID {
		t.Fatalf("default list = %d rules, want only %s", len(listed), keep.ID)
	}

	deleted, err := svc.List(ctx, "user-1", StatusDeleted)
	if err != nil {
		t.Fatalf("list deleted: %v", err)
	}
	if len(deleted) != 1 || deleted[0].ID != gone.ID {
		t.Fatal("explicit deleted filter should return soft-deleted rules")
	}
}

func TestDeleteFiresHook(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	created, _ := svc.Create(ctx, "user-1", validRule())

	var hooked string
	svc.OnDeleted(func(ruleID string) { hooked = ruleID })
	if err := svc.Delete(ctx, created.ID, "user-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if hooked != created.ID {
		t.Fatalf("hook got %q, want %q", hooked, created.ID)
	}
}
