package rules

import (
	"context"
	"errors"
)

var (
	// ErrValidation marks malformed rule shapes, rejected at construction.
	ErrValidation = errors.New("invalid rule")

	// ErrNotFound is returned for unknown rule ids. It is also returned to
	// non-owners so existence is not leaked across accounts.
	ErrNotFound = errors.New("rule not found")

	// ErrPermission is returned when the caller owns the rule but the
	// requested transition is not allowed (e.g. mutating a deleted rule).
	ErrPermission = errors.New("operation not permitted")
)

// Store is the single source of truth for rule definitions and status.
// The engine reads it before any fire or lifecycle-sensitive action.
type Store interface {
	Create(ctx context.Context, r *Rule) error
	Get(ctx context.Context, id string) (*Rule, error)

	// Update replaces the stored rule. The caller is responsible for
	// ownership and transition checks (see Service).
	Update(ctx context.Context, r *Rule) error

	// ListByOwner returns the owner's rules, optionally filtered by status.
	// Deleted rules are only returned when asked for explicitly.
	ListByOwner(ctx context.Context, owner string, status Status) ([]*Rule, error)

	// ListActive returns every active rule, for evaluation indexing.
	ListActive(ctx context.Context) ([]*Rule, error)

	// ListActiveForWallet returns active rules that could match a signal
	// from wallet: USER rules naming it plus every GROUP rule (group
	// membership is resolved by the caller).
	ListActiveForWallet(ctx context.Context, wallet string) ([]*Rule, error)

	Close() error
}
