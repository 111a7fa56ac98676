package adapters

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingResolver struct {
	inner *StaticGroupResolver
	calls int
	fail  bool
}

func (r *countingResolver) ResolveGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	r.calls++
	if r.fail {
		return nil, fmt.Errorf("upstream down")
	}
	return r.inner.ResolveGroupMembers(ctx, groupID)
}

func TestCachedGroupResolverTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	upstream := &countingResolver{inner: NewStaticGroupResolver(map[string][]string{
		"whales": {"W1", "W2"},
	})}
	r := NewCachedGroupResolver(upstream, 30*time.Second).
		WithClock(func() time.Time { return now })

	members, err := r.ResolveGroupMembers(ctx, "whales")
	require.NoError(t, err)
	require.Equal(t, []string{"W1", "W2"}, members)
	require.Equal(t, 1, upstream.calls)

	// Inside the TTL the cache answers.
	now = now.Add(10 * time.Second)
	_, err = r.ResolveGroupMembers(ctx, "whales")
	require.NoError(t, err)
	require.Equal(t, 1, upstream.calls)

	// Past the TTL the upstream is consulted again and membership changes
	// become visible.
	upstream.inner.SetGroup("whales", []string{"W1", "W2", "W3"})
	now = now.Add(31 * time.Second)
	members, err = r.ResolveGroupMembers(ctx, "whales")
	require.NoError(t, err)
	require.Len(t, members, 3)
	require.Equal(t, 2, upstream.calls)
}

func TestCachedGroupResolverServesStaleOnFailure(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	upstream := &countingResolver{inner: NewStaticGroupResolver(map[string][]string{
		"whales": {"W1"},
	})}
	r := NewCachedGroupResolver(upstream, 30*time.Second).
		WithClock(func() time.Time { return now })

	_, err := r.ResolveGroupMembers(ctx, "whales")
	require.NoError(t, err)

	// Upstream goes down after the TTL: the last known set is served.
	upstream.fail = true
	now = now.Add(time.Minute)
	members, err := r.ResolveGroupMembers(ctx, "whales")
	require.NoError(t, err)
	require.Equal(t, []string{"W1"}, members)

	// A group never seen before has nothing to fall back to.
	_, err = r.ResolveGroupMembers(ctx, "unknown")
	require.Error(t, err)
}

func TestStaticGroupResolverUnknownGroup(t *testing.T) {
	r := NewStaticGroupResolver(nil)
	_, err := r.ResolveGroupMembers(context.Background(), "nope")
	require.Error(t, err)
}
