package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryMembershipStore(t *testing.T) {
	store := NewInMemoryMembershipStore()
	ctx := context.Background()
	now := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

	for i, room := range []string{"A", "B"} {
		out, err := store.TryJoin(ctx, "u1", room, 2, now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		assert.True(t, out.Joined)
	}

	t.Run("full subject is denied", func(t *testing.T) {
		out, err := store.TryJoin(ctx, "u1", "C", 2, now)
		require.NoError(t, err)
		assert.False(t, out.Joined)
		assert.Equal(t, []string{"A", "B"}, out.CurrentInstances)
	})

	t.Run("held instance reports already member", func(t *testing.T) {
		out, err := store.TryJoin(ctx, "u1", "A", 2, now)
		require.NoError(t, err)
		assert.True(t, out.Joined)
		assert.True(t, out.AlreadyMember)
		assert.Equal(t, 2, out.CurrentCount)
	})

	t.Run("list is a copy", func(t *testing.T) {
		list, err := store.ListCurrent(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		list[0].ResourceInstanceID = "mutated"

		again, err := store.ListCurrent(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "A", again[0].ResourceInstanceID)
	})

	t.Run("leave frees the slot", func(t *testing.T) {
		removed, err := store.Leave(ctx, "u1", "A")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = store.Leave(ctx, "u1", "A")
		require.NoError(t, err)
		assert.False(t, removed)

		out, err := store.TryJoin(ctx, "u1", "C", 2, now.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, out.Joined)
		assert.Equal(t, []string{"B", "C"}, out.CurrentInstances)
	})
}
