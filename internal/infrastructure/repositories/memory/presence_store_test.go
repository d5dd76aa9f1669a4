package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecast/internal/core/domain"
)

func TestMemoryPresenceStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPresenceStore()
	joined := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, store.Register(ctx, &domain.PresenceRecord{ID: "c2", Name: "Bob", JoinedAt: joined.Add(time.Second)}))
	require.NoError(t, store.Register(ctx, &domain.PresenceRecord{ID: "c1", Name: "Alice", JoinedAt: joined}))

	records, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, domain.ClientID("c1"), records[0].ID)
	assert.Equal(t, domain.ClientID("c2"), records[1].ID)
	assert.False(t, records[0].LastSeen.IsZero())

	require.NoError(t, store.Update(ctx, &domain.PresenceRecord{ID: "c1", Name: "Alice", Pinned: true}))
	records, _ = store.List(ctx)
	assert.True(t, records[0].Pinned)
	assert.Equal(t, joined, records[0].JoinedAt, "update keeps the join time")

	require.NoError(t, store.Refresh(ctx, "c2"))
	require.NoError(t, store.Unregister(ctx, "c2"))
	records, _ = store.List(ctx)
	assert.Len(t, records, 1)
}

func TestMemoryPresenceStore_Unknown(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPresenceStore()

	assert.ErrorIs(t, store.Refresh(ctx, "ghost"), domain.ErrSessionNotFound)
	assert.ErrorIs(t, store.Update(ctx, &domain.PresenceRecord{ID: "ghost"}), domain.ErrSessionNotFound)
	assert.ErrorIs(t, store.Unregister(ctx, "ghost"), domain.ErrSessionNotFound)
}

func TestMemoryPresenceStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPresenceStore()
	record := &domain.PresenceRecord{ID: "c1", Name: "Alice"}
	require.NoError(t, store.Register(ctx, record))

	record.Name = "Mallory"
	records, _ := store.List(ctx)
	assert.Equal(t, "Alice", records[0].Name)

	records[0].Name = "Eve"
	again, _ := store.List(ctx)
	assert.Equal(t, "Alice", again[0].Name)
}

func TestMemoryPresenceStore_RefreshAdvancesLastSeen(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryPresenceStore().(*MemoryPresenceStore)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	require.NoError(t, s.Register(ctx, &domain.PresenceRecord{ID: "c1"}))
	clock = clock.Add(5 * time.Second)
	require.NoError(t, s.Refresh(ctx, "c1"))

	records, _ := s.List(ctx)
	assert.Equal(t, clock, records[0].LastSeen)
}
