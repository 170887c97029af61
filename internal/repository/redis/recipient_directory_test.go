package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invite-gate/internal/errs"
	"invite-gate/internal/models"
)

func TestRecipientDirectory_TouchUpserts(t *testing.T) {
	ctx := context.Background()
	rc, _ := newTestClient(t)
	dir := NewRecipientDirectory(rc)

	require.NoError(t, dir.Touch(ctx, models.Profile{ID: 5, DisplayName: "Ann", Handle: "ann"}))
	first, err := dir.Get(ctx, 5)
	require.NoError(t, err)

	assert.Equal(t, "Ann", first.DisplayName)
	assert.Equal(t, "ann", first.Handle)

	// The latest event wins, including a dropped handle.
	require.NoError(t, dir.Touch(ctx, models.Profile{ID: 5, DisplayName: "Anna"}))
	got, err := dir.Get(ctx, 5)
	require.NoError(t, err)

	assert.Equal(t, "Anna", got.DisplayName)
	assert.Empty(t, got.Handle)
	assert.Equal(t, int64(2), got.InteractionCount)
	assert.Equal(t, first.FirstSeenAt, got.FirstSeenAt)
	assert.False(t, got.LastActiveAt.Before(first.LastActiveAt))

	n, err := dir.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRecipientDirectory_DeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	rc, _ := newTestClient(t)
	dir := NewRecipientDirectory(rc)

	require.NoError(t, dir.Touch(ctx, models.Profile{ID: 1}))
	require.NoError(t, dir.Touch(ctx, models.Profile{ID: 2}))

	removed, err := dir.Delete(ctx, 1)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = dir.Delete(ctx, 1)
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = dir.Get(ctx, 1)
	require.ErrorIs(t, err, errs.ErrNotFound)

	ids, err := dir.SnapshotIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, ids)
}

func TestRecipientDirectory_Rankings(t *testing.T) {
	ctx := context.Background()
	rc, _ := newTestClient(t)
	dir := NewRecipientDirectory(rc)

	for id, touches := range map[int64]int{10: 1, 20: 3, 30: 2} {
		for range touches {
			require.NoError(t, dir.Touch(ctx, models.Profile{ID: id}))
		}
	}

	top, err := dir.TopByInteractions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, int64(20), top[0].ID)
	assert.Equal(t, int64(30), top[1].ID)

	page, err := dir.ListByActivity(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, page, 3)

	empty, err := dir.ListByActivity(ctx, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)

	active, err := dir.CountActiveSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), active)

	active, err = dir.CountActiveSince(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, active)
}
