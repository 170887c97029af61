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

func TestLinkStore_CreateResolveRelease(t *testing.T) {
	ctx := context.Background()
	rc, mr := newTestClient(t)
	store := NewLinkStore(rc, newTestCipher(t), time.Hour)

	link := &models.ProtectedLink{Token: "AbCdEfGh12345678", TargetURL: "https://t.me/+secretInvite", OwnerID: 42}
	require.NoError(t, store.Create(ctx, link))

	// The target never reaches Redis in the clear.
	raw := mr.HGet("link:AbCdEfGh12345678", "target_ct")
	assert.NotEmpty(t, raw)
	assert.NotContains(t, raw, "secretInvite")

	got, err := store.Resolve(ctx, link.Token)
	require.NoError(t, err)
	assert.Equal(t, link.TargetURL, got.TargetURL)
	assert.Equal(t, int64(42), got.OwnerID)
	assert.Zero(t, got.ReleaseCount)

	n, err := store.RecordRelease(ctx, link.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = store.RecordRelease(ctx, link.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestLinkStore_DuplicateTokenRejected(t *testing.T) {
	ctx := context.Background()
	rc, _ := newTestClient(t)
	store := NewLinkStore(rc, newTestCipher(t), time.Hour)

	require.NoError(t, store.Create(ctx, &models.ProtectedLink{Token: "dup", TargetURL: "https://t.me/first"}))
	err := store.Create(ctx, &models.ProtectedLink{Token: "dup", TargetURL: "https://t.me/second"})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)

	got, err := store.Resolve(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/first", got.TargetURL)
}

func TestLinkStore_Expiry(t *testing.T) {
	ctx := context.Background()
	rc, mr := newTestClient(t)
	store := NewLinkStore(rc, newTestCipher(t), time.Minute)

	require.NoError(t, store.Create(ctx, &models.ProtectedLink{Token: "short", TargetURL: "https://t.me/gone"}))
	mr.FastForward(2 * time.Minute)

	_, err := store.Resolve(ctx, "short")
	require.ErrorIs(t, err, errs.ErrNotFound)

	// Recording against an expired link must not recreate it.
	_, err = store.RecordRelease(ctx, "short")
	require.ErrorIs(t, err, errs.ErrNotFound)
	assert.False(t, mr.Exists("link:short"))
}

func TestLinkStore_CountCreatedSince(t *testing.T) {
	ctx := context.Background()
	rc, _ := newTestClient(t)
	store := NewLinkStore(rc, newTestCipher(t), time.Hour)

	now := time.Now().UTC()
	require.NoError(t, store.Create(ctx, &models.ProtectedLink{Token: "old", TargetURL: "https://t.me/a", CreatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, store.Create(ctx, &models.ProtectedLink{Token: "new", TargetURL: "https://t.me/b", CreatedAt: now}))

	n, err := store.CountCreatedSince(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
