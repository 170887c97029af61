package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invite-gate/internal/errs"
	"invite-gate/internal/models"
)

func TestChallengeStore_ConsumeOnce(t *testing.T) {
	ctx := context.Background()
	rc, mr := newTestClient(t)
	store := NewChallengeStore(rc, 5*time.Minute)

	ok, err := store.ReserveCode(ctx, "04217", 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, store.Replace(ctx, &models.Challenge{RecipientID: 7, Token: "tok", Code: "04217", IssuedAt: time.Now()}))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Consume(ctx, 7); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.False(t, mr.Exists("challenge_code:04217"))

	_, err = store.Consume(ctx, 7)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestChallengeStore_ReplaceInvalidatesPrevious(t *testing.T) {
	ctx := context.Background()
	rc, mr := newTestClient(t)
	store := NewChallengeStore(rc, 5*time.Minute)

	for _, code := range []string{"11111", "22222"} {
		ok, err := store.ReserveCode(ctx, code, 7)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, store.Replace(ctx, &models.Challenge{RecipientID: 7, Token: "a", Code: "11111"}))
	require.NoError(t, store.Replace(ctx, &models.Challenge{RecipientID: 7, Token: "b", Code: "22222"}))

	assert.False(t, mr.Exists("challenge_code:11111"))
	got, err := store.Peek(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Token)
	assert.Equal(t, "22222", got.Code)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestChallengeStore_ReserveCodeCollision(t *testing.T) {
	ctx := context.Background()
	rc, _ := newTestClient(t)
	store := NewChallengeStore(rc, 5*time.Minute)

	ok, err := store.ReserveCode(ctx, "55555", 1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.ReserveCode(ctx, "55555", 2)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.ReleaseCode(ctx, "55555"))
	ok, err = store.ReserveCode(ctx, "55555", 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChallengeStore_Expiry(t *testing.T) {
	ctx := context.Background()
	rc, mr := newTestClient(t)
	store := NewChallengeStore(rc, 5*time.Minute)

	require.NoError(t, store.Replace(ctx, &models.Challenge{RecipientID: 9, Token: "t", Code: "00001"}))

	mr.FastForward(4*time.Minute + 59*time.Second)
	_, err := store.Peek(ctx, 9)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	_, err = store.Consume(ctx, 9)
	require.ErrorIs(t, err, errs.ErrNotFound)
}
