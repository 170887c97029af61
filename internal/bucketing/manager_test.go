package bucketing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"invite-gate/internal/config"
)

func newManager(stripes int) *BucketingManager {
	return NewBucketingManager(&config.Config{Bucketing: config.BucketingConfig{RecipientLockStripes: stripes}})
}

func TestGetRecipientBucket_Stable(t *testing.T) {
	bm := newManager(64)
	seen := map[int]bool{}
	for id := int64(1); id <= 1000; id++ {
		b := bm.GetRecipientBucket(id)
		assert.Equal(t, b, bm.GetRecipientBucket(id))
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 64)
		seen[b] = true
	}
	assert.Greater(t, len(seen), 32, "ids should spread across stripes")
}

func TestLock_SerialisesOneRecipient(t *testing.T) {
	bm := newManager(8)

	var mu sync.Mutex
	active, peak := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := bm.Lock(42)
			defer unlock()

			mu.Lock()
			active++
			peak = max(peak, active)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak)
}

func TestNewBucketingManager_ClampsStripes(t *testing.T) {
	assert.Equal(t, 1, newManager(0).Stripes())
	unlock := newManager(0).Lock(-7)
	unlock()
}
