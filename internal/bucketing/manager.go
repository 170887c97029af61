package bucketing

import (
	"encoding/binary"
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"

	"invite-gate/internal/config"
)

// BucketingManager maps recipients onto a fixed set of stripes. Events of one
// recipient always land on the same stripe, so holding the stripe lock runs
// them one at a time while different recipients mostly proceed in parallel.
type BucketingManager struct {
	stripes    []sync.Mutex
	hasherPool sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	n := cfg.Bucketing.RecipientLockStripes
	if n <= 0 {
		n = 1
	}
	bm := &BucketingManager{stripes: make([]sync.Mutex, n)}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// GetRecipientBucket returns the stripe of recipientID (0 to Stripes()-1).
func (bm *BucketingManager) GetRecipientBucket(recipientID int64) int {
	return int(bm.getHash(recipientID) % uint64(len(bm.stripes)))
}

// Lock blocks until the recipient's stripe is free and returns its unlock.
func (bm *BucketingManager) Lock(recipientID int64) (unlock func()) {
	mu := &bm.stripes[bm.GetRecipientBucket(recipientID)]
	mu.Lock()
	return mu.Unlock
}

// Stripes returns the number of lock stripes
func (bm *BucketingManager) Stripes() int {
	return len(bm.stripes)
}

func (bm *BucketingManager) getHash(recipientID int64) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(recipientID))
	hasher.Reset()
	hasher.Write(buf[:])
	return hasher.Sum64()
}
