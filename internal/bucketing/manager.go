package bucketing

import (
	"hash"
	"sync"
	"time"

	"fintrack-auth/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager maps keys onto fixed bucket ranges with murmur3. Audit
// rows are partitioned by event bucket and the in-memory store picks its
// lock stripe here.
type BucketingManager struct {
	eventBuckets int
	lockStripes  int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg config.BucketingConfig) *BucketingManager {
	bm := &BucketingManager{
		eventBuckets: positive(cfg.EventBuckets, 256),
		lockStripes:  positive(cfg.LockStripes, 64),
	}

	// Pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetEventBucket returns the audit partition for an identifier.
func (bm *BucketingManager) GetEventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// GetDateBucket returns the UTC calendar day of t.
func (bm *BucketingManager) GetDateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Stripe returns the lock stripe for key.
func (bm *BucketingManager) Stripe(key string) int {
	return bm.getBucket(key, bm.lockStripes)
}

// Stripes is the number of lock stripes.
func (bm *BucketingManager) Stripes() int {
	return bm.lockStripes
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}

func positive(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
