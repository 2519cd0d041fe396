package bucketing

import (
	"testing"
	"time"

	"fintrack-auth/internal/config"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestBucketsAreStableAndInRange(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{EventBuckets: 8, LockStripes: 4})
	id := "6f1c1f7e-7f0a-4a6c-9d59-2b8d3f5c1a10"

	first := bm.GetEventBucket(id)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, bm.GetEventBucket(id))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 8)

	for i := 0; i < 100; i++ {
		s := bm.Stripe(uuid.NewString())
		assert.GreaterOrEqual(t, s, 0)
		assert.Less(t, s, 4)
	}
	assert.Equal(t, 4, bm.Stripes())
}

func TestDefaultsForZeroConfig(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{})
	assert.Equal(t, 64, bm.Stripes())
}

func TestDateBucketIsUTC(t *testing.T) {
	bm := NewBucketingManager(config.BucketingConfig{})
	jakarta := time.FixedZone("WIB", 7*3600)
	at := time.Date(2024, 1, 2, 3, 0, 0, 0, jakarta)

	assert.Equal(t, "2024-01-01", bm.GetDateBucket(at))
}
