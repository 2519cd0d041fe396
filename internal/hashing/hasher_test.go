package hashing

import (
	"testing"

	"fintrack-auth/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(peppers ...string) config.HashingConfig {
	return config.HashingConfig{
		Argon2MemoryCost:  8 * 1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		Peppers:           peppers,
	}
}

func TestHashAndVerify(t *testing.T) {
	h, err := NewHasher(testConfig("pepper-one"))
	require.NoError(t, err)

	digest, err := h.Hash("123456")
	require.NoError(t, err)
	assert.Contains(t, digest, "argon2id-v1$1$")

	ok, err := h.Verify("123456", digest)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Verify("654321", digest)
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := h.Hash("123456")
	require.NoError(t, err)
	assert.NotEqual(t, digest, again, "salted")
}

func TestOldPepperStillVerifies(t *testing.T) {
	old, err := NewHasher(testConfig("pepper-one"))
	require.NoError(t, err)
	digest, err := old.Hash("246810")
	require.NoError(t, err)

	rotated, err := NewHasher(testConfig("pepper-one", "pepper-two"))
	require.NoError(t, err)

	ok, err := rotated.Verify("246810", digest)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, rotated.NeedsRehash(digest))
	assert.False(t, old.NeedsRehash(digest))
}

func TestVerifyRejectsMalformedDigest(t *testing.T) {
	h, err := NewHasher(testConfig("p"))
	require.NoError(t, err)

	_, err = h.Verify("1", "not-a-digest")
	assert.ErrorIs(t, err, ErrInvalidHash)

	_, err = h.Verify("1", "bcrypt$1$a$b")
	assert.ErrorIs(t, err, ErrIncompatibleVersion)

	_, err = h.Verify("1", "argon2id-v1$7$a$b")
	assert.ErrorIs(t, err, ErrUnknownPepper)
}

func TestNewHasherNeedsPepper(t *testing.T) {
	_, err := NewHasher(testConfig())
	assert.Error(t, err)
}
