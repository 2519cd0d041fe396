package token

import (
	"context"
	"testing"
	"time"

	"fintrack-auth/internal/apperr"
	"fintrack-auth/internal/bucketing"
	"fintrack-auth/internal/client"
	"fintrack-auth/internal/config"
	"fintrack-auth/internal/encryption"
	"fintrack-auth/internal/models"
	"fintrack-auth/internal/repository/memory"
	rediscache "fintrack-auth/internal/repository/redis"
	"fintrack-auth/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

var jwtConfig = config.JWTConfig{
	Secret:     "test-secret",
	Issuer:     "fintrack-auth",
	AccessTTL:  15 * time.Minute,
	RefreshTTL: 24 * time.Hour,
}

type fixture struct {
	st      store.Store
	issuer  *Issuer
	sealer  *encryption.EncryptionManager
	account uuid.UUID
}

func setup(t *testing.T, withCache bool) *fixture {
	t.Helper()
	st := memory.New(bucketing.NewBucketingManager(config.BucketingConfig{LockStripes: 4}))
	em, err := encryption.NewEncryptionManager(config.KMSConfig{LocalKey: "test"}, nil, zap.NewNop())
	require.NoError(t, err)

	var cache RevocationCache
	if withCache {
		mr := miniredis.RunT(t)
		rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		cache = rediscache.NewBlacklistCache(client.WrapRedis(rdb, zap.NewNop()), zap.NewNop())
	}

	phone := "+628111222333"
	account := &models.Account{FullName: "Token Test", PhoneNumber: &phone}
	require.NoError(t, st.CreateAccount(context.Background(), account))

	return &fixture{
		st:      st,
		issuer:  NewIssuer(st, jwtConfig, em, cache, zap.NewNop()),
		sealer:  em,
		account: account.ID,
	}
}

func TestIssueAndUse(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	pair, err := f.issuer.Issue(ctx, f.account, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(15*time.Minute), pair.AccessExpiresAt)
	assert.Equal(t, now.Add(24*time.Hour), pair.RefreshExpiresAt)

	claims, err := f.issuer.IsUsable(ctx, pair.AccessToken, TypeAccess, now.Add(time.Minute))
	require.NoError(t, err)
	id, err := claims.AccountID()
	require.NoError(t, err)
	assert.Equal(t, f.account, id)
	assert.NotEmpty(t, claims.ID)

	_, err = f.issuer.IsUsable(ctx, pair.RefreshToken, TypeAccess, now)
	assert.ErrorIs(t, err, apperr.ErrInvalidToken, "refresh token is not an access token")

	stored, err := f.st.LatestTokenPair(ctx, f.account)
	require.NoError(t, err)
	assert.Equal(t, Digest(pair.AccessToken), stored.AccessDigest)
	opened, err := f.sealer.Open(ctx, stored.RefreshSealed)
	require.NoError(t, err)
	assert.Equal(t, pair.RefreshToken, opened)
}

func TestExpiredAndTamperedTokens(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	pair, err := f.issuer.Issue(ctx, f.account, now)
	require.NoError(t, err)

	_, err = f.issuer.IsUsable(ctx, pair.AccessToken, TypeAccess, now.Add(16*time.Minute))
	assert.ErrorIs(t, err, apperr.ErrInvalidToken)

	tampered := pair.AccessToken[:len(pair.AccessToken)-2] + "xx"
	_, err = f.issuer.IsUsable(ctx, tampered, TypeAccess, now)
	assert.ErrorIs(t, err, apperr.ErrInvalidToken)

	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Type: TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   f.account.String(),
			Issuer:    jwtConfig.Issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}).SignedString([]byte("other-secret"))
	require.NoError(t, err)
	_, err = f.issuer.IsUsable(ctx, foreign, TypeAccess, now)
	assert.ErrorIs(t, err, apperr.ErrInvalidToken)
}

func TestRevokeIsIdempotentBySource(t *testing.T) {
	for _, withCache := range []bool{false, true} {
		f := setup(t, withCache)
		ctx := context.Background()

		pair, err := f.issuer.Issue(ctx, f.account, now)
		require.NoError(t, err)

		require.NoError(t, f.issuer.Revoke(ctx, f.account, now, RevokeExplicit))

		_, err = f.issuer.IsUsable(ctx, pair.AccessToken, TypeAccess, now)
		assert.ErrorIs(t, err, apperr.ErrInvalidToken)
		_, err = f.issuer.IsUsable(ctx, pair.RefreshToken, TypeRefresh, now)
		assert.ErrorIs(t, err, apperr.ErrInvalidToken)

		err = f.issuer.Revoke(ctx, f.account, now, RevokeExplicit)
		assert.ErrorIs(t, err, apperr.ErrAlreadyRevoked)
		assert.NoError(t, f.issuer.Revoke(ctx, f.account, now, RevokeSystem))
	}
}

func TestSystemRevokeAfterLogoutKeepsTransactionWritable(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	_, err := f.issuer.Issue(ctx, f.account, now)
	require.NoError(t, err)
	require.NoError(t, f.issuer.Revoke(ctx, f.account, now, RevokeExplicit))

	var fresh *Pair
	err = f.st.Atomic(ctx, func(ctx context.Context, r store.Repository) error {
		revoked, err := f.issuer.RevokeTx(ctx, r, f.account, now, RevokeSystem)
		if err != nil {
			return err
		}
		assert.Nil(t, revoked)
		fresh, err = f.issuer.IssueTx(ctx, r, f.account, now)
		return err
	})
	require.NoError(t, err)

	_, err = f.issuer.IsUsable(ctx, fresh.AccessToken, TypeAccess, now)
	assert.NoError(t, err)

	err = f.st.Atomic(ctx, func(ctx context.Context, r store.Repository) error {
		_, err := f.issuer.RevokeTx(ctx, r, f.account, now, RevokeExplicit)
		return err
	})
	require.NoError(t, err)
	err = f.st.Atomic(ctx, func(ctx context.Context, r store.Repository) error {
		_, err := f.issuer.RevokeTx(ctx, r, f.account, now, RevokeExplicit)
		return err
	})
	assert.ErrorIs(t, err, apperr.ErrAlreadyRevoked)
}

func TestRevokeWithoutPair(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	assert.ErrorIs(t, f.issuer.Revoke(ctx, f.account, now, RevokeExplicit), apperr.ErrNotFound)
	assert.NoError(t, f.issuer.Revoke(ctx, f.account, now, RevokeSystem))
}

func TestRefreshKeepsOldPairUsable(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	old, err := f.issuer.Issue(ctx, f.account, now)
	require.NoError(t, err)

	fresh, accountID, err := f.issuer.Refresh(ctx, old.RefreshToken, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, f.account, accountID)
	assert.NotEqual(t, old.AccessToken, fresh.AccessToken)

	_, err = f.issuer.IsUsable(ctx, old.AccessToken, TypeAccess, now.Add(2*time.Minute))
	assert.NoError(t, err)

	latest, err := f.st.LatestTokenPair(ctx, f.account)
	require.NoError(t, err)
	assert.Equal(t, Digest(fresh.AccessToken), latest.AccessDigest)

	_, _, err = f.issuer.Refresh(ctx, old.AccessToken, now)
	assert.ErrorIs(t, err, apperr.ErrInvalidToken)
}
