// Package storetest holds behaviour checks shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"fintrack-auth/internal/apperr"
	"fintrack-auth/internal/models"
	"fintrack-auth/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises s against the store contract. Each subtest uses fresh
// identifiers so a shared database is fine.
func Run(t *testing.T, s store.Store) {
	t.Run("AccountUniqueness", func(t *testing.T) { accountUniqueness(t, s) })
	t.Run("ChallengeLatestWins", func(t *testing.T) { challengeLatestWins(t, s) })
	t.Run("RollbackDiscardsWrites", func(t *testing.T) { rollbackDiscardsWrites(t, s) })
	t.Run("BlacklistOncePerPair", func(t *testing.T) { blacklistOncePerPair(t, s) })
	t.Run("RepeatRevokeKeepsTransactionUsable", func(t *testing.T) { repeatRevokeKeepsTransactionUsable(t, s) })
}

func unique(prefix string) *string {
	v := prefix + uuid.NewString()[:8]
	return &v
}

func accountUniqueness(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	phone := unique("08")

	a := &models.Account{FullName: "First", PhoneNumber: phone, RegistrationState: models.RegistrationOnProcess}
	a.Stamp(now)
	require.NoError(t, s.CreateAccount(ctx, a))

	dupPhone := *phone
	b := &models.Account{FullName: "Second", PhoneNumber: &dupPhone, RegistrationState: models.RegistrationOnProcess}
	b.Stamp(now)
	assert.ErrorIs(t, s.CreateAccount(ctx, b), apperr.ErrDuplicateCredential)

	got, err := s.FindAccountByPhone(ctx, *phone)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	_, err = s.FindAccount(ctx, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func challengeLatestWins(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := &models.Account{FullName: "Hist", RegistrationState: models.RegistrationOnProcess}
	a.Stamp(time.Now().UTC())
	require.NoError(t, s.CreateAccount(ctx, a))

	base := time.Now().UTC().Truncate(time.Second)
	for i, code := range []string{"100001", "100002", "100003"} {
		c := &models.Challenge{
			AccountID:     a.ID,
			Flow:          models.FlowResetPin,
			Code:          code,
			CurrentAPIHit: i + 1,
			SaveToHitAt:   base,
			BlacklistedAt: base,
			HitTomorrowAt: base,
		}
		c.Stamp(base.Add(time.Duration(i) * time.Minute))
		require.NoError(t, s.SaveChallenge(ctx, c))
	}

	err := s.Atomic(ctx, func(ctx context.Context, r store.Repository) error {
		c, err := r.LockLatestChallenge(ctx, a.ID, models.FlowResetPin)
		if err != nil {
			return err
		}
		assert.Equal(t, "100003", c.Code)
		assert.Equal(t, 3, c.CurrentAPIHit)
		return nil
	})
	require.NoError(t, err)
}

func rollbackDiscardsWrites(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := &models.Account{FullName: "Rollback", RegistrationState: models.RegistrationOnProcess}
	a.Stamp(time.Now().UTC())
	require.NoError(t, s.CreateAccount(ctx, a))

	boom := errors.New("delivery failed")
	err := s.Atomic(ctx, func(ctx context.Context, r store.Repository) error {
		locked, err := r.LockAccount(ctx, a.ID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		c := &models.Challenge{AccountID: locked.ID, Flow: models.FlowPhoneVerification, Code: "654321",
			CurrentAPIHit: 1, SaveToHitAt: now, BlacklistedAt: now, HitTomorrowAt: now}
		c.Stamp(now)
		if err := r.SaveChallenge(ctx, c); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.LatestChallenge(ctx, a.ID, models.FlowPhoneVerification)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func blacklistOncePerPair(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	accountID := uuid.New()
	pair := &models.TokenPair{
		AccountID:        accountID,
		AccessDigest:     uuid.NewString(),
		RefreshDigest:    uuid.NewString(),
		AccessExpiresAt:  now.Add(time.Minute),
		RefreshExpiresAt: now.Add(time.Hour),
	}
	pair.Stamp(now)
	require.NoError(t, s.InsertTokenPair(ctx, pair))

	entry := func() *models.BlacklistEntry {
		e := &models.BlacklistEntry{AccountID: accountID, TokenPairID: pair.ID,
			AccessDigest: pair.AccessDigest, RefreshDigest: pair.RefreshDigest,
			Reason: "logout", BlacklistedAt: now}
		e.Stamp(now)
		return e
	}
	require.NoError(t, s.InsertBlacklistEntry(ctx, entry()))
	assert.ErrorIs(t, s.InsertBlacklistEntry(ctx, entry()), apperr.ErrAlreadyRevoked)

	revoked, err := s.IsTokenBlacklisted(ctx, pair.AccessDigest)
	require.NoError(t, err)
	assert.True(t, revoked)

	latest, err := s.LatestTokenPair(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, pair.ID, latest.ID)
}

// A refused blacklist insert must leave the transaction able to write.
func repeatRevokeKeepsTransactionUsable(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	a := &models.Account{FullName: "Revoked twice", PhoneNumber: unique("08"), RegistrationState: models.RegistrationSuccess}
	a.Stamp(now)
	require.NoError(t, s.CreateAccount(ctx, a))

	pair := &models.TokenPair{
		AccountID:        a.ID,
		AccessDigest:     uuid.NewString(),
		RefreshDigest:    uuid.NewString(),
		AccessExpiresAt:  now.Add(time.Minute),
		RefreshExpiresAt: now.Add(time.Hour),
	}
	pair.Stamp(now)
	require.NoError(t, s.InsertTokenPair(ctx, pair))

	entry := func() *models.BlacklistEntry {
		e := &models.BlacklistEntry{AccountID: a.ID, TokenPairID: pair.ID,
			AccessDigest: pair.AccessDigest, RefreshDigest: pair.RefreshDigest,
			Reason: "logout", BlacklistedAt: now}
		e.Stamp(now)
		return e
	}
	require.NoError(t, s.InsertBlacklistEntry(ctx, entry()))

	err := s.Atomic(ctx, func(ctx context.Context, r store.Repository) error {
		locked, err := r.LockAccount(ctx, a.ID)
		if err != nil {
			return err
		}
		revoked, err := r.IsPairBlacklisted(ctx, pair.ID)
		require.NoError(t, err)
		assert.True(t, revoked)
		assert.ErrorIs(t, r.InsertBlacklistEntry(ctx, entry()), apperr.ErrAlreadyRevoked)

		locked.FullName = "Still writable"
		locked.UpdatedAt = now
		return r.SaveAccount(ctx, locked)
	})
	require.NoError(t, err)

	got, err := s.FindAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Still writable", got.FullName)
}
