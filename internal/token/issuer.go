// Package token issues HS256 access/refresh pairs and keeps the revocation
// ledger. The database blacklist is authoritative; the optional cache only
// short-circuits known revocations.
package token

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"fintrack-auth/internal/apperr"
	"fintrack-auth/internal/config"
	"fintrack-auth/internal/models"
	"fintrack-auth/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Type string

const (
	TypeAccess  Type = "access"
	TypeRefresh Type = "refresh"
)

// Mode says who asked for a revocation. Explicit revocations are user
// logouts and report repeats; system revocations are idempotent.
type Mode int

const (
	RevokeExplicit Mode = iota
	RevokeSystem
)

func (m Mode) String() string {
	if m == RevokeSystem {
		return "system"
	}
	return "logout"
}

type Claims struct {
	Type Type `json:"typ"`
	jwt.RegisteredClaims
}

// AccountID parses the subject.
func (c *Claims) AccountID() (uuid.UUID, error) {
	return uuid.Parse(c.Subject)
}

type Pair struct {
	PairID           uuid.UUID `json:"-"`
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// Sealer encrypts token values at rest. Satisfied by encryption.EncryptionManager.
type Sealer interface {
	Seal(ctx context.Context, plaintext, purpose string) (string, error)
}

// RevocationCache is satisfied by the Redis BlacklistCache.
type RevocationCache interface {
	MarkRevoked(ctx context.Context, digest string, ttl time.Duration) error
	IsRevoked(ctx context.Context, digest string) (bool, error)
}

type Issuer struct {
	store  store.Store
	cfg    config.JWTConfig
	sealer Sealer
	cache  RevocationCache
	logger *zap.Logger
}

// NewIssuer builds an issuer. cache may be nil.
func NewIssuer(st store.Store, cfg config.JWTConfig, sealer Sealer, cache RevocationCache, logger *zap.Logger) *Issuer {
	return &Issuer{store: st, cfg: cfg, sealer: sealer, cache: cache, logger: logger}
}

// Digest is the stored identity of a token value.
func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue signs a new pair for the account and records it. Earlier pairs are
// left as they are.
func (i *Issuer) Issue(ctx context.Context, accountID uuid.UUID, now time.Time) (*Pair, error) {
	return i.IssueTx(ctx, i.store, accountID, now)
}

// IssueTx is Issue inside a caller's transaction.
func (i *Issuer) IssueTx(ctx context.Context, r store.Repository, accountID uuid.UUID, now time.Time) (*Pair, error) {
	pair, row, err := i.mint(ctx, accountID, now)
	if err != nil {
		return nil, err
	}
	if err := r.InsertTokenPair(ctx, row); err != nil {
		return nil, fmt.Errorf("insert token pair: %w", err)
	}
	pair.PairID = row.ID
	return pair, nil
}

func (i *Issuer) mint(ctx context.Context, accountID uuid.UUID, now time.Time) (*Pair, *models.TokenPair, error) {
	accessExp := now.Add(i.cfg.AccessTTL)
	refreshExp := now.Add(i.cfg.RefreshTTL)

	access, err := i.sign(accountID, TypeAccess, now, accessExp)
	if err != nil {
		return nil, nil, err
	}
	refresh, err := i.sign(accountID, TypeRefresh, now, refreshExp)
	if err != nil {
		return nil, nil, err
	}

	accessSealed, err := i.sealer.Seal(ctx, access, "access_token")
	if err != nil {
		return nil, nil, fmt.Errorf("seal access token: %w", err)
	}
	refreshSealed, err := i.sealer.Seal(ctx, refresh, "refresh_token")
	if err != nil {
		return nil, nil, fmt.Errorf("seal refresh token: %w", err)
	}

	row := &models.TokenPair{
		AccountID:        accountID,
		AccessDigest:     Digest(access),
		RefreshDigest:    Digest(refresh),
		AccessSealed:     accessSealed,
		RefreshSealed:    refreshSealed,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}
	row.Stamp(now)

	return &Pair{
		AccessToken:      access,
		RefreshToken:     refresh,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, row, nil
}

func (i *Issuer) sign(accountID uuid.UUID, typ Type, now, exp time.Time) (string, error) {
	claims := Claims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID.String(),
			Issuer:    i.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign %s token: %w", typ, err)
	}
	return signed, nil
}

// IsUsable validates signature, expiry and type, then checks the
// revocation ledger. Every failure is KindInvalidToken.
func (i *Issuer) IsUsable(ctx context.Context, raw string, want Type, now time.Time) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (interface{}, error) { return []byte(i.cfg.Secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidToken, err, "parse")
	}
	if claims.Type != want {
		return nil, apperr.Newf(apperr.KindInvalidToken, "want %s token, got %q", want, claims.Type)
	}
	if _, err := claims.AccountID(); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidToken, err, "subject")
	}

	digest := Digest(raw)
	if i.cache != nil {
		revoked, err := i.cache.IsRevoked(ctx, digest)
		if err != nil {
			i.logger.Warn("blacklist cache unavailable, using database", zap.Error(err))
		} else if revoked {
			return nil, apperr.New(apperr.KindInvalidToken, "revoked")
		}
	}

	revoked, err := i.store.IsTokenBlacklisted(ctx, digest)
	if err != nil {
		return nil, fmt.Errorf("check blacklist: %w", err)
	}
	if revoked {
		return nil, apperr.New(apperr.KindInvalidToken, "revoked")
	}
	return claims, nil
}

// Revoke blacklists the account's current pair.
func (i *Issuer) Revoke(ctx context.Context, accountID uuid.UUID, now time.Time, mode Mode) error {
	var revoked *models.TokenPair
	err := i.store.Atomic(ctx, func(ctx context.Context, r store.Repository) error {
		var err error
		revoked, err = i.RevokeTx(ctx, r, accountID, now, mode)
		return err
	})
	if err != nil {
		return err
	}
	i.Forget(ctx, revoked, now)
	return nil
}

// RevokeTx is Revoke inside a caller's transaction. It returns the pair it
// blacklisted, or nil when a system revocation had nothing to do. Call
// Forget with the result once the transaction has committed.
func (i *Issuer) RevokeTx(ctx context.Context, r store.Repository, accountID uuid.UUID, now time.Time, mode Mode) (*models.TokenPair, error) {
	pair, err := r.LockLatestTokenPair(ctx, accountID)
	if errors.Is(err, apperr.ErrNotFound) {
		if mode == RevokeSystem {
			return nil, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	// A failed insert aborts a postgres transaction, so a repeat is caught
	// before writing.
	revoked, err := r.IsPairBlacklisted(ctx, pair.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		if mode == RevokeSystem {
			return nil, nil
		}
		return nil, apperr.Newf(apperr.KindAlreadyRevoked, "token pair %s", pair.ID)
	}

	entry := &models.BlacklistEntry{
		AccountID:     accountID,
		TokenPairID:   pair.ID,
		AccessDigest:  pair.AccessDigest,
		RefreshDigest: pair.RefreshDigest,
		Reason:        mode.String(),
		BlacklistedAt: now,
	}
	entry.Stamp(now)

	err = r.InsertBlacklistEntry(ctx, entry)
	if errors.Is(err, apperr.ErrAlreadyRevoked) {
		if mode == RevokeSystem {
			return nil, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("insert blacklist entry: %w", err)
	}

	i.logger.Info("token pair revoked",
		zap.String("account_id", accountID.String()),
		zap.String("pair_id", pair.ID.String()),
		zap.String("reason", entry.Reason))
	return pair, nil
}

// Forget pushes a committed revocation into the cache. Cache failures only
// cost a database read later.
func (i *Issuer) Forget(ctx context.Context, pair *models.TokenPair, now time.Time) {
	if i.cache == nil || pair == nil {
		return
	}
	if err := i.cache.MarkRevoked(ctx, pair.AccessDigest, pair.AccessExpiresAt.Sub(now)); err != nil {
		i.logger.Warn("failed to cache revoked access token", zap.Error(err))
	}
	if err := i.cache.MarkRevoked(ctx, pair.RefreshDigest, pair.RefreshExpiresAt.Sub(now)); err != nil {
		i.logger.Warn("failed to cache revoked refresh token", zap.Error(err))
	}
}

// Refresh exchanges a usable refresh token for a new pair. The presented
// pair is not revoked and stays usable until it expires.
func (i *Issuer) Refresh(ctx context.Context, refreshToken string, now time.Time) (*Pair, uuid.UUID, error) {
	claims, err := i.IsUsable(ctx, refreshToken, TypeRefresh, now)
	if err != nil {
		return nil, uuid.Nil, err
	}
	accountID, _ := claims.AccountID()

	pair, err := i.Issue(ctx, accountID, now)
	if err != nil {
		return nil, uuid.Nil, err
	}
	return pair, accountID, nil
}
