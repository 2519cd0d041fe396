// Package postgres implements store.Store on gorm. Row locks are
// SELECT ... FOR UPDATE inside the surrounding transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"fintrack-auth/internal/apperr"
	"fintrack-auth/internal/models"
	"fintrack-auth/internal/store"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Store struct {
	*repo
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

func NewStore(db *gorm.DB) *Store {
	return &Store{repo: &repo{db: db}, db: db}
}

func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context, r store.Repository) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &repo{db: tx})
	})
}

func (s *Store) HealthCheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type repo struct {
	db *gorm.DB
}

func (r *repo) forUpdate(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"})
}

// translate maps driver errors onto apperr kinds.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperr.New(apperr.KindNotFound, what)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return apperr.Wrap(apperr.KindDuplicateCredential, err, what)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

func (r *repo) FindAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	if err := r.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, translate(err, "find account")
	}
	return &a, nil
}

func (r *repo) FindAccountByPhone(ctx context.Context, phone string) (*models.Account, error) {
	var a models.Account
	if err := r.db.WithContext(ctx).Where("phone_number = ?", phone).First(&a).Error; err != nil {
		return nil, translate(err, "find account by phone")
	}
	return &a, nil
}

func (r *repo) FindAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	var a models.Account
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&a).Error; err != nil {
		return nil, translate(err, "find account by email")
	}
	return &a, nil
}

func (r *repo) CreateAccount(ctx context.Context, account *models.Account) error {
	return translate(r.db.WithContext(ctx).Create(account).Error, "create account")
}

func (r *repo) SaveAccount(ctx context.Context, account *models.Account) error {
	return translate(r.db.WithContext(ctx).Save(account).Error, "save account")
}

func (r *repo) LockAccount(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	var a models.Account
	if err := r.forUpdate(ctx).First(&a, "id = ?", id).Error; err != nil {
		return nil, translate(err, "lock account")
	}
	return &a, nil
}

func (r *repo) latestChallenge(q *gorm.DB, accountID uuid.UUID, flow models.Flow) (*models.Challenge, error) {
	var c models.Challenge
	err := q.Where("account_id = ? AND flow = ?", accountID, flow).
		Order("created_at desc").
		First(&c).Error
	if err != nil {
		return nil, translate(err, "latest challenge")
	}
	return &c, nil
}

func (r *repo) LatestChallenge(ctx context.Context, accountID uuid.UUID, flow models.Flow) (*models.Challenge, error) {
	return r.latestChallenge(r.db.WithContext(ctx), accountID, flow)
}

func (r *repo) LockLatestChallenge(ctx context.Context, accountID uuid.UUID, flow models.Flow) (*models.Challenge, error) {
	return r.latestChallenge(r.forUpdate(ctx), accountID, flow)
}

func (r *repo) SaveChallenge(ctx context.Context, challenge *models.Challenge) error {
	return translate(r.db.WithContext(ctx).Save(challenge).Error, "save challenge")
}

func (r *repo) InsertTokenPair(ctx context.Context, pair *models.TokenPair) error {
	return translate(r.db.WithContext(ctx).Create(pair).Error, "insert token pair")
}

func (r *repo) latestTokenPair(q *gorm.DB, accountID uuid.UUID) (*models.TokenPair, error) {
	var p models.TokenPair
	if err := q.Where("account_id = ?", accountID).Order("created_at desc").First(&p).Error; err != nil {
		return nil, translate(err, "latest token pair")
	}
	return &p, nil
}

func (r *repo) LatestTokenPair(ctx context.Context, accountID uuid.UUID) (*models.TokenPair, error) {
	return r.latestTokenPair(r.db.WithContext(ctx), accountID)
}

func (r *repo) LockLatestTokenPair(ctx context.Context, accountID uuid.UUID) (*models.TokenPair, error) {
	return r.latestTokenPair(r.forUpdate(ctx), accountID)
}

// InsertBlacklistEntry skips a conflicting row instead of failing the
// statement, which would leave the surrounding transaction unusable.
func (r *repo) InsertBlacklistEntry(ctx context.Context, entry *models.BlacklistEntry) error {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "token_pair_id"}}, DoNothing: true}).
		Create(entry)
	if err := res.Error; err != nil {
		return translate(err, "insert blacklist entry")
	}
	if res.RowsAffected == 0 {
		return apperr.Newf(apperr.KindAlreadyRevoked, "token pair %s", entry.TokenPairID)
	}
	return nil
}

func (r *repo) IsPairBlacklisted(ctx context.Context, pairID uuid.UUID) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.BlacklistEntry{}).
		Where("token_pair_id = ?", pairID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check pair blacklist: %w", err)
	}
	return n > 0, nil
}

func (r *repo) IsTokenBlacklisted(ctx context.Context, digest string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.BlacklistEntry{}).
		Where("access_digest = ? OR refresh_digest = ?", digest, digest).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check token blacklist: %w", err)
	}
	return n > 0, nil
}
