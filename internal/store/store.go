// Package store declares the record operations the auth core performs.
// Implementations live under internal/repository.
package store

import (
	"context"

	"fintrack-auth/internal/models"

	"github.com/google/uuid"
)

// Repository is the row-level contract. Lookups that match nothing return
// an error of kind apperr.KindNotFound. Writes that collide with a unique
// phone or email return apperr.KindDuplicateCredential.
type Repository interface {
	FindAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)
	FindAccountByPhone(ctx context.Context, phone string) (*models.Account, error)
	FindAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	CreateAccount(ctx context.Context, account *models.Account) error
	SaveAccount(ctx context.Context, account *models.Account) error
	// LockAccount reads the account and holds an exclusive row lock on it
	// until the surrounding Atomic call finishes.
	LockAccount(ctx context.Context, id uuid.UUID) (*models.Account, error)

	LatestChallenge(ctx context.Context, accountID uuid.UUID, flow models.Flow) (*models.Challenge, error)
	// LockLatestChallenge is LatestChallenge under an exclusive row lock.
	LockLatestChallenge(ctx context.Context, accountID uuid.UUID, flow models.Flow) (*models.Challenge, error)
	SaveChallenge(ctx context.Context, challenge *models.Challenge) error

	InsertTokenPair(ctx context.Context, pair *models.TokenPair) error
	LatestTokenPair(ctx context.Context, accountID uuid.UUID) (*models.TokenPair, error)
	LockLatestTokenPair(ctx context.Context, accountID uuid.UUID) (*models.TokenPair, error)

	// InsertBlacklistEntry returns apperr.KindAlreadyRevoked when the pair
	// already has an entry.
	InsertBlacklistEntry(ctx context.Context, entry *models.BlacklistEntry) error
	IsPairBlacklisted(ctx context.Context, pairID uuid.UUID) (bool, error)
	IsTokenBlacklisted(ctx context.Context, digest string) (bool, error)
}

// Store is a Repository that can also run a unit of work atomically.
type Store interface {
	Repository

	// Atomic runs fn in a transaction. Locks taken through r are released
	// when fn returns; a non-nil error from fn discards every write made
	// through r.
	Atomic(ctx context.Context, fn func(ctx context.Context, r Repository) error) error

	HealthCheck(ctx context.Context) error
	Close() error
}
