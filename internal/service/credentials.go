package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fintrack-auth/internal/apperr"
	"fintrack-auth/internal/audit"
	"fintrack-auth/internal/challenge"
	"fintrack-auth/internal/models"
	"fintrack-auth/internal/registration"
	"fintrack-auth/internal/store"
	"fintrack-auth/internal/token"
	"fintrack-auth/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SetPin stores the first PIN of a verified account, completing
// registration, and opens a fresh session.
func (s *AuthService) SetPin(ctx context.Context, accountID uuid.UUID, pin string) (*models.Account, *token.Pair, error) {
	if err := validatePin(pin); err != nil {
		return nil, nil, err
	}
	hash, err := s.hasher.Hash(pin)
	if err != nil {
		return nil, nil, fmt.Errorf("hash pin: %w", err)
	}
	now := s.clock.Now()

	var account *models.Account
	err = s.store.Atomic(ctx, func(ctx context.Context, r store.Repository) error {
		var err error
		account, err = r.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if err := registration.SetPin(account, hash, now); err != nil {
			return err
		}
		return r.SaveAccount(ctx, account)
	})
	if err != nil {
		return nil, nil, err
	}

	pair, err := s.tokens.Issue(ctx, accountID, now)
	if err != nil {
		return nil, nil, fmt.Errorf("issue tokens: %w", err)
	}

	s.audit.Record(ctx, audit.Event{
		Type:      models.EventPinSet,
		AccountID: accountID,
		Outcome:   audit.OutcomeSuccess,
	})
	s.logger.Info("registration completed", util.AccountID(accountID))
	return account, pair, nil
}

// Login checks the PIN of a completed account found by phone or email and
// issues a new pair. Repeated failures lock the account for a while when a
// limiter is configured.
func (s *AuthService) Login(ctx context.Context, identifier, pin string) (*models.Account, *token.Pair, error) {
	start := time.Now()
	now := s.clock.Now()

	account, err := s.findByIdentifier(ctx, identifier)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return nil, nil, apperr.New(apperr.KindUnauthorized, "invalid credentials")
		}
		return nil, nil, err
	}
	key := account.ID.String()

	if err := s.checkLockout(ctx, key, now); err != nil {
		s.recordLogin(ctx, account.ID, err)
		return nil, nil, err
	}
	if !registration.IsComplete(account) {
		return nil, nil, apperr.New(apperr.KindMandatoryInput, "registration incomplete")
	}

	if err := s.checkPin(ctx, account, pin, now); err != nil {
		s.recordLogin(ctx, account.ID, err)
		return nil, nil, err
	}
	s.rehash(ctx, account, pin)

	pair, err := s.tokens.Issue(ctx, account.ID, now)
	if err != nil {
		return nil, nil, fmt.Errorf("issue tokens: %w", err)
	}

	s.recordLogin(ctx, account.ID, nil)
	s.logger.Info("login succeeded",
		util.AccountID(account.ID),
		util.Duration("duration", time.Since(start)))
	return account, pair, nil
}

// Logout revokes the account's current pair. A second logout reports
// AlreadyRevoked.
func (s *AuthService) Logout(ctx context.Context, accountID uuid.UUID) error {
	err := s.tokens.Revoke(ctx, accountID, s.clock.Now(), token.RevokeExplicit)
	ev := audit.Event{Type: models.EventLogout, AccountID: accountID, Outcome: audit.OutcomeSuccess}
	if err != nil {
		ev.Outcome = audit.OutcomeFailure
		ev.Details = map[string]string{"error": string(apperr.KindOf(err))}
	}
	s.audit.Record(ctx, ev)
	return err
}

// Refresh exchanges a refresh token for a new pair.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*token.Pair, error) {
	pair, accountID, err := s.tokens.Refresh(ctx, refreshToken, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Event{
		Type:      models.EventTokenRefreshed,
		AccountID: accountID,
		Outcome:   audit.OutcomeSuccess,
	})
	return pair, nil
}

// ChangePin replaces the PIN after checking the old one. The current pair
// is revoked with it and a new pair is returned.
func (s *AuthService) ChangePin(ctx context.Context, accountID uuid.UUID, oldPin, newPin string) (*token.Pair, error) {
	if err := validatePin(newPin); err != nil {
		return nil, err
	}
	if oldPin == newPin {
		return nil, apperr.New(apperr.KindConflict, "new pin equals current pin")
	}
	now := s.clock.Now()

	account, err := s.store.FindAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := s.checkLockout(ctx, accountID.String(), now); err != nil {
		return nil, err
	}
	if err := s.checkPin(ctx, account, oldPin, now); err != nil {
		s.audit.Record(ctx, audit.Event{
			Type:      models.EventPinChanged,
			AccountID: accountID,
			Outcome:   audit.OutcomeFailure,
			Details:   map[string]string{"error": string(apperr.KindOf(err))},
		})
		return nil, err
	}

	hash, err := s.hasher.Hash(newPin)
	if err != nil {
		return nil, fmt.Errorf("hash pin: %w", err)
	}

	var revoked *models.TokenPair
	err = s.store.Atomic(ctx, func(ctx context.Context, r store.Repository) error {
		locked, err := r.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if err := registration.ReplacePin(locked, hash, now); err != nil {
			return err
		}
		if err := r.SaveAccount(ctx, locked); err != nil {
			return err
		}
		revoked, err = s.tokens.RevokeTx(ctx, r, accountID, now, token.RevokeSystem)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.tokens.Forget(ctx, revoked, now)

	pair, err := s.tokens.Issue(ctx, accountID, now)
	if err != nil {
		return nil, fmt.Errorf("issue tokens: %w", err)
	}

	s.audit.Record(ctx, audit.Event{
		Type:      models.EventPinChanged,
		AccountID: accountID,
		Outcome:   audit.OutcomeSuccess,
	})
	return pair, nil
}

// ForgotPin sends a reset-pin code and link to the account found by phone
// or email.
func (s *AuthService) ForgotPin(ctx context.Context, identifier string) (*challenge.Sent, error) {
	account, err := s.findByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if !account.HasPin() {
		return nil, apperr.New(apperr.KindMandatoryInput, "no pin to reset")
	}

	sent, err := s.sendCode(ctx, challenge.RequestParams{
		AccountID: account.ID,
		Flow:      models.FlowResetPin,
	}, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.Event{
		Type:      models.EventResetLinkIssued,
		AccountID: account.ID,
		Flow:      models.FlowResetPin,
		Outcome:   audit.OutcomeSuccess,
	})
	return sent, nil
}

// ResetPin redeems a reset-pin code. The new PIN and the revocation of the
// current pair are written in the verifying transaction.
func (s *AuthService) ResetPin(ctx context.Context, accountID uuid.UUID, code, newPin string) error {
	if err := validatePin(newPin); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPin)
	if err != nil {
		return fmt.Errorf("hash pin: %w", err)
	}
	now := s.clock.Now()

	var revoked *models.TokenPair
	_, err = s.challenges.Verify(ctx, challenge.VerifyParams{
		AccountID: accountID,
		Flow:      models.FlowResetPin,
		Code:      code,
		OnVerified: func(ctx context.Context, r store.Repository, account *models.Account, _ *models.Challenge) error {
			if err := registration.ReplacePin(account, hash, now); err != nil {
				return err
			}
			var err error
			revoked, err = s.tokens.RevokeTx(ctx, r, accountID, now, token.RevokeSystem)
			return err
		},
	}, now)
	s.recordVerify(ctx, accountID, models.FlowResetPin, err)
	if err != nil {
		return err
	}
	s.tokens.Forget(ctx, revoked, now)

	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, accountID.String()); err != nil {
			s.logger.Warn("failed to clear pin attempts", util.AccountID(accountID), util.ErrorField(err))
		}
	}
	s.audit.Record(ctx, audit.Event{
		Type:      models.EventPinReset,
		AccountID: accountID,
		Flow:      models.FlowResetPin,
		Outcome:   audit.OutcomeSuccess,
	})
	return nil
}

func (s *AuthService) findByIdentifier(ctx context.Context, identifier string) (*models.Account, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, apperr.New(apperr.KindMandatoryInput, "identifier required")
	}
	if strings.Contains(identifier, "@") {
		return s.store.FindAccountByEmail(ctx, util.NormalizeEmail(identifier))
	}
	phone, err := normalizePhone(identifier)
	if err != nil {
		return nil, err
	}
	return s.store.FindAccountByPhone(ctx, phone)
}

// checkLockout fails when the limiter holds a lock on the account. Limiter
// errors are logged and let the attempt through.
func (s *AuthService) checkLockout(ctx context.Context, key string, now time.Time) error {
	if s.limiter == nil {
		return nil
	}
	ttl, err := s.limiter.LockedFor(ctx, key)
	if err != nil {
		s.logger.Warn("pin limiter unavailable", util.String("account_id", key), util.ErrorField(err))
		return nil
	}
	if ttl > 0 {
		return apperr.RateLimited(now.Add(ttl), "too many wrong pins")
	}
	return nil
}

// checkPin verifies pin against the stored hash and counts a failure.
func (s *AuthService) checkPin(ctx context.Context, account *models.Account, pin string, now time.Time) error {
	if !account.HasPin() {
		return apperr.New(apperr.KindMandatoryInput, "no pin set")
	}
	ok, err := s.hasher.Verify(pin, *account.PinHash)
	if err != nil {
		return fmt.Errorf("verify pin: %w", err)
	}
	if ok {
		if s.limiter != nil {
			if err := s.limiter.Reset(ctx, account.ID.String()); err != nil {
				s.logger.Warn("failed to clear pin attempts", util.AccountID(account.ID), util.ErrorField(err))
			}
		}
		return nil
	}

	if s.limiter == nil {
		return apperr.New(apperr.KindUnauthorized, "wrong pin")
	}
	attempts, locked, err := s.limiter.RegisterFailure(ctx, account.ID.String())
	if err != nil {
		s.logger.Warn("failed to count pin attempt", util.AccountID(account.ID), util.ErrorField(err))
		return apperr.New(apperr.KindUnauthorized, "wrong pin")
	}
	if locked > 0 {
		return apperr.RateLimited(now.Add(locked), "too many wrong pins")
	}
	return apperr.Newf(apperr.KindUnauthorized, "wrong pin (attempt %d)", attempts)
}

// rehash upgrades a digest made with a retired pepper. Failures keep the
// old digest, which still verifies.
func (s *AuthService) rehash(ctx context.Context, current *models.Account, pin string) {
	rh, ok := s.hasher.(rehasher)
	if !ok || !rh.NeedsRehash(*current.PinHash) {
		return
	}
	accountID := current.ID
	now := s.clock.Now()
	err := s.store.Atomic(ctx, func(ctx context.Context, r store.Repository) error {
		account, err := r.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if !account.HasPin() || !rh.NeedsRehash(*account.PinHash) {
			return nil
		}
		hash, err := s.hasher.Hash(pin)
		if err != nil {
			return err
		}
		account.PinHash = &hash
		account.UpdatedAt = now
		return r.SaveAccount(ctx, account)
	})
	if err != nil {
		s.logger.Warn("pin rehash failed", util.AccountID(accountID), zap.Error(err))
	}
}

func (s *AuthService) recordLogin(ctx context.Context, accountID uuid.UUID, err error) {
	ev := audit.Event{Type: models.EventLoginSucceeded, AccountID: accountID, Outcome: audit.OutcomeSuccess}
	if err != nil {
		ev.Type = models.EventLoginFailed
		ev.Outcome = audit.OutcomeFailure
		ev.Details = map[string]string{"error": string(apperr.KindOf(err))}
	}
	s.audit.Record(ctx, ev)
}

func validatePin(pin string) error {
	if pin == "" {
		return apperr.New(apperr.KindMandatoryInput, "pin required")
	}
	if !pinPattern.MatchString(pin) {
		return apperr.New(apperr.KindInvalid, "pin must be 6 digits")
	}
	return nil
}
