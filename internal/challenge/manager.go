// Package challenge issues and verifies one-time codes. Every read-modify-write
// of a challenge row runs in one store transaction under a row lock, and the
// notification is sent before that transaction commits.
package challenge

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"fintrack-auth/internal/apperr"
	"fintrack-auth/internal/config"
	"fintrack-auth/internal/models"
	"fintrack-auth/internal/notify"
	"fintrack-auth/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const codeDigits = 6

// Policy is the send schedule of one flow.
type Policy struct {
	Cooldown    time.Duration
	Expiry      time.Duration
	DailyWindow time.Duration
	// CapEvery locks the series until HitTomorrowAt after every CapEvery-th send.
	CapEvery int
}

type RequestParams struct {
	AccountID uuid.UUID
	Flow      models.Flow
	// Destination overrides the address taken from the account. Required
	// for wrong-number correction, where it is the new number.
	Destination notify.Destination
}

// Sent describes an accepted send.
type Sent struct {
	ChallengeID uuid.UUID
	Destination notify.Destination
	Hit         int
	ResendAt    time.Time
	ExpiresAt   time.Time
}

// VerifiedHook runs inside the verifying transaction after the code matched.
// Changes it makes to account are saved with the verification; an error
// rolls everything back.
type VerifiedHook func(ctx context.Context, r store.Repository, account *models.Account, ch *models.Challenge) error

type VerifyParams struct {
	AccountID  uuid.UUID
	Flow       models.Flow
	Code       string
	OnVerified VerifiedHook
}

type Manager struct {
	store     store.Store
	notifier  notify.Channel
	policies  map[models.Flow]Policy
	linkBase  string
	logger    *zap.Logger
	generator func() (string, error)
}

func NewManager(st store.Store, notifier notify.Channel, cfg config.OTPConfig, logger *zap.Logger) *Manager {
	base := Policy{
		Cooldown:    cfg.Cooldown,
		Expiry:      cfg.Expiry,
		DailyWindow: cfg.DailyWindow,
		CapEvery:    cfg.DailyCapEvery,
	}
	reset := base
	reset.Cooldown = cfg.ResetCooldown
	reset.Expiry = cfg.ResetExpiry

	return &Manager{
		store:    st,
		notifier: notifier,
		policies: map[models.Flow]Policy{
			models.FlowPhoneVerification:     base,
			models.FlowEmailVerification:     base,
			models.FlowWrongNumberCorrection: base,
			models.FlowResetPin:              reset,
		},
		linkBase:  cfg.ResetLinkBase,
		logger:    logger,
		generator: GenerateCode,
	}
}

// Request sends a fresh code for (account, flow) unless the series is
// cooling down or capped for the day.
func (m *Manager) Request(ctx context.Context, p RequestParams, now time.Time) (*Sent, error) {
	policy, ok := m.policies[p.Flow]
	if !ok {
		return nil, apperr.Newf(apperr.KindInvalid, "unknown flow %q", p.Flow)
	}

	var sent *Sent
	err := m.store.Atomic(ctx, func(ctx context.Context, r store.Repository) error {
		account, err := r.LockAccount(ctx, p.AccountID)
		if err != nil {
			return err
		}
		// The account lock serializes every send of this account, including
		// the first one of a series and appends to a history-keeping flow.
		if requestSatisfied(account, p.Flow) {
			return apperr.Newf(apperr.KindAlreadyVerified, "%s already satisfied", p.Flow)
		}

		dest, err := destinationFor(account, p)
		if err != nil {
			return err
		}

		latest, err := r.LockLatestChallenge(ctx, p.AccountID, p.Flow)
		if errors.Is(err, apperr.ErrNotFound) {
			latest, err = nil, nil
		}
		if err != nil {
			return err
		}

		code, err := m.generator()
		if err != nil {
			return fmt.Errorf("generate code: %w", err)
		}

		ch, err := schedule(latest, policy, p.Flow, now)
		if err != nil {
			return err
		}
		ch.AccountID = p.AccountID
		ch.Flow = p.Flow
		ch.Code = code
		ch.Destination = dest.Address
		ch.Stamp(now)

		if err := r.SaveChallenge(ctx, ch); err != nil {
			return fmt.Errorf("save challenge: %w", err)
		}

		msg := notify.Message{Flow: p.Flow, Code: code, ExpiresAt: ch.BlacklistedAt}
		if p.Flow == models.FlowResetPin {
			msg.Link = m.resetLink(p.AccountID, code)
		}
		if err := m.notifier.Send(ctx, dest, msg); err != nil {
			return apperr.Wrap(apperr.KindNotificationFailed, err, string(p.Flow))
		}

		sent = &Sent{
			ChallengeID: ch.ID,
			Destination: dest,
			Hit:         ch.CurrentAPIHit,
			ResendAt:    ch.SaveToHitAt,
			ExpiresAt:   ch.BlacklistedAt,
		}
		return nil
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindRateLimited {
			m.logger.Debug("otp send refused",
				zap.String("account_id", p.AccountID.String()),
				zap.String("flow", string(p.Flow)),
				zap.Error(err))
		}
		return nil, err
	}

	m.logger.Info("otp sent",
		zap.String("account_id", p.AccountID.String()),
		zap.String("flow", string(p.Flow)),
		zap.String("destination", sent.Destination.Masked()),
		zap.Int("hit", sent.Hit))
	return sent, nil
}

// schedule applies the rate rules to the latest row and returns the row to
// write: a new row for a new series or a history-keeping flow, otherwise
// latest updated in place.
func schedule(latest *models.Challenge, p Policy, flow models.Flow, now time.Time) (*models.Challenge, error) {
	if latest == nil {
		return &models.Challenge{
			CurrentAPIHit: 1,
			SaveToHitAt:   now.Add(p.Cooldown),
			BlacklistedAt: now.Add(p.Expiry),
			HitTomorrowAt: now.Add(p.DailyWindow),
		}, nil
	}

	if p.CapEvery > 0 && latest.CurrentAPIHit%p.CapEvery == 0 && now.Before(latest.HitTomorrowAt) {
		return nil, apperr.RateLimited(latest.HitTomorrowAt, "daily send cap reached")
	}
	if now.Before(latest.SaveToHitAt) {
		return nil, apperr.RateLimited(latest.SaveToHitAt, "cooldown")
	}

	next := latest.CurrentAPIHit + 1
	ch := latest.Clone()
	if flow.KeepsHistory() {
		ch = &models.Challenge{HitTomorrowAt: latest.HitTomorrowAt}
	}
	ch.CurrentAPIHit = next
	ch.SaveToHitAt = now.Add(p.Cooldown)
	ch.BlacklistedAt = now.Add(p.Expiry)
	ch.ConsumedAt = nil
	if p.CapEvery > 0 && next%p.CapEvery == 0 {
		ch.HitTomorrowAt = now.Add(p.DailyWindow)
	}
	return ch, nil
}

// Verify checks code against the latest challenge of (account, flow). The
// checks run in order: already verified, no challenge, expired, mismatch.
func (m *Manager) Verify(ctx context.Context, p VerifyParams, now time.Time) (*models.Account, error) {
	if _, ok := m.policies[p.Flow]; !ok {
		return nil, apperr.Newf(apperr.KindInvalid, "unknown flow %q", p.Flow)
	}

	var verified *models.Account
	err := m.store.Atomic(ctx, func(ctx context.Context, r store.Repository) error {
		account, err := r.LockAccount(ctx, p.AccountID)
		if err != nil {
			return err
		}
		if verifySatisfied(account, p.Flow) {
			return apperr.Newf(apperr.KindAlreadyVerified, "%s already verified", p.Flow)
		}

		ch, err := r.LockLatestChallenge(ctx, p.AccountID, p.Flow)
		if err != nil {
			return err
		}
		if ch.ConsumedAt != nil {
			return apperr.Newf(apperr.KindAlreadyVerified, "%s challenge already used", p.Flow)
		}
		if now.After(ch.BlacklistedAt) {
			return apperr.Newf(apperr.KindExpired, "code expired at %s", ch.BlacklistedAt.Format(time.RFC3339))
		}
		// A code proves the address it went to, not whatever the account
		// holds now.
		if stale(account, ch) {
			return apperr.Newf(apperr.KindExpired, "%s code was sent to a previous address", p.Flow)
		}
		if subtle.ConstantTimeCompare([]byte(ch.Code), []byte(p.Code)) != 1 {
			return apperr.New(apperr.KindCodeMismatch, string(p.Flow))
		}

		switch p.Flow {
		case models.FlowPhoneVerification:
			account.VerifiedPhoneNumber = true
		case models.FlowEmailVerification:
			account.VerifiedEmail = true
		case models.FlowWrongNumberCorrection:
			phone := ch.Destination
			account.PhoneNumber = &phone
			account.VerifiedPhoneNumber = true
		}

		if p.OnVerified != nil {
			if err := p.OnVerified(ctx, r, account, ch); err != nil {
				return err
			}
		}

		if p.Flow.Consumable() {
			consumed := now
			ch.ConsumedAt = &consumed
			ch.UpdatedAt = now
			if err := r.SaveChallenge(ctx, ch); err != nil {
				return fmt.Errorf("save challenge: %w", err)
			}
		}

		account.UpdatedAt = now
		if err := r.SaveAccount(ctx, account); err != nil {
			return err
		}
		verified = account
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("otp verified",
		zap.String("account_id", p.AccountID.String()),
		zap.String("flow", string(p.Flow)))
	return verified, nil
}

func (m *Manager) resetLink(accountID uuid.UUID, code string) string {
	q := url.Values{}
	q.Set("account", accountID.String())
	q.Set("code", code)
	return m.linkBase + "?" + q.Encode()
}

// requestSatisfied reports whether the flow has nothing left to send for.
func requestSatisfied(a *models.Account, flow models.Flow) bool {
	switch flow {
	case models.FlowPhoneVerification:
		return a.VerifiedPhoneNumber
	case models.FlowEmailVerification:
		return a.VerifiedEmail
	}
	return false
}

func stale(a *models.Account, ch *models.Challenge) bool {
	if ch.Destination == "" {
		return false
	}
	switch ch.Flow {
	case models.FlowPhoneVerification:
		return ch.Destination != a.Phone()
	case models.FlowEmailVerification:
		return ch.Destination != a.EmailAddress()
	}
	return false
}

func verifySatisfied(a *models.Account, flow models.Flow) bool {
	return requestSatisfied(a, flow)
}

func destinationFor(a *models.Account, p RequestParams) (notify.Destination, error) {
	if p.Destination.Address != "" {
		return p.Destination, nil
	}

	var dest notify.Destination
	switch p.Flow {
	case models.FlowPhoneVerification:
		dest = notify.Phone(a.Phone())
	case models.FlowEmailVerification:
		dest = notify.Email(a.EmailAddress())
	case models.FlowResetPin:
		if a.EmailAddress() != "" {
			dest = notify.Email(a.EmailAddress())
		} else {
			dest = notify.Phone(a.Phone())
		}
	}
	if dest.Address == "" {
		return dest, apperr.Newf(apperr.KindMandatoryInput, "no destination for %s", p.Flow)
	}
	return dest, nil
}

// GenerateCode returns a uniformly random zero-padded 6-digit code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
