package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"fintrack-auth/internal/apperr"
	"fintrack-auth/internal/audit"
	"fintrack-auth/internal/challenge"
	"fintrack-auth/internal/clock"
	"fintrack-auth/internal/models"
	"fintrack-auth/internal/notify"
	"fintrack-auth/internal/registration"
	"fintrack-auth/internal/store"
	"fintrack-auth/internal/token"
	"fintrack-auth/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	pinPattern   = regexp.MustCompile(`^[0-9]{6}$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9]{8,15}$`)
)

// CredentialHasher hashes and checks PINs. Satisfied by hashing.Hasher.
type CredentialHasher interface {
	Hash(secret string) (string, error)
	Verify(secret, digest string) (bool, error)
}

// rehasher is implemented by hashers that rotate peppers.
type rehasher interface {
	NeedsRehash(digest string) bool
}

// PinLimiter locks an account out after repeated wrong PINs. Satisfied by
// the Redis PinAttemptCache.
type PinLimiter interface {
	LockedFor(ctx context.Context, accountID string) (time.Duration, error)
	RegisterFailure(ctx context.Context, accountID string) (int, time.Duration, error)
	Reset(ctx context.Context, accountID string) error
}

// AuthService runs the account use-cases on top of the challenge manager
// and the token issuer.
type AuthService struct {
	store      store.Store
	challenges *challenge.Manager
	tokens     *token.Issuer
	hasher     CredentialHasher
	limiter    PinLimiter
	audit      *audit.Recorder
	clock      clock.Clock
	logger     *zap.Logger
}

// NewAuthService wires the use-cases. limiter and recorder may be nil.
func NewAuthService(
	st store.Store,
	challenges *challenge.Manager,
	tokens *token.Issuer,
	hasher CredentialHasher,
	limiter PinLimiter,
	recorder *audit.Recorder,
	clk clock.Clock,
	logger *zap.Logger,
) *AuthService {
	return &AuthService{
		store:      st,
		challenges: challenges,
		tokens:     tokens,
		hasher:     hasher,
		limiter:    limiter,
		audit:      recorder,
		clock:      clk,
		logger:     logger,
	}
}

type RegisterRequest struct {
	FullName    string
	PhoneNumber string
	Email       string
}

// RegisterResult carries the onboarding session. OTPErr is set when the
// account was created but the first phone code could not be sent; the
// client retries with ResendOTP.
type RegisterResult struct {
	Account *models.Account
	Tokens  *token.Pair
	OTP     *challenge.Sent
	OTPErr  error
}

// Register creates an OnProcess account, opens an onboarding session and
// sends the first phone verification code.
func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	start := time.Now()
	now := s.clock.Now()

	name := strings.TrimSpace(req.FullName)
	if name == "" {
		return nil, apperr.New(apperr.KindMandatoryInput, "full name required")
	}
	if util.ContainsSuspicious(name) {
		return nil, apperr.New(apperr.KindInvalid, "full name contains markup")
	}
	phone, err := normalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}

	account := &models.Account{
		FullName:          util.SanitizeInput(name),
		PhoneNumber:       &phone,
		RegistrationState: models.RegistrationOnProcess,
	}
	if req.Email != "" {
		email := util.NormalizeEmail(req.Email)
		account.Email = &email
	}
	account.Stamp(now)

	// The onboarding pair commits with the account so a failed issue never
	// leaves an account nobody holds a session for.
	var pair *token.Pair
	err = s.store.Atomic(ctx, func(ctx context.Context, r store.Repository) error {
		if err := ensurePhoneFree(ctx, r, phone, uuid.Nil); err != nil {
			return err
		}
		if account.Email != nil {
			if err := ensureEmailFree(ctx, r, *account.Email); err != nil {
				return err
			}
		}
		if err := r.CreateAccount(ctx, account); err != nil {
			return err
		}
		var err error
		pair, err = s.tokens.IssueTx(ctx, r, account.ID, now)
		if err != nil {
			return fmt.Errorf("issue onboarding tokens: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Info("registration refused",
			util.Phone(phone),
			util.ErrorField(err))
		return nil, err
	}

	result := &RegisterResult{Account: account, Tokens: pair}
	result.OTP, result.OTPErr = s.sendCode(ctx, challenge.RequestParams{
		AccountID: account.ID,
		Flow:      models.FlowPhoneVerification,
	}, now)
	if result.OTPErr != nil {
		s.logger.Warn("registered without phone code",
			util.AccountID(account.ID),
			util.ErrorField(result.OTPErr))
	}

	s.audit.Record(ctx, audit.Event{
		Type:      models.EventRegistered,
		AccountID: account.ID,
		Outcome:   audit.OutcomeSuccess,
	})
	s.logger.Info("account registered",
		util.AccountID(account.ID),
		util.Phone(phone),
		util.Duration("duration", time.Since(start)))
	return result, nil
}

// ResumeOnboarding lets an unfinished registration back in once its
// onboarding session is gone. The phone is proven again: it is marked
// unverified and a new phone verification code is sent.
func (s *AuthService) ResumeOnboarding(ctx context.Context, identifier string) (*challenge.Sent, error) {
	found, err := s.findByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	err = s.store.Atomic(ctx, func(ctx context.Context, r store.Repository) error {
		account, err := r.LockAccount(ctx, found.ID)
		if err != nil {
			return err
		}
		if account.RegistrationState != models.RegistrationOnProcess {
			return apperr.New(apperr.KindConflict, "registration already completed")
		}
		if !account.VerifiedPhoneNumber {
			return nil
		}
		account.VerifiedPhoneNumber = false
		account.UpdatedAt = now
		return r.SaveAccount(ctx, account)
	})
	if err != nil {
		return nil, err
	}

	return s.sendCode(ctx, challenge.RequestParams{
		AccountID: found.ID,
		Flow:      models.FlowPhoneVerification,
	}, now)
}

// ResumeResult is the session handed back by CompleteResume.
type ResumeResult struct {
	Account *models.Account
	Tokens  *token.Pair
}

// CompleteResume verifies the code sent by ResumeOnboarding and opens a new
// onboarding session in the verifying transaction.
func (s *AuthService) CompleteResume(ctx context.Context, identifier, code string) (*ResumeResult, error) {
	found, err := s.findByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if found.RegistrationState != models.RegistrationOnProcess {
		return nil, apperr.New(apperr.KindConflict, "registration already completed")
	}
	now := s.clock.Now()

	var pair *token.Pair
	account, err := s.challenges.Verify(ctx, challenge.VerifyParams{
		AccountID: found.ID,
		Flow:      models.FlowPhoneVerification,
		Code:      code,
		OnVerified: func(ctx context.Context, r store.Repository, account *models.Account, _ *models.Challenge) error {
			if account.RegistrationState != models.RegistrationOnProcess {
				return apperr.New(apperr.KindConflict, "registration already completed")
			}
			var err error
			pair, err = s.tokens.IssueTx(ctx, r, account.ID, now)
			return err
		},
	}, now)
	s.recordVerify(ctx, found.ID, models.FlowPhoneVerification, err)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Event{
		Type:      models.EventOnboardingResumed,
		AccountID: account.ID,
		Outcome:   audit.OutcomeSuccess,
	})
	s.logger.Info("onboarding resumed", util.AccountID(account.ID))
	return &ResumeResult{Account: account, Tokens: pair}, nil
}

// ResendOTP sends a fresh code for flow. A wrong-number correction is
// resent to the number it was first sent to.
func (s *AuthService) ResendOTP(ctx context.Context, accountID uuid.UUID, flow models.Flow) (*challenge.Sent, error) {
	if !flow.Valid() {
		return nil, apperr.Newf(apperr.KindInvalid, "unknown flow %q", flow)
	}
	now := s.clock.Now()

	params := challenge.RequestParams{AccountID: accountID, Flow: flow}
	if flow == models.FlowWrongNumberCorrection {
		latest, err := s.store.LatestChallenge(ctx, accountID, flow)
		if err != nil {
			return nil, err
		}
		params.Destination = notify.Phone(latest.Destination)
	}
	return s.sendCode(ctx, params, now)
}

// VerifyOTP checks a code of a verification flow. Reset-pin codes are
// redeemed through ResetPin.
func (s *AuthService) VerifyOTP(ctx context.Context, accountID uuid.UUID, flow models.Flow, code string) (*models.Account, error) {
	if !flow.Valid() || flow == models.FlowResetPin {
		return nil, apperr.Newf(apperr.KindInvalid, "flow %q cannot be verified here", flow)
	}
	now := s.clock.Now()

	account, err := s.challenges.Verify(ctx, challenge.VerifyParams{
		AccountID: accountID,
		Flow:      flow,
		Code:      code,
	}, now)
	s.recordVerify(ctx, accountID, flow, err)
	if err != nil {
		return nil, err
	}

	if flow == models.FlowWrongNumberCorrection {
		s.audit.Record(ctx, audit.Event{
			Type:      models.EventPhoneChanged,
			AccountID: accountID,
			Flow:      flow,
			Outcome:   audit.OutcomeSuccess,
			Details:   map[string]string{"mode": "verified"},
		})
	}
	return account, nil
}

type PhoneChangeResult struct {
	Mode    registration.PhoneChangeMode
	Account *models.Account
	OTP     *challenge.Sent
	OTPErr  error
}

// ChangePhone corrects the account's number. While registration is open the
// number is replaced at once and verified again; afterwards the new number
// has to be proven with a wrong-number correction code first.
func (s *AuthService) ChangePhone(ctx context.Context, accountID uuid.UUID, newPhone string) (*PhoneChangeResult, error) {
	phone, err := normalizePhone(newPhone)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	var (
		account *models.Account
		mode    registration.PhoneChangeMode
	)
	err = s.store.Atomic(ctx, func(ctx context.Context, r store.Repository) error {
		var err error
		account, err = r.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Phone() == phone {
			return apperr.New(apperr.KindConflict, "same phone number")
		}
		if err := ensurePhoneFree(ctx, r, phone, accountID); err != nil {
			return err
		}
		mode = registration.PhoneChangeModeFor(account)
		if mode != registration.SelfService {
			return nil
		}
		if err := registration.ChangePhone(account, phone, now); err != nil {
			return err
		}
		if err := r.SaveAccount(ctx, account); err != nil {
			return err
		}
		return expireOpenCode(ctx, r, accountID, models.FlowPhoneVerification, now)
	})
	if err != nil {
		return nil, err
	}

	result := &PhoneChangeResult{Mode: mode, Account: account}
	if mode == registration.SelfService {
		result.OTP, result.OTPErr = s.sendCode(ctx, challenge.RequestParams{
			AccountID: accountID,
			Flow:      models.FlowPhoneVerification,
		}, now)
		s.audit.Record(ctx, audit.Event{
			Type:      models.EventPhoneChanged,
			AccountID: accountID,
			Outcome:   audit.OutcomeSuccess,
			Details:   map[string]string{"mode": "self_service"},
		})
		return result, nil
	}

	sent, err := s.sendCode(ctx, challenge.RequestParams{
		AccountID:   accountID,
		Flow:        models.FlowWrongNumberCorrection,
		Destination: notify.Phone(phone),
	}, now)
	if err != nil {
		return nil, err
	}
	result.OTP = sent
	return result, nil
}

// expireOpenCode closes the latest series of flow so a code already sent
// to a replaced address stops verifying.
func expireOpenCode(ctx context.Context, r store.Repository, accountID uuid.UUID, flow models.Flow, now time.Time) error {
	latest, err := r.LockLatestChallenge(ctx, accountID, flow)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if latest.ConsumedAt != nil || !latest.BlacklistedAt.After(now) {
		return nil
	}
	latest.BlacklistedAt = now
	latest.UpdatedAt = now
	return r.SaveChallenge(ctx, latest)
}

// Me returns the account behind a usable access token.
func (s *AuthService) Me(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	return s.store.FindAccount(ctx, accountID)
}

// Authenticate resolves a bearer access token to its account id.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (uuid.UUID, error) {
	claims, err := s.tokens.IsUsable(ctx, accessToken, token.TypeAccess, s.clock.Now())
	if err != nil {
		return uuid.Nil, err
	}
	id, err := claims.AccountID()
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.KindInvalidToken, err, "subject")
	}
	return id, nil
}

func (s *AuthService) sendCode(ctx context.Context, p challenge.RequestParams, now time.Time) (*challenge.Sent, error) {
	sent, err := s.challenges.Request(ctx, p, now)
	ev := audit.Event{
		Type:      models.EventOTPSent,
		AccountID: p.AccountID,
		Flow:      p.Flow,
		Outcome:   audit.OutcomeSuccess,
	}
	switch {
	case err == nil:
		ev.Details = map[string]string{"destination": sent.Destination.Masked()}
	case apperr.KindOf(err) == apperr.KindRateLimited:
		ev.Type = models.EventOTPRateLimited
		ev.Outcome = audit.OutcomeFailure
		if at, ok := apperr.RetryAt(err); ok {
			ev.Details = map[string]string{"retry_at": at.Format(time.RFC3339)}
		}
	default:
		ev.Outcome = audit.OutcomeFailure
		ev.Details = map[string]string{"error": string(apperr.KindOf(err))}
	}
	s.audit.Record(ctx, ev)
	return sent, err
}

func (s *AuthService) recordVerify(ctx context.Context, accountID uuid.UUID, flow models.Flow, err error) {
	ev := audit.Event{
		Type:      models.EventOTPVerified,
		AccountID: accountID,
		Flow:      flow,
		Outcome:   audit.OutcomeSuccess,
	}
	if err != nil {
		ev.Type = models.EventOTPRejected
		ev.Outcome = audit.OutcomeFailure
		ev.Details = map[string]string{"error": string(apperr.KindOf(err))}
	}
	s.audit.Record(ctx, ev)
}

func normalizePhone(raw string) (string, error) {
	phone := util.NormalizePhone(raw)
	if phone == "" {
		return "", apperr.New(apperr.KindMandatoryInput, "phone number required")
	}
	if !phonePattern.MatchString(phone) {
		return "", apperr.New(apperr.KindInvalid, "malformed phone number")
	}
	return phone, nil
}

func ensurePhoneFree(ctx context.Context, r store.Repository, phone string, owner uuid.UUID) error {
	existing, err := r.FindAccountByPhone(ctx, phone)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.ID == owner {
		return nil
	}
	return apperr.New(apperr.KindDuplicateCredential, "phone number in use")
}

func ensureEmailFree(ctx context.Context, r store.Repository, email string) error {
	_, err := r.FindAccountByEmail(ctx, email)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return apperr.New(apperr.KindDuplicateCredential, "email in use")
}
