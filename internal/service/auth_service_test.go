package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fintrack-auth/internal/apperr"
	"fintrack-auth/internal/audit"
	"fintrack-auth/internal/bucketing"
	"fintrack-auth/internal/client"
	"fintrack-auth/internal/clock"
	"fintrack-auth/internal/config"
	"fintrack-auth/internal/encryption"
	"fintrack-auth/internal/hashing"
	"fintrack-auth/internal/models"
	"fintrack-auth/internal/notify/notifytest"
	"fintrack-auth/internal/registration"
	"fintrack-auth/internal/repository/memory"
	rediscache "fintrack-auth/internal/repository/redis"
	"fintrack-auth/internal/store"
	"fintrack-auth/internal/token"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)

type eventSink struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
}

func (s *eventSink) Name() string { return "test" }

func (s *eventSink) Write(_ context.Context, ev *models.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *eventSink) types() []models.SecurityEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.SecurityEventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.EventType)
	}
	return out
}

type fixture struct {
	st     store.Store
	sms    *notifytest.Recorder
	clock  *clock.Fake
	events *eventSink
	svc    *AuthService
}

func setup(t *testing.T, withLimiter bool) *fixture {
	t.Helper()
	bm := bucketing.NewBucketingManager(config.BucketingConfig{LockStripes: 8})
	st := memory.New(bm)
	sms := &notifytest.Recorder{}
	clk := clock.NewFake(t0)
	events := &eventSink{}

	hasher, err := hashing.NewHasher(config.HashingConfig{
		Argon2MemoryCost:  8 * 1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		Peppers:           []string{"test-pepper"},
	})
	require.NoError(t, err)
	em, err := encryption.NewEncryptionManager(config.KMSConfig{LocalKey: "test"}, nil, zap.NewNop())
	require.NoError(t, err)

	deps := Deps{
		Store:    st,
		Notifier: sms,
		Hasher:   hasher,
		Sealer:   em,
		Recorder: audit.NewRecorder([]audit.Sink{events}, bm, clk, time.Second, zap.NewNop()),
		Clock:    clk,
	}
	if withLimiter {
		mr := miniredis.RunT(t)
		rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		deps.PinLimiter = rediscache.NewPinAttemptCache(client.WrapRedis(rdb, zap.NewNop()), 3, 15*time.Minute, zap.NewNop())
	}

	otp := config.OTPConfig{
		Cooldown:      time.Minute,
		Expiry:        3 * time.Minute,
		DailyWindow:   24 * time.Hour,
		DailyCapEvery: 4,
		ResetCooldown: time.Minute,
		ResetExpiry:   10 * time.Minute,
		ResetLinkBase: "https://app.test/reset-pin",
	}
	jwt := config.JWTConfig{
		Secret:     "service-secret",
		Issuer:     "fintrack-auth",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	}

	return &fixture{
		st:     st,
		sms:    sms,
		clock:  clk,
		events: events,
		svc:    NewServiceFactory(deps, otp, jwt, zap.NewNop()).AuthService(),
	}
}

// onboard registers an account, verifies its phone and sets the PIN.
func (f *fixture) onboard(t *testing.T, phone, pin string) (*models.Account, *token.Pair) {
	t.Helper()
	ctx := context.Background()

	res, err := f.svc.Register(ctx, RegisterRequest{FullName: "Dina Putri", PhoneNumber: phone, Email: "dina@fintrack.test"})
	require.NoError(t, err)
	require.NoError(t, res.OTPErr)

	_, err = f.svc.VerifyOTP(ctx, res.Account.ID, models.FlowPhoneVerification, f.sms.Last().Msg.Code)
	require.NoError(t, err)

	account, pair, err := f.svc.SetPin(ctx, res.Account.ID, pin)
	require.NoError(t, err)
	return account, pair
}

func TestRegisterSendsPhoneCode(t *testing.T) {
	f := setup(t, false)

	res, err := f.svc.Register(context.Background(), RegisterRequest{
		FullName:    "  Budi Santoso ",
		PhoneNumber: "0812-3456 789",
	})
	require.NoError(t, err)
	require.NoError(t, res.OTPErr)

	assert.Equal(t, "Budi Santoso", res.Account.FullName)
	assert.Equal(t, "08123456789", res.Account.Phone())
	assert.Equal(t, models.RegistrationOnProcess, res.Account.RegistrationState)
	assert.NotEmpty(t, res.Tokens.AccessToken)

	require.Equal(t, 1, f.sms.Count())
	assert.Equal(t, "08123456789", f.sms.Last().To.Address)
	assert.Equal(t, t0.Add(time.Minute), res.OTP.ResendAt)
	assert.Contains(t, f.events.types(), models.EventRegistered)
	assert.Contains(t, f.events.types(), models.EventOTPSent)
}

func TestRegisterDuplicatePhone(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, RegisterRequest{FullName: "First", PhoneNumber: "08123456789"})
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, RegisterRequest{FullName: "Second", PhoneNumber: "08123456789"})
	assert.ErrorIs(t, err, apperr.ErrDuplicateCredential)

	_, err = f.svc.Register(ctx, RegisterRequest{FullName: "Third", PhoneNumber: "0812 3456 789"})
	assert.ErrorIs(t, err, apperr.ErrDuplicateCredential)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, RegisterRequest{FullName: "", PhoneNumber: "08123456789"})
	assert.ErrorIs(t, err, apperr.ErrMandatoryInput)

	_, err = f.svc.Register(ctx, RegisterRequest{FullName: "<script>", PhoneNumber: "08123456789"})
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = f.svc.Register(ctx, RegisterRequest{FullName: "Ok", PhoneNumber: "12"})
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestRegisterKeepsAccountWhenCodeFails(t *testing.T) {
	f := setup(t, false)
	f.sms.Fail(errors.New("provider down"))

	res, err := f.svc.Register(context.Background(), RegisterRequest{FullName: "Sari", PhoneNumber: "081200000001"})
	require.NoError(t, err)
	assert.ErrorIs(t, res.OTPErr, apperr.ErrNotificationFailed)
	assert.Nil(t, res.OTP)

	_, err = f.st.FindAccount(context.Background(), res.Account.ID)
	require.NoError(t, err)

	f.sms.Fail(nil)
	sent, err := f.svc.ResendOTP(context.Background(), res.Account.ID, models.FlowPhoneVerification)
	require.NoError(t, err)
	assert.Equal(t, 1, sent.Hit)
}

func TestRegisterStoresOnboardingPairWithAccount(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	res, err := f.svc.Register(ctx, RegisterRequest{FullName: "Ayu", PhoneNumber: "081200000101"})
	require.NoError(t, err)

	stored, err := f.st.LatestTokenPair(ctx, res.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Account.ID, stored.AccountID)

	id, err := f.svc.Authenticate(ctx, res.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.Account.ID, id)
}

func TestResumeOnboardingAfterSessionExpired(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	res, err := f.svc.Register(ctx, RegisterRequest{FullName: "Yanti", PhoneNumber: "081200000120"})
	require.NoError(t, err)
	_, err = f.svc.VerifyOTP(ctx, res.Account.ID, models.FlowPhoneVerification, f.sms.Last().Msg.Code)
	require.NoError(t, err)

	f.clock.Advance(25 * time.Hour)
	_, err = f.svc.Refresh(ctx, res.Tokens.RefreshToken)
	require.Error(t, err)
	_, _, err = f.svc.Login(ctx, "081200000120", "123456")
	assert.ErrorIs(t, err, apperr.ErrMandatoryInput)

	sent, err := f.svc.ResumeOnboarding(ctx, "0812-0000-0120")
	require.NoError(t, err)
	assert.Equal(t, "081200000120", sent.Destination.Address)

	_, err = f.svc.CompleteResume(ctx, "081200000120", "000000")
	assert.ErrorIs(t, err, apperr.ErrCodeMismatch)

	resumed, err := f.svc.CompleteResume(ctx, "081200000120", f.sms.Last().Msg.Code)
	require.NoError(t, err)
	assert.True(t, resumed.Account.VerifiedPhoneNumber)
	assert.Contains(t, f.events.types(), models.EventOnboardingResumed)

	id, err := f.svc.Authenticate(ctx, resumed.Tokens.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, res.Account.ID, id)

	account, _, err := f.svc.SetPin(ctx, id, "808080")
	require.NoError(t, err)
	assert.Equal(t, models.RegistrationSuccess, account.RegistrationState)

	_, err = f.svc.ResumeOnboarding(ctx, "081200000120")
	assert.ErrorIs(t, err, apperr.ErrConflict)
	_, err = f.svc.ResumeOnboarding(ctx, "089999999990")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSetPinRequiresVerifiedPhone(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	res, err := f.svc.Register(ctx, RegisterRequest{FullName: "Rina", PhoneNumber: "081200000002"})
	require.NoError(t, err)

	_, _, err = f.svc.SetPin(ctx, res.Account.ID, "123456")
	assert.ErrorIs(t, err, apperr.ErrMandatoryInput)

	_, _, err = f.svc.SetPin(ctx, res.Account.ID, "12ab")
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestOnboardingAndLogin(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	account, _ := f.onboard(t, "081200000003", "246810")
	assert.Equal(t, models.RegistrationSuccess, account.RegistrationState)

	_, _, err := f.svc.SetPin(ctx, account.ID, "135790")
	assert.ErrorIs(t, err, apperr.ErrAlreadyFilled)

	got, pair, err := f.svc.Login(ctx, "0812-0000-0003", "246810")
	require.NoError(t, err)
	assert.Equal(t, account.ID, got.ID)

	id, err := f.svc.Authenticate(ctx, pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, account.ID, id)

	_, _, err = f.svc.Login(ctx, "DINA@fintrack.test", "246810")
	require.NoError(t, err)

	_, _, err = f.svc.Login(ctx, "081200000003", "000000")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, _, err = f.svc.Login(ctx, "089999999999", "246810")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	assert.Contains(t, f.events.types(), models.EventLoginFailed)
}

func TestLoginBeforeRegistrationCompletes(t *testing.T) {
	f := setup(t, false)
	_, err := f.svc.Register(context.Background(), RegisterRequest{FullName: "Tono", PhoneNumber: "081200000004"})
	require.NoError(t, err)

	_, _, err = f.svc.Login(context.Background(), "081200000004", "123456")
	assert.ErrorIs(t, err, apperr.ErrMandatoryInput)
}

func TestLoginLockout(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()
	f.onboard(t, "081200000005", "112233")

	for i := 0; i < 2; i++ {
		_, _, err := f.svc.Login(ctx, "081200000005", "999999")
		assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	}
	_, _, err := f.svc.Login(ctx, "081200000005", "999999")
	require.ErrorIs(t, err, apperr.ErrRateLimited)
	retryAt, ok := apperr.RetryAt(err)
	require.True(t, ok)
	assert.Equal(t, t0.Add(15*time.Minute), retryAt)

	_, _, err = f.svc.Login(ctx, "081200000005", "112233")
	assert.ErrorIs(t, err, apperr.ErrRateLimited)
}

func TestLogoutThenReuse(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	account, _ := f.onboard(t, "081200000006", "121212")

	_, pair, err := f.svc.Login(ctx, "081200000006", "121212")
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, account.ID))

	_, err = f.svc.Authenticate(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, apperr.ErrInvalidToken)

	_, err = f.svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, apperr.ErrInvalidToken)

	err = f.svc.Logout(ctx, account.ID)
	assert.ErrorIs(t, err, apperr.ErrAlreadyRevoked)
}

func TestRefreshIssuesNewPair(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	account, pair := f.onboard(t, "081200000007", "343434")

	f.clock.Advance(time.Minute)
	next, err := f.svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, next.AccessToken)

	id, err := f.svc.Authenticate(ctx, next.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, account.ID, id)

	_, err = f.svc.Refresh(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, apperr.ErrInvalidToken)
}

func TestChangePin(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	account, old := f.onboard(t, "081200000008", "565656")

	_, err := f.svc.ChangePin(ctx, account.ID, "000000", "787878")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.svc.ChangePin(ctx, account.ID, "565656", "565656")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	fresh, err := f.svc.ChangePin(ctx, account.ID, "565656", "787878")
	require.NoError(t, err)

	_, err = f.svc.Authenticate(ctx, old.AccessToken)
	assert.ErrorIs(t, err, apperr.ErrInvalidToken)
	_, err = f.svc.Authenticate(ctx, fresh.AccessToken)
	require.NoError(t, err)

	_, _, err = f.svc.Login(ctx, "081200000008", "565656")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	_, _, err = f.svc.Login(ctx, "081200000008", "787878")
	require.NoError(t, err)
}

func TestForgotAndResetPin(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	account, old := f.onboard(t, "081200000009", "909090")

	sent, err := f.svc.ForgotPin(ctx, "dina@fintrack.test")
	require.NoError(t, err)
	assert.Equal(t, "dina@fintrack.test", sent.Destination.Address)

	last := f.sms.Last()
	assert.Equal(t, models.FlowResetPin, last.Msg.Flow)
	assert.Contains(t, last.Msg.Link, "account="+account.ID.String())

	wrong := "000000"
	if last.Msg.Code == wrong {
		wrong = "111111"
	}
	err = f.svc.ResetPin(ctx, account.ID, wrong, "101010")
	assert.ErrorIs(t, err, apperr.ErrCodeMismatch)

	require.NoError(t, f.svc.ResetPin(ctx, account.ID, last.Msg.Code, "101010"))

	_, err = f.svc.Authenticate(ctx, old.AccessToken)
	assert.ErrorIs(t, err, apperr.ErrInvalidToken)

	err = f.svc.ResetPin(ctx, account.ID, last.Msg.Code, "202020")
	assert.ErrorIs(t, err, apperr.ErrAlreadyVerified)

	_, _, err = f.svc.Login(ctx, "081200000009", "101010")
	require.NoError(t, err)
	assert.Contains(t, f.events.types(), models.EventPinReset)
}

func TestForgotPinUnknownAccount(t *testing.T) {
	f := setup(t, false)
	_, err := f.svc.ForgotPin(context.Background(), "nobody@fintrack.test")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestVerifyOTPRejectsResetFlow(t *testing.T) {
	f := setup(t, false)
	_, err := f.svc.VerifyOTP(context.Background(), uuid.New(), models.FlowResetPin, "123456")
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = f.svc.VerifyOTP(context.Background(), uuid.New(), models.Flow("sms"), "123456")
	assert.ErrorIs(t, err, apperr.ErrInvalid)
}

func TestChangePhoneDuringRegistration(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	res, err := f.svc.Register(ctx, RegisterRequest{FullName: "Wati", PhoneNumber: "081200000010"})
	require.NoError(t, err)

	_, err = f.svc.ChangePhone(ctx, res.Account.ID, "081200000010")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	f.clock.Advance(time.Minute)
	change, err := f.svc.ChangePhone(ctx, res.Account.ID, "081200000011")
	require.NoError(t, err)
	require.NoError(t, change.OTPErr)
	assert.Equal(t, registration.SelfService, change.Mode)
	assert.Equal(t, "081200000011", change.Account.Phone())
	assert.False(t, change.Account.VerifiedPhoneNumber)
	assert.Equal(t, "081200000011", f.sms.Last().To.Address)

	account, err := f.svc.VerifyOTP(ctx, res.Account.ID, models.FlowPhoneVerification, f.sms.Last().Msg.Code)
	require.NoError(t, err)
	assert.True(t, account.VerifiedPhoneNumber)
}

func TestChangePhoneDoesNotAcceptCodeForOldNumber(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()

	res, err := f.svc.Register(ctx, RegisterRequest{FullName: "Lina", PhoneNumber: "081200000100"})
	require.NoError(t, err)
	oldCode := f.sms.Last().Msg.Code

	change, err := f.svc.ChangePhone(ctx, res.Account.ID, "081200000199")
	require.NoError(t, err)
	assert.ErrorIs(t, change.OTPErr, apperr.ErrRateLimited)

	_, err = f.svc.VerifyOTP(ctx, res.Account.ID, models.FlowPhoneVerification, oldCode)
	assert.ErrorIs(t, err, apperr.ErrExpired)

	stored, err := f.st.FindAccount(ctx, res.Account.ID)
	require.NoError(t, err)
	assert.Equal(t, "081200000199", stored.Phone())
	assert.False(t, stored.VerifiedPhoneNumber)

	f.clock.Advance(time.Minute)
	_, err = f.svc.ResendOTP(ctx, res.Account.ID, models.FlowPhoneVerification)
	require.NoError(t, err)
	assert.Equal(t, "081200000199", f.sms.Last().To.Address)

	account, err := f.svc.VerifyOTP(ctx, res.Account.ID, models.FlowPhoneVerification, f.sms.Last().Msg.Code)
	require.NoError(t, err)
	assert.True(t, account.VerifiedPhoneNumber)
}

func TestChangePhoneAfterRegistration(t *testing.T) {
	f := setup(t, false)
	ctx := context.Background()
	account, _ := f.onboard(t, "081200000012", "454545")

	other, err := f.svc.Register(ctx, RegisterRequest{FullName: "Other", PhoneNumber: "081200000013"})
	require.NoError(t, err)

	_, err = f.svc.ChangePhone(ctx, account.ID, "081200000013")
	assert.ErrorIs(t, err, apperr.ErrDuplicateCredential)

	change, err := f.svc.ChangePhone(ctx, account.ID, "081200000014")
	require.NoError(t, err)
	assert.Equal(t, registration.VerifiedChange, change.Mode)
	assert.Equal(t, "081200000014", change.OTP.Destination.Address)

	stored, err := f.st.FindAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "081200000012", stored.Phone())

	f.clock.Advance(time.Minute)
	resent, err := f.svc.ResendOTP(ctx, account.ID, models.FlowWrongNumberCorrection)
	require.NoError(t, err)
	assert.Equal(t, "081200000014", resent.Destination.Address)

	swapped, err := f.svc.VerifyOTP(ctx, account.ID, models.FlowWrongNumberCorrection, f.sms.Last().Msg.Code)
	require.NoError(t, err)
	assert.Equal(t, "081200000014", swapped.Phone())
	assert.True(t, swapped.VerifiedPhoneNumber)
	assert.Equal(t, models.RegistrationSuccess, swapped.RegistrationState)
	assert.NotEqual(t, other.Account.ID, swapped.ID)
}

func TestMe(t *testing.T) {
	f := setup(t, false)
	account, _ := f.onboard(t, "081200000015", "676767")

	me, err := f.svc.Me(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, account.ID, me.ID)

	_, err = f.svc.Me(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
