package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fintrack-auth/internal/bucketing"
	"fintrack-auth/internal/client"
	"fintrack-auth/internal/clock"
	"fintrack-auth/internal/config"
	"fintrack-auth/internal/encryption"
	"fintrack-auth/internal/hashing"
	"fintrack-auth/internal/notify/notifytest"
	"fintrack-auth/internal/repository/memory"
	rediscache "fintrack-auth/internal/repository/redis"
	"fintrack-auth/internal/service"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	router http.Handler
	sms    *notifytest.Recorder
	clock  *clock.Fake
}

func newTestServer(t *testing.T, ipLimit int) *testServer {
	t.Helper()
	bm := bucketing.NewBucketingManager(config.BucketingConfig{LockStripes: 8})
	st := memory.New(bm)
	sms := &notifytest.Recorder{}
	clk := clock.NewFake(time.Date(2024, 8, 1, 10, 0, 0, 0, time.UTC))

	hasher, err := hashing.NewHasher(config.HashingConfig{
		Argon2MemoryCost:  8 * 1024,
		Argon2TimeCost:    1,
		Argon2Parallelism: 1,
		Peppers:           []string{"handler-pepper"},
	})
	require.NoError(t, err)
	em, err := encryption.NewEncryptionManager(config.KMSConfig{LocalKey: "handler"}, nil, zap.NewNop())
	require.NoError(t, err)

	factory := service.NewServiceFactory(service.Deps{
		Store:    st,
		Notifier: sms,
		Hasher:   hasher,
		Sealer:   em,
		Clock:    clk,
	}, config.OTPConfig{
		Cooldown:      time.Minute,
		Expiry:        3 * time.Minute,
		DailyWindow:   24 * time.Hour,
		DailyCapEvery: 4,
		ResetCooldown: time.Minute,
		ResetExpiry:   10 * time.Minute,
		ResetLinkBase: "https://app.test/reset-pin",
	}, config.JWTConfig{
		Secret:     "handler-secret",
		Issuer:     "fintrack-auth",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	}, zap.NewNop())
	auth := factory.AuthService()

	deps := RouterDeps{
		Auth:   NewAuthHandler(auth, clk, zap.NewNop()),
		Bearer: auth,
		Checks: []HealthCheck{{Name: "store", Check: st.HealthCheck}},
	}
	if ipLimit > 0 {
		mr := miniredis.RunT(t)
		rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		deps.IPLimiter = rediscache.NewRateLimitCache(client.WrapRedis(rdb, zap.NewNop()), ipLimit, time.Minute, zap.NewNop())
	}

	return &testServer{
		router: NewRouter(config.ServerConfig{}, deps, zap.NewNop()),
		sms:    sms,
		clock:  clk,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type session struct {
	Account struct {
		ID                  string `json:"id"`
		PhoneNumber         string `json:"phone_number"`
		VerifiedPhoneNumber bool   `json:"verified_phone_number"`
		RegistrationState   string `json:"registration_state"`
		PinHash             string `json:"pin_hash"`
	} `json:"account"`
	Tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	} `json:"tokens"`
	OTP struct {
		Destination string `json:"destination"`
		Attempt     int    `json:"attempt"`
	} `json:"otp"`
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func decodeSession(t *testing.T, env envelope) session {
	t.Helper()
	var s session
	require.NoError(t, json.Unmarshal(env.Data, &s))
	return s
}

func TestAuthFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t, 0)

	rec, env := srv.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"full_name":    "Ayu Lestari",
		"phone_number": "081234000111",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reg := decodeSession(t, env)
	assert.Equal(t, "on_process", reg.Account.RegistrationState)
	assert.Equal(t, "*********111", reg.OTP.Destination)
	assert.Equal(t, 1, reg.OTP.Attempt)
	onboarding := reg.Tokens.AccessToken

	rec, env = srv.do(t, http.MethodPost, "/auth/otp/verify", onboarding, map[string]string{
		"flow": "phone_verification",
		"code": srv.sms.Last().Msg.Code,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeSession(t, env).Account.VerifiedPhoneNumber)

	rec, env = srv.do(t, http.MethodPost, "/auth/pin", onboarding, map[string]string{"pin": "314159"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "success", decodeSession(t, env).Account.RegistrationState)
	assert.Empty(t, decodeSession(t, env).Account.PinHash)

	rec, env = srv.do(t, http.MethodPost, "/auth/login", "", map[string]string{
		"identifier": "081234000111",
		"pin":        "314159",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	access := decodeSession(t, env).Tokens.AccessToken

	rec, _ = srv.do(t, http.MethodGet, "/auth/me", access, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = srv.do(t, http.MethodPost, "/auth/logout", access, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env = srv.do(t, http.MethodGet, "/auth/me", access, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_token", env.Error)
}

func TestRegisterDuplicatePhoneOverHTTP(t *testing.T) {
	srv := newTestServer(t, 0)
	body := map[string]string{"full_name": "One", "phone_number": "08123456789"}

	rec, _ := srv.do(t, http.MethodPost, "/auth/register", "", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, env := srv.do(t, http.MethodPost, "/auth/register", "", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_credential", env.Error)
}

func TestResendCooldownSetsRetryAfter(t *testing.T) {
	srv := newTestServer(t, 0)

	_, env := srv.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"full_name":    "Cooldown",
		"phone_number": "081234000222",
	})
	access := decodeSession(t, env).Tokens.AccessToken

	srv.clock.Advance(20 * time.Second)
	rec, env := srv.do(t, http.MethodPost, "/auth/otp/resend", access, map[string]string{"flow": "phone_verification"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", env.Error)
	assert.Equal(t, "40", rec.Header().Get("Retry-After"))

	srv.clock.Advance(40 * time.Second)
	rec, _ = srv.do(t, http.MethodPost, "/auth/otp/resend", access, map[string]string{"flow": "phone_verification"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNotificationFailureOverHTTP(t *testing.T) {
	srv := newTestServer(t, 0)
	srv.sms.Fail(errors.New("gateway down"))

	rec, env := srv.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"full_name":    "No Sms",
		"phone_number": "081234000333",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &raw))
	assert.Equal(t, "notification_failed", raw["otp_error"])
}

func TestValidationErrors(t *testing.T) {
	srv := newTestServer(t, 0)

	rec, env := srv.do(t, http.MethodPost, "/auth/register", "", map[string]string{"full_name": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_input", env.Error)

	rec, _ = srv.do(t, http.MethodPost, "/auth/login", "", map[string]string{"identifier": "0812", "pin": "12"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = srv.do(t, http.MethodPost, "/auth/pin/reset", "", map[string]string{
		"account_id": "not-a-uuid",
		"code":       "123456",
		"new_pin":    "123456",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChangePinToSamePinIsConflict(t *testing.T) {
	srv := newTestServer(t, 0)

	_, env := srv.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"full_name":    "Same Pin",
		"phone_number": "081234000444",
	})
	access := decodeSession(t, env).Tokens.AccessToken
	rec, _ := srv.do(t, http.MethodPost, "/auth/otp/verify", access, map[string]string{
		"flow": "phone_verification",
		"code": srv.sms.Last().Msg.Code,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec, env = srv.do(t, http.MethodPost, "/auth/pin", access, map[string]string{"pin": "271828"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	access = decodeSession(t, env).Tokens.AccessToken

	rec, env = srv.do(t, http.MethodPut, "/auth/pin", access, map[string]string{
		"old_pin": "271828",
		"new_pin": "271828",
	})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "conflict", env.Error)
}

func TestResumeOnboardingOverHTTP(t *testing.T) {
	srv := newTestServer(t, 0)

	rec, _ := srv.do(t, http.MethodPost, "/auth/register", "", map[string]string{
		"full_name":    "Resume",
		"phone_number": "081234000555",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	srv.clock.Advance(25 * time.Hour)
	rec, env := srv.do(t, http.MethodPost, "/auth/onboarding/resume", "", map[string]string{"identifier": "081234000555"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env = srv.do(t, http.MethodPost, "/auth/onboarding/resume/verify", "", map[string]string{
		"identifier": "081234000555",
		"code":       srv.sms.Last().Msg.Code,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resumed := decodeSession(t, env)
	assert.Equal(t, "on_process", resumed.Account.RegistrationState)

	rec, env = srv.do(t, http.MethodPost, "/auth/pin", resumed.Tokens.AccessToken, map[string]string{"pin": "161803"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "success", decodeSession(t, env).Account.RegistrationState)
}

func TestBearerRequired(t *testing.T) {
	srv := newTestServer(t, 0)

	rec, env := srv.do(t, http.MethodGet, "/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_token", env.Error)

	rec, _ = srv.do(t, http.MethodGet, "/auth/me", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIPThrottle(t *testing.T) {
	srv := newTestServer(t, 2)
	body := map[string]string{"identifier": "081234000444", "pin": "123456"}

	for i := 0; i < 2; i++ {
		rec, _ := srv.do(t, http.MethodPost, "/auth/login", "", body)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec, env := srv.do(t, http.MethodPost, "/auth/login", "", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", env.Error)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, 0)

	rec, env := srv.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Contains(t, string(env.Data), `"store":"healthy"`)
}

func TestHealthReportsFailure(t *testing.T) {
	h := healthHandler([]HealthCheck{
		{Name: "ok", Check: func(context.Context) error { return nil }},
		{Name: "broken", Check: func(context.Context) error { return errors.New("down") }},
	}, zap.NewNop())

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"broken":"unhealthy"`)
}
