package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"fintrack-auth/internal/apperr"
	"fintrack-auth/internal/challenge"
	"fintrack-auth/internal/clock"
	"fintrack-auth/internal/models"
	"fintrack-auth/internal/registration"
	"fintrack-auth/internal/service"
	"fintrack-auth/internal/token"
	"fintrack-auth/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		p := util.NormalizePhone(fl.Field().String())
		return len(p) >= 8 && len(p) <= 16
	})
	_ = v.RegisterValidation("flow", func(fl validator.FieldLevel) bool {
		return models.Flow(fl.Field().String()).Valid()
	})
	return v
}

// AuthHandler serves the /auth endpoints.
type AuthHandler struct {
	auth   *service.AuthService
	clock  clock.Clock
	logger *zap.Logger
}

func NewAuthHandler(auth *service.AuthService, clk clock.Clock, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, clock: clk, logger: logger}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

type registerRequest struct {
	FullName    string `json:"full_name" validate:"required,max=120"`
	PhoneNumber string `json:"phone_number" validate:"required,phone"`
	Email       string `json:"email" validate:"omitempty,email,max=254"`
}

type otpRequest struct {
	Flow string `json:"flow" validate:"required,flow"`
}

type verifyOTPRequest struct {
	Flow string `json:"flow" validate:"required,flow"`
	Code string `json:"code" validate:"required,len=6,numeric"`
}

type setPinRequest struct {
	Pin string `json:"pin" validate:"required,len=6,numeric"`
}

type changePinRequest struct {
	OldPin string `json:"old_pin" validate:"required,len=6,numeric"`
	NewPin string `json:"new_pin" validate:"required,len=6,numeric"`
}

type loginRequest struct {
	Identifier string `json:"identifier" validate:"required,max=254"`
	Pin        string `json:"pin" validate:"required,len=6,numeric"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type forgotPinRequest struct {
	Identifier string `json:"identifier" validate:"required,max=254"`
}

type resumeRequest struct {
	Identifier string `json:"identifier" validate:"required,max=254"`
}

type completeResumeRequest struct {
	Identifier string `json:"identifier" validate:"required,max=254"`
	Code       string `json:"code" validate:"required,len=6,numeric"`
}

type resetPinRequest struct {
	AccountID string `json:"account_id" validate:"required,uuid"`
	Code      string `json:"code" validate:"required,len=6,numeric"`
	NewPin    string `json:"new_pin" validate:"required,len=6,numeric"`
}

type changePhoneRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required,phone"`
}

type otpView struct {
	Destination string    `json:"destination"`
	Attempt     int       `json:"attempt"`
	ResendAt    time.Time `json:"resend_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func newOTPView(s *challenge.Sent) *otpView {
	if s == nil {
		return nil
	}
	return &otpView{
		Destination: s.Destination.Masked(),
		Attempt:     s.Hit,
		ResendAt:    s.ResendAt,
		ExpiresAt:   s.ExpiresAt,
	}
}

type sessionView struct {
	Account  *models.Account `json:"account,omitempty"`
	Tokens   *token.Pair     `json:"tokens,omitempty"`
	OTP      *otpView        `json:"otp,omitempty"`
	OTPError string          `json:"otp_error,omitempty"`
}

// RegisterRoutes mounts the public and bearer-protected routes.
func (h *AuthHandler) RegisterRoutes(router chi.Router, throttle, bearer func(http.Handler) http.Handler) {
	router.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(throttle)
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
			r.Post("/token/refresh", h.Refresh)
			r.Post("/pin/forgot", h.ForgotPin)
			r.Post("/pin/reset", h.ResetPin)
			r.Post("/onboarding/resume", h.ResumeOnboarding)
			r.Post("/onboarding/resume/verify", h.CompleteResume)
		})

		r.Group(func(r chi.Router) {
			r.Use(bearer)
			r.Post("/otp/resend", h.ResendOTP)
			r.Post("/otp/verify", h.VerifyOTP)
			r.Post("/pin", h.SetPin)
			r.Put("/pin", h.ChangePin)
			r.Post("/phone/change", h.ChangePhone)
			r.Post("/logout", h.Logout)
			r.Get("/me", h.Me)
		})
	})
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.auth.Register(r.Context(), service.RegisterRequest{
		FullName:    req.FullName,
		PhoneNumber: req.PhoneNumber,
		Email:       req.Email,
	})
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	view := sessionView{Account: res.Account, Tokens: res.Tokens, OTP: newOTPView(res.OTP)}
	if res.OTPErr != nil {
		view.OTPError = kindName(res.OTPErr)
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(view, "account registered"))
}

func (h *AuthHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if !h.decode(w, r, &req) {
		return
	}
	sent, err := h.auth.ResendOTP(r.Context(), accountIDFrom(r.Context()), models.Flow(req.Flow))
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(newOTPView(sent), "code sent"))
}

func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req verifyOTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	account, err := h.auth.VerifyOTP(r.Context(), accountIDFrom(r.Context()), models.Flow(req.Flow), req.Code)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(sessionView{Account: account}, "verified"))
}

func (h *AuthHandler) SetPin(w http.ResponseWriter, r *http.Request) {
	var req setPinRequest
	if !h.decode(w, r, &req) {
		return
	}
	account, pair, err := h.auth.SetPin(r.Context(), accountIDFrom(r.Context()), req.Pin)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(sessionView{Account: account, Tokens: pair}, "registration complete"))
}

func (h *AuthHandler) ChangePin(w http.ResponseWriter, r *http.Request) {
	var req changePinRequest
	if !h.decode(w, r, &req) {
		return
	}
	pair, err := h.auth.ChangePin(r.Context(), accountIDFrom(r.Context()), req.OldPin, req.NewPin)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(sessionView{Tokens: pair}, "pin changed"))
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	account, pair, err := h.auth.Login(r.Context(), req.Identifier, req.Pin)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(sessionView{Account: account, Tokens: pair}, "logged in"))
	h.logger.Debug("login served",
		util.AccountID(account.ID),
		util.Duration("duration", time.Since(start)))
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	pair, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(sessionView{Tokens: pair}, "token refreshed"))
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(r.Context(), accountIDFrom(r.Context())); err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "logged out"))
}

func (h *AuthHandler) ForgotPin(w http.ResponseWriter, r *http.Request) {
	var req forgotPinRequest
	if !h.decode(w, r, &req) {
		return
	}
	sent, err := h.auth.ForgotPin(r.Context(), req.Identifier)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(newOTPView(sent), "reset link sent"))
}

func (h *AuthHandler) ResetPin(w http.ResponseWriter, r *http.Request) {
	var req resetPinRequest
	if !h.decode(w, r, &req) {
		return
	}
	id, err := parseAccountID(req.AccountID)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	if err := h.auth.ResetPin(r.Context(), id, req.Code, req.NewPin); err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "pin reset"))
}

func (h *AuthHandler) ResumeOnboarding(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if !h.decode(w, r, &req) {
		return
	}
	sent, err := h.auth.ResumeOnboarding(r.Context(), req.Identifier)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(newOTPView(sent), "code sent"))
}

func (h *AuthHandler) CompleteResume(w http.ResponseWriter, r *http.Request) {
	var req completeResumeRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.auth.CompleteResume(r.Context(), req.Identifier, req.Code)
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(sessionView{Account: res.Account, Tokens: res.Tokens}, "onboarding resumed"))
}

func (h *AuthHandler) ChangePhone(w http.ResponseWriter, r *http.Request) {
	var req changePhoneRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.auth.ChangePhone(r.Context(), accountIDFrom(r.Context()), req.PhoneNumber)
	if err != nil {
		h.respondWithError(w, err)
		return
	}

	mode := "self_service"
	if res.Mode == registration.VerifiedChange {
		mode = "verified_change"
	}
	view := map[string]interface{}{
		"mode": mode,
		"otp":  newOTPView(res.OTP),
	}
	if res.Mode == registration.SelfService {
		view["account"] = res.Account
	}
	if res.OTPErr != nil {
		view["otp_error"] = kindName(res.OTPErr)
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(view, "phone change accepted"))
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	account, err := h.auth.Me(r.Context(), accountIDFrom(r.Context()))
	if err != nil {
		h.respondWithError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(account, ""))
}

// decode reads and validates a JSON body, answering 400 itself on failure.
func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		h.respondWithError(w, apperr.Wrap(apperr.KindInvalid, err, "request body"))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		h.respondWithError(w, apperr.Wrap(apperr.KindInvalid, err, "validation"))
		return false
	}
	return true
}

// respondWithJSON sends a JSON response
func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	respondWithJSON(w, statusCode, data, h.logger)
}

// respondWithError maps err to a status code. Details stay in the log.
func (h *AuthHandler) respondWithError(w http.ResponseWriter, err error) {
	status := statusCode(err)
	if at, ok := apperr.RetryAt(err); ok {
		secs := math.Ceil(at.Sub(h.clock.Now()).Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(int(secs)))
	}

	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		h.logger.Error("HTTP error response", util.ErrorField(err), util.Int("status_code", status))
	} else {
		h.logger.Warn("HTTP error response", util.ErrorField(err), util.Int("status_code", status))
	}
	h.respondWithJSON(w, status, Response{Success: false, Error: kindName(err)})
}

func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func kindName(err error) string {
	if k := apperr.KindOf(err); k != "" {
		return string(k)
	}
	return "internal_error"
}

// statusCode determines the appropriate HTTP status code for an error
func statusCode(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalid), errors.Is(err, apperr.ErrMandatoryInput):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrInvalidToken), errors.Is(err, apperr.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrCodeMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrExpired):
		return http.StatusGone
	case errors.Is(err, apperr.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, apperr.ErrAlreadyVerified),
		errors.Is(err, apperr.ErrAlreadyFilled),
		errors.Is(err, apperr.ErrDuplicateCredential),
		errors.Is(err, apperr.ErrConflict),
		errors.Is(err, apperr.ErrAlreadyRevoked):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrNotificationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
