package service

import (
	"fintrack-auth/internal/audit"
	"fintrack-auth/internal/challenge"
	"fintrack-auth/internal/clock"
	"fintrack-auth/internal/config"
	"fintrack-auth/internal/notify"
	"fintrack-auth/internal/store"
	"fintrack-auth/internal/token"

	"go.uber.org/zap"
)

// Deps are the collaborators shared by the services. RevocationCache,
// PinLimiter and Recorder are optional; leave the interfaces unset rather
// than holding a typed nil.
type Deps struct {
	Store           store.Store
	Notifier        notify.Channel
	Hasher          CredentialHasher
	Sealer          token.Sealer
	RevocationCache token.RevocationCache
	PinLimiter      PinLimiter
	Recorder        *audit.Recorder
	Clock           clock.Clock
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps   Deps
	otp    config.OTPConfig
	jwt    config.JWTConfig
	logger *zap.Logger

	challenges  *challenge.Manager
	tokens      *token.Issuer
	authService *AuthService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(deps Deps, otp config.OTPConfig, jwt config.JWTConfig, logger *zap.Logger) *ServiceFactory {
	return &ServiceFactory{
		deps:   deps,
		otp:    otp,
		jwt:    jwt,
		logger: logger,
	}
}

// ChallengeManager returns the challenge manager instance (singleton)
func (f *ServiceFactory) ChallengeManager() *challenge.Manager {
	if f.challenges == nil {
		f.challenges = challenge.NewManager(f.deps.Store, f.deps.Notifier, f.otp, f.logger.Named("challenge"))
	}
	return f.challenges
}

// TokenIssuer returns the token issuer instance (singleton)
func (f *ServiceFactory) TokenIssuer() *token.Issuer {
	if f.tokens == nil {
		f.tokens = token.NewIssuer(f.deps.Store, f.jwt, f.deps.Sealer, f.deps.RevocationCache, f.logger.Named("token"))
	}
	return f.tokens
}

// AuthService returns the auth service instance (singleton)
func (f *ServiceFactory) AuthService() *AuthService {
	if f.authService == nil {
		f.authService = NewAuthService(
			f.deps.Store,
			f.ChallengeManager(),
			f.TokenIssuer(),
			f.deps.Hasher,
			f.deps.PinLimiter,
			f.deps.Recorder,
			f.deps.Clock,
			f.logger.Named("auth"),
		)
	}
	return f.authService
}
