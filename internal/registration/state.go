// Package registration holds the onboarding rules of an account:
// OnProcess moves to Success once, when a PIN is set on a verified phone.
package registration

import (
	"time"

	"fintrack-auth/internal/apperr"
	"fintrack-auth/internal/models"
)

type PhoneChangeMode int

const (
	// SelfService replaces the number directly and re-verifies it.
	SelfService PhoneChangeMode = iota
	// VerifiedChange proves the new number with a code before swapping it in.
	VerifiedChange
)

func PhoneChangeModeFor(a *models.Account) PhoneChangeMode {
	if a.RegistrationState == models.RegistrationSuccess {
		return VerifiedChange
	}
	return SelfService
}

func IsComplete(a *models.Account) bool {
	return a.RegistrationState == models.RegistrationSuccess
}

// SetPin stores the first PIN hash and completes registration.
func SetPin(a *models.Account, pinHash string, now time.Time) error {
	if a.HasPin() {
		return apperr.New(apperr.KindAlreadyFilled, "pin already set")
	}
	if !a.VerifiedPhoneNumber {
		return apperr.New(apperr.KindMandatoryInput, "phone number not verified")
	}
	if pinHash == "" {
		return apperr.New(apperr.KindMandatoryInput, "pin required")
	}
	a.PinHash = &pinHash
	a.UpdatedAt = now
	return Complete(a)
}

// Complete moves the account to Success. It is a no-op on a completed
// account and never moves back.
func Complete(a *models.Account) error {
	if IsComplete(a) {
		return nil
	}
	if !a.HasPin() {
		return apperr.New(apperr.KindMandatoryInput, "pin required")
	}
	if !a.VerifiedPhoneNumber {
		return apperr.New(apperr.KindMandatoryInput, "phone number not verified")
	}
	a.RegistrationState = models.RegistrationSuccess
	return nil
}

// ReplacePin swaps the hash of an existing PIN.
func ReplacePin(a *models.Account, pinHash string, now time.Time) error {
	if !a.HasPin() {
		return apperr.New(apperr.KindMandatoryInput, "no pin to replace")
	}
	if pinHash == "" {
		return apperr.New(apperr.KindMandatoryInput, "pin required")
	}
	a.PinHash = &pinHash
	a.UpdatedAt = now
	return nil
}

// ChangePhone applies a self-service number change: the new number must
// differ and starts unverified.
func ChangePhone(a *models.Account, phone string, now time.Time) error {
	if PhoneChangeModeFor(a) != SelfService {
		return apperr.New(apperr.KindConflict, "registration complete, phone change needs verification")
	}
	if a.Phone() == phone {
		return apperr.New(apperr.KindConflict, "same phone number")
	}
	a.PhoneNumber = &phone
	a.VerifiedPhoneNumber = false
	a.UpdatedAt = now
	return nil
}
