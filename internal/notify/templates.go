package notify

import (
	"fmt"

	"fintrack-auth/internal/models"
)

const brand = "Fintrack"

// Render returns the subject and plain-text body for msg.
func Render(msg Message) (subject, body string) {
	validity := ""
	if !msg.ExpiresAt.IsZero() {
		validity = fmt.Sprintf(" It expires at %s.", msg.ExpiresAt.Format("15:04 MST"))
	}

	switch msg.Flow {
	case models.FlowResetPin:
		subject = brand + " PIN reset"
		body = fmt.Sprintf("Use this link to reset your %s PIN: %s%s If you did not ask for this, ignore this message.",
			brand, msg.Link, validity)
	case models.FlowEmailVerification:
		subject = brand + " email verification"
		body = fmt.Sprintf("Your %s email verification code is %s.%s", brand, msg.Code, validity)
	case models.FlowWrongNumberCorrection:
		subject = brand + " phone number change"
		body = fmt.Sprintf("Your %s code to confirm this new phone number is %s.%s", brand, msg.Code, validity)
	default:
		subject = brand + " verification"
		body = fmt.Sprintf("Your %s verification code is %s. Do not share it with anyone.%s", brand, msg.Code, validity)
	}
	return subject, body
}
