package models

import (
	"time"

	"github.com/google/uuid"
)

type SecurityEventType string

const (
	EventOTPSent           SecurityEventType = "otp_sent"
	EventOTPRateLimited    SecurityEventType = "otp_rate_limited"
	EventOTPVerified       SecurityEventType = "otp_verified"
	EventOTPRejected       SecurityEventType = "otp_rejected"
	EventRegistered        SecurityEventType = "registered"
	EventPinSet            SecurityEventType = "pin_set"
	EventLoginSucceeded    SecurityEventType = "login_succeeded"
	EventLoginFailed       SecurityEventType = "login_failed"
	EventLogout            SecurityEventType = "logout"
	EventTokenRefreshed    SecurityEventType = "token_refreshed"
	EventPinChanged        SecurityEventType = "pin_changed"
	EventPinReset          SecurityEventType = "pin_reset"
	EventPhoneChanged      SecurityEventType = "phone_changed"
	EventResetLinkIssued   SecurityEventType = "reset_link_issued"
	EventOnboardingResumed SecurityEventType = "onboarding_resumed"
)

// SecurityEvent is an audit record. It is written to analytics sinks only
// and never read back by the auth core.
type SecurityEvent struct {
	EventID     uuid.UUID         `json:"event_id" db:"event_id"`
	EventBucket int               `json:"event_bucket" db:"event_bucket"`
	AccountID   string            `json:"account_id" db:"account_id"`
	EventDate   string            `json:"event_date" db:"event_date"`
	EventTime   time.Time         `json:"event_time" db:"event_time"`
	EventType   SecurityEventType `json:"event_type" db:"event_type"`
	Flow        string            `json:"flow,omitempty" db:"flow"`
	Outcome     string            `json:"outcome" db:"outcome"`
	IPAddress   string            `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent   string            `json:"user_agent,omitempty" db:"user_agent"`
	RequestID   string            `json:"request_id,omitempty" db:"request_id"`
	RiskScore   int               `json:"risk_score" db:"risk_score"`
	Details     map[string]string `json:"details,omitempty" db:"details"`
}
