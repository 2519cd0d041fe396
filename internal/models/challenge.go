package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Flow names an OTP-bearing procedure. Each flow has its own series of
// challenge rows per account.
type Flow string

const (
	FlowPhoneVerification     Flow = "phone_verification"
	FlowEmailVerification     Flow = "email_verification"
	FlowResetPin              Flow = "reset_pin"
	FlowWrongNumberCorrection Flow = "wrong_number_correction"
)

var flows = []Flow{
	FlowPhoneVerification,
	FlowEmailVerification,
	FlowResetPin,
	FlowWrongNumberCorrection,
}

func ParseFlow(s string) (Flow, error) {
	for _, f := range flows {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown flow %q", s)
}

func (f Flow) Valid() bool {
	_, err := ParseFlow(string(f))
	return err == nil
}

// KeepsHistory reports whether each send appends a new row instead of
// overwriting the latest one.
func (f Flow) KeepsHistory() bool {
	return f == FlowResetPin
}

// Consumable reports whether a verified challenge is marked consumed so
// the same code cannot be replayed.
func (f Flow) Consumable() bool {
	return f == FlowResetPin || f == FlowWrongNumberCorrection
}

// Challenge tracks one OTP send series for an account and flow. The latest
// row by CreatedAt is the active one.
type Challenge struct {
	BaseModel
	AccountID     uuid.UUID  `gorm:"type:uuid;not null;index:idx_challenge_account_flow,priority:1" json:"account_id"`
	Flow          Flow       `gorm:"size:32;not null;index:idx_challenge_account_flow,priority:2" json:"flow"`
	Code          string     `gorm:"size:6;not null" json:"-"`
	Destination   string     `gorm:"size:254" json:"-"`
	CurrentAPIHit int        `gorm:"not null;default:0" json:"current_api_hit"`
	SaveToHitAt   time.Time  `gorm:"not null" json:"save_to_hit_at"`
	BlacklistedAt time.Time  `gorm:"not null" json:"blacklisted_at"`
	HitTomorrowAt time.Time  `gorm:"not null" json:"hit_tomorrow_at"`
	ConsumedAt    *time.Time `json:"consumed_at,omitempty"`
}

func (Challenge) TableName() string { return "otp_challenges" }

func (c *Challenge) Clone() *Challenge {
	if c == nil {
		return nil
	}
	cp := *c
	if c.ConsumedAt != nil {
		t := *c.ConsumedAt
		cp.ConsumedAt = &t
	}
	return &cp
}
