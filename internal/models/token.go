package models

import (
	"time"

	"github.com/google/uuid"
)

// TokenPair is one issued login. Digests identify the exact token values;
// the sealed columns keep the envelope-encrypted values for audit.
type TokenPair struct {
	BaseModel
	AccountID        uuid.UUID `gorm:"type:uuid;not null;index" json:"account_id"`
	AccessDigest     string    `gorm:"size:64;not null;uniqueIndex" json:"-"`
	RefreshDigest    string    `gorm:"size:64;not null;uniqueIndex" json:"-"`
	AccessSealed     string    `gorm:"type:text" json:"-"`
	RefreshSealed    string    `gorm:"type:text" json:"-"`
	AccessExpiresAt  time.Time `gorm:"not null" json:"access_expires_at"`
	RefreshExpiresAt time.Time `gorm:"not null" json:"refresh_expires_at"`
}

func (TokenPair) TableName() string { return "token_pairs" }

// BlacklistEntry permanently revokes a token pair. Rows are never deleted.
type BlacklistEntry struct {
	BaseModel
	AccountID     uuid.UUID `gorm:"type:uuid;not null;index" json:"account_id"`
	TokenPairID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex" json:"token_pair_id"`
	AccessDigest  string    `gorm:"size:64;not null;index" json:"-"`
	RefreshDigest string    `gorm:"size:64;not null;index" json:"-"`
	Reason        string    `gorm:"size:32;not null" json:"reason"`
	BlacklistedAt time.Time `gorm:"not null" json:"blacklisted_at"`
}

func (BlacklistEntry) TableName() string { return "blacklisted_tokens" }
