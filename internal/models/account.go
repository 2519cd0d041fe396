package models

// RegistrationState is the coarse onboarding lifecycle of an account.
type RegistrationState string

const (
	RegistrationOnProcess RegistrationState = "on_process"
	RegistrationSuccess   RegistrationState = "success"
)

// Account is the identity row. PhoneNumber and Email are unique once set.
type Account struct {
	BaseModel
	FullName            string            `gorm:"size:120;not null" json:"full_name"`
	PhoneNumber         *string           `gorm:"size:32;uniqueIndex" json:"phone_number,omitempty"`
	Email               *string           `gorm:"size:254;uniqueIndex" json:"email,omitempty"`
	PinHash             *string           `gorm:"size:255" json:"-"`
	VerifiedPhoneNumber bool              `gorm:"not null;default:false" json:"verified_phone_number"`
	VerifiedEmail       bool              `gorm:"not null;default:false" json:"verified_email"`
	RegistrationState   RegistrationState `gorm:"size:16;not null;default:on_process" json:"registration_state"`
}

func (Account) TableName() string { return "accounts" }

// Phone returns the phone number or "".
func (a *Account) Phone() string {
	if a.PhoneNumber == nil {
		return ""
	}
	return *a.PhoneNumber
}

// EmailAddress returns the email or "".
func (a *Account) EmailAddress() string {
	if a.Email == nil {
		return ""
	}
	return *a.Email
}

func (a *Account) HasPin() bool {
	return a.PinHash != nil && *a.PinHash != ""
}

// Clone returns a deep copy so stores can hand out rows without aliasing.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	c.PhoneNumber = cloneString(a.PhoneNumber)
	c.Email = cloneString(a.Email)
	c.PinHash = cloneString(a.PinHash)
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
