package domain

import "time"

// SmtpAccount is one credentialed sending identity with its own daily
// quota and per-message delay range. The password is stored encrypted;
// the plaintext only ever exists transiently in memory.
type SmtpAccount struct {
	ID                string     `json:"id" db:"id"`
	UserID            string     `json:"user_id" db:"user_id"`
	Name              string     `json:"name" db:"name"`
	Host              string     `json:"host" db:"host"`
	Port              int        `json:"port" db:"port"`
	Secure            bool       `json:"secure" db:"secure"`
	Username          string     `json:"username" db:"username"`
	EncryptedPassword string     `json:"-" db:"encrypted_password"`
	FromName          string     `json:"from_name" db:"from_name"`
	FromEmail         string     `json:"from_email" db:"from_email"`
	DailyLimit        int        `json:"daily_limit" db:"daily_limit"`
	MinDelaySec       int        `json:"min_delay_sec" db:"min_delay_sec"`
	MaxDelaySec       int        `json:"max_delay_sec" db:"max_delay_sec"`
	IsActive          bool       `json:"is_active" db:"is_active"`
	LastUsedAt        *time.Time `json:"last_used_at" db:"last_used_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}

// MinDelayFloorSec is the lowest inter-message delay an account may
// configure. Anything faster looks like blast traffic to receivers.
const MinDelayFloorSec = 10

// Validate checks the account's configuration invariants.
func (a *SmtpAccount) Validate() error {
	if a.Host == "" {
		return ErrInvalid("host is required")
	}
	if a.Port <= 0 || a.Port > 65535 {
		return ErrInvalid("port must be between 1 and 65535")
	}
	if a.FromEmail == "" {
		return ErrInvalid("from_email is required")
	}
	if a.DailyLimit <= 0 {
		return ErrInvalid("daily_limit must be positive")
	}
	if a.MinDelaySec < MinDelayFloorSec || a.MaxDelaySec < MinDelayFloorSec {
		return ErrInvalid("delays must be at least 10 seconds")
	}
	if a.MinDelaySec > a.MaxDelaySec {
		return ErrInvalid("min_delay_sec must not exceed max_delay_sec")
	}
	return nil
}

// ErrInvalid is a validation failure on a domain value.
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }
