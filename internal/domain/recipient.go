package domain

import (
	"regexp"
	"strings"
	"time"
)

// RecipientStatus enumerates the per-recipient delivery lifecycle.
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientQueued  RecipientStatus = "queued"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
	RecipientBounced RecipientStatus = "bounced"
)

// CampaignRecipient is one delivery target of a campaign. Emails are
// normalized to lowercase and unique within a campaign.
type CampaignRecipient struct {
	ID            string            `json:"id" db:"id"`
	CampaignID    string            `json:"campaign_id" db:"campaign_id"`
	Email         string            `json:"email" db:"email"`
	FirstName     string            `json:"first_name" db:"first_name"`
	LastName      string            `json:"last_name" db:"last_name"`
	Variables     map[string]string `json:"variables" db:"variables"`
	Status        RecipientStatus   `json:"status" db:"status"`
	SmtpAccountID *string           `json:"smtp_account_id" db:"smtp_account_id"`
	SentAt        *time.Time        `json:"sent_at" db:"sent_at"`
	FailedReason  string            `json:"failed_reason" db:"failed_reason"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
}

// FullName joins the name parts, tolerating either being empty.
func (r *CampaignRecipient) FullName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

var emailRe = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// NormalizeEmail lowercases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail reports whether the address is syntactically plausible.
func ValidEmail(email string) bool {
	return emailRe.MatchString(email)
}
