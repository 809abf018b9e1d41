package domain

import "time"

// EmailLogStatus enumerates the lifecycle of a single delivery attempt.
type EmailLogStatus string

const (
	EmailLogPending EmailLogStatus = "pending"
	EmailLogQueued  EmailLogStatus = "queued"
	EmailLogSent    EmailLogStatus = "sent"
	EmailLogFailed  EmailLogStatus = "failed"
)

// EmailLog is the authoritative per-attempt record and the idempotency
// key for delivery: exactly one row represents the current attempt for a
// recipient.
type EmailLog struct {
	ID            string         `json:"id" db:"id"`
	CampaignID    string         `json:"campaign_id" db:"campaign_id"`
	RecipientID   string         `json:"recipient_id" db:"recipient_id"`
	SmtpAccountID string         `json:"smtp_account_id" db:"smtp_account_id"`
	Status        EmailLogStatus `json:"status" db:"status"`
	Subject       string         `json:"subject" db:"subject"`
	MessageID     string         `json:"message_id" db:"message_id"`
	ErrorMessage  string         `json:"error_message" db:"error_message"`
	BounceReason  string         `json:"bounce_reason" db:"bounce_reason"`
	SentAt        *time.Time     `json:"sent_at" db:"sent_at"`
	FailedAt      *time.Time     `json:"failed_at" db:"failed_at"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`
}

// Settled reports whether the attempt already has a terminal outcome.
// Retried jobs for a settled log are no-ops.
func (l *EmailLog) Settled() bool {
	return l.Status == EmailLogSent || l.Status == EmailLogFailed
}

// AttemptOutcome describes the terminal result of one send attempt, as
// recorded through the store in a single transaction.
type AttemptOutcome struct {
	Sent         bool
	MessageID    string
	ErrorMessage string
	Bounce       BounceClass
}
