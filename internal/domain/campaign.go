package domain

import (
	"math"
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
	CampaignCancelled CampaignStatus = "cancelled"
)

// Campaign is the scheduled unit of work: one template, a set of SMTP
// accounts, a recipient list, and pacing settings.
type Campaign struct {
	ID             string           `json:"id" db:"id"`
	UserID         string           `json:"user_id" db:"user_id"`
	TemplateID     string           `json:"template_id" db:"template_id"`
	SmtpAccountIDs []string         `json:"smtp_account_ids" db:"smtp_account_ids"`
	Name           string           `json:"name" db:"name"`
	Status         CampaignStatus   `json:"status" db:"status"`
	ScheduledAt    *time.Time       `json:"scheduled_at" db:"scheduled_at"`
	Settings       CampaignSettings `json:"settings" db:"settings"`

	TotalRecipients int     `json:"total_recipients" db:"total_recipients"`
	SentCount       int     `json:"sent_count" db:"sent_count"`
	FailedCount     int     `json:"failed_count" db:"failed_count"`
	BounceCount     int     `json:"bounce_count" db:"bounce_count"`
	BounceRate      float64 `json:"bounce_rate" db:"bounce_rate"`

	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	PausedAt    *time.Time `json:"paused_at" db:"paused_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// CampaignSettings holds the per-campaign pacing overrides. Zero values
// fall back to the engine-wide defaults at scheduling time.
type CampaignSettings struct {
	DelayBetweenEmails int `json:"delay_between_emails,omitempty"`
	BatchSize          int `json:"batch_size,omitempty"`
	BatchDelay         int `json:"batch_delay,omitempty"`
	MaxRetriesPerEmail int `json:"max_retries_per_email,omitempty"`
}

// DefaultMaxRetries is the retry budget for one email when the campaign
// settings don't override it.
const DefaultMaxRetries = 3

// MaxRetries returns the configured retry budget, defaulted.
func (s CampaignSettings) MaxRetries() int {
	if s.MaxRetriesPerEmail > 0 {
		return s.MaxRetriesPerEmail
	}
	return DefaultMaxRetries
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignFailed || c.Status == CampaignCancelled
}

// Attempts returns the number of recipients that have reached a terminal
// per-recipient outcome.
func (c *Campaign) Attempts() int {
	return c.SentCount + c.FailedCount
}

// Done reports whether every recipient has a terminal outcome.
func (c *Campaign) Done() bool {
	return c.TotalRecipients > 0 && c.Attempts() >= c.TotalRecipients
}

// ComputeBounceRate returns the bounce rate percentage for the given
// counters, rounded to two decimals. A campaign with no attempts has a
// rate of zero.
func ComputeBounceRate(bounceCount, sentCount, failedCount int) float64 {
	attempts := sentCount + failedCount
	if attempts < 1 {
		attempts = 1
	}
	rate := float64(bounceCount) / float64(attempts) * 100
	return math.Round(rate*100) / 100
}

// MinAttemptsForAutoPause is the floor of completed attempts before the
// bounce-rate auto-pause can trigger. Tiny samples would otherwise pause
// a campaign on a single bad address.
const MinAttemptsForAutoPause = 10
