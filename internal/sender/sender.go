// Package sender executes email-send jobs to their terminal per-attempt
// outcome: it checks the gates (campaign still running, office hours,
// daily quota), renders, delivers through the connection pool, and
// settles the attempt.
package sender

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/crypto"
	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/queue"
	"github.com/ignite/campaign-engine/internal/render"
	"github.com/ignite/campaign-engine/internal/smtppool"
	"github.com/ignite/campaign-engine/internal/store"
)

// Recorded as the attempt error when the account's daily limit is
// exhausted.
const quotaDeniedMessage = "Daily sending limit exceeded"

// Sender consumes the email-send queue.
type Sender struct {
	store    *store.Store
	sendQ    *queue.Queue
	pools    *smtppool.Manager
	box      *crypto.Box
	renderer *render.Renderer
	sending  config.SendingConfig

	now func() time.Time
}

// New wires a sender.
func New(st *store.Store, sendQ *queue.Queue, pools *smtppool.Manager,
	box *crypto.Box, renderer *render.Renderer, sending config.SendingConfig) *Sender {
	return &Sender{
		store:    st,
		sendQ:    sendQ,
		pools:    pools,
		box:      box,
		renderer: renderer,
		sending:  sending,
		now:      time.Now,
	}
}

// HandleSend processes one email-send job. The EmailLog row is the
// idempotency key: settled logs and vanished contexts terminate silently.
func (s *Sender) HandleSend(ctx context.Context, job queue.Job) error {
	sc, err := s.store.GetSendContext(ctx, job.EmailLogID)
	if errors.Is(err, store.ErrNotFound) {
		return nil // campaign or log deleted mid-flight
	}
	if err != nil {
		return err
	}
	if sc.Log.Settled() {
		return nil
	}
	if sc.Campaign.Status != domain.CampaignRunning {
		return nil // a later resume or restart re-queues the recipient
	}

	now := s.now()
	if !inOfficeHours(now, s.sending.OfficeHoursStart, s.sending.OfficeHoursEnd) {
		delay := untilWindowOpen(now, s.sending.OfficeHoursStart)
		logger.Info("send deferred to office hours",
			"email_log_id", sc.Log.ID, "delay", delay.String())
		if err := s.sendQ.Reschedule(ctx, job, delay); err != nil {
			return err
		}
		return queue.ErrRescheduled
	}

	date := store.QuotaDate(now)
	grant, err := s.store.TryConsumeDailyQuota(ctx, sc.Account.ID, date)
	if err != nil {
		return err
	}
	if !grant.Granted {
		logger.Warn("daily quota exhausted",
			"smtp_account_id", sc.Account.ID, "email_log_id", sc.Log.ID)
		return s.settle(ctx, sc.Log.ID, domain.AttemptOutcome{
			ErrorMessage: quotaDeniedMessage,
		})
	}

	// From here on the quota unit is held; refund on any abort before
	// the transport accepts the message.
	subject, body := s.renderer.Render(&sc.Template, &sc.Recipient)
	if err := s.store.SetEmailLogSubject(ctx, sc.Log.ID, subject); err != nil {
		s.refund(ctx, sc.Account.ID, date)
		return err
	}

	msg, err := buildMessage(sc.Account, sc.Recipient.Email, subject, body)
	if err != nil {
		s.refund(ctx, sc.Account.ID, date)
		return s.fail(ctx, job, sc, err)
	}

	password, err := s.box.Decrypt(sc.Account.EncryptedPassword)
	if err != nil {
		s.refund(ctx, sc.Account.ID, date)
		return fmt.Errorf("decrypt smtp password: %w", err)
	}

	pool := s.pools.PoolFor(sc.Account, password)
	conn, err := pool.Acquire(ctx)
	if err != nil {
		s.refund(ctx, sc.Account.ID, date)
		return fmt.Errorf("acquire smtp connection: %w", err)
	}
	defer pool.Release(conn)

	if err := conn.Send(ctx, msg); err != nil {
		s.refund(ctx, sc.Account.ID, date)
		return s.fail(ctx, job, sc, err)
	}

	if err := s.store.TouchSmtpAccount(ctx, sc.Account.ID); err != nil {
		logger.Warn("touch smtp account failed", "smtp_account_id", sc.Account.ID, "error", err)
	}
	logger.Info("email sent",
		"campaign_id", sc.Campaign.ID, "email", sc.Recipient.Email, "smtp_account_id", sc.Account.ID)
	return s.settle(ctx, sc.Log.ID, domain.AttemptOutcome{
		Sent:      true,
		MessageID: msg.GetMessageID(),
	})
}

// fail routes one transport failure: soft errors retry with backoff up
// to the campaign's per-email cap, hard bounces settle immediately.
func (s *Sender) fail(ctx context.Context, job queue.Job, sc *store.SendContext, cause error) error {
	class := domain.ClassifyBounce(cause.Error())
	if class == domain.BounceSoft {
		maxRetries := sc.Campaign.Settings.MaxRetriesPerEmail
		if maxRetries <= 0 {
			maxRetries = domain.DefaultMaxRetries
		}
		if job.Attempt+1 < maxRetries {
			job.Attempt++
			delay := queue.RetryDelay(job.Attempt)
			logger.Warn("send failed, retrying",
				"email_log_id", sc.Log.ID, "attempt", job.Attempt, "delay", delay.String(), "error", cause)
			if err := s.sendQ.Reschedule(ctx, job, delay); err != nil {
				return err
			}
			return queue.ErrRescheduled
		}
	}

	logger.Warn("send failed permanently",
		"email_log_id", sc.Log.ID, "class", class.String(), "error", cause)
	return s.settle(ctx, sc.Log.ID, domain.AttemptOutcome{
		ErrorMessage: cause.Error(),
		Bounce:       class,
	})
}

// settle records the outcome and applies the auto-pause safety valve on
// the returned campaign snapshot.
func (s *Sender) settle(ctx context.Context, emailLogID string, outcome domain.AttemptOutcome) error {
	c, err := s.store.RecordAttemptOutcome(ctx, emailLogID, outcome)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	attempts := c.SentCount + c.FailedCount
	if c.Status == domain.CampaignRunning &&
		c.BounceRate > s.sending.MaxBounceRate &&
		attempts >= domain.MinAttemptsForAutoPause {
		logger.Warn("bounce rate exceeded, auto-pausing campaign",
			"campaign_id", c.ID, "bounce_rate", c.BounceRate, "attempts", attempts)
		err := s.store.TransitionCampaign(ctx, c.ID,
			[]domain.CampaignStatus{domain.CampaignRunning}, domain.CampaignPaused,
			func(ctx context.Context, tx *sql.Tx) error {
				return store.MarkCampaignPaused(ctx, tx, c.ID)
			})
		if err != nil && !errors.Is(err, store.ErrPrecondition) {
			return err
		}
		if _, err := s.sendQ.CancelCampaign(ctx, c.ID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) refund(ctx context.Context, accountID, date string) {
	if err := s.store.RefundDailyQuota(ctx, accountID, date); err != nil {
		logger.Error("quota refund failed", "smtp_account_id", accountID, "error", err)
	}
}

func buildMessage(account domain.SmtpAccount, to, subject, body string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.FromFormat(account.FromName, account.FromEmail); err != nil {
		return nil, fmt.Errorf("invalid sender: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}
	msg.Subject(subject)
	msg.SetMessageID()
	msg.SetBodyString(mail.TypeTextHTML, body)
	return msg, nil
}

// inOfficeHours reports whether the hour satisfies [start, end). A
// degenerate window (start >= end) never gates.
func inOfficeHours(now time.Time, start, end int) bool {
	if start >= end {
		return true
	}
	h := now.Hour()
	return h >= start && h < end
}

// untilWindowOpen returns the wait until the next window open: today's
// start hour if still ahead, otherwise tomorrow's. Weekends are not
// skipped.
func untilWindowOpen(now time.Time, start int) time.Duration {
	open := time.Date(now.Year(), now.Month(), now.Day(), start, 0, 0, 0, now.Location())
	if !open.After(now) {
		open = open.Add(24 * time.Hour)
	}
	return open.Sub(now)
}
