package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/domain"
)

// ClaimedRecipient is one recipient pulled by ClaimNextBatch, tagged with
// the campaign-local monotonic claim sequence number.
type ClaimedRecipient struct {
	domain.CampaignRecipient
	Seq int64
}

// ClaimNextBatch reads up to limit recipients in status pending|queued,
// flips them to queued, and returns them with their claim sequence. The
// sequence is stable across tick retries: a recipient claimed twice keeps
// its first sequence number. Idempotent if limit exceeds remaining work.
func (s *Store) ClaimNextBatch(ctx context.Context, campaignID string, limit int) ([]ClaimedRecipient, error) {
	var claimed []ClaimedRecipient
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var seq int64
		err := tx.QueryRowContext(ctx,
			`SELECT claim_seq FROM campaigns WHERE id = $1 FOR UPDATE`, campaignID).Scan(&seq)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock campaign: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id, campaign_id, email, first_name, last_name, variables, status,
			       claim_seq, created_at
			FROM campaign_recipients
			WHERE campaign_id = $1 AND status IN ('pending', 'queued')
			ORDER BY created_at, id
			LIMIT $2
			FOR UPDATE
		`, campaignID, limit)
		if err != nil {
			return fmt.Errorf("select claimable: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var r ClaimedRecipient
			var varsJSON []byte
			var existingSeq sql.NullInt64
			if err := rows.Scan(&r.ID, &r.CampaignID, &r.Email, &r.FirstName, &r.LastName,
				&varsJSON, &r.Status, &existingSeq, &r.CreatedAt); err != nil {
				return fmt.Errorf("scan recipient: %w", err)
			}
			if len(varsJSON) > 0 {
				if err := json.Unmarshal(varsJSON, &r.Variables); err != nil {
					return fmt.Errorf("parse recipient variables: %w", err)
				}
			}
			if existingSeq.Valid {
				r.Seq = existingSeq.Int64
			} else {
				seq++
				r.Seq = seq
			}
			claimed = append(claimed, r)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range claimed {
			if _, err := tx.ExecContext(ctx, `
				UPDATE campaign_recipients SET status = 'queued', claim_seq = $2 WHERE id = $1
			`, r.ID, r.Seq); err != nil {
				return fmt.Errorf("mark queued: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE campaigns SET claim_seq = $2, updated_at = NOW() WHERE id = $1`,
			campaignID, seq); err != nil {
			return fmt.Errorf("advance claim seq: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CreateEmailLog inserts one QUEUED attempt row for a recipient. The
// subject snapshot starts empty and is written by the sender at render
// time. If a non-settled log already exists for the recipient, it is
// reused so retried ticks don't fan out duplicate jobs.
func (s *Store) CreateEmailLog(ctx context.Context, campaignID, recipientID, smtpAccountID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM email_logs
		WHERE recipient_id = $1 AND status IN ('pending', 'queued')
	`, recipientID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("check existing log: %w", err)
	}

	id = uuid.New().String()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO email_logs
			(id, campaign_id, recipient_id, smtp_account_id, status, subject, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'queued', '', NOW(), NOW())
	`, id, campaignID, recipientID, smtpAccountID)
	if err != nil {
		return "", fmt.Errorf("insert email log: %w", err)
	}
	return id, nil
}

// SendContext is everything one email-send job needs, resolved in one
// round trip.
type SendContext struct {
	Log       domain.EmailLog
	Recipient domain.CampaignRecipient
	Campaign  domain.Campaign
	Template  domain.Template
	Account   domain.SmtpAccount
}

// GetSendContext loads the EmailLog with its recipient, campaign,
// template, and SMTP account. Returns ErrNotFound if any piece is gone
// (e.g. campaign deleted mid-flight); the job must then terminate
// without retry.
func (s *Store) GetSendContext(ctx context.Context, emailLogID string) (*SendContext, error) {
	sc := &SendContext{}

	var sentAt, failedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, recipient_id, smtp_account_id, status, subject,
		       message_id, error_message, bounce_reason, sent_at, failed_at,
		       created_at, updated_at
		FROM email_logs WHERE id = $1
	`, emailLogID).Scan(&sc.Log.ID, &sc.Log.CampaignID, &sc.Log.RecipientID,
		&sc.Log.SmtpAccountID, &sc.Log.Status, &sc.Log.Subject, &sc.Log.MessageID,
		&sc.Log.ErrorMessage, &sc.Log.BounceReason, &sentAt, &failedAt,
		&sc.Log.CreatedAt, &sc.Log.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load email log: %w", err)
	}
	if sentAt.Valid {
		sc.Log.SentAt = &sentAt.Time
	}
	if failedAt.Valid {
		sc.Log.FailedAt = &failedAt.Time
	}

	var varsJSON []byte
	var rSentAt sql.NullTime
	var rAccount sql.NullString
	err = s.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, email, first_name, last_name, variables, status,
		       smtp_account_id, sent_at, failed_reason, created_at
		FROM campaign_recipients WHERE id = $1
	`, sc.Log.RecipientID).Scan(&sc.Recipient.ID, &sc.Recipient.CampaignID,
		&sc.Recipient.Email, &sc.Recipient.FirstName, &sc.Recipient.LastName,
		&varsJSON, &sc.Recipient.Status, &rAccount, &rSentAt,
		&sc.Recipient.FailedReason, &sc.Recipient.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load recipient: %w", err)
	}
	if len(varsJSON) > 0 {
		if err := json.Unmarshal(varsJSON, &sc.Recipient.Variables); err != nil {
			return nil, fmt.Errorf("parse recipient variables: %w", err)
		}
	}
	if rAccount.Valid {
		sc.Recipient.SmtpAccountID = &rAccount.String
	}
	if rSentAt.Valid {
		sc.Recipient.SentAt = &rSentAt.Time
	}

	campaign, err := s.GetCampaignAny(ctx, sc.Log.CampaignID)
	if err != nil {
		return nil, err
	}
	sc.Campaign = *campaign

	tpl, err := s.GetTemplateAny(ctx, campaign.TemplateID)
	if err != nil {
		return nil, err
	}
	sc.Template = *tpl

	account, err := s.GetSmtpAccountAny(ctx, sc.Log.SmtpAccountID)
	if err != nil {
		return nil, err
	}
	sc.Account = *account

	return sc, nil
}

// SetEmailLogSubject writes the rendered subject snapshot.
func (s *Store) SetEmailLogSubject(ctx context.Context, emailLogID, subject string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE email_logs SET subject = $2, updated_at = NOW() WHERE id = $1`, emailLogID, subject)
	if err != nil {
		return fmt.Errorf("set subject: %w", err)
	}
	return nil
}

// RecordAttemptOutcome atomically settles one attempt: it updates the
// EmailLog, the recipient's terminal status, the campaign counters, and
// the bounce rate, then returns the post-update campaign snapshot so the
// caller can detect completion or auto-pause conditions. If the log is
// already settled the call is a no-op and returns the current snapshot.
func (s *Store) RecordAttemptOutcome(ctx context.Context, emailLogID string, outcome domain.AttemptOutcome) (*domain.Campaign, error) {
	var campaignID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var logStatus domain.EmailLogStatus
		var recipientID, smtpAccountID string
		err := tx.QueryRowContext(ctx, `
			SELECT l.campaign_id, l.recipient_id, l.smtp_account_id, l.status
			FROM email_logs l
			JOIN campaigns c ON c.id = l.campaign_id
			WHERE l.id = $1
			FOR UPDATE OF c, l
		`, emailLogID).Scan(&campaignID, &recipientID, &smtpAccountID, &logStatus)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock attempt: %w", err)
		}

		// Idempotency: retried jobs for a settled log change nothing.
		if logStatus == domain.EmailLogSent || logStatus == domain.EmailLogFailed {
			return nil
		}

		if outcome.Sent {
			_, err = tx.ExecContext(ctx, `
				UPDATE email_logs
				SET status = 'sent', message_id = $2, sent_at = NOW(), updated_at = NOW()
				WHERE id = $1
			`, emailLogID, outcome.MessageID)
			if err != nil {
				return fmt.Errorf("mark log sent: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE campaign_recipients
				SET status = 'sent', sent_at = NOW(), smtp_account_id = $2
				WHERE id = $1
			`, recipientID, smtpAccountID)
			if err != nil {
				return fmt.Errorf("mark recipient sent: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE campaigns SET sent_count = sent_count + 1, updated_at = NOW() WHERE id = $1
			`, campaignID)
			if err != nil {
				return fmt.Errorf("bump sent count: %w", err)
			}
		} else {
			bounceReason := ""
			recipientStatus := domain.RecipientFailed
			if outcome.Bounce == domain.BounceHard {
				bounceReason = outcome.ErrorMessage
				recipientStatus = domain.RecipientBounced
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE email_logs
				SET status = 'failed', error_message = $2, bounce_reason = $3,
				    failed_at = NOW(), updated_at = NOW()
				WHERE id = $1
			`, emailLogID, outcome.ErrorMessage, bounceReason)
			if err != nil {
				return fmt.Errorf("mark log failed: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE campaign_recipients
				SET status = $2, failed_reason = $3, smtp_account_id = $4
				WHERE id = $1
			`, recipientID, recipientStatus, outcome.ErrorMessage, smtpAccountID)
			if err != nil {
				return fmt.Errorf("mark recipient failed: %w", err)
			}

			bounceBump := 0
			if outcome.Bounce == domain.BounceHard {
				bounceBump = 1
			}
			_, err = tx.ExecContext(ctx, `
				UPDATE campaigns
				SET failed_count = failed_count + 1, bounce_count = bounce_count + $2,
				    updated_at = NOW()
				WHERE id = $1
			`, campaignID, bounceBump)
			if err != nil {
				return fmt.Errorf("bump failed count: %w", err)
			}
		}

		// Recompute bounce rate and complete the campaign if this was
		// the last attempt, all under the same row lock.
		_, err = tx.ExecContext(ctx, `
			UPDATE campaigns
			SET bounce_rate = ROUND(bounce_count * 100.0 / GREATEST(sent_count + failed_count, 1), 2)
			WHERE id = $1
		`, campaignID)
		if err != nil {
			return fmt.Errorf("recompute bounce rate: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE campaigns
			SET status = 'completed', completed_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = 'running'
			  AND total_recipients > 0
			  AND sent_count + failed_count >= total_recipients
		`, campaignID)
		if err != nil {
			return fmt.Errorf("complete campaign: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetCampaignAny(ctx, campaignID)
}

// MarkCampaignStarted stamps started_at and clears paused_at. Runs inside
// a TransitionCampaign mutate hook.
func MarkCampaignStarted(ctx context.Context, tx *sql.Tx, campaignID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE campaigns
		SET started_at = COALESCE(started_at, NOW()), paused_at = NULL
		WHERE id = $1
	`, campaignID)
	return err
}

// MarkCampaignPaused stamps paused_at.
func MarkCampaignPaused(ctx context.Context, tx *sql.Tx, campaignID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET paused_at = NOW() WHERE id = $1`, campaignID)
	return err
}

// MarkCampaignFinished stamps completed_at for a campaign entering a
// terminal state (completed, failed, cancelled).
func MarkCampaignFinished(ctx context.Context, tx *sql.Tx, campaignID string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE campaigns SET completed_at = NOW() WHERE id = $1`, campaignID)
	return err
}

// ReleaseUnclaimedRecipients flips QUEUED recipients without a settled
// attempt back to PENDING and deletes their stale queued logs. Used on
// resume so the next tick re-claims and re-paces them.
func ReleaseUnclaimedRecipients(ctx context.Context, tx *sql.Tx, campaignID string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM email_logs
		WHERE campaign_id = $1 AND status IN ('pending', 'queued')
	`, campaignID)
	if err != nil {
		return fmt.Errorf("drop queued logs: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE campaign_recipients SET status = 'pending', claim_seq = NULL
		WHERE campaign_id = $1 AND status = 'queued'
	`, campaignID)
	if err != nil {
		return fmt.Errorf("release recipients: %w", err)
	}
	return nil
}

// ResetCampaignForRestart wipes delivery state inside a restart
// transition: all recipients return to PENDING, prior EmailLogs are
// removed, and counters are zeroed.
func ResetCampaignForRestart(ctx context.Context, tx *sql.Tx, campaignID string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM email_logs WHERE campaign_id = $1`, campaignID); err != nil {
		return fmt.Errorf("purge email logs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE campaign_recipients
		SET status = 'pending', sent_at = NULL, failed_reason = '',
		    smtp_account_id = NULL, claim_seq = NULL
		WHERE campaign_id = $1
	`, campaignID); err != nil {
		return fmt.Errorf("reset recipients: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE campaigns
		SET sent_count = 0, failed_count = 0, bounce_count = 0, bounce_rate = 0,
		    claim_seq = 0, started_at = NOW(), paused_at = NULL, completed_at = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, campaignID); err != nil {
		return fmt.Errorf("zero counters: %w", err)
	}
	return nil
}

// CampaignStats is the per-campaign read model for the dashboard.
type CampaignStats struct {
	Campaign        *domain.Campaign `json:"campaign"`
	RecipientCounts map[string]int   `json:"recipient_counts"`
}

// GetCampaignStats returns the campaign with per-status recipient counts.
func (s *Store) GetCampaignStats(ctx context.Context, userID, id string) (*CampaignStats, error) {
	c, err := s.GetCampaign(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM campaign_recipients
		WHERE campaign_id = $1 GROUP BY status
	`, id)
	if err != nil {
		return nil, fmt.Errorf("recipient counts: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return &CampaignStats{Campaign: c, RecipientCounts: counts}, rows.Err()
}

// ListEmailLogs returns the campaign's attempt log, newest first,
// optionally filtered by status, paginated.
func (s *Store) ListEmailLogs(ctx context.Context, userID, campaignID, status string, limit, offset int) ([]domain.EmailLog, int, error) {
	// Ownership check via the campaign row.
	if _, err := s.GetCampaign(ctx, userID, campaignID); err != nil {
		return nil, 0, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	countQ := `SELECT COUNT(*) FROM email_logs WHERE campaign_id = $1`
	listQ := `
		SELECT id, campaign_id, recipient_id, smtp_account_id, status, subject,
		       message_id, error_message, bounce_reason, sent_at, failed_at,
		       created_at, updated_at
		FROM email_logs WHERE campaign_id = $1`
	args := []any{campaignID}
	if status != "" {
		countQ += ` AND status = $2`
		listQ += ` AND status = $2`
		args = append(args, status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count logs: %w", err)
	}

	listQ += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, listQ, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []domain.EmailLog
	for rows.Next() {
		var l domain.EmailLog
		var sentAt, failedAt sql.NullTime
		if err := rows.Scan(&l.ID, &l.CampaignID, &l.RecipientID, &l.SmtpAccountID,
			&l.Status, &l.Subject, &l.MessageID, &l.ErrorMessage, &l.BounceReason,
			&sentAt, &failedAt, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan log: %w", err)
		}
		if sentAt.Valid {
			l.SentAt = &sentAt.Time
		}
		if failedAt.Valid {
			l.FailedAt = &failedAt.Time
		}
		out = append(out, l)
	}
	return out, total, rows.Err()
}
