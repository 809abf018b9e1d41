package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/domain"
)

// CreateCampaignCommand carries a validated campaign-create request.
type CreateCampaignCommand struct {
	UserID         string
	Name           string
	TemplateID     string
	SmtpAccountIDs []string
	Recipients     []domain.CampaignRecipient
	ScheduledAt    *sql.NullTime
	Settings       domain.CampaignSettings
}

// CreateCampaign creates the campaign and all its recipients in a single
// transaction. TotalRecipients is the count of unique recipient emails
// actually inserted. Fails with ErrValidation if any referenced SMTP
// account or template is not owned by the user or not active.
func (s *Store) CreateCampaign(ctx context.Context, cmd CreateCampaignCommand) (*domain.Campaign, error) {
	if cmd.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	if len(cmd.SmtpAccountIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one smtp account is required", ErrValidation)
	}

	c := &domain.Campaign{
		ID:             uuid.New().String(),
		UserID:         cmd.UserID,
		TemplateID:     cmd.TemplateID,
		SmtpAccountIDs: cmd.SmtpAccountIDs,
		Name:           cmd.Name,
		Status:         domain.CampaignDraft,
		Settings:       cmd.Settings,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Template must exist, be owned, and be active.
		var tplActive bool
		err := tx.QueryRowContext(ctx,
			`SELECT is_active FROM templates WHERE id = $1 AND user_id = $2`,
			cmd.TemplateID, cmd.UserID).Scan(&tplActive)
		if err == sql.ErrNoRows || (err == nil && !tplActive) {
			return fmt.Errorf("%w: template not found or inactive", ErrValidation)
		}
		if err != nil {
			return fmt.Errorf("check template: %w", err)
		}

		// Every referenced SMTP account must be owned and active.
		var owned int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM smtp_accounts
			WHERE id = ANY($1) AND user_id = $2 AND is_active = true
		`, pq.Array(cmd.SmtpAccountIDs), cmd.UserID).Scan(&owned)
		if err != nil {
			return fmt.Errorf("check smtp accounts: %w", err)
		}
		if owned != len(cmd.SmtpAccountIDs) {
			return fmt.Errorf("%w: smtp account not found or inactive", ErrValidation)
		}

		settingsJSON, err := json.Marshal(cmd.Settings)
		if err != nil {
			return fmt.Errorf("marshal settings: %w", err)
		}

		var scheduledAt any
		if cmd.ScheduledAt != nil && cmd.ScheduledAt.Valid {
			scheduledAt = cmd.ScheduledAt.Time
			c.ScheduledAt = &cmd.ScheduledAt.Time
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO campaigns
				(id, user_id, template_id, name, status, scheduled_at, settings,
				 total_recipients, sent_count, failed_count, bounce_count, bounce_rate,
				 claim_seq, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, 0, 0, 0, 0, NOW(), NOW())
		`, c.ID, c.UserID, c.TemplateID, c.Name, c.Status, scheduledAt, settingsJSON)
		if err != nil {
			return fmt.Errorf("insert campaign: %w", err)
		}

		for i, accountID := range cmd.SmtpAccountIDs {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO campaign_smtp_accounts (campaign_id, smtp_account_id, position)
				VALUES ($1, $2, $3)
			`, c.ID, accountID, i)
			if err != nil {
				return fmt.Errorf("link smtp account: %w", err)
			}
		}

		// Insert recipients, dropping duplicate emails (first wins).
		seen := map[string]bool{}
		inserted := 0
		for _, r := range cmd.Recipients {
			email := domain.NormalizeEmail(r.Email)
			if !domain.ValidEmail(email) || seen[email] {
				continue
			}
			seen[email] = true

			varsJSON, err := json.Marshal(r.Variables)
			if err != nil {
				return fmt.Errorf("marshal recipient variables: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO campaign_recipients
					(id, campaign_id, email, first_name, last_name, variables, status, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, 'pending', NOW())
			`, uuid.New().String(), c.ID, email, r.FirstName, r.LastName, varsJSON)
			if err != nil {
				return fmt.Errorf("insert recipient: %w", err)
			}
			inserted++
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE campaigns SET total_recipients = $2 WHERE id = $1`, c.ID, inserted)
		if err != nil {
			return fmt.Errorf("set total recipients: %w", err)
		}
		c.TotalRecipients = inserted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// TransitionCampaign is a compare-and-set on campaign status: it only
// succeeds if the current status is in from. The optional mutate hook
// runs in the same transaction after the status flip, with the campaign
// row still locked. Returns ErrPrecondition when the CAS fails.
func (s *Store) TransitionCampaign(ctx context.Context, id string,
	from []domain.CampaignStatus, to domain.CampaignStatus,
	mutate func(ctx context.Context, tx *sql.Tx) error) error {

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current domain.CampaignStatus
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM campaigns WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock campaign: %w", err)
		}

		allowed := false
		for _, f := range from {
			if current == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: cannot transition %s -> %s", ErrPrecondition, current, to)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE campaigns SET status = $2, updated_at = NOW() WHERE id = $1`, id, to); err != nil {
			return fmt.Errorf("update status: %w", err)
		}

		if mutate != nil {
			return mutate(ctx, tx)
		}
		return nil
	})
}

// GetCampaign returns one campaign scoped to its owner.
func (s *Store) GetCampaign(ctx context.Context, userID, id string) (*domain.Campaign, error) {
	c, err := s.getCampaign(ctx, `WHERE c.id = $1 AND c.user_id = $2`, id, userID)
	return c, err
}

// GetCampaignAny returns one campaign without owner scoping. Used by the
// workers, which receive campaign ids through the job queue.
func (s *Store) GetCampaignAny(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.getCampaign(ctx, `WHERE c.id = $1`, id)
}

const campaignSelect = `
	SELECT c.id, c.user_id, c.template_id, c.name, c.status, c.scheduled_at, c.settings,
	       c.total_recipients, c.sent_count, c.failed_count, c.bounce_count, c.bounce_rate,
	       c.started_at, c.paused_at, c.completed_at, c.created_at, c.updated_at,
	       COALESCE((SELECT array_agg(csa.smtp_account_id ORDER BY csa.position)
	                 FROM campaign_smtp_accounts csa WHERE csa.campaign_id = c.id), '{}')
	FROM campaigns c `

func (s *Store) getCampaign(ctx context.Context, where string, args ...any) (*domain.Campaign, error) {
	row := s.db.QueryRowContext(ctx, campaignSelect+where, args...)
	c, err := scanCampaign(row)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListCampaigns returns all campaigns owned by a user, newest first.
func (s *Store) ListCampaigns(ctx context.Context, userID string) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx,
		campaignSelect+`WHERE c.user_id = $1 ORDER BY c.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// DeleteCampaign removes a campaign and its children. Forbidden while the
// campaign is running.
func (s *Store) DeleteCampaign(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM campaigns
		WHERE id = $1 AND user_id = $2 AND status != 'running'
	`, id, userID)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish missing from running for the caller.
		var status string
		err := s.db.QueryRowContext(ctx,
			`SELECT status FROM campaigns WHERE id = $1 AND user_id = $2`, id, userID).Scan(&status)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check campaign: %w", err)
		}
		return fmt.Errorf("%w: cannot delete a running campaign", ErrPrecondition)
	}
	return nil
}

// DuplicateCampaign deep-copies a campaign into a DRAFT with fresh
// PENDING recipient rows and zeroed counters. EmailLogs are not copied.
func (s *Store) DuplicateCampaign(ctx context.Context, userID, id, newName string) (*domain.Campaign, error) {
	src, err := s.GetCampaign(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	newID := uuid.New().String()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		settingsJSON, err := json.Marshal(src.Settings)
		if err != nil {
			return fmt.Errorf("marshal settings: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO campaigns
				(id, user_id, template_id, name, status, settings,
				 total_recipients, sent_count, failed_count, bounce_count, bounce_rate,
				 claim_seq, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 'draft', $5, $6, 0, 0, 0, 0, 0, NOW(), NOW())
		`, newID, userID, src.TemplateID, newName, settingsJSON, src.TotalRecipients)
		if err != nil {
			return fmt.Errorf("insert duplicate: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO campaign_smtp_accounts (campaign_id, smtp_account_id, position)
			SELECT $2, smtp_account_id, position FROM campaign_smtp_accounts WHERE campaign_id = $1
		`, id, newID)
		if err != nil {
			return fmt.Errorf("copy smtp links: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO campaign_recipients
				(id, campaign_id, email, first_name, last_name, variables, status, created_at)
			SELECT gen_random_uuid(), $2, email, first_name, last_name, variables, 'pending', NOW()
			FROM campaign_recipients WHERE campaign_id = $1
		`, id, newID)
		if err != nil {
			return fmt.Errorf("copy recipients: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetCampaign(ctx, userID, newID)
}

// ListScheduledDue returns ids of SCHEDULED campaigns whose scheduled_at
// has elapsed. Consumed by the calendar sweep.
func (s *Store) ListScheduledDue(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= NOW()
		ORDER BY scheduled_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled due: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ActiveCampaignAccounts returns the campaign's referenced SMTP accounts
// that are currently active, in stable position order. The order matters:
// the scheduler round-robins across it keyed by claim sequence.
func (s *Store) ActiveCampaignAccounts(ctx context.Context, campaignID string) ([]domain.SmtpAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixColumns("a", smtpAccountColumns)+`
		FROM smtp_accounts a
		JOIN campaign_smtp_accounts csa ON csa.smtp_account_id = a.id
		WHERE csa.campaign_id = $1 AND a.is_active = true
		ORDER BY csa.position
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("active campaign accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.SmtpAccount
	for rows.Next() {
		a, err := scanSmtpAccountRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanCampaign(sc rowScanner) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var scheduledAt, startedAt, pausedAt, completedAt sql.NullTime
	var settingsJSON []byte
	var accountIDs pq.StringArray

	err := sc.Scan(&c.ID, &c.UserID, &c.TemplateID, &c.Name, &c.Status, &scheduledAt,
		&settingsJSON, &c.TotalRecipients, &c.SentCount, &c.FailedCount, &c.BounceCount,
		&c.BounceRate, &startedAt, &pausedAt, &completedAt, &c.CreatedAt, &c.UpdatedAt,
		&accountIDs)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan campaign: %w", err)
	}

	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &c.Settings); err != nil {
			return nil, fmt.Errorf("parse settings: %w", err)
		}
	}
	if scheduledAt.Valid {
		c.ScheduledAt = &scheduledAt.Time
	}
	if startedAt.Valid {
		c.StartedAt = &startedAt.Time
	}
	if pausedAt.Valid {
		c.PausedAt = &pausedAt.Time
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	c.SmtpAccountIDs = accountIDs
	return c, nil
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, col := range cols {
		cols[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}
