package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// QuotaGrant is the result of a quota consumption attempt.
type QuotaGrant struct {
	Granted   bool
	Remaining int
}

// QuotaDate formats an instant as the UTC quota date. Quotas are consumed
// against the date of the actual attempt, not the scheduled date.
func QuotaDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// TryConsumeDailyQuota atomically increments the (account, date) counter
// if it is still below the account's daily limit. Contention between
// senders resolves inside the single guarded upsert.
func (s *Store) TryConsumeDailyQuota(ctx context.Context, smtpAccountID, date string) (QuotaGrant, error) {
	var sent, limit int
	err := s.db.QueryRowContext(ctx, `
		WITH acct AS (
			SELECT daily_limit FROM smtp_accounts WHERE id = $1
		)
		INSERT INTO daily_quotas (smtp_account_id, date, sent_count, updated_at)
		SELECT $1, $2, 1, NOW() FROM acct WHERE acct.daily_limit >= 1
		ON CONFLICT (smtp_account_id, date) DO UPDATE
			SET sent_count = daily_quotas.sent_count + 1, updated_at = NOW()
			WHERE daily_quotas.sent_count < (SELECT daily_limit FROM acct)
		RETURNING sent_count, (SELECT daily_limit FROM acct)
	`, smtpAccountID, date).Scan(&sent, &limit)
	if err == sql.ErrNoRows {
		return QuotaGrant{Granted: false}, nil
	}
	if err != nil {
		return QuotaGrant{}, fmt.Errorf("consume daily quota: %w", err)
	}
	return QuotaGrant{Granted: true, Remaining: limit - sent}, nil
}

// RefundDailyQuota decrements a speculatively consumed quota unit. Used
// only when the send was aborted before transport acceptance.
func (s *Store) RefundDailyQuota(ctx context.Context, smtpAccountID, date string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE daily_quotas
		SET sent_count = GREATEST(sent_count - 1, 0), updated_at = NOW()
		WHERE smtp_account_id = $1 AND date = $2
	`, smtpAccountID, date)
	if err != nil {
		return fmt.Errorf("refund daily quota: %w", err)
	}
	return nil
}

// DailyQuotaUsed returns the consumed count for an (account, date) pair.
func (s *Store) DailyQuotaUsed(ctx context.Context, smtpAccountID, date string) (int, error) {
	var sent int
	err := s.db.QueryRowContext(ctx, `
		SELECT sent_count FROM daily_quotas WHERE smtp_account_id = $1 AND date = $2
	`, smtpAccountID, date).Scan(&sent)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("daily quota used: %w", err)
	}
	return sent, nil
}
