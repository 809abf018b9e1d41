package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/domain"
)

const smtpAccountColumns = `id, user_id, name, host, port, secure, username, encrypted_password,
	from_name, from_email, daily_limit, min_delay_sec, max_delay_sec, is_active,
	last_used_at, created_at, updated_at`

// CreateSmtpAccount persists a new sending identity. The password must
// already be encrypted by the caller.
func (s *Store) CreateSmtpAccount(ctx context.Context, a *domain.SmtpAccount) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO smtp_accounts
			(id, user_id, name, host, port, secure, username, encrypted_password,
			 from_name, from_email, daily_limit, min_delay_sec, max_delay_sec,
			 is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, true, NOW(), NOW())
	`, a.ID, a.UserID, a.Name, a.Host, a.Port, a.Secure, a.Username, a.EncryptedPassword,
		a.FromName, a.FromEmail, a.DailyLimit, a.MinDelaySec, a.MaxDelaySec)
	if err != nil {
		return fmt.Errorf("create smtp account: %w", err)
	}
	a.IsActive = true
	return nil
}

// GetSmtpAccount returns one account scoped to its owner.
func (s *Store) GetSmtpAccount(ctx context.Context, userID, id string) (*domain.SmtpAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+smtpAccountColumns+` FROM smtp_accounts WHERE id = $1 AND user_id = $2`, id, userID)
	return scanSmtpAccount(row)
}

// GetSmtpAccountAny returns one account without owner scoping. Used by
// the sender, which resolves accounts through campaign references.
func (s *Store) GetSmtpAccountAny(ctx context.Context, id string) (*domain.SmtpAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+smtpAccountColumns+` FROM smtp_accounts WHERE id = $1`, id)
	return scanSmtpAccount(row)
}

// ListSmtpAccounts returns all accounts owned by a user.
func (s *Store) ListSmtpAccounts(ctx context.Context, userID string) ([]domain.SmtpAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+smtpAccountColumns+` FROM smtp_accounts WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list smtp accounts: %w", err)
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

// ToggleSmtpAccount flips the active flag and returns the new value.
func (s *Store) ToggleSmtpAccount(ctx context.Context, userID, id string) (bool, error) {
	var active bool
	err := s.db.QueryRowContext(ctx, `
		UPDATE smtp_accounts SET is_active = NOT is_active, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		RETURNING is_active
	`, id, userID).Scan(&active)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("toggle smtp account: %w", err)
	}
	return active, nil
}

// TouchSmtpAccount bumps last_used_at after a successful connection or send.
func (s *Store) TouchSmtpAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE smtp_accounts SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch smtp account: %w", err)
	}
	return nil
}

// DeleteSmtpAccount removes an account. Deletion is forbidden while the
// account is referenced by any non-terminal campaign.
func (s *Store) DeleteSmtpAccount(ctx context.Context, userID, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var referenced bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(
				SELECT 1 FROM campaign_smtp_accounts csa
				JOIN campaigns c ON c.id = csa.campaign_id
				WHERE csa.smtp_account_id = $1
				  AND c.status NOT IN ('completed', 'failed', 'cancelled')
			)
		`, id).Scan(&referenced)
		if err != nil {
			return fmt.Errorf("check campaign references: %w", err)
		}
		if referenced {
			return fmt.Errorf("%w: account is referenced by an active campaign", ErrPrecondition)
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM smtp_accounts WHERE id = $1 AND user_id = $2`, id, userID)
		if err != nil {
			return fmt.Errorf("delete smtp account: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSmtpAccountInto(sc rowScanner) (*domain.SmtpAccount, error) {
	a := &domain.SmtpAccount{}
	var lastUsed sql.NullTime
	err := sc.Scan(&a.ID, &a.UserID, &a.Name, &a.Host, &a.Port, &a.Secure, &a.Username,
		&a.EncryptedPassword, &a.FromName, &a.FromEmail, &a.DailyLimit,
		&a.MinDelaySec, &a.MaxDelaySec, &a.IsActive, &lastUsed, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan smtp account: %w", err)
	}
	if lastUsed.Valid {
		a.LastUsedAt = &lastUsed.Time
	}
	return a, nil
}

func scanSmtpAccount(row *sql.Row) (*domain.SmtpAccount, error) {
	return scanSmtpAccountInto(row)
}

func scanSmtpAccountRows(rows *sql.Rows) (*domain.SmtpAccount, error) {
	return scanSmtpAccountInto(rows)
}
