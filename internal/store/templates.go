package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/domain"
)

// CreateTemplate persists a new template. The variable list is recomputed
// from the subject and body before writing.
func (s *Store) CreateTemplate(ctx context.Context, t *domain.Template) error {
	if t.Name == "" || t.Subject == "" {
		return fmt.Errorf("%w: name and subject are required", ErrValidation)
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.RecomputeVariables()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (id, user_id, name, subject, body, variables, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, true, NOW(), NOW())
	`, t.ID, t.UserID, t.Name, t.Subject, t.Body, pq.Array(t.Variables))
	if err != nil {
		return fmt.Errorf("create template: %w", err)
	}
	t.IsActive = true
	return nil
}

// UpdateTemplate rewrites the mutable fields, recomputing variables.
func (s *Store) UpdateTemplate(ctx context.Context, t *domain.Template) error {
	t.RecomputeVariables()
	res, err := s.db.ExecContext(ctx, `
		UPDATE templates
		SET name = $3, subject = $4, body = $5, variables = $6, is_active = $7, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
	`, t.ID, t.UserID, t.Name, t.Subject, t.Body, pq.Array(t.Variables), t.IsActive)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTemplate returns one template scoped to its owner.
func (s *Store) GetTemplate(ctx context.Context, userID, id string) (*domain.Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, subject, body, variables, is_active, created_at, updated_at
		FROM templates WHERE id = $1 AND user_id = $2
	`, id, userID)
	return scanTemplate(row)
}

// GetTemplateAny returns one template without owner scoping; used by the
// sender, which resolves templates through campaign references.
func (s *Store) GetTemplateAny(ctx context.Context, id string) (*domain.Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, subject, body, variables, is_active, created_at, updated_at
		FROM templates WHERE id = $1
	`, id)
	return scanTemplate(row)
}

// ListTemplates returns all templates owned by a user.
func (s *Store) ListTemplates(ctx context.Context, userID string) ([]domain.Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, subject, body, variables, is_active, created_at, updated_at
		FROM templates WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var out []domain.Template
	for rows.Next() {
		t := domain.Template{}
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &t.Subject, &t.Body,
			pq.Array(&t.Variables), &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTemplate(row *sql.Row) (*domain.Template, error) {
	t := &domain.Template{}
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.Subject, &t.Body,
		pq.Array(&t.Variables), &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}
	return t, nil
}
