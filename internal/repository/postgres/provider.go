package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
)

// ProviderRepo implements campaign.ProviderRepository against PostgreSQL.
type ProviderRepo struct{ db *sql.DB }

// NewProviderRepo creates a Postgres-backed provider identity repository.
func NewProviderRepo(db *sql.DB) *ProviderRepo { return &ProviderRepo{db: db} }

var _ campaign.ProviderRepository = (*ProviderRepo)(nil)

func (r *ProviderRepo) LoadProviderIdentity(ctx context.Context, id string) (*domain.ProviderIdentity, error) {
	var p domain.ProviderIdentity
	var kind string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, kind, host, port, account, secret, region, from_email, from_name,
		       daily_limit, hourly_limit, sent_today, failed_today, COALESCE(last_reset_date, ''),
		       timezone, active, max_connections, max_messages_per_session, updated_at
		FROM provider_identities
		WHERE id = $1
	`, id).Scan(
		&p.ID, &p.Name, &kind, &p.Host, &p.Port, &p.Account, &p.Secret, &p.Region, &p.FromEmail, &p.FromName,
		&p.DailyLimit, &p.HourlyLimit, &p.SentToday, &p.FailedToday, &p.LastResetDate,
		&p.Timezone, &p.Active, &p.MaxConnections, &p.MaxMessagesPerSession, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrProviderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load provider identity: %w", err)
	}
	p.Kind = domain.TransportKind(kind)
	return &p, nil
}

func (r *ProviderRepo) ResetProviderDay(ctx context.Context, id, day string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE provider_identities
		SET sent_today = 0, failed_today = 0, last_reset_date = $2, updated_at = NOW()
		WHERE id = $1 AND last_reset_date IS DISTINCT FROM $2
	`, id, day)
	if err != nil {
		return fmt.Errorf("reset provider day: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return r.mustExist(ctx, id)
}

func (r *ProviderRepo) IncrementProviderCounters(ctx context.Context, id string, d domain.ProviderCounterDelta) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE provider_identities
		SET sent_today = sent_today + $2, failed_today = failed_today + $3, updated_at = NOW()
		WHERE id = $1
	`, id, d.Sent, d.Failed)
	if err != nil {
		return fmt.Errorf("increment provider counters: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return campaign.ErrProviderNotFound
	}
	return nil
}

func (r *ProviderRepo) mustExist(ctx context.Context, id string) error {
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM provider_identities WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check provider identity: %w", err)
	}
	if !exists {
		return campaign.ErrProviderNotFound
	}
	return nil
}

// TemplateRepo implements campaign.TemplateRepository against PostgreSQL.
type TemplateRepo struct{ db *sql.DB }

// NewTemplateRepo creates a Postgres-backed template repository.
func NewTemplateRepo(db *sql.DB) *TemplateRepo { return &TemplateRepo{db: db} }

var _ campaign.TemplateRepository = (*TemplateRepo)(nil)

func (r *TemplateRepo) LoadTemplate(ctx context.Context, id string) (*domain.Template, error) {
	var t domain.Template
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, subject, body, COALESCE(plain_text, ''), is_html, created_at, updated_at
		FROM templates
		WHERE id = $1
	`, id).Scan(&t.ID, &t.OwnerID, &t.Name, &t.Subject, &t.Body, &t.PlainText, &t.IsHTML, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrTemplateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	return &t, nil
}
