// Package postgres implements the campaign, provider and template
// repositories on PostgreSQL through database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/dispatch-engine/internal/domain"
	"github.com/ignite/dispatch-engine/internal/service/campaign"
)

const campaignColumns = `id, owner_id, name, provider_id, template_id, subject, html_body, text_body,
	from_name, from_email, reply_to, track_opens, track_clicks, status,
	delay_between_sends_ms, max_per_hour, total_recipients,
	sent_count, delivered_count, opened_count, clicked_count, replied_count, bounced_count, failed_count,
	started_at, completed_at, last_sent_at, created_at, updated_at`

const recipientColumns = `address, position, variables, status, message_id, last_error,
	open_count, click_count, reply_count, clicked_links,
	sent_at, delivered_at, opened_at, clicked_at, replied_at, bounced_at, failed_at`

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

var _ campaign.Repository = (*CampaignRepo)(nil)

type scanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row scanner) (*domain.Campaign, error) {
	var (
		c       domain.Campaign
		tmpl    sql.NullString
		status  string
		delayMs int64
	)
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.Name, &c.ProviderID, &tmpl, &c.Subject, &c.HTMLBody, &c.TextBody,
		&c.FromName, &c.FromEmail, &c.ReplyTo, &c.TrackOpens, &c.TrackClicks, &status,
		&delayMs, &c.Pacing.MaxPerHour, &c.TotalRecipients,
		&c.Counters.Sent, &c.Counters.Delivered, &c.Counters.Opened, &c.Counters.Clicked,
		&c.Counters.Replied, &c.Counters.Bounced, &c.Counters.Failed,
		&c.StartedAt, &c.CompletedAt, &c.LastSentAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if c.Status, err = domain.ParseCampaignStatus(status); err != nil {
		return nil, err
	}
	if tmpl.Valid {
		c.TemplateID = &tmpl.String
	}
	c.Pacing.DelayBetweenSends = time.Duration(delayMs) * time.Millisecond
	return &c, nil
}

func scanRecipient(row scanner) (*domain.Recipient, error) {
	var (
		r      domain.Recipient
		vars   []byte
		status string
		links  pq.StringArray
	)
	err := row.Scan(
		&r.Address, &r.Position, &vars, &status, &r.MessageID, &r.LastError,
		&r.OpenCount, &r.ClickCount, &r.ReplyCount, &links,
		&r.SentAt, &r.DeliveredAt, &r.OpenedAt, &r.ClickedAt, &r.RepliedAt, &r.BouncedAt, &r.FailedAt,
	)
	if err != nil {
		return nil, err
	}
	if r.Status, err = domain.ParseRecipientStatus(status); err != nil {
		return nil, err
	}
	r.Variables = map[string]string{}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &r.Variables); err != nil {
			return nil, fmt.Errorf("recipient %s variables: %w", r.Address, err)
		}
	}
	if len(links) > 0 {
		r.ClickedLinks = []string(links)
	}
	return &r, nil
}

func (r *CampaignRepo) LoadCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recipientColumns+` FROM campaign_recipients WHERE campaign_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		c.Recipients = append(c.Recipients, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load recipients: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) LoadCampaignStatus(ctx context.Context, id string) (domain.CampaignStatus, error) {
	var s string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = $1`, id).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", campaign.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load campaign status: %w", err)
	}
	return domain.ParseCampaignStatus(s)
}

func (r *CampaignRepo) ListCampaigns(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1=1`
	var args []any
	idx := 1
	if f.Status != "" {
		q += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, string(f.Status))
		idx++
	}
	if f.OwnerID != "" {
		q += fmt.Sprintf(" AND owner_id = $%d", idx)
		args = append(args, f.OwnerID)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *CampaignRepo) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	counters := c.RecomputeCounters()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		        $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
	`, c.ID, c.OwnerID, c.Name, c.ProviderID, c.TemplateID, c.Subject, c.HTMLBody, c.TextBody,
		c.FromName, c.FromEmail, c.ReplyTo, c.TrackOpens, c.TrackClicks, string(c.Status),
		c.Pacing.DelayBetweenSends.Milliseconds(), c.Pacing.MaxPerHour, c.TotalRecipients,
		counters.Sent, counters.Delivered, counters.Opened, counters.Clicked,
		counters.Replied, counters.Bounced, counters.Failed,
		c.StartedAt, c.CompletedAt, c.LastSentAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	for i := range c.Recipients {
		if err := insertRecipient(ctx, tx, c.ID, &c.Recipients[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func insertRecipient(ctx context.Context, tx *sql.Tx, campaignID string, rec *domain.Recipient) error {
	vars, err := json.Marshal(rec.Variables)
	if err != nil {
		return fmt.Errorf("recipient %s variables: %w", rec.Address, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO campaign_recipients (campaign_id, `+recipientColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, campaignID, rec.Address, rec.Position, vars, string(rec.Status), rec.MessageID, rec.LastError,
		rec.OpenCount, rec.ClickCount, rec.ReplyCount, pq.Array(rec.ClickedLinks),
		rec.SentAt, rec.DeliveredAt, rec.OpenedAt, rec.ClickedAt, rec.RepliedAt, rec.BouncedAt, rec.FailedAt)
	if err != nil {
		return fmt.Errorf("insert recipient %s: %w", rec.Address, err)
	}
	return nil
}

func (r *CampaignRepo) UpdateCampaign(ctx context.Context, id string, u campaign.UpdateFields) error {
	var sets []string
	var args []any
	idx := 1
	add := func(col string, val any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if u.Name != nil {
		add("name", *u.Name)
	}
	if u.ProviderID != nil {
		add("provider_id", *u.ProviderID)
	}
	if u.TemplateID != nil {
		add("template_id", sql.NullString{String: *u.TemplateID, Valid: *u.TemplateID != ""})
	}
	if u.Subject != nil {
		add("subject", *u.Subject)
	}
	if u.HTMLBody != nil {
		add("html_body", *u.HTMLBody)
	}
	if u.TextBody != nil {
		add("text_body", *u.TextBody)
	}
	if u.FromName != nil {
		add("from_name", *u.FromName)
	}
	if u.FromEmail != nil {
		add("from_email", *u.FromEmail)
	}
	if u.ReplyTo != nil {
		add("reply_to", *u.ReplyTo)
	}
	if u.TrackOpens != nil {
		add("track_opens", *u.TrackOpens)
	}
	if u.TrackClicks != nil {
		add("track_clicks", *u.TrackClicks)
	}
	if u.Pacing != nil {
		add("delay_between_sends_ms", u.Pacing.DelayBetweenSends.Milliseconds())
		add("max_per_hour", u.Pacing.MaxPerHour)
	}

	if len(sets) == 0 {
		return nil
	}

	q := fmt.Sprintf("UPDATE campaigns SET %s, updated_at = NOW() WHERE id = $%d AND status <> 'running'",
		strings.Join(sets, ", "), idx)
	args = append(args, id)

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// Nothing matched: either missing or running.
	status, err := r.LoadCampaignStatus(ctx, id)
	if err != nil {
		return err
	}
	if status == domain.CampaignRunning {
		return campaign.ErrCampaignRunning
	}
	return nil
}

func (r *CampaignRepo) SaveCampaignStatus(ctx context.Context, id string, status domain.CampaignStatus, ts domain.StatusTimestamps) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock campaign: %w", err)
	}
	from := domain.CampaignStatus(current)
	if !from.CanTransitionTo(status) {
		return &campaign.TransitionError{From: from, To: status}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE campaigns
		SET status = $2,
		    started_at = COALESCE(started_at, $3),
		    completed_at = COALESCE($4, completed_at),
		    updated_at = NOW()
		WHERE id = $1
	`, id, string(status), ts.StartedAt, ts.CompletedAt)
	if err != nil {
		return fmt.Errorf("save status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UpdateRecipient locks the recipient row, applies fn and writes the row and
// the counter delta in one transaction.
func (r *CampaignRepo) UpdateRecipient(ctx context.Context, campaignID, address string, fn func(*domain.Recipient) error) (*domain.Recipient, error) {
	address = domain.NormalizeAddress(address)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanRecipient(tx.QueryRowContext(ctx,
		`SELECT `+recipientColumns+` FROM campaign_recipients WHERE campaign_id = $1 AND address = $2 FOR UPDATE`,
		campaignID, address))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM campaigns WHERE id = $1)`, campaignID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check campaign: %w", err)
		}
		if !exists {
			return nil, campaign.ErrNotFound
		}
		return nil, campaign.ErrRecipientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock recipient: %w", err)
	}

	before := rec.Contribution()
	if err := fn(rec); err != nil {
		return nil, err
	}
	delta := rec.Contribution().Sub(before)

	_, err = tx.ExecContext(ctx, `
		UPDATE campaign_recipients
		SET status = $3, message_id = $4, last_error = $5,
		    open_count = $6, click_count = $7, reply_count = $8, clicked_links = $9,
		    sent_at = $10, delivered_at = $11, opened_at = $12, clicked_at = $13,
		    replied_at = $14, bounced_at = $15, failed_at = $16
		WHERE campaign_id = $1 AND address = $2
	`, campaignID, address, string(rec.Status), rec.MessageID, rec.LastError,
		rec.OpenCount, rec.ClickCount, rec.ReplyCount, pq.Array(rec.ClickedLinks),
		rec.SentAt, rec.DeliveredAt, rec.OpenedAt, rec.ClickedAt,
		rec.RepliedAt, rec.BouncedAt, rec.FailedAt)
	if err != nil {
		return nil, fmt.Errorf("update recipient: %w", err)
	}

	if !delta.IsZero() {
		_, err = tx.ExecContext(ctx, `
			UPDATE campaigns
			SET sent_count = sent_count + $2, delivered_count = delivered_count + $3,
			    opened_count = opened_count + $4, clicked_count = clicked_count + $5,
			    replied_count = replied_count + $6, bounced_count = bounced_count + $7,
			    failed_count = failed_count + $8, updated_at = NOW()
			WHERE id = $1
		`, campaignID, delta.Sent, delta.Delivered, delta.Opened, delta.Clicked,
			delta.Replied, delta.Bounced, delta.Failed)
		if err != nil {
			return nil, fmt.Errorf("update counters: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

func (r *CampaignRepo) TouchLastSent(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE campaigns SET last_sent_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch last sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}
