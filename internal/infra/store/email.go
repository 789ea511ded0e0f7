package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tillcloud/reconciler/internal/domain"
)

// ─── Email Dispatch Queue ───────────────────────────────────────────────────

// EnqueueEmail adds a message to the dispatch queue once per
// (tenant, dedupe key).
func (c conn) EnqueueEmail(ctx context.Context, tenantID, dedupeKey string, p domain.EmailPayload) (bool, error) {
	data, err := json.Marshal(p.Data)
	if err != nil {
		return false, err
	}
	res, err := c.exec(ctx, `
		INSERT INTO email_queue (id, tenant_id, template, recipient, payload, dedupe_key, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'queued', ?)
		ON CONFLICT (tenant_id, dedupe_key) DO NOTHING
	`, uuid.New().String(), tenantID, p.Template, p.Recipient, string(data), dedupeKey, ts(time.Now()))
	if err != nil {
		return false, err
	}
	return affected(res)
}

// PendingEmails returns up to limit queued messages, oldest first.
func (c conn) PendingEmails(ctx context.Context, limit int) ([]domain.Email, error) {
	rows, err := c.query(ctx, `
		SELECT id, tenant_id, template, recipient, payload FROM email_queue
		WHERE status = 'queued' ORDER BY created_at, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Email
	for rows.Next() {
		var (
			e    domain.Email
			data string
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Template, &e.Recipient, &data); err != nil {
			return nil, err
		}
		if data != "" && data != "null" {
			if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkEmailSent records a delivered message. Only queued rows transition.
func (c conn) MarkEmailSent(ctx context.Context, id string) (bool, error) {
	res, err := c.exec(ctx, `
		UPDATE email_queue SET status = 'sent', sent_at = ?, error = ''
		WHERE id = ? AND status = 'queued'
	`, ts(time.Now()), id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// MarkEmailFailed records a delivery failure. Only queued rows transition.
func (c conn) MarkEmailFailed(ctx context.Context, id, reason string) (bool, error) {
	res, err := c.exec(ctx, `
		UPDATE email_queue SET status = 'failed', error = ?
		WHERE id = ? AND status = 'queued'
	`, reason, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// CountEmails counts a tenant's queue rows in a status.
func (c conn) CountEmails(ctx context.Context, tenantID, status string) (int, error) {
	var n int
	err := c.queryRow(ctx, `SELECT COUNT(*) FROM email_queue WHERE tenant_id = ? AND status = ?`,
		tenantID, status).Scan(&n)
	return n, err
}
