package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tillcloud/reconciler/internal/domain"
)

// ─── Outbox ─────────────────────────────────────────────────────────────────

// EnqueueOutbox writes a secondary effect. Call it on the Tx that carries the
// primary mutation. A record with the same (tenant, dedupe key) is kept as
// is; inserted reports whether this call added one.
func (c conn) EnqueueOutbox(ctx context.Context, tenantID string, effect domain.Effect, dedupeKey string, payload any) (bool, error) {
	dedupeKey = strings.TrimSpace(dedupeKey)
	if tenantID == "" || dedupeKey == "" {
		return false, errors.New("outbox record needs tenant id and dedupe key")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	now := ts(time.Now())
	res, err := c.exec(ctx, `
		INSERT INTO outbox (id, tenant_id, effect, payload, dedupe_key, status, attempts,
			available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)
		ON CONFLICT (tenant_id, dedupe_key) DO NOTHING
	`, uuid.New().String(), tenantID, string(effect), string(body), dedupeKey, now, now, now)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// ClaimOutbox moves up to limit ready records to processing and returns
// them. Records stuck in processing since before staleBefore are reclaimed.
// Each claim is a conditional UPDATE, so two workers never hold one record.
func (db *DB) ClaimOutbox(ctx context.Context, limit int, now, staleBefore time.Time) ([]domain.OutboxRecord, error) {
	rows, err := db.query(ctx, `
		SELECT id FROM outbox
		WHERE (status = 'pending' AND available_at <= ?)
		   OR (status = 'processing' AND updated_at < ?)
		ORDER BY available_at, created_at
		LIMIT ?
	`, ts(now), ts(staleBefore), limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []domain.OutboxRecord
	for _, id := range ids {
		var (
			r                 domain.OutboxRecord
			effect, payload   string
			status, available string
		)
		err := db.queryRow(ctx, `
			UPDATE outbox SET status = 'processing', attempts = attempts + 1, updated_at = ?
			WHERE id = ? AND ((status = 'pending' AND available_at <= ?)
			   OR (status = 'processing' AND updated_at < ?))
			RETURNING id, tenant_id, effect, payload, dedupe_key, status, attempts, last_error, available_at
		`, ts(now), id, ts(now), ts(staleBefore)).Scan(&r.ID, &r.TenantID, &effect, &payload, &r.DedupeKey,
			&status, &r.Attempts, &r.LastError, &available)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return claimed, err
		}
		r.Effect = domain.Effect(effect)
		r.Payload = []byte(payload)
		r.Status = domain.OutboxStatus(status)
		r.AvailableAt = parseTS(available)
		claimed = append(claimed, r)
	}
	return claimed, nil
}

// CompleteOutbox marks a claimed record done.
func (db *DB) CompleteOutbox(ctx context.Context, id string) error {
	_, err := db.exec(ctx, `
		UPDATE outbox SET status = 'done', last_error = '', updated_at = ?
		WHERE id = ? AND status = 'processing'
	`, ts(time.Now()), id)
	return err
}

// FailOutbox records a failed attempt. The record returns to pending at
// retryAt, or becomes failed once attempts reach maxAttempts. The resulting
// status is returned.
func (db *DB) FailOutbox(ctx context.Context, id, reason string, maxAttempts int, retryAt time.Time) (domain.OutboxStatus, error) {
	var status string
	err := db.queryRow(ctx, `
		UPDATE outbox
		SET status = CASE WHEN attempts >= ? THEN 'failed' ELSE 'pending' END,
		    last_error = ?, available_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing'
		RETURNING status
	`, maxAttempts, reason, ts(retryAt), ts(time.Now()), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	return domain.OutboxStatus(status), err
}

// OutboxBacklog counts records per status.
func (c conn) OutboxBacklog(ctx context.Context) (map[domain.OutboxStatus]int, error) {
	rows, err := c.query(ctx, `SELECT status, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[domain.OutboxStatus]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.OutboxStatus(status)] = n
	}
	return out, rows.Err()
}

// ListOutbox returns a tenant's records in creation order.
func (c conn) ListOutbox(ctx context.Context, tenantID string) ([]domain.OutboxRecord, error) {
	rows, err := c.query(ctx, `
		SELECT id, tenant_id, effect, payload, dedupe_key, status, attempts, last_error, available_at
		FROM outbox WHERE tenant_id = ? ORDER BY created_at, id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OutboxRecord
	for rows.Next() {
		var (
			r                 domain.OutboxRecord
			effect, payload   string
			status, available string
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &effect, &payload, &r.DedupeKey, &status,
			&r.Attempts, &r.LastError, &available); err != nil {
			return nil, err
		}
		r.Effect = domain.Effect(effect)
		r.Payload = []byte(payload)
		r.Status = domain.OutboxStatus(status)
		r.AvailableAt = parseTS(available)
		out = append(out, r)
	}
	return out, rows.Err()
}
