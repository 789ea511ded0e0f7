package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ─── Webhook Delivery Log ───────────────────────────────────────────────────

// RecordWebhookEvent logs a delivery on receipt and reports whether the
// event was already processed by an earlier delivery.
func (c conn) RecordWebhookEvent(ctx context.Context, eventID, eventType string, at time.Time) (processed bool, err error) {
	_, err = c.exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type, received_at)
		VALUES (?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType, ts(at))
	if err != nil {
		return false, err
	}

	var processedAt sql.NullString
	err = c.queryRow(ctx, `SELECT processed_at FROM webhook_events WHERE event_id = ?`, eventID).Scan(&processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return processedAt.Valid && processedAt.String != "", nil
}

// MarkWebhookProcessed stamps a delivery with its terminal outcome.
func (c conn) MarkWebhookProcessed(ctx context.Context, eventID, outcome string, at time.Time) error {
	_, err := c.exec(ctx, `
		UPDATE webhook_events SET processed_at = ?, outcome = ?
		WHERE event_id = ? AND processed_at IS NULL
	`, ts(at), outcome, eventID)
	return err
}

// WebhookOutcome returns the recorded outcome of a processed event.
func (c conn) WebhookOutcome(ctx context.Context, eventID string) (string, bool, error) {
	var (
		outcome     string
		processedAt sql.NullString
	)
	err := c.queryRow(ctx, `SELECT outcome, processed_at FROM webhook_events WHERE event_id = ?`,
		eventID).Scan(&outcome, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return outcome, processedAt.Valid, nil
}
