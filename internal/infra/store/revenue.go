package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tillcloud/reconciler/internal/domain"
)

// ─── Revenue Ledger ─────────────────────────────────────────────────────────

// InsertRevenueEntry appends a ledger line keyed on (tenant, provider txn id)
// and draws its category receipt number in the same transaction. A duplicate
// key returns ErrAlreadyApplied so the enclosing transaction rolls the
// receipt number back.
func (tx *Tx) InsertRevenueEntry(ctx context.Context, e *domain.RevenueEntry) error {
	if e.ProviderTxnID == "" {
		return fmt.Errorf("revenue entry for tenant %s has no provider txn id", e.TenantID)
	}
	seq, err := tx.NextSequence(ctx, e.TenantID, scopeReceipt+string(e.Category))
	if err != nil {
		return fmt.Errorf("receipt number: %w", err)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.ReceiptNumber = domain.FormatReceiptNumber(e.Category, seq)
	if e.EntryDate.IsZero() {
		e.EntryDate = time.Now().UTC()
	}
	e.CreatedAt = time.Now().UTC()

	res, err := tx.exec(ctx, `
		INSERT INTO revenue_entries (id, tenant_id, amount, platform_fee, net_amount, category,
			description, receipt_number, invoice_id, product_id, entry_date, provider_txn_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, provider_txn_id) DO NOTHING
	`, e.ID, e.TenantID, e.Amount, e.PlatformFee, e.NetAmount, string(e.Category), e.Description,
		e.ReceiptNumber, nullable(e.InvoiceID), nullable(e.ProductID), ts(e.EntryDate),
		e.ProviderTxnID, ts(e.CreatedAt))
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrAlreadyApplied
	}
	return nil
}

// ListRevenue returns a tenant's ledger in entry order.
func (c conn) ListRevenue(ctx context.Context, tenantID string) ([]domain.RevenueEntry, error) {
	rows, err := c.query(ctx, `
		SELECT id, tenant_id, amount, platform_fee, net_amount, category, description,
			receipt_number, invoice_id, product_id, entry_date, provider_txn_id, created_at
		FROM revenue_entries WHERE tenant_id = ?
		ORDER BY entry_date, receipt_number
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RevenueEntry
	for rows.Next() {
		var (
			e                  domain.RevenueEntry
			category           string
			invoiceID, product sql.NullString
			entryDate, created string
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Amount, &e.PlatformFee, &e.NetAmount, &category,
			&e.Description, &e.ReceiptNumber, &invoiceID, &product, &entryDate, &e.ProviderTxnID, &created); err != nil {
			return nil, err
		}
		e.Category = domain.RevenueCategory(category)
		e.InvoiceID = invoiceID.String
		e.ProductID = product.String
		e.EntryDate = parseTS(entryDate)
		e.CreatedAt = parseTS(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountRevenue counts a tenant's ledger lines.
func (c conn) CountRevenue(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := c.queryRow(ctx, `SELECT COUNT(*) FROM revenue_entries WHERE tenant_id = ?`, tenantID).Scan(&n)
	return n, err
}
