package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tillcloud/reconciler/internal/domain"
)

// ─── Tenant-Scoped Numbering ────────────────────────────────────────────────

// Sequence scopes in number_sequences.
const (
	ScopeInvoice = "invoice"
	scopeReceipt = "receipt:"
)

// NextSequence atomically increments and returns a tenant-scoped counter,
// creating it at 1. Concurrent callers never observe the same value.
func (c conn) NextSequence(ctx context.Context, tenantID, scope string) (int64, error) {
	var v int64
	err := c.queryRow(ctx, `
		INSERT INTO number_sequences (tenant_id, scope, value) VALUES (?, ?, 1)
		ON CONFLICT (tenant_id, scope) DO UPDATE SET value = number_sequences.value + 1
		RETURNING value
	`, tenantID, scope).Scan(&v)
	return v, err
}

// ─── Invoice Operations ─────────────────────────────────────────────────────

const invoiceColumns = `id, tenant_id, invoice_number, customer_name, customer_email, status,
	line_items, subtotal, tax, total, amount_paid, provider_checkout_id,
	provider_payment_ref, paid_at, created_at`

// InsertInvoice stores an invoice. An empty Number takes the next
// tenant invoice number.
func (c conn) InsertInvoice(ctx context.Context, inv *domain.Invoice) error {
	if err := inv.Validate(); err != nil {
		return err
	}
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	if inv.Number == "" {
		seq, err := c.NextSequence(ctx, inv.TenantID, ScopeInvoice)
		if err != nil {
			return fmt.Errorf("invoice number: %w", err)
		}
		inv.Number = domain.FormatInvoiceNumber(seq)
	}
	if inv.Status == "" {
		inv.Status = domain.InvoiceDraft
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	items, err := json.Marshal(inv.LineItems)
	if err != nil {
		return err
	}
	var paidAt any
	if inv.PaidAt != nil {
		paidAt = ts(*inv.PaidAt)
	}
	_, err = c.exec(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.TenantID, inv.Number, inv.CustomerName, inv.CustomerEmail, string(inv.Status),
		string(items), inv.Subtotal, inv.Tax, inv.Total, inv.AmountPaid,
		nullable(inv.ProviderCheckoutID), nullable(inv.ProviderPaymentRef), paidAt, ts(inv.CreatedAt))
	return err
}

// GetInvoice looks an invoice up by id within a tenant, or nil.
func (c conn) GetInvoice(ctx context.Context, tenantID, id string) (*domain.Invoice, error) {
	row := c.queryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE tenant_id = ? AND id = ?`, tenantID, id)
	return scanInvoice(row)
}

// FindInvoiceByCheckout looks an invoice up by its checkout session id, or nil.
func (c conn) FindInvoiceByCheckout(ctx context.Context, tenantID, checkoutID string) (*domain.Invoice, error) {
	row := c.queryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE tenant_id = ? AND provider_checkout_id = ?`, tenantID, checkoutID)
	return scanInvoice(row)
}

// CountInvoices counts a tenant's invoices.
func (c conn) CountInvoices(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := c.queryRow(ctx, `SELECT COUNT(*) FROM invoices WHERE tenant_id = ?`, tenantID).Scan(&n)
	return n, err
}

func scanInvoice(row *sql.Row) (*domain.Invoice, error) {
	var (
		inv           domain.Invoice
		status, items string
		checkout, ref sql.NullString
		paidAt        sql.NullString
		createdAt     string
	)
	err := row.Scan(&inv.ID, &inv.TenantID, &inv.Number, &inv.CustomerName, &inv.CustomerEmail, &status,
		&items, &inv.Subtotal, &inv.Tax, &inv.Total, &inv.AmountPaid, &checkout, &ref, &paidAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &inv.LineItems); err != nil {
		return nil, fmt.Errorf("invoice %s line_items: %w", inv.ID, err)
	}
	inv.Status = domain.InvoiceStatus(status)
	inv.ProviderCheckoutID = checkout.String
	inv.ProviderPaymentRef = ref.String
	inv.PaidAt = nullTS(paidAt)
	inv.CreatedAt = parseTS(createdAt)
	return &inv, nil
}

// PaidInvoice is what MarkInvoicePaid reports about the invoice it settled.
type PaidInvoice struct {
	ID            string
	Number        string
	Total         int64
	CustomerName  string
	CustomerEmail string
}

// MarkInvoicePaid settles a draft or sent invoice in one statement. It
// returns nil when the guard matched nothing; ProbeInvoice tells why.
func (c conn) MarkInvoicePaid(ctx context.Context, tenantID, id, paymentRef string, at time.Time) (*PaidInvoice, error) {
	var p PaidInvoice
	err := c.queryRow(ctx, `
		UPDATE invoices
		SET status = 'paid', amount_paid = total, provider_payment_ref = ?, paid_at = ?
		WHERE tenant_id = ? AND id = ? AND status IN ('draft', 'sent')
		RETURNING id, invoice_number, total, customer_name, customer_email
	`, nullable(paymentRef), ts(at), tenantID, id).Scan(&p.ID, &p.Number, &p.Total, &p.CustomerName, &p.CustomerEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ProbeInvoice labels a settlement that changed nothing: ErrNotFound or
// ErrAlreadyApplied with the current status.
func (c conn) ProbeInvoice(ctx context.Context, tenantID, id string) (domain.InvoiceStatus, error) {
	var status string
	err := c.queryRow(ctx, `SELECT status FROM invoices WHERE tenant_id = ? AND id = ?`, tenantID, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return domain.InvoiceStatus(status), domain.ErrAlreadyApplied
}

// TerminalSale describes a point-of-sale payment with no prior invoice.
type TerminalSale struct {
	TenantID      string
	CheckoutID    string
	PaymentRef    string
	CustomerName  string
	CustomerEmail string
	Amount        int64
	Description   string
	PaidAt        time.Time
}

// CreateTerminalInvoice creates an already-paid invoice keyed by the
// checkout session id. The invoice number is drawn in the same
// transaction; on a duplicate checkout id it returns ErrAlreadyApplied so
// the enclosing transaction rolls the number back.
func (tx *Tx) CreateTerminalInvoice(ctx context.Context, s TerminalSale) (*domain.Invoice, error) {
	seq, err := tx.NextSequence(ctx, s.TenantID, ScopeInvoice)
	if err != nil {
		return nil, fmt.Errorf("invoice number: %w", err)
	}
	paidAt := s.PaidAt.UTC()
	desc := s.Description
	if desc == "" {
		desc = "Terminal sale"
	}
	inv := &domain.Invoice{
		ID:            uuid.New().String(),
		TenantID:      s.TenantID,
		Number:        domain.FormatInvoiceNumber(seq),
		CustomerName:  s.CustomerName,
		CustomerEmail: s.CustomerEmail,
		Status:        domain.InvoicePaid,
		LineItems: []domain.LineItem{
			{Description: desc, Quantity: 1, UnitPrice: s.Amount, Total: s.Amount},
		},
		Subtotal:           s.Amount,
		Total:              s.Amount,
		AmountPaid:         s.Amount,
		ProviderCheckoutID: s.CheckoutID,
		ProviderPaymentRef: s.PaymentRef,
		PaidAt:             &paidAt,
		CreatedAt:          time.Now().UTC(),
	}
	items, err := json.Marshal(inv.LineItems)
	if err != nil {
		return nil, err
	}
	res, err := tx.exec(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, provider_checkout_id) DO NOTHING
	`, inv.ID, inv.TenantID, inv.Number, inv.CustomerName, inv.CustomerEmail, string(inv.Status),
		string(items), inv.Subtotal, inv.Tax, inv.Total, inv.AmountPaid,
		inv.ProviderCheckoutID, nullable(inv.ProviderPaymentRef), ts(paidAt), ts(inv.CreatedAt))
	if err != nil {
		return nil, err
	}
	ok, err := affected(res)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrAlreadyApplied
	}
	return inv, nil
}
