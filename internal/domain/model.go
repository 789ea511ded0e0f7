// Package domain holds the reconciler's business types and event envelopes.
// It imports no other package of this module.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ─── Tenant ─────────────────────────────────────────────────────────────────

// DefaultFeePercent is the platform fee charged when a tenant has no override.
var DefaultFeePercent = decimal.RequireFromString("1.5")

// FoundingMemberLimit is the number of lifetime fee-waiver slots.
const FoundingMemberLimit = 100

// Tenant is a merchant account.
type Tenant struct {
	ID                    string          `json:"id"`
	Slug                  string          `json:"slug"`
	Name                  string          `json:"name"`
	Email                 string          `json:"email"`
	FeePercent            decimal.Decimal `json:"fee_percent"`
	ProviderAccountID     string          `json:"provider_account_id,omitempty"`
	OnboardingCompletedAt *time.Time      `json:"onboarding_completed_at,omitempty"`
	IsFoundingMember      bool            `json:"is_founding_member"`
	FoundingMemberNumber  *int            `json:"founding_member_number,omitempty"`
	SubscriptionID        string          `json:"subscription_id,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
}

// HasSubscription reports whether a provider subscription is recorded.
func (t *Tenant) HasSubscription() bool { return t.SubscriptionID != "" }

// ─── Appointment ────────────────────────────────────────────────────────────

// AppointmentStatus is the booking lifecycle state.
type AppointmentStatus string

const (
	AppointmentPending   AppointmentStatus = "PENDING"
	AppointmentConfirmed AppointmentStatus = "CONFIRMED"
	AppointmentCancelled AppointmentStatus = "CANCELLED"
)

// Appointment is a booked service instance.
type Appointment struct {
	ID                  string            `json:"id"`
	TenantID            string            `json:"tenant_id"`
	ServiceID           string            `json:"service_id"`
	StartsAt            time.Time         `json:"starts_at"`
	EndsAt              time.Time         `json:"ends_at"`
	Status              AppointmentStatus `json:"status"`
	Paid                bool              `json:"paid"`
	RecurringGroupID    string            `json:"recurring_group_id,omitempty"`
	ParentAppointmentID string            `json:"parent_appointment_id,omitempty"`
	ProviderPaymentRef  string            `json:"provider_payment_ref,omitempty"`
	Price               int64             `json:"price"`
	CustomerName        string            `json:"customer_name,omitempty"`
	CustomerEmail       string            `json:"customer_email,omitempty"`
}

// ─── Product ────────────────────────────────────────────────────────────────

// Product is a sellable catalog item.
type Product struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	Name          string `json:"name"`
	Price         int64  `json:"price"`
	StockQuantity int    `json:"stock_quantity"`
}

// ─── Invoice ────────────────────────────────────────────────────────────────

// InvoiceStatus is the billing document lifecycle state.
type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "draft"
	InvoiceSent          InvoiceStatus = "sent"
	InvoicePaid          InvoiceStatus = "paid"
	InvoicePartiallyPaid InvoiceStatus = "partially_paid"
)

// LineItem is one billable row on an invoice.
type LineItem struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Total       int64  `json:"total"`
}

// Invoice is a billable document.
type Invoice struct {
	ID                 string        `json:"id"`
	TenantID           string        `json:"tenant_id"`
	Number             string        `json:"invoice_number"`
	CustomerName       string        `json:"customer_name"`
	CustomerEmail      string        `json:"customer_email,omitempty"`
	Status             InvoiceStatus `json:"status"`
	LineItems          []LineItem    `json:"line_items"`
	Subtotal           int64         `json:"subtotal"`
	Tax                int64         `json:"tax"`
	Total              int64         `json:"total"`
	AmountPaid         int64         `json:"amount_paid"`
	ProviderCheckoutID string        `json:"provider_checkout_id,omitempty"`
	ProviderPaymentRef string        `json:"provider_payment_ref,omitempty"`
	PaidAt             *time.Time    `json:"paid_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

// Validate checks the invoice money invariants.
func (inv *Invoice) Validate() error {
	if inv.Total != inv.Subtotal+inv.Tax {
		return fmt.Errorf("invoice total %d != subtotal %d + tax %d", inv.Total, inv.Subtotal, inv.Tax)
	}
	if inv.AmountPaid > inv.Total {
		return fmt.Errorf("invoice amount_paid %d exceeds total %d", inv.AmountPaid, inv.Total)
	}
	return nil
}

// CanTransitionTo checks monotonic invoice status progression.
func (inv *Invoice) CanTransitionTo(next InvoiceStatus) bool {
	allowed := map[InvoiceStatus][]InvoiceStatus{
		InvoiceDraft:         {InvoiceSent, InvoicePaid, InvoicePartiallyPaid},
		InvoiceSent:          {InvoicePaid, InvoicePartiallyPaid},
		InvoicePaid:          {},
		InvoicePartiallyPaid: {},
	}
	for _, s := range allowed[inv.Status] {
		if s == next {
			return true
		}
	}
	return false
}

// FormatInvoiceNumber renders a tenant-scoped invoice sequence value.
func FormatInvoiceNumber(seq int64) string {
	return fmt.Sprintf("INV-%06d", seq)
}

// ─── Revenue Ledger ─────────────────────────────────────────────────────────

// RevenueCategory classifies an append-only ledger line.
type RevenueCategory string

const (
	RevenueInvoice     RevenueCategory = "invoice"
	RevenueDirectSales RevenueCategory = "direct_sales"
	RevenueDailySales  RevenueCategory = "daily_sales"
)

// ReceiptPrefix returns the receipt numbering prefix for a category.
func (c RevenueCategory) ReceiptPrefix() string {
	switch c {
	case RevenueDirectSales:
		return "DS"
	case RevenueDailySales:
		return "POS"
	default:
		return "RCPT"
	}
}

// FormatReceiptNumber renders a category-scoped receipt sequence value.
func FormatReceiptNumber(c RevenueCategory, seq int64) string {
	return fmt.Sprintf("%s-%06d", c.ReceiptPrefix(), seq)
}

// RevenueEntry is a single append-only ledger line. At most one exists
// per (TenantID, ProviderTxnID).
type RevenueEntry struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	Amount        int64           `json:"amount"`
	PlatformFee   int64           `json:"platform_fee"`
	NetAmount     int64           `json:"net_amount"`
	Category      RevenueCategory `json:"category"`
	Description   string          `json:"description"`
	ReceiptNumber string          `json:"receipt_number"`
	InvoiceID     string          `json:"invoice_id,omitempty"`
	ProductID     string          `json:"product_id,omitempty"`
	EntryDate     time.Time       `json:"entry_date"`
	ProviderTxnID string          `json:"provider_txn_id"`
	CreatedAt     time.Time       `json:"created_at"`
}
