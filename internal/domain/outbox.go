package domain

import "time"

// ─── Secondary Effects ──────────────────────────────────────────────────────

// Effect names a secondary effect carried through the outbox.
type Effect string

const (
	EffectRevenueRecord        Effect = "revenue.record"
	EffectSubscriptionSchedule Effect = "subscription.schedule"
	EffectEmailEnqueue         Effect = "email.enqueue"
)

// OutboxStatus is the delivery state of an outbox record.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxDone       OutboxStatus = "done"
	OutboxFailed     OutboxStatus = "failed"
)

// OutboxRecord is one secondary effect, written in the same transaction as
// the primary mutation that caused it. (TenantID, DedupeKey) is unique.
type OutboxRecord struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenant_id"`
	Effect      Effect       `json:"effect"`
	Payload     []byte       `json:"payload"`
	DedupeKey   string       `json:"dedupe_key"`
	Status      OutboxStatus `json:"status"`
	Attempts    int          `json:"attempts"`
	LastError   string       `json:"last_error,omitempty"`
	AvailableAt time.Time    `json:"available_at"`
}

// RevenuePayload is the body of a revenue.record effect.
type RevenuePayload struct {
	Amount        int64           `json:"amount"`
	PlatformFee   int64           `json:"platform_fee"`
	NetAmount     int64           `json:"net_amount"`
	Category      RevenueCategory `json:"category"`
	Description   string          `json:"description"`
	InvoiceID     string          `json:"invoice_id,omitempty"`
	ProductID     string          `json:"product_id,omitempty"`
	ProviderTxnID string          `json:"provider_txn_id"`
	EntryDate     time.Time       `json:"entry_date"`
}

// SubscriptionPayload is the body of a subscription.schedule effect.
type SubscriptionPayload struct {
	AccountID string `json:"account_id,omitempty"`
}

// EmailPayload is the body of an email.enqueue effect.
type EmailPayload struct {
	Template  string            `json:"template"`
	Recipient string            `json:"recipient"`
	Data      map[string]string `json:"data,omitempty"`
}

// Email templates rendered by the external delivery service.
const (
	TemplateBookingConfirmed   = "booking_confirmed"
	TemplateRecurringConfirmed = "recurring_booking_confirmed"
	TemplateInvoicePaid        = "invoice_paid"
)
