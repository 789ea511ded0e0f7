package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// PaymentProvider abstracts outbound calls to the payment provider.
// Retrievals are read-only enrichment; callers must degrade on failure.
type PaymentProvider interface {
	// RetrievePaymentIntent resolves the captured amount of a payment.
	RetrievePaymentIntent(ctx context.Context, id string) (*PaymentIntent, error)

	// RetrieveCustomer resolves a customer's display identity.
	RetrieveCustomer(ctx context.Context, id string) (*Customer, error)

	// CreateSubscriptionSchedule starts the annual connectivity-fee
	// schedule for a tenant and returns the provider subscription id.
	CreateSubscriptionSchedule(ctx context.Context, tenant Tenant) (string, error)
}

// Mailer delivers queued emails. Template rendering lives outside this service.
type Mailer interface {
	Send(ctx context.Context, msg Email) error
}

// Email is one row of the email dispatch queue.
type Email struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenant_id"`
	Template  string            `json:"template"`
	Recipient string            `json:"recipient"`
	Data      map[string]string `json:"data,omitempty"`
}
