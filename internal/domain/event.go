package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ─── Event Envelope ─────────────────────────────────────────────────────────

// EventKind is the provider's top-level notification type.
type EventKind string

const (
	KindCheckoutCompleted EventKind = "checkout.session.completed"
	KindAccountUpdated    EventKind = "account.updated"
)

// Envelope is the verified, parsed representation of one inbound
// payment-provider notification.
type Envelope struct {
	ID       string            `json:"id"`
	Kind     EventKind         `json:"type"`
	Created  time.Time         `json:"created"`
	Account  string            `json:"account,omitempty"`
	Object   json.RawMessage   `json:"object"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// wireEnvelope mirrors the provider JSON layout.
type wireEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Account string `json:"account"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEnvelope decodes a raw webhook body. Any decode failure or missing
// id/type is ErrMalformed: the same bytes will never parse on retry.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	w.ID = strings.TrimSpace(w.ID)
	w.Type = strings.TrimSpace(w.Type)
	if w.ID == "" || w.Type == "" {
		return nil, fmt.Errorf("%w: missing event id or type", ErrMalformed)
	}

	env := &Envelope{
		ID:      w.ID,
		Kind:    EventKind(w.Type),
		Account: w.Account,
		Object:  w.Data.Object,
	}
	if w.Created > 0 {
		env.Created = time.Unix(w.Created, 0).UTC()
	}

	if len(w.Data.Object) > 0 {
		var meta struct {
			Metadata map[string]string `json:"metadata"`
		}
		if err := json.Unmarshal(w.Data.Object, &meta); err != nil {
			return nil, fmt.Errorf("%w: object: %v", ErrMalformed, err)
		}
		env.Metadata = meta.Metadata
	}
	if env.Metadata == nil {
		env.Metadata = map[string]string{}
	}
	return env, nil
}

// Meta returns a trimmed metadata value.
func (e *Envelope) Meta(key string) string {
	return strings.TrimSpace(e.Metadata[key])
}

// ─── Transaction Variants ───────────────────────────────────────────────────

// Variant is the closed set of transaction types the engine understands.
// Anything else is VariantUnknown and acknowledged as a no-op.
type Variant int

const (
	VariantUnknown Variant = iota
	VariantSubscriptionActivation
	VariantRecurringBooking
	VariantInvoicePayment
	VariantServiceBooking
	VariantProductPurchase
	VariantTerminalSale
	VariantAccountOnboarded
)

// Metadata type tags as carried on checkout sessions.
const (
	TagSubscription     = "connectivity_fee_subscription"
	TagRecurringBooking = "RECURRING_BOOKING"
	TagInvoicePayment   = "invoice_payment"
	TagServiceBooking   = "SERVICE_BOOKING"
	TagProductPurchase  = "PRODUCT_PURCHASE"
	TagTerminalPayment  = "TERMINAL_PAYMENT"
)

var variantByTag = map[string]Variant{
	TagSubscription:     VariantSubscriptionActivation,
	TagRecurringBooking: VariantRecurringBooking,
	TagInvoicePayment:   VariantInvoicePayment,
	TagServiceBooking:   VariantServiceBooking,
	TagProductPurchase:  VariantProductPurchase,
	TagTerminalPayment:  VariantTerminalSale,
}

// VariantForTag maps a checkout metadata type tag. Tags are case-sensitive.
func VariantForTag(tag string) Variant {
	return variantByTag[strings.TrimSpace(tag)]
}

// String returns the stable label used in logs and metrics.
func (v Variant) String() string {
	switch v {
	case VariantSubscriptionActivation:
		return "subscription_activation"
	case VariantRecurringBooking:
		return "recurring_booking"
	case VariantInvoicePayment:
		return "invoice_payment"
	case VariantServiceBooking:
		return "service_booking"
	case VariantProductPurchase:
		return "product_purchase"
	case VariantTerminalSale:
		return "terminal_sale"
	case VariantAccountOnboarded:
		return "account_onboarded"
	default:
		return "unknown"
	}
}

// ─── Provider Objects ───────────────────────────────────────────────────────

// CheckoutSession is the object carried by checkout completion events.
type CheckoutSession struct {
	ID              string `json:"id"`
	PaymentIntent   string `json:"payment_intent"`
	Subscription    string `json:"subscription"`
	Customer        string `json:"customer"`
	AmountTotal     int64  `json:"amount_total"`
	Currency        string `json:"currency"`
	PaymentStatus   string `json:"payment_status"`
	CustomerDetails struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	} `json:"customer_details"`
}

// PaymentRef is the provider transaction reference used as the natural key
// for ledger writes: the payment intent when present, else the session id.
func (c *CheckoutSession) PaymentRef() string {
	if c.PaymentIntent != "" {
		return c.PaymentIntent
	}
	return c.ID
}

// ConnectAccount is the object carried by account.updated events.
type ConnectAccount struct {
	ID               string `json:"id"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	DetailsSubmitted bool   `json:"details_submitted"`
}

// OnboardingComplete reports whether the sub-account can take payments.
func (a *ConnectAccount) OnboardingComplete() bool {
	return a.ChargesEnabled && a.DetailsSubmitted
}

// PaymentIntent is the subset of a retrieved payment intent used for
// amount resolution.
type PaymentIntent struct {
	ID             string `json:"id"`
	AmountReceived int64  `json:"amount_received"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
}

// Customer is the subset of a retrieved provider customer used for
// display-name enrichment.
type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}
