package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tillcloud/reconciler/internal/domain"
	"github.com/tillcloud/reconciler/internal/infra/store"
)

// ─── Revenue Ledger ─────────────────────────────────────────────────────────

// RevenueRecorder appends the ledger line for a revenue.record effect. The
// ledger key is the provider transaction id, so a redelivered record is a
// no-op.
type RevenueRecorder struct {
	DB *store.DB
}

func (r RevenueRecorder) Apply(ctx context.Context, rec domain.OutboxRecord) error {
	var p domain.RevenuePayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return fmt.Errorf("%w: decode revenue payload: %v", ErrPermanent, err)
	}
	entry := &domain.RevenueEntry{
		TenantID:      rec.TenantID,
		Amount:        p.Amount,
		PlatformFee:   p.PlatformFee,
		NetAmount:     p.NetAmount,
		Category:      p.Category,
		Description:   p.Description,
		InvoiceID:     p.InvoiceID,
		ProductID:     p.ProductID,
		EntryDate:     p.EntryDate,
		ProviderTxnID: p.ProviderTxnID,
	}
	err := r.DB.InTx(ctx, func(tx *store.Tx) error {
		return tx.InsertRevenueEntry(ctx, entry)
	})
	if errors.Is(err, domain.ErrAlreadyApplied) {
		return nil
	}
	return err
}

// ─── Subscription Schedule ──────────────────────────────────────────────────

// SubscriptionScheduler starts the annual connectivity-fee schedule for a
// newly onboarded tenant and records the subscription id.
type SubscriptionScheduler struct {
	DB       *store.DB
	Provider domain.PaymentProvider
	Log      *zap.Logger
}

func (s SubscriptionScheduler) Apply(ctx context.Context, rec domain.OutboxRecord) error {
	if s.Provider == nil {
		return fmt.Errorf("%w: no payment provider configured", ErrPermanent)
	}
	t, err := s.DB.GetTenant(ctx, rec.TenantID)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("%w: %w", ErrPermanent, domain.ErrTenantNotFound)
	}
	if t.HasSubscription() || t.IsFoundingMember {
		return nil
	}
	// The provider call carries a per-tenant idempotency key.
	subID, err := s.Provider.CreateSubscriptionSchedule(ctx, *t)
	if err != nil {
		return err
	}
	attached, err := s.DB.AttachSubscription(ctx, t.ID, subID)
	if err != nil {
		return err
	}
	if attached && s.Log != nil {
		s.Log.Info("subscription schedule created", zap.String("tenant_id", t.ID), zap.String("subscription_id", subID))
	}
	return nil
}

// ─── Email Enqueue ──────────────────────────────────────────────────────────

// EmailEnqueuer hands an email.enqueue effect to the dispatch queue, keyed
// on the record's dedupe key.
type EmailEnqueuer struct {
	DB *store.DB
}

func (e EmailEnqueuer) Apply(ctx context.Context, rec domain.OutboxRecord) error {
	var p domain.EmailPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return fmt.Errorf("%w: decode email payload: %v", ErrPermanent, err)
	}
	if p.Recipient == "" {
		return fmt.Errorf("%w: email without recipient", ErrPermanent)
	}
	_, err := e.DB.EnqueueEmail(ctx, rec.TenantID, rec.DedupeKey, p)
	return err
}

// RegisterDefaults wires the three standard appliers.
func RegisterDefaults(w *Worker, db *store.DB, provider domain.PaymentProvider, log *zap.Logger) {
	w.Register(domain.EffectRevenueRecord, RevenueRecorder{DB: db})
	w.Register(domain.EffectSubscriptionSchedule, SubscriptionScheduler{DB: db, Provider: provider, Log: log})
	w.Register(domain.EffectEmailEnqueue, EmailEnqueuer{DB: db})
}
