package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tillcloud/reconciler/internal/domain"
	"github.com/tillcloud/reconciler/internal/infra/observability"
	"github.com/tillcloud/reconciler/internal/infra/store"
)

// WalkInCustomer is the display name used when no customer identity resolves.
const WalkInCustomer = "Walk-in customer"

// Engine dispatches classified events to their handlers.
type Engine struct {
	db       *store.DB
	provider domain.PaymentProvider
	log      *zap.Logger
	notify   func()
}

// New creates an engine. provider may be nil, in which case enrichment
// lookups are skipped.
func New(db *store.DB, provider domain.PaymentProvider, log *zap.Logger) *Engine {
	return &Engine{db: db, provider: provider, log: log.Named("reconcile")}
}

// OnApplied registers a callback run after any delivery that committed new
// work, typically nudging the outbox worker. It must not block.
func (e *Engine) OnApplied(fn func()) { e.notify = fn }

// Handle applies one verified event. A nil error means the delivery is to be
// acknowledged whatever the outcome; an error wraps domain.ErrTransientStore
// and the provider must redeliver.
func (e *Engine) Handle(ctx context.Context, env *domain.Envelope) (Result, error) {
	v := Classify(env)
	log := e.log.With(zap.String("event_id", env.ID), zap.String("variant", v.String()))

	res, err := e.dispatch(ctx, v, env, log)
	if err != nil {
		observability.ReconcileOutcomes.WithLabelValues(v.String(), "error").Inc()
		log.Error("primary mutation failed", zap.Error(err))
		if errors.Is(err, domain.ErrTransientStore) {
			return Result{Variant: v}, err
		}
		return Result{Variant: v}, fmt.Errorf("%w: %w", domain.ErrTransientStore, err)
	}

	res.Variant = v
	observability.ReconcileOutcomes.WithLabelValues(v.String(), string(res.Outcome)).Inc()
	switch res.Outcome {
	case OutcomeApplied:
		log.Info("event applied", zap.String("detail", res.Detail))
		if e.notify != nil {
			e.notify()
		}
	case OutcomeNotFound:
		log.Warn("event target not found", zap.String("detail", res.Detail))
	default:
		log.Debug("event acknowledged", zap.String("outcome", string(res.Outcome)), zap.String("detail", res.Detail))
	}
	return res, nil
}

func (e *Engine) dispatch(ctx context.Context, v domain.Variant, env *domain.Envelope, log *zap.Logger) (Result, error) {
	switch v {
	case domain.VariantUnknown:
		if env.Kind == domain.KindCheckoutCompleted {
			return ignored(v, "checkout without recognised type tag"), nil
		}
		return ignored(v, "unhandled event kind "+string(env.Kind)), nil
	case domain.VariantAccountOnboarded:
		var acct domain.ConnectAccount
		if err := json.Unmarshal(env.Object, &acct); err != nil {
			return ignored(v, "undecodable account object"), nil
		}
		return e.handleAccountOnboarded(ctx, env, &acct, log)
	}

	var cs domain.CheckoutSession
	if err := json.Unmarshal(env.Object, &cs); err != nil {
		return ignored(v, "undecodable checkout session"), nil
	}
	tenantID := env.Meta("tenant_id")
	if tenantID == "" {
		return notFound(v, "checkout metadata has no tenant_id"), nil
	}
	tenant, err := e.db.GetTenant(ctx, tenantID)
	if err != nil {
		return Result{}, err
	}
	if tenant == nil {
		return notFound(v, "tenant "+tenantID), nil
	}

	switch v {
	case domain.VariantServiceBooking:
		return e.handleServiceBooking(ctx, env, &cs, tenant)
	case domain.VariantProductPurchase:
		return e.handleProductPurchase(ctx, env, &cs, tenant, log)
	case domain.VariantRecurringBooking:
		return e.handleRecurringBooking(ctx, env, &cs, tenant)
	case domain.VariantInvoicePayment:
		return e.handleInvoicePayment(ctx, env, &cs, tenant, log)
	case domain.VariantTerminalSale:
		return e.handleTerminalSale(ctx, env, &cs, tenant, log)
	case domain.VariantSubscriptionActivation:
		return e.handleSubscriptionActivation(ctx, &cs, tenant)
	}
	return ignored(v, "no handler"), nil
}

// ─── Enrichment ─────────────────────────────────────────────────────────────

// resolveAmount returns the captured amount: the session total, else the
// payment intent's received amount. Lookup failures degrade to zero; the
// error is returned only when the provider was unreachable, so callers with
// no stored fallback can ask for redelivery.
func (e *Engine) resolveAmount(ctx context.Context, cs *domain.CheckoutSession, log *zap.Logger) (int64, error) {
	if cs.AmountTotal > 0 {
		return cs.AmountTotal, nil
	}
	if e.provider == nil || cs.PaymentIntent == "" {
		return 0, nil
	}
	pi, err := e.provider.RetrievePaymentIntent(ctx, cs.PaymentIntent)
	if err != nil {
		observability.ProviderLookups.WithLabelValues("payment_intent", "error").Inc()
		log.Warn("payment intent lookup failed", zap.String("payment_intent", cs.PaymentIntent), zap.Error(err))
		if errors.Is(err, domain.ErrProviderUnavailable) {
			return 0, err
		}
		return 0, nil
	}
	observability.ProviderLookups.WithLabelValues("payment_intent", "ok").Inc()
	if pi.AmountReceived < 0 {
		return 0, nil
	}
	return pi.AmountReceived, nil
}

// resolveCustomerName returns the session's customer name, else the
// provider customer's name, else WalkInCustomer.
func (e *Engine) resolveCustomerName(ctx context.Context, cs *domain.CheckoutSession, log *zap.Logger) string {
	if name := strings.TrimSpace(cs.CustomerDetails.Name); name != "" {
		return name
	}
	if e.provider != nil && cs.Customer != "" {
		cu, err := e.provider.RetrieveCustomer(ctx, cs.Customer)
		if err != nil {
			observability.ProviderLookups.WithLabelValues("customer", "error").Inc()
			log.Warn("customer lookup failed", zap.String("customer", cs.Customer), zap.Error(err))
		} else {
			observability.ProviderLookups.WithLabelValues("customer", "ok").Inc()
			if name := strings.TrimSpace(cu.Name); name != "" {
				return name
			}
		}
	}
	return WalkInCustomer
}
