package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tillcloud/reconciler/internal/app/fees"
	"github.com/tillcloud/reconciler/internal/domain"
	"github.com/tillcloud/reconciler/internal/infra/store"
)

// ─── Service Booking ────────────────────────────────────────────────────────

func (e *Engine) handleServiceBooking(ctx context.Context, env *domain.Envelope, cs *domain.CheckoutSession, t *domain.Tenant) (Result, error) {
	v := domain.VariantServiceBooking
	apptID := env.Meta("appointment_id")
	if apptID == "" {
		return notFound(v, "checkout metadata has no appointment_id"), nil
	}

	var res Result
	err := e.db.InTx(ctx, func(tx *store.Tx) error {
		confirmed, err := tx.ConfirmAppointment(ctx, t.ID, apptID, cs.PaymentRef())
		if err != nil {
			return err
		}
		if confirmed == nil {
			res, err = probeAppointment(ctx, tx, v, t.ID, apptID)
			return err
		}

		recipient := firstNonEmpty(confirmed.CustomerEmail, cs.CustomerDetails.Email)
		if recipient != "" {
			_, err = tx.EnqueueOutbox(ctx, t.ID, domain.EffectEmailEnqueue, "email:booking:"+apptID, domain.EmailPayload{
				Template:  domain.TemplateBookingConfirmed,
				Recipient: recipient,
				Data: map[string]string{
					"appointment_id": apptID,
					"customer_name":  confirmed.CustomerName,
					"starts_at":      confirmed.StartsAt.Format(time.RFC3339),
				},
			})
			if err != nil {
				return err
			}
		}
		res = applied(v, "appointment "+apptID+" confirmed")
		return nil
	})
	return res, err
}

func probeAppointment(ctx context.Context, tx *store.Tx, v domain.Variant, tenantID, apptID string) (Result, error) {
	status, err := tx.ProbeAppointment(ctx, tenantID, apptID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return notFound(v, "appointment "+apptID), nil
	case errors.Is(err, domain.ErrAlreadyApplied):
		return alreadyApplied(v, "appointment "+apptID+" already paid"), nil
	case err != nil:
		return Result{}, err
	}
	// Paid for a cancelled slot: nothing to confirm, operators refund by hand.
	return ignored(v, "appointment "+apptID+" is "+string(status)), nil
}

// ─── Recurring Booking ──────────────────────────────────────────────────────

func (e *Engine) handleRecurringBooking(ctx context.Context, env *domain.Envelope, cs *domain.CheckoutSession, t *domain.Tenant) (Result, error) {
	v := domain.VariantRecurringBooking
	groupID := env.Meta("recurring_group_id")
	if groupID == "" {
		return notFound(v, "checkout metadata has no recurring_group_id"), nil
	}

	var res Result
	err := e.db.InTx(ctx, func(tx *store.Tx) error {
		confirmed, err := tx.ConfirmRecurringGroup(ctx, t.ID, groupID, cs.PaymentRef())
		if err != nil {
			return err
		}
		if len(confirmed) == 0 {
			n, err := tx.CountGroup(ctx, t.ID, groupID)
			if err != nil {
				return err
			}
			if n == 0 {
				res = notFound(v, "recurring group "+groupID)
			} else {
				res = alreadyApplied(v, "recurring group "+groupID+" already confirmed")
			}
			return nil
		}

		first := confirmed[0]
		for _, c := range confirmed[1:] {
			if c.StartsAt.Before(first.StartsAt) {
				first = c
			}
		}
		recipient := firstNonEmpty(first.CustomerEmail, cs.CustomerDetails.Email)
		if recipient != "" {
			_, err = tx.EnqueueOutbox(ctx, t.ID, domain.EffectEmailEnqueue, "email:recurring:"+groupID, domain.EmailPayload{
				Template:  domain.TemplateRecurringConfirmed,
				Recipient: recipient,
				Data: map[string]string{
					"recurring_group_id": groupID,
					"customer_name":      first.CustomerName,
					"occurrences":        strconv.Itoa(len(confirmed)),
					"first_starts_at":    first.StartsAt.Format(time.RFC3339),
				},
			})
			if err != nil {
				return err
			}
		}
		res = applied(v, strconv.Itoa(len(confirmed))+" appointments confirmed in group "+groupID)
		return nil
	})
	return res, err
}

// ─── Product Purchase ───────────────────────────────────────────────────────

func (e *Engine) handleProductPurchase(ctx context.Context, env *domain.Envelope, cs *domain.CheckoutSession, t *domain.Tenant, log *zap.Logger) (Result, error) {
	v := domain.VariantProductPurchase
	productID := env.Meta("product_id")
	if productID == "" {
		return notFound(v, "checkout metadata has no product_id"), nil
	}
	qty := 1
	if q, err := strconv.Atoi(env.Meta("quantity")); err == nil && q > 0 {
		qty = q
	}
	amount, _ := e.resolveAmount(ctx, cs, log)
	ref := cs.PaymentRef()

	var res Result
	err := e.db.InTx(ctx, func(tx *store.Tx) error {
		p, inserted, err := tx.RecordProductOrder(ctx, store.ProductOrder{
			TenantID:   t.ID,
			ProductID:  productID,
			Quantity:   qty,
			Amount:     amount,
			PaymentRef: ref,
		})
		if errors.Is(err, domain.ErrNotFound) {
			res = notFound(v, "product "+productID)
			return nil
		}
		if err != nil {
			return err
		}
		if !inserted {
			res = alreadyApplied(v, "order "+ref+" already recorded")
			return nil
		}

		if amount == 0 {
			amount = p.Price * int64(qty)
		}
		if err := enqueueRevenue(ctx, tx, t, ref, domain.RevenuePayload{
			Amount:        amount,
			Category:      domain.RevenueDirectSales,
			Description:   "Product sale: " + p.Name,
			ProductID:     p.ID,
			ProviderTxnID: ref,
			EntryDate:     entryDate(env),
		}); err != nil {
			return err
		}
		res = applied(v, "order "+ref+" recorded")
		return nil
	})
	return res, err
}

// ─── Invoice Payment ────────────────────────────────────────────────────────

func (e *Engine) handleInvoicePayment(ctx context.Context, env *domain.Envelope, cs *domain.CheckoutSession, t *domain.Tenant, log *zap.Logger) (Result, error) {
	v := domain.VariantInvoicePayment
	invoiceID := env.Meta("invoice_id")
	if invoiceID == "" {
		return notFound(v, "checkout metadata has no invoice_id"), nil
	}
	amount, _ := e.resolveAmount(ctx, cs, log)
	ref := cs.PaymentRef()

	var res Result
	err := e.db.InTx(ctx, func(tx *store.Tx) error {
		paid, err := tx.MarkInvoicePaid(ctx, t.ID, invoiceID, ref, entryDate(env))
		if err != nil {
			return err
		}
		if paid == nil {
			status, err := tx.ProbeInvoice(ctx, t.ID, invoiceID)
			switch {
			case errors.Is(err, domain.ErrNotFound):
				res = notFound(v, "invoice "+invoiceID)
				return nil
			case errors.Is(err, domain.ErrAlreadyApplied):
				res = alreadyApplied(v, "invoice "+invoiceID+" is "+string(status))
				return nil
			}
			return err
		}

		if amount == 0 {
			amount = paid.Total
		}
		if err := enqueueRevenue(ctx, tx, t, ref, domain.RevenuePayload{
			Amount:        amount,
			Category:      domain.RevenueInvoice,
			Description:   "Invoice " + paid.Number,
			InvoiceID:     paid.ID,
			ProviderTxnID: ref,
			EntryDate:     entryDate(env),
		}); err != nil {
			return err
		}
		if recipient := firstNonEmpty(paid.CustomerEmail, cs.CustomerDetails.Email); recipient != "" {
			_, err = tx.EnqueueOutbox(ctx, t.ID, domain.EffectEmailEnqueue, "email:invoice:"+paid.ID, domain.EmailPayload{
				Template:  domain.TemplateInvoicePaid,
				Recipient: recipient,
				Data: map[string]string{
					"invoice_number": paid.Number,
					"customer_name":  paid.CustomerName,
					"amount":         strconv.FormatInt(amount, 10),
				},
			})
			if err != nil {
				return err
			}
		}
		res = applied(v, "invoice "+paid.Number+" paid")
		return nil
	})
	return res, err
}

// ─── Terminal Sale ──────────────────────────────────────────────────────────

func (e *Engine) handleTerminalSale(ctx context.Context, env *domain.Envelope, cs *domain.CheckoutSession, t *domain.Tenant, log *zap.Logger) (Result, error) {
	v := domain.VariantTerminalSale
	if cs.ID == "" {
		return ignored(v, "terminal checkout without session id"), nil
	}
	amount, err := e.resolveAmount(ctx, cs, log)
	if err != nil {
		return Result{}, fmt.Errorf("terminal amount for %s: %w", cs.ID, err)
	}
	name := e.resolveCustomerName(ctx, cs, log)

	var res Result
	err = e.db.InTx(ctx, func(tx *store.Tx) error {
		inv, err := tx.CreateTerminalInvoice(ctx, store.TerminalSale{
			TenantID:      t.ID,
			CheckoutID:    cs.ID,
			PaymentRef:    cs.PaymentIntent,
			CustomerName:  name,
			CustomerEmail: cs.CustomerDetails.Email,
			Amount:        amount,
			Description:   env.Meta("description"),
			PaidAt:        entryDate(env),
		})
		if err != nil {
			return err
		}
		if err := enqueueRevenue(ctx, tx, t, cs.ID, domain.RevenuePayload{
			Amount:        amount,
			Category:      domain.RevenueDailySales,
			Description:   "Terminal sale " + inv.Number,
			InvoiceID:     inv.ID,
			ProviderTxnID: cs.ID,
			EntryDate:     entryDate(env),
		}); err != nil {
			return err
		}
		res = applied(v, "invoice "+inv.Number+" created")
		return nil
	})
	if errors.Is(err, domain.ErrAlreadyApplied) {
		return alreadyApplied(v, "checkout "+cs.ID+" already invoiced"), nil
	}
	return res, err
}

// ─── Subscription Activation ────────────────────────────────────────────────

func (e *Engine) handleSubscriptionActivation(ctx context.Context, cs *domain.CheckoutSession, t *domain.Tenant) (Result, error) {
	v := domain.VariantSubscriptionActivation
	if cs.Subscription == "" {
		return ignored(v, "checkout carries no subscription id"), nil
	}
	ok, err := e.db.AttachSubscription(ctx, t.ID, cs.Subscription)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return alreadyApplied(v, "tenant "+t.ID+" already subscribed"), nil
	}
	return applied(v, "subscription "+cs.Subscription+" attached"), nil
}

// ─── Account Onboarded ──────────────────────────────────────────────────────

func (e *Engine) handleAccountOnboarded(ctx context.Context, env *domain.Envelope, acct *domain.ConnectAccount, log *zap.Logger) (Result, error) {
	v := domain.VariantAccountOnboarded
	accountID := firstNonEmpty(acct.ID, env.Account)
	if accountID == "" {
		return ignored(v, "account event without account id"), nil
	}
	if !acct.OnboardingComplete() {
		return ignored(v, "account "+accountID+" not ready for charges"), nil
	}

	var res Result
	err := e.db.InTx(ctx, func(tx *store.Tx) error {
		if tenantID := env.Meta("tenant_id"); tenantID != "" {
			if _, err := tx.AttachProviderAccount(ctx, tenantID, accountID); err != nil {
				return err
			}
		}
		o, err := tx.MarkTenantOnboarded(ctx, accountID, time.Now())
		if err != nil {
			return err
		}
		if o == nil {
			t, err := tx.GetTenantByAccount(ctx, accountID)
			if err != nil {
				return err
			}
			if t == nil {
				res = notFound(v, "no tenant for account "+accountID)
			} else {
				res = alreadyApplied(v, "tenant "+t.ID+" already onboarded")
			}
			return nil
		}

		switch {
		case o.IsFoundingMember:
			res = applied(v, "tenant "+o.ID+" onboarded; founding member, fees waived")
		case o.HasSubscription:
			res = applied(v, "tenant "+o.ID+" onboarded; subscription already recorded")
		default:
			if _, err := tx.EnqueueOutbox(ctx, o.ID, domain.EffectSubscriptionSchedule, "subscription:"+o.ID,
				domain.SubscriptionPayload{AccountID: accountID}); err != nil {
				return err
			}
			res = applied(v, "tenant "+o.ID+" onboarded; subscription schedule queued")
		}
		return nil
	})
	if err == nil && res.Outcome == OutcomeApplied {
		log.Info("tenant onboarded", zap.String("account_id", accountID))
	}
	return res, err
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// enqueueRevenue records the fee split and queues the ledger write keyed on
// the provider transaction.
func enqueueRevenue(ctx context.Context, tx *store.Tx, t *domain.Tenant, txnID string, p domain.RevenuePayload) error {
	if p.Amount < 0 {
		p.Amount = 0
	}
	split := fees.ForTenant(t, p.Amount)
	p.PlatformFee = split.PlatformFee
	p.NetAmount = split.MerchantPayout
	_, err := tx.EnqueueOutbox(ctx, t.ID, domain.EffectRevenueRecord, "revenue:"+txnID, p)
	return err
}

func entryDate(env *domain.Envelope) time.Time {
	if env.Created.IsZero() {
		return time.Now().UTC()
	}
	return env.Created
}

func firstNonEmpty(values ...string) string {
	for _, s := range values {
		if s != "" {
			return s
		}
	}
	return ""
}
