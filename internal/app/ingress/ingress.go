// Package ingress decides the HTTP fate of one webhook delivery: verify,
// parse, deduplicate by event id, reconcile, acknowledge.
//
// The mapping is deliberately small:
//
//	bad signature or body   400, provider must not retry
//	datastore failure       500, provider retries
//	anything else           200
package ingress

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tillcloud/reconciler/internal/app/reconcile"
	"github.com/tillcloud/reconciler/internal/domain"
	"github.com/tillcloud/reconciler/internal/infra/observability"
	"github.com/tillcloud/reconciler/internal/infra/store"
	"github.com/tillcloud/reconciler/internal/security"
)

// Handler reconciles a verified envelope.
type Handler interface {
	Handle(ctx context.Context, env *domain.Envelope) (reconcile.Result, error)
}

// Response is the acknowledgement for one delivery.
type Response struct {
	Status  int               `json:"-"`
	Retry   bool              `json:"-"`
	EventID string            `json:"event_id,omitempty"`
	Result  *reconcile.Result `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Controller runs the delivery pipeline.
type Controller struct {
	verifier *security.Verifier
	db       *store.DB
	engine   Handler
	journal  *observability.Journal
	log      *zap.Logger
	now      func() time.Time
}

// New creates a controller. journal may be nil.
func New(verifier *security.Verifier, db *store.DB, engine Handler, journal *observability.Journal, log *zap.Logger) *Controller {
	return &Controller{
		verifier: verifier,
		db:       db,
		engine:   engine,
		journal:  journal,
		log:      log.Named("ingress"),
		now:      time.Now,
	}
}

// Receive handles one raw delivery.
func (c *Controller) Receive(ctx context.Context, body []byte, signature string) Response {
	started := c.now()
	d := observability.Delivery{Started: started, Variant: domain.VariantUnknown.String()}
	resp := c.receive(ctx, body, signature, &d)

	d.Status = resp.Status
	d.Duration = c.now().Sub(started)
	d.Error = resp.Error
	if resp.Result != nil {
		d.Outcome = string(resp.Result.Outcome)
	}
	c.journal.Record(d)
	observability.WebhookLatency.WithLabelValues(d.Variant).Observe(float64(d.Duration.Milliseconds()))
	return resp
}

func (c *Controller) receive(ctx context.Context, body []byte, signature string, d *observability.Delivery) Response {
	if err := c.verifier.Verify(body, signature); err != nil {
		observability.WebhookDeliveries.WithLabelValues("unauthenticated").Inc()
		c.log.Warn("webhook rejected", zap.Error(err))
		return Response{Status: http.StatusBadRequest, Error: domain.ErrUnauthenticated.Error()}
	}

	env, err := domain.ParseEnvelope(body)
	if err != nil {
		observability.WebhookDeliveries.WithLabelValues("malformed").Inc()
		c.log.Warn("webhook malformed", zap.Error(err))
		return Response{Status: http.StatusBadRequest, Error: err.Error()}
	}
	d.EventID = env.ID
	d.Kind = string(env.Kind)
	v := reconcile.Classify(env)
	d.Variant = v.String()
	log := c.log.With(zap.String("event_id", env.ID), zap.String("kind", string(env.Kind)))

	// Unhandled types are acknowledged without touching the store.
	if v == domain.VariantUnknown {
		observability.WebhookDeliveries.WithLabelValues("ignored").Inc()
		log.Debug("unhandled event acknowledged")
		return Response{Status: http.StatusOK, EventID: env.ID, Result: &reconcile.Result{
			Variant: v, Outcome: reconcile.OutcomeIgnored, Detail: "unhandled event type",
		}}
	}

	processed, err := c.db.RecordWebhookEvent(ctx, env.ID, string(env.Kind), c.now())
	if err != nil {
		observability.WebhookDeliveries.WithLabelValues("error").Inc()
		log.Error("record webhook event", zap.Error(err))
		return Response{Status: http.StatusInternalServerError, Retry: true, EventID: env.ID,
			Error: domain.ErrTransientStore.Error()}
	}
	if processed {
		observability.WebhookDeliveries.WithLabelValues("duplicate").Inc()
		log.Debug("duplicate delivery")
		return Response{Status: http.StatusOK, EventID: env.ID, Result: &reconcile.Result{
			Outcome: reconcile.OutcomeAlreadyApplied, Detail: "event already processed",
		}}
	}

	res, err := c.engine.Handle(ctx, env)
	if err != nil {
		observability.WebhookDeliveries.WithLabelValues("error").Inc()
		msg := domain.ErrTransientStore.Error()
		if !errors.Is(err, domain.ErrTransientStore) {
			msg = err.Error()
		}
		return Response{Status: http.StatusInternalServerError, Retry: true, EventID: env.ID, Error: msg}
	}

	// The mutation committed; a lost stamp only means the next delivery
	// replays to already_applied.
	if err := c.db.MarkWebhookProcessed(context.WithoutCancel(ctx), env.ID, string(res.Outcome), c.now()); err != nil {
		log.Warn("mark webhook processed", zap.Error(err))
	}
	observability.WebhookDeliveries.WithLabelValues("ok").Inc()
	return Response{Status: http.StatusOK, EventID: env.ID, Result: &res}
}
