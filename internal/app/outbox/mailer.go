package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tillcloud/reconciler/internal/domain"
	"github.com/tillcloud/reconciler/internal/infra/observability"
	"github.com/tillcloud/reconciler/internal/infra/store"
)

// LogMailer is a Mailer that only logs. It stands in when no delivery
// service is configured.
type LogMailer struct {
	Log *zap.Logger
}

func (m LogMailer) Send(_ context.Context, msg domain.Email) error {
	m.Log.Info("email",
		zap.String("tenant_id", msg.TenantID),
		zap.String("template", msg.Template),
		zap.String("recipient", msg.Recipient))
	return nil
}

// Dispatcher drains the email queue through a Mailer. A send failure marks
// the message failed; retries are an operator decision.
type Dispatcher struct {
	db     *store.DB
	mailer domain.Mailer
	log    *zap.Logger
	batch  int
}

// NewDispatcher creates an email dispatcher.
func NewDispatcher(db *store.DB, mailer domain.Mailer, log *zap.Logger) *Dispatcher {
	return &Dispatcher{db: db, mailer: mailer, log: log.Named("mail"), batch: 50}
}

// DrainOnce sends up to one batch and reports how many were sent and failed.
func (d *Dispatcher) DrainOnce(ctx context.Context) (sent, failed int, err error) {
	msgs, err := d.db.PendingEmails(ctx, d.batch)
	if err != nil {
		return 0, 0, err
	}
	for _, msg := range msgs {
		if serr := d.mailer.Send(ctx, msg); serr != nil {
			if _, err := d.db.MarkEmailFailed(ctx, msg.ID, serr.Error()); err != nil {
				return sent, failed, err
			}
			observability.EmailsDispatched.WithLabelValues("failed").Inc()
			d.log.Warn("email send failed", zap.String("email_id", msg.ID), zap.Error(serr))
			failed++
			continue
		}
		if _, err := d.db.MarkEmailSent(ctx, msg.ID); err != nil {
			return sent, failed, err
		}
		observability.EmailsDispatched.WithLabelValues("sent").Inc()
		sent++
	}
	return sent, failed, nil
}

// RunForever drains the queue every interval until ctx is cancelled.
func (d *Dispatcher) RunForever(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
				d.log.Error("email drain failed", zap.Error(err))
			}
		}
	}
}
