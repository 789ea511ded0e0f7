// Package daemon wires the reconciler's components from configuration and
// runs them: the HTTP server, the outbox worker and the email dispatcher.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tillcloud/reconciler/internal/api"
	"github.com/tillcloud/reconciler/internal/app/booking"
	"github.com/tillcloud/reconciler/internal/app/founding"
	"github.com/tillcloud/reconciler/internal/app/ingress"
	"github.com/tillcloud/reconciler/internal/app/outbox"
	"github.com/tillcloud/reconciler/internal/app/reconcile"
	"github.com/tillcloud/reconciler/internal/app/tenancy"
	"github.com/tillcloud/reconciler/internal/domain"
	"github.com/tillcloud/reconciler/internal/infra/logging"
	"github.com/tillcloud/reconciler/internal/infra/observability"
	"github.com/tillcloud/reconciler/internal/infra/provider"
	"github.com/tillcloud/reconciler/internal/infra/store"
	"github.com/tillcloud/reconciler/internal/security"
)

// Daemon holds every long-lived component.
type Daemon struct {
	Config     Config
	Log        *zap.Logger
	DB         *store.DB
	Provider   domain.PaymentProvider
	Engine     *reconcile.Engine
	Ingress    *ingress.Controller
	Founding   *founding.Allocator
	Tenancy    *tenancy.Service
	Booking    *booking.Service
	Journal    *observability.Journal
	Worker     *outbox.Worker
	Dispatcher *outbox.Dispatcher
	Server     *api.Server
}

// New opens the store and builds all components. Close releases them.
func New(cfg Config) (*Daemon, error) {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	return NewWithLogger(cfg, log)
}

// NewWithLogger is New with a caller-supplied logger.
func NewWithLogger(cfg Config, log *zap.Logger) (*Daemon, error) {
	db, err := store.Open(store.Options{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
		Dir:    cfg.Database.Dir,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	d := &Daemon{Config: cfg, Log: log, DB: db}

	if cfg.Provider.APIKey != "" {
		d.Provider = provider.New(cfg.Provider, log)
	} else {
		log.Warn("no provider API key; enrichment and subscription schedules disabled")
	}
	if cfg.WebhookSecret == "" {
		log.Warn("no webhook secret; every delivery will be rejected")
	}

	d.Journal = observability.NewJournal(observability.JournalConfig{Enabled: true, Size: cfg.Webhook.JournalSize})
	d.Engine = reconcile.New(db, d.Provider, log)

	verifier := security.NewVerifier(cfg.WebhookSecret)
	verifier.Tolerance = mustDuration(cfg.Webhook.Tolerance, security.DefaultTolerance)
	d.Ingress = ingress.New(verifier, db, d.Engine, d.Journal, log)

	d.Founding = founding.New(db, log, cfg.Founding.Limit, cfg.AdminToken)
	d.Tenancy = tenancy.New(db, d.Founding, log)
	d.Booking = booking.New(db, log)

	def := outbox.DefaultConfig()
	d.Worker = outbox.New(outbox.Config{
		BatchSize:     cfg.Outbox.BatchSize,
		MaxConcurrent: cfg.Outbox.Workers,
		PollInterval:  mustDuration(cfg.Outbox.PollInterval, def.PollInterval),
		MaxAttempts:   cfg.Outbox.MaxAttempts,
		BaseBackoff:   mustDuration(cfg.Outbox.BaseBackoff, def.BaseBackoff),
		MaxBackoff:    mustDuration(cfg.Outbox.MaxBackoff, def.MaxBackoff),
	}, db, log)
	outbox.RegisterDefaults(d.Worker, db, d.Provider, log)
	d.Engine.OnApplied(d.Worker.Nudge)
	d.Dispatcher = outbox.NewDispatcher(db, outbox.LogMailer{Log: log.Named("mail")}, log)

	d.Server = api.NewServer(api.Config{
		SignatureHeader: cfg.Webhook.SignatureHeader,
		MaxBodyBytes:    cfg.Webhook.MaxBodyBytes,
		AdminToken:      cfg.AdminToken,
		RequestTimeout:  mustDuration(cfg.Server.RequestTimeout, 30*time.Second),
		Version:         Version,
	}, d.Ingress, log)
	if cfg.Server.Metrics {
		d.Server.EnableMetrics()
	}
	d.Server.SetStore(db)
	d.Server.SetFounding(d.Founding)
	d.Server.SetTenancy(d.Tenancy)
	d.Server.SetBooking(d.Booking)
	d.Server.SetJournal(d.Journal)
	d.Server.SetOutbox(d.Worker)

	return d, nil
}

// Version is set at build time.
var Version = "dev"

// Run serves HTTP and runs the background loops until ctx is cancelled,
// then shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.Worker.RunForever(ctx)
	}()
	go func() {
		defer wg.Done()
		d.Dispatcher.RunForever(ctx, mustDuration(d.Config.Outbox.EmailInterval, 10*time.Second))
	}()

	srv := &http.Server{
		Addr:              d.Config.Addr(),
		Handler:           d.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		d.Log.Info("listening", zap.String("addr", srv.Addr), zap.String("driver", d.DB.Driver()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = err
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		d.Log.Warn("http shutdown", zap.Error(err))
	}
	cancel()
	wg.Wait()
	d.Log.Info("stopped")
	return runErr
}

// Close releases the store and flushes the logger.
func (d *Daemon) Close() error {
	err := d.DB.Close()
	_ = d.Log.Sync()
	return err
}
