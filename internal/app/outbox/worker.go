// Package outbox drives secondary effects to completion.
//
// Reconciliation writes each effect as an outbox record in the same
// transaction as the primary mutation. The worker:
//  1. Claims ready records (pending and due, or stuck in processing)
//  2. Routes each to the applier registered for its effect
//  3. Runs appliers under a concurrency semaphore and per-effect timeout
//  4. Marks success done, or reschedules with exponential backoff
//  5. Gives up after MaxAttempts and leaves the record failed for operators
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tillcloud/reconciler/internal/domain"
	"github.com/tillcloud/reconciler/internal/infra/observability"
	"github.com/tillcloud/reconciler/internal/infra/store"
)

// Applier performs one kind of secondary effect. Apply must be idempotent:
// a record can be delivered again after a crash between apply and complete.
type Applier interface {
	Apply(ctx context.Context, rec domain.OutboxRecord) error
}

// ErrPermanent marks an applier failure that no retry can fix.
var ErrPermanent = errors.New("permanent effect failure")

// Config controls worker behavior.
type Config struct {
	BatchSize     int           // Records claimed per cycle (default: 32)
	MaxConcurrent int           // Appliers running at once (default: 4)
	PollInterval  time.Duration // Idle wait between cycles (default: 2s)
	MaxAttempts   int           // Attempts before a record is failed (default: 8)
	BaseBackoff   time.Duration // First retry delay (default: 5s)
	MaxBackoff    time.Duration // Retry delay ceiling (default: 10m)
	StaleAfter    time.Duration // Processing records older than this are reclaimed (default: 5m)
	EffectTimeout time.Duration // Per-apply deadline (default: 30s)
}

// DefaultConfig returns safe worker defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     32,
		MaxConcurrent: 4,
		PollInterval:  2 * time.Second,
		MaxAttempts:   8,
		BaseBackoff:   5 * time.Second,
		MaxBackoff:    10 * time.Minute,
		StaleAfter:    5 * time.Minute,
		EffectTimeout: 30 * time.Second,
	}
}

// Worker claims and applies outbox records.
type Worker struct {
	mu        sync.RWMutex
	config    Config
	db        *store.DB
	log       *zap.Logger
	appliers  map[domain.Effect]Applier
	sem       chan struct{}
	wake      chan struct{}
	now       func() time.Time
	active    int
	completed int64
	retried   int64
	failed    int64
}

// New creates an outbox worker. Zero config fields take defaults.
func New(cfg Config, db *store.DB, log *zap.Logger) *Worker {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.EffectTimeout <= 0 {
		cfg.EffectTimeout = def.EffectTimeout
	}
	return &Worker{
		config:   cfg,
		db:       db,
		log:      log.Named("outbox"),
		appliers: make(map[domain.Effect]Applier),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Register sets the applier for an effect.
func (w *Worker) Register(effect domain.Effect, a Applier) {
	w.mu.Lock()
	w.appliers[effect] = a
	w.mu.Unlock()
}

// Nudge wakes an idle RunForever loop. It never blocks.
func (w *Worker) Nudge() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// RunForever processes records until ctx is cancelled.
func (w *Worker) RunForever(ctx context.Context) {
	w.log.Info("outbox worker started",
		zap.Int("max_concurrent", w.config.MaxConcurrent),
		zap.Duration("poll_interval", w.config.PollInterval))
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		n, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Error("outbox cycle failed", zap.Error(err))
		}
		// A full batch likely means more work is ready.
		if n == w.config.BatchSize && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			w.log.Info("outbox worker stopped")
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// RunOnce claims one batch, applies it, and returns the number of records
// claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	now := w.now()
	recs, err := w.db.ClaimOutbox(ctx, w.config.BatchSize, now, now.Add(-w.config.StaleAfter))
	if err != nil {
		return 0, fmt.Errorf("claim outbox: %w", err)
	}

	var wg sync.WaitGroup
	for _, rec := range recs {
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return len(recs), ctx.Err()
		}
		wg.Add(1)
		go func(rec domain.OutboxRecord) {
			defer wg.Done()
			defer func() { <-w.sem }()
			w.execute(ctx, rec)
		}(rec)
	}
	wg.Wait()

	w.refreshBacklog(ctx)
	return len(recs), nil
}

// Drain runs cycles until no ready record remains or ctx ends.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := w.RunOnce(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

func (w *Worker) execute(ctx context.Context, rec domain.OutboxRecord) {
	w.mu.Lock()
	w.active++
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.active--
		w.mu.Unlock()
	}()

	log := w.log.With(zap.String("outbox_id", rec.ID), zap.String("effect", string(rec.Effect)),
		zap.String("tenant_id", rec.TenantID), zap.Int("attempt", rec.Attempts))

	w.mu.RLock()
	applier, ok := w.appliers[rec.Effect]
	w.mu.RUnlock()

	var err error
	if !ok {
		err = fmt.Errorf("%w: no applier for effect %q", ErrPermanent, rec.Effect)
	} else {
		applyCtx, cancel := context.WithTimeout(ctx, w.config.EffectTimeout)
		err = applier.Apply(applyCtx, rec)
		cancel()
	}

	// Bookkeeping outlives a cancelled cycle.
	bookCtx := context.WithoutCancel(ctx)
	if err == nil {
		if cerr := w.db.CompleteOutbox(bookCtx, rec.ID); cerr != nil {
			log.Error("complete outbox record", zap.Error(cerr))
			return
		}
		observability.OutboxEffects.WithLabelValues(string(rec.Effect), "done").Inc()
		w.mu.Lock()
		w.completed++
		w.mu.Unlock()
		log.Debug("effect applied")
		return
	}

	maxAttempts := w.config.MaxAttempts
	if errors.Is(err, ErrPermanent) {
		maxAttempts = 0
	}
	status, ferr := w.db.FailOutbox(bookCtx, rec.ID, err.Error(), maxAttempts, w.now().Add(w.Backoff(rec.Attempts)))
	if ferr != nil {
		log.Error("record outbox failure", zap.Error(ferr), zap.NamedError("effect_error", err))
		return
	}
	if status == domain.OutboxFailed {
		observability.OutboxEffects.WithLabelValues(string(rec.Effect), "failed").Inc()
		w.mu.Lock()
		w.failed++
		w.mu.Unlock()
		// Needs manual reconciliation.
		log.Error("effect abandoned", zap.Error(fmt.Errorf("%w: %w", domain.ErrSecondaryEffect, err)))
		return
	}
	observability.OutboxEffects.WithLabelValues(string(rec.Effect), "retry").Inc()
	w.mu.Lock()
	w.retried++
	w.mu.Unlock()
	log.Warn("effect failed, will retry", zap.Error(err))
}

// Backoff returns the delay before retrying after attempt attempts.
func (w *Worker) Backoff(attempt int) time.Duration {
	d := w.config.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= w.config.MaxBackoff {
			return w.config.MaxBackoff
		}
	}
	return min(d, w.config.MaxBackoff)
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	counts, err := w.db.OutboxBacklog(ctx)
	if err != nil {
		return
	}
	for _, s := range []domain.OutboxStatus{domain.OutboxPending, domain.OutboxProcessing, domain.OutboxDone, domain.OutboxFailed} {
		observability.OutboxBacklog.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// Stats is a snapshot of worker counters.
type Stats struct {
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Retried   int64 `json:"retried"`
	Failed    int64 `json:"failed"`
	MaxSlots  int   `json:"max_slots"`
	FreeSlots int   `json:"free_slots"`
}

// Stats returns current worker statistics.
func (w *Worker) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return Stats{
		Active:    w.active,
		Completed: w.completed,
		Retried:   w.retried,
		Failed:    w.failed,
		MaxSlots:  w.config.MaxConcurrent,
		FreeSlots: w.config.MaxConcurrent - w.active,
	}
}
