// Package observability records webhook deliveries and exports Prometheus
// metrics for the reconciliation engine, the founding-member allocator and
// the outbox worker.
//
// The delivery journal is an in-memory ring buffer of recent deliveries
// (event id, variant, outcome, latency) served on the admin API for
// operators chasing a specific event.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Delivery Journal
// ═══════════════════════════════════════════════════════════════════════════

// Delivery is one handled webhook delivery.
type Delivery struct {
	EventID  string        `json:"event_id"`
	Kind     string        `json:"kind"`
	Variant  string        `json:"variant"`
	Outcome  string        `json:"outcome"`
	Status   int           `json:"status"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// JournalConfig configures the journal.
type JournalConfig struct {
	Enabled bool
	Size    int // ring buffer size (default 1_000)
}

// DefaultJournalConfig returns production defaults.
func DefaultJournalConfig() JournalConfig {
	return JournalConfig{
		Enabled: true,
		Size:    1_000,
	}
}

// Journal keeps the most recent deliveries.
type Journal struct {
	mu      sync.Mutex
	entries []Delivery
	size    int
	enabled bool
}

// NewJournal creates a delivery journal.
func NewJournal(cfg JournalConfig) *Journal {
	if cfg.Size <= 0 {
		cfg.Size = DefaultJournalConfig().Size
	}
	return &Journal{
		entries: make([]Delivery, 0, cfg.Size),
		size:    cfg.Size,
		enabled: cfg.Enabled,
	}
}

// Record appends a delivery, dropping the oldest at capacity.
func (j *Journal) Record(d Delivery) {
	if j == nil || !j.enabled {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) >= j.size {
		j.entries = j.entries[1:]
	}
	j.entries = append(j.entries, d)
}

// Recent returns up to limit of the newest deliveries, oldest first.
// A non-positive limit returns everything.
func (j *Journal) Recent(limit int) []Delivery {
	j.mu.Lock()
	defer j.mu.Unlock()

	if limit <= 0 || limit > len(j.entries) {
		limit = len(j.entries)
	}
	start := len(j.entries) - limit
	out := make([]Delivery, limit)
	copy(out, j.entries[start:])
	return out
}

// Find returns the latest delivery of an event.
func (j *Journal) Find(eventID string) (Delivery, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for i := len(j.entries) - 1; i >= 0; i-- {
		if j.entries[i].EventID == eventID {
			return j.entries[i], true
		}
	}
	return Delivery{}, false
}

// Len returns the number of recorded deliveries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Reset clears the journal.
func (j *Journal) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = j.entries[:0]
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Webhook Metrics ────────────────────────────────────────────────────────

// WebhookDeliveries counts deliveries by HTTP status class.
var WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "reconciler",
	Subsystem: "webhook",
	Name:      "deliveries_total",
	Help:      "Total webhook deliveries by response status.",
}, []string{"status"})

// WebhookLatency tracks end-to-end delivery handling time.
var WebhookLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "reconciler",
	Subsystem: "webhook",
	Name:      "latency_ms",
	Help:      "Webhook handling latency in milliseconds.",
	Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
}, []string{"variant"})

// ─── Reconciliation Metrics ─────────────────────────────────────────────────

// ReconcileOutcomes counts handled events by variant and outcome.
var ReconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "reconciler",
	Subsystem: "engine",
	Name:      "outcomes_total",
	Help:      "Reconciled events by variant and outcome.",
}, []string{"variant", "outcome"})

// ProviderLookups counts enrichment calls to the payment provider.
var ProviderLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "reconciler",
	Subsystem: "provider",
	Name:      "lookups_total",
	Help:      "Payment provider enrichment calls by kind and result.",
}, []string{"kind", "result"})

// ─── Founding-Member Metrics ────────────────────────────────────────────────

// FoundingAssignments counts allocation attempts by result.
var FoundingAssignments = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "reconciler",
	Subsystem: "founding",
	Name:      "assignments_total",
	Help:      "Founding-member slot allocation attempts by result.",
}, []string{"result"})

// FoundingSlotsTaken tracks the founding sequence value.
var FoundingSlotsTaken = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "reconciler",
	Subsystem: "founding",
	Name:      "slots_taken",
	Help:      "Founding-member slots assigned so far.",
})

// ─── Outbox Metrics ─────────────────────────────────────────────────────────

// OutboxEffects counts applied secondary effects by effect and result.
var OutboxEffects = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "reconciler",
	Subsystem: "outbox",
	Name:      "effects_total",
	Help:      "Secondary effects processed by effect and result.",
}, []string{"effect", "result"})

// OutboxBacklog tracks outbox records by status.
var OutboxBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "reconciler",
	Subsystem: "outbox",
	Name:      "records",
	Help:      "Outbox records by status.",
}, []string{"status"})

// EmailsDispatched counts email queue deliveries by result.
var EmailsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "reconciler",
	Subsystem: "email",
	Name:      "dispatched_total",
	Help:      "Queued emails handed to the mailer by result.",
}, []string{"result"})
