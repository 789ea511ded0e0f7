// Package api provides the HTTP server for the reconciler.
// It exposes the payment webhook, tenant signup, recurring bookings and an
// operator surface for founding-member slots and delivery history.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tillcloud/reconciler/internal/app/booking"
	"github.com/tillcloud/reconciler/internal/app/founding"
	"github.com/tillcloud/reconciler/internal/app/ingress"
	"github.com/tillcloud/reconciler/internal/app/outbox"
	"github.com/tillcloud/reconciler/internal/app/tenancy"
	"github.com/tillcloud/reconciler/internal/domain"
	"github.com/tillcloud/reconciler/internal/infra/logging"
	"github.com/tillcloud/reconciler/internal/infra/observability"
	"github.com/tillcloud/reconciler/internal/infra/store"
)

// Config controls the HTTP surface.
type Config struct {
	SignatureHeader string // header carrying the webhook signature
	MaxBodyBytes    int64  // webhook body limit
	AdminToken      string // bearer token for /admin routes; empty disables them
	RequestTimeout  time.Duration
	Version         string
}

// DefaultConfig returns safe server defaults.
func DefaultConfig() Config {
	return Config{
		SignatureHeader: "Stripe-Signature",
		MaxBodyBytes:    1 << 20,
		RequestTimeout:  30 * time.Second,
		Version:         "dev",
	}
}

// Server is the reconciler HTTP API server.
type Server struct {
	config         Config
	ingress        *ingress.Controller
	log            *zap.Logger
	db             *store.DB
	founding       *founding.Allocator
	tenants        *tenancy.Service
	bookings       *booking.Service
	journal        *observability.Journal
	worker         *outbox.Worker
	metricsEnabled bool
}

// NewServer creates a new API server around the webhook controller.
func NewServer(cfg Config, ctrl *ingress.Controller, log *zap.Logger) *Server {
	def := DefaultConfig()
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = def.SignatureHeader
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	return &Server{config: cfg, ingress: ctrl, log: log.Named("api")}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetStore enables the database check on /health.
func (s *Server) SetStore(db *store.DB) { s.db = db }

// SetFounding mounts the founding-member admin routes.
func (s *Server) SetFounding(a *founding.Allocator) { s.founding = a }

// SetTenancy mounts tenant signup.
func (s *Server) SetTenancy(t *tenancy.Service) { s.tenants = t }

// SetBooking mounts recurring series booking.
func (s *Server) SetBooking(b *booking.Service) { s.bookings = b }

// SetJournal mounts the delivery history admin routes.
func (s *Server) SetJournal(j *observability.Journal) { s.journal = j }

// SetOutbox exposes worker statistics on the admin API.
func (s *Server) SetOutbox(w *outbox.Worker) { s.worker = w }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.config.RequestTimeout))
	r.Use(logging.RequestLogger(s.log))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": s.config.Version})
	})

	r.Post("/webhooks/payments", s.handleWebhook)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	if s.tenants != nil || s.bookings != nil {
		r.Route("/api/tenants", func(r chi.Router) {
			if s.tenants != nil {
				r.Post("/", s.handleCreateTenant)
				r.Get("/{tenantID}", s.handleGetTenant)
			}
			if s.bookings != nil {
				r.Post("/{tenantID}/series", s.handleBookSeries)
			}
		})
	}

	if s.config.AdminToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			if s.founding != nil {
				r.Get("/founding", s.handleFoundingStatus)
				r.Post("/founding/{tenantID}", s.handleFoundingOverride)
			}
			if s.journal != nil {
				r.Get("/deliveries", s.handleDeliveries)
				r.Get("/deliveries/{eventID}", s.handleDelivery)
			}
			if s.worker != nil {
				r.Get("/outbox", s.handleOutboxStats)
			}
		})
	}

	return r
}

// ─── Webhook ────────────────────────────────────────────────────────────────

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	resp := s.ingress.Receive(r.Context(), body, r.Header.Get(s.config.SignatureHeader))
	if resp.Error != "" && resp.Result == nil {
		writeJSON(w, resp.Status, map[string]any{
			"received": false,
			"event_id": resp.EventID,
			"error":    map[string]any{"message": resp.Error, "type": "error", "retry": resp.Retry},
		})
		return
	}
	writeJSON(w, resp.Status, map[string]any{
		"received": true,
		"event_id": resp.EventID,
		"result":   resp.Result,
	})
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Tenants & Bookings ─────────────────────────────────────────────────────

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var in tenancy.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := s.tenants.Create(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	t, err := s.tenants.Get(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleBookSeries(w http.ResponseWriter, r *http.Request) {
	var req booking.SeriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.TenantID = chi.URLParam(r, "tenantID")
	res, err := s.bookings.BookRecurring(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// ─── Admin ──────────────────────────────────────────────────────────────────

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.config.AdminToken)) != 1 {
			writeError(w, http.StatusForbidden, domain.ErrAdminForbidden.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleFoundingStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.founding.Status(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleFoundingOverride(w http.ResponseWriter, r *http.Request) {
	asg, err := s.founding.Override(r.Context(), chi.URLParam(r, "tenantID"), bearerToken(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if asg.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, asg)
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": s.journal.Recent(limit)})
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	d, ok := s.journal.Find(chi.URLParam(r, "eventID"))
	if !ok {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleOutboxStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"worker": s.worker.Stats()}
	if s.db != nil {
		backlog, err := s.db.OutboxBacklog(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out["backlog"] = backlog
	}
	writeJSON(w, http.StatusOK, out)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// writeDomainError maps sentinel errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrTenantNotFound), errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrAdminForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrSlotsExhausted), errors.Is(err, domain.ErrDuplicateTenant):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, tenancy.ErrInvalidInput), errors.Is(err, domain.ErrInvalidSeries),
		errors.Is(err, domain.ErrSeriesTooLong):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}

// corsMiddleware adds CORS headers for the merchant dashboard.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
