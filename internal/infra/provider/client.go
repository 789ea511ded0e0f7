// Package provider is the outbound client for the payment provider's REST
// API: payment-intent and customer retrieval for enrichment, and
// subscription-schedule creation for the annual connectivity fee.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tillcloud/reconciler/internal/domain"
)

// Config controls the client.
type Config struct {
	BaseURL string        `toml:"base_url"`
	APIKey  string        `toml:"-"`
	PriceID string        `toml:"connectivity_price_id"`
	Timeout time.Duration `toml:"-"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "https://api.stripe.com",
		Timeout: 5 * time.Second,
	}
}

// Client implements domain.PaymentProvider over HTTP.
type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

// New creates a provider client.
func New(cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log.Named("provider"),
	}
}

// apiError is the provider's error body.
type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// RetrievePaymentIntent resolves the captured amount of a payment.
func (c *Client) RetrievePaymentIntent(ctx context.Context, id string) (*domain.PaymentIntent, error) {
	var pi domain.PaymentIntent
	if err := c.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(id), nil, "", &pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

// RetrieveCustomer resolves a customer's display identity.
func (c *Client) RetrieveCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var cu domain.Customer
	if err := c.do(ctx, http.MethodGet, "/v1/customers/"+url.PathEscape(id), nil, "", &cu); err != nil {
		return nil, err
	}
	return &cu, nil
}

// CreateSubscriptionSchedule starts the annual connectivity-fee schedule for
// a tenant. The idempotency key is derived from the tenant id, so a retried
// call returns the schedule created by the first.
func (c *Client) CreateSubscriptionSchedule(ctx context.Context, t domain.Tenant) (string, error) {
	form := url.Values{}
	form.Set("start_date", "now")
	form.Set("end_behavior", "release")
	form.Set("phases[0][items][0][price]", c.cfg.PriceID)
	form.Set("phases[0][items][0][quantity]", "1")
	form.Set("metadata[tenant_id]", t.ID)
	form.Set("metadata[type]", domain.TagSubscription)
	if t.ProviderAccountID != "" {
		form.Set("metadata[account_id]", t.ProviderAccountID)
	}
	if t.Email != "" {
		form.Set("metadata[email]", t.Email)
	}

	var out struct {
		ID           string `json:"id"`
		Subscription string `json:"subscription"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/subscription_schedules", form, "subscription-schedule-"+t.ID, &out); err != nil {
		return "", err
	}
	if out.Subscription != "" {
		return out.Subscription, nil
	}
	return out.ID, nil
}

// do sends a request. Network failures and 5xx/429 responses wrap
// domain.ErrProviderUnavailable; other non-2xx responses are permanent.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, idemKey string, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("provider request failed", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("%w: %s %s: %v", domain.ErrProviderUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", domain.ErrProviderUnavailable, path, err)
	}
	c.log.Debug("provider request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.Unmarshal(raw, &apiErr)
		msg := apiErr.Error.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %s %s: %d %s", domain.ErrProviderUnavailable, method, path, resp.StatusCode, msg)
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
		}
		return errors.New("provider: " + msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("provider: decode %s: %w", path, err)
	}
	return nil
}
