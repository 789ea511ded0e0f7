// Package logging builds the service's zap loggers and masks secrets before
// they reach a log line.
package logging

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level and encoding.
type Config struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // json or console
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json"}
}

// New builds a root logger. Components derive theirs with Named.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}

	var zc zap.Config
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("log format %q: want json or console", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// ─── Masking ────────────────────────────────────────────────────────────────

var sensitiveHeaders = map[string]bool{
	"authorization":    true,
	"cookie":           true,
	"x-signature":      true,
	"stripe-signature": true,
	"x-api-key":        true,
}

// MaskSecret keeps only the last four characters of a secret.
func MaskSecret(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}

// MaskAuthorization masks a bearer token, preserving the scheme.
func MaskAuthorization(value string) string {
	parts := strings.Fields(value)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return "Bearer " + MaskSecret(parts[1])
	}
	return MaskSecret(value)
}

// MaskHeaders returns a copy of headers with credentials and signatures masked.
func MaskHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		joined := strings.Join(values, ",")
		lower := strings.ToLower(key)
		switch {
		case lower == "authorization":
			out[key] = MaskAuthorization(joined)
		case sensitiveHeaders[lower]:
			out[key] = MaskSecret(joined)
		default:
			out[key] = joined
		}
	}
	return out
}

// ─── HTTP Middleware ────────────────────────────────────────────────────────

// RequestLogger logs one line per request with masked headers.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if ww.Status() >= http.StatusInternalServerError {
				log.Warn("request", append(fields, zap.Any("headers", MaskHeaders(r.Header)))...)
				return
			}
			log.Debug("request", fields...)
		})
	}
}
