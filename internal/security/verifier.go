// Package security authenticates inbound webhook deliveries.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tillcloud/reconciler/internal/domain"
)

// DefaultTolerance bounds the age of a timestamped signature.
const DefaultTolerance = 5 * time.Minute

// Verifier checks HMAC-SHA256 signatures over the raw request body.
//
// Two header forms are accepted:
//
//	sha256=<hex>                 HMAC(secret, body); the prefix is optional
//	t=<unix>,v1=<hex>[,v1=<hex>] HMAC(secret, "<unix>." + body), timestamp
//	                             within Tolerance of now
type Verifier struct {
	secret    []byte
	Tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a verifier. An empty secret rejects every delivery.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret:    []byte(strings.TrimSpace(secret)),
		Tolerance: DefaultTolerance,
		now:       time.Now,
	}
}

// Verify returns nil when header carries a valid signature of body.
// Every failure wraps domain.ErrUnauthenticated.
func (v *Verifier) Verify(body []byte, header string) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: webhook secret not configured", domain.ErrUnauthenticated)
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return fmt.Errorf("%w: missing signature header", domain.ErrUnauthenticated)
	}

	if strings.Contains(header, "v1=") {
		return v.verifyTimestamped(body, header)
	}

	sig := strings.TrimPrefix(header, "sha256=")
	if !v.matches(body, sig) {
		return fmt.Errorf("%w: signature mismatch", domain.ErrUnauthenticated)
	}
	return nil
}

func (v *Verifier) verifyTimestamped(body []byte, header string) error {
	var (
		stamp string
		sigs  []string
	)
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			stamp = val
		case "v1":
			sigs = append(sigs, val)
		}
	}
	unix, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad signature timestamp", domain.ErrUnauthenticated)
	}
	if v.Tolerance > 0 {
		age := v.now().Sub(time.Unix(unix, 0))
		if age < 0 {
			age = -age
		}
		if age > v.Tolerance {
			return fmt.Errorf("%w: signature timestamp outside tolerance", domain.ErrUnauthenticated)
		}
	}

	signed := make([]byte, 0, len(stamp)+1+len(body))
	signed = append(signed, stamp...)
	signed = append(signed, '.')
	signed = append(signed, body...)
	for _, sig := range sigs {
		if v.matches(signed, sig) {
			return nil
		}
	}
	return fmt.Errorf("%w: signature mismatch", domain.ErrUnauthenticated)
}

func (v *Verifier) matches(payload []byte, sigHex string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(sigHex))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	return hmac.Equal(got, v.sign(payload))
}

func (v *Verifier) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// Sign returns the hex signature of body. Used by tests and the CLI to
// build deliveries.
func (v *Verifier) Sign(body []byte) string {
	return hex.EncodeToString(v.sign(body))
}

// SignTimestamped returns a "t=<unix>,v1=<hex>" header for body.
func (v *Verifier) SignTimestamped(body []byte, at time.Time) string {
	stamp := strconv.FormatInt(at.Unix(), 10)
	return "t=" + stamp + ",v1=" + hex.EncodeToString(v.sign(append([]byte(stamp+"."), body...)))
}
