package security

import (
	"errors"
	"testing"
	"time"

	"github.com/tillcloud/reconciler/internal/domain"
)

var body = []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)

func TestVerify_PlainHex(t *testing.T) {
	v := NewVerifier("whsec_test")
	sig := v.Sign(body)

	if err := v.Verify(body, sig); err != nil {
		t.Errorf("Verify(hex) error: %v", err)
	}
	if err := v.Verify(body, "sha256="+sig); err != nil {
		t.Errorf("Verify(sha256=hex) error: %v", err)
	}
}

func TestVerify_Rejects(t *testing.T) {
	v := NewVerifier("whsec_test")
	good := v.Sign(body)
	other := NewVerifier("whsec_other").Sign(body)

	tests := []struct {
		name   string
		body   []byte
		header string
	}{
		{"missing header", body, ""},
		{"wrong secret", body, other},
		{"tampered body", []byte(`{"id":"evt_2"}`), good},
		{"not hex", body, "zzzz"},
		{"truncated", body, good[:20]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := v.Verify(tt.body, tt.header); !errors.Is(err, domain.ErrUnauthenticated) {
				t.Errorf("Verify() error = %v, want ErrUnauthenticated", err)
			}
		})
	}
}

func TestVerify_MissingSecret(t *testing.T) {
	v := NewVerifier("  ")
	if err := v.Verify(body, "sha256=00"); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Errorf("Verify() error = %v, want ErrUnauthenticated", err)
	}
}

func TestVerify_Timestamped(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := NewVerifier("whsec_test")
	v.now = func() time.Time { return now }

	header := v.SignTimestamped(body, now.Add(-time.Minute))
	if err := v.Verify(body, header); err != nil {
		t.Fatalf("Verify(timestamped) error: %v", err)
	}

	stale := v.SignTimestamped(body, now.Add(-10*time.Minute))
	if err := v.Verify(body, stale); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Errorf("Verify(stale) error = %v, want ErrUnauthenticated", err)
	}

	v.Tolerance = 0
	if err := v.Verify(body, stale); err != nil {
		t.Errorf("Verify(stale, no tolerance) error: %v", err)
	}

	if err := v.Verify(body, "t=abc,v1=00"); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Errorf("Verify(bad timestamp) error = %v, want ErrUnauthenticated", err)
	}
}

func TestVerify_TimestampedRotatedSecret(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	v := NewVerifier("whsec_new")
	v.now = func() time.Time { return now }

	oldSig := NewVerifier("whsec_old").SignTimestamped(body, now)
	newSig := v.SignTimestamped(body, now)
	// Header carrying signatures from both secrets during rotation.
	header := newSig + ",v1=" + oldSig[len("t=1700000000,v1="):]
	if err := v.Verify(body, header); err != nil {
		t.Errorf("Verify(rotated) error: %v", err)
	}
}
