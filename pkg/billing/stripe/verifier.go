package stripe

import (
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/payrecon/pkg/reconcile"
)

const (
	signatureHeader           = "Stripe-Signature"
	defaultSignatureTolerance = 5 * time.Minute
)

// Verifier authenticates Stripe webhook payloads. The check is an HMAC-SHA256
// over "timestamp.payload" compared in constant time, with a replay tolerance
// on the signed timestamp.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a verifier for an endpoint secret (whsec_...).
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = defaultSignatureTolerance
	}
	return &Verifier{secret: strings.TrimSpace(secret), tolerance: tolerance}
}

// Verify checks the Stripe-Signature header against the exact raw payload.
func (v *Verifier) Verify(payload []byte, header string) error {
	if v.secret == "" {
		return fmt.Errorf("%w: no webhook secret configured", reconcile.ErrSignatureInvalid)
	}
	if strings.TrimSpace(header) == "" {
		return fmt.Errorf("%w: missing %s header", reconcile.ErrSignatureInvalid, signatureHeader)
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, header, v.secret, v.tolerance); err != nil {
		return fmt.Errorf("%w: %v", reconcile.ErrSignatureInvalid, err)
	}
	return nil
}
