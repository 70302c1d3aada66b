// Package webhook signs and verifies webhook payloads with a timestamped
// HMAC-SHA256 scheme.
//
// The signature covers "<unix timestamp>.<raw body>" and travels in the
// X-Webhook-Signature header as lowercase hex, next to X-Webhook-Timestamp
// and X-Webhook-ID. Verification rejects stale timestamps so captured
// deliveries cannot be replayed outside the tolerance window.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderID        = "X-Webhook-ID"

	DefaultTolerance = 5 * time.Minute
)

var (
	ErrInvalidConfiguration = errors.New("webhook: invalid configuration")
	ErrInvalidPayload       = errors.New("webhook: invalid payload")
	ErrMissingSignature     = errors.New("webhook: missing signature headers")
	ErrInvalidSignature     = errors.New("webhook: signature mismatch")
	ErrSignatureExpired     = errors.New("webhook: signature timestamp outside tolerance")
)

// SignatureHeaders is the signature material of one delivery.
type SignatureHeaders struct {
	Signature string
	Timestamp int64
	ID        string
}

// Apply sets the signature headers on h.
func (s SignatureHeaders) Apply(h http.Header) {
	h.Set(HeaderSignature, s.Signature)
	h.Set(HeaderTimestamp, strconv.FormatInt(s.Timestamp, 10))
	if s.ID != "" {
		h.Set(HeaderID, s.ID)
	}
}

// SignPayload signs payload at time at.
func SignPayload(secret string, payload []byte, at time.Time) (SignatureHeaders, error) {
	if secret == "" {
		return SignatureHeaders{}, fmt.Errorf("%w: secret is required", ErrInvalidConfiguration)
	}
	if len(payload) == 0 {
		return SignatureHeaders{}, fmt.Errorf("%w: payload cannot be empty", ErrInvalidPayload)
	}
	ts := at.Unix()
	return SignatureHeaders{
		Signature: sign(secret, ts, payload),
		Timestamp: ts,
		ID:        uuid.NewString(),
	}, nil
}

// ExtractSignatureHeaders reads the signature headers from h.
func ExtractSignatureHeaders(h http.Header) (SignatureHeaders, error) {
	sig := SignatureHeaders{Signature: h.Get(HeaderSignature), ID: h.Get(HeaderID)}
	raw := h.Get(HeaderTimestamp)
	if sig.Signature == "" || raw == "" {
		return SignatureHeaders{}, ErrMissingSignature
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return SignatureHeaders{}, fmt.Errorf("%w: invalid timestamp", ErrMissingSignature)
	}
	sig.Timestamp = ts
	return sig, nil
}

// VerifySignature checks sig against payload. A zero tolerance disables the
// timestamp window check.
func VerifySignature(secret string, payload []byte, sig SignatureHeaders, tolerance time.Duration, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidConfiguration)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: payload cannot be empty", ErrInvalidPayload)
	}
	if sig.Signature == "" {
		return ErrMissingSignature
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(sig.Timestamp, 0))
		if age > tolerance || age < -tolerance {
			return fmt.Errorf("%w: age %v", ErrSignatureExpired, age)
		}
	}

	expected := sign(secret, sig.Timestamp, payload)
	if !hmac.Equal([]byte(expected), []byte(sig.Signature)) {
		return ErrInvalidSignature
	}
	return nil
}

func sign(secret string, ts int64, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	h.Write([]byte{'.'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
