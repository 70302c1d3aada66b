package webhook_test

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/resumekit/pkg/webhook"
)

const secret = "whsec_test"

var at = time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)

func TestSignAndVerify(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"event_id":"evt_1","event_type":"subscription_created"}`)
	sig, err := webhook.SignPayload(secret, payload, at)
	require.NoError(t, err)
	assert.Len(t, sig.Signature, 64)
	assert.NotEmpty(t, sig.ID)

	h := http.Header{}
	sig.Apply(h)
	parsed, err := webhook.ExtractSignatureHeaders(h)
	require.NoError(t, err)
	assert.Equal(t, sig, parsed)

	tests := []struct {
		name    string
		secret  string
		payload []byte
		now     time.Time
		wantErr error
	}{
		{"valid", secret, payload, at.Add(time.Minute), nil},
		{"tampered body", secret, []byte(`{"event_id":"evt_2"}`), at, webhook.ErrInvalidSignature},
		{"wrong secret", "other", payload, at, webhook.ErrInvalidSignature},
		{"stale", secret, payload, at.Add(10 * time.Minute), webhook.ErrSignatureExpired},
		{"future", secret, payload, at.Add(-10 * time.Minute), webhook.ErrSignatureExpired},
		{"empty payload", secret, nil, at, webhook.ErrInvalidPayload},
		{"no secret", "", payload, at, webhook.ErrInvalidConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := webhook.VerifySignature(tt.secret, tt.payload, parsed, webhook.DefaultTolerance, tt.now)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	assert.NoError(t, webhook.VerifySignature(secret, payload, parsed, 0, at.AddDate(1, 0, 0)))
}

func TestExtractSignatureHeaders_Missing(t *testing.T) {
	t.Parallel()

	_, err := webhook.ExtractSignatureHeaders(http.Header{})
	assert.ErrorIs(t, err, webhook.ErrMissingSignature)

	h := http.Header{}
	h.Set(webhook.HeaderSignature, "abc")
	h.Set(webhook.HeaderTimestamp, "yesterday")
	_, err = webhook.ExtractSignatureHeaders(h)
	assert.ErrorIs(t, err, webhook.ErrMissingSignature)
}

func TestSignPayload_Invalid(t *testing.T) {
	t.Parallel()

	_, err := webhook.SignPayload("", []byte("x"), at)
	assert.ErrorIs(t, err, webhook.ErrInvalidConfiguration)
	_, err = webhook.SignPayload(secret, nil, at)
	assert.ErrorIs(t, err, webhook.ErrInvalidPayload)
}
