package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/dmitrymomot/resumekit/pkg/webhook"
	"github.com/dmitrymomot/resumekit/svc/ledger"
)

type HMACConfig struct {
	Secret    string        `env:"BILLING_WEBHOOK_SECRET"`
	Tolerance time.Duration `env:"BILLING_WEBHOOK_TOLERANCE" envDefault:"5m"`
}

// HMACProvider accepts events from an internal billing relay that signs
// deliveries with pkg/webhook. The body is already provider-neutral.
type HMACProvider struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

// HMACPayload is the wire format of relayed events.
type HMACPayload struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       struct {
		UserID          string    `json:"user_id"`
		CustomerRef     string    `json:"customer_ref"`
		SubscriptionRef string    `json:"subscription_ref"`
		PriceID         string    `json:"price_id"`
		Status          string    `json:"status"`
		PeriodStart     time.Time `json:"period_start"`
		PeriodEnd       time.Time `json:"period_end"`
		Email           string    `json:"email"`
	} `json:"data"`
}

func NewHMACProvider(cfg HMACConfig) (*HMACProvider, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}
	return &HMACProvider{secret: cfg.Secret, tolerance: cfg.Tolerance, now: time.Now}, nil
}

func (p *HMACProvider) Name() string { return ProviderHMAC }

func (p *HMACProvider) ParseWebhook(_ context.Context, payload []byte, header http.Header) (*Event, error) {
	sig, err := webhook.ExtractSignatureHeaders(header)
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}
	if err := webhook.VerifySignature(p.secret, payload, sig, p.tolerance, p.now()); err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}

	var in HMACPayload
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	ev := &Event{
		ID:              in.ID,
		Type:            hmacEventType(in.Type),
		ProviderType:    in.Type,
		OccurredAt:      in.OccurredAt,
		UserID:          parseUserID(in.Data.UserID),
		CustomerRef:     in.Data.CustomerRef,
		SubscriptionRef: in.Data.SubscriptionRef,
		PriceID:         in.Data.PriceID,
		PeriodStart:     in.Data.PeriodStart,
		PeriodEnd:       in.Data.PeriodEnd,
		Email:           in.Data.Email,
	}
	if s := ledger.Status(in.Data.Status); s.Valid() {
		ev.Status = s
	}
	if ev.ID == "" {
		ev.ID = sig.ID
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func hmacEventType(t string) EventType {
	switch t {
	case "subscription.created", string(EventSubscriptionCreated):
		return EventSubscriptionCreated
	case "checkout.completed", string(EventCheckoutCompleted):
		return EventCheckoutCompleted
	case "subscription.updated", string(EventSubscriptionUpdated):
		return EventSubscriptionUpdated
	case "subscription.deleted", string(EventSubscriptionDeleted):
		return EventSubscriptionDeleted
	case "payment.failed", string(EventPaymentFailed):
		return EventPaymentFailed
	case "payment.succeeded", string(EventPaymentSucceeded):
		return EventPaymentSucceeded
	}
	return EventIgnored
}
