package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"

	"github.com/dmitrymomot/resumekit/svc/ledger"
)

const paddleSignatureHeader = "Paddle-Signature"

type PaddleConfig struct {
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
}

// PaddleProvider verifies Paddle Billing notifications with the SDK
// verifier and maps subscription and transaction events.
type PaddleProvider struct {
	verifier *paddle.WebhookVerifier
}

func NewPaddleProvider(cfg PaddleConfig) (*PaddleProvider, error) {
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingSecret
	}
	return &PaddleProvider{verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret)}, nil
}

func (p *PaddleProvider) Name() string { return ProviderPaddle }

type paddleNotification struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       paddleEventData `json:"data"`
}

type paddlePeriod struct {
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

type paddleEventData struct {
	ID             string            `json:"id"`
	Status         string            `json:"status"`
	CustomerID     string            `json:"customer_id"`
	SubscriptionID string            `json:"subscription_id"`
	CustomData     map[string]any    `json:"custom_data"`
	Items          []paddleEventItem `json:"items"`
	// Subscriptions report current_billing_period, transactions billing_period.
	CurrentBillingPeriod *paddlePeriod `json:"current_billing_period"`
	BillingPeriod        *paddlePeriod `json:"billing_period"`
}

type paddleEventItem struct {
	PriceID string `json:"price_id"`
	Price   *struct {
		ID string `json:"id"`
	} `json:"price"`
}

func (p *PaddleProvider) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*Event, error) {
	if header.Get(paddleSignatureHeader) == "" {
		return nil, ErrInvalidSignature
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhooks/payment", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build verification request: %w", err)
	}
	req.Header.Set(paddleSignatureHeader, header.Get(paddleSignatureHeader))

	ok, err := p.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}
	if !ok {
		return nil, ErrInvalidSignature
	}

	var n paddleNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	ev := &Event{
		ID:           n.EventID,
		Type:         paddleEventType(n.EventType),
		ProviderType: n.EventType,
		OccurredAt:   n.OccurredAt,
		CustomerRef:  n.Data.CustomerID,
		Status:       paddleStatus(n.Data.Status),
	}
	if uid, ok := n.Data.CustomData["user_id"].(string); ok {
		ev.UserID = parseUserID(uid)
	}
	if email, ok := n.Data.CustomData["email"].(string); ok {
		ev.Email = email
	}

	switch {
	case n.Data.SubscriptionID != "":
		ev.SubscriptionRef = n.Data.SubscriptionID
	case strings.HasPrefix(n.EventType, "subscription."):
		ev.SubscriptionRef = n.Data.ID
	}

	if len(n.Data.Items) > 0 {
		item := n.Data.Items[0]
		ev.PriceID = item.PriceID
		if item.Price != nil && item.Price.ID != "" {
			ev.PriceID = item.Price.ID
		}
	}

	period := n.Data.CurrentBillingPeriod
	if period == nil {
		period = n.Data.BillingPeriod
	}
	if period != nil {
		ev.PeriodStart, ev.PeriodEnd = period.StartsAt, period.EndsAt
	}

	// Transaction statuses (completed, paid, billed) are not subscription statuses.
	if ev.Type == EventCheckoutCompleted || ev.Type == EventPaymentFailed || ev.Type == EventPaymentSucceeded {
		ev.Status = ""
	}

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func paddleEventType(t string) EventType {
	switch t {
	case "subscription.created", "subscription.activated":
		return EventSubscriptionCreated
	case "transaction.completed":
		return EventCheckoutCompleted
	case "subscription.updated", "subscription.resumed", "subscription.paused", "subscription.past_due":
		return EventSubscriptionUpdated
	case "subscription.canceled":
		return EventSubscriptionDeleted
	case "transaction.payment_failed":
		return EventPaymentFailed
	case "transaction.paid":
		return EventPaymentSucceeded
	}
	return EventIgnored
}

func paddleStatus(s string) ledger.Status {
	switch s {
	case "active", "trialing":
		return ledger.StatusActive
	case "past_due", "paused":
		return ledger.StatusPastDue
	case "canceled":
		return ledger.StatusCanceled
	}
	return ""
}
