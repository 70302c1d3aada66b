package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/dmitrymomot/resumekit/svc/ledger"
)

const stripeSignatureHeader = "Stripe-Signature"

type StripeConfig struct {
	WebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET"`
	Tolerance     time.Duration `env:"STRIPE_WEBHOOK_TOLERANCE" envDefault:"5m"`
}

// StripeProvider verifies Stripe webhooks and maps checkout, subscription
// and invoice events. The user id travels in subscription metadata
// ("user_id") or in the checkout session's client_reference_id.
type StripeProvider struct {
	secret    string
	tolerance time.Duration
}

func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = webhook.DefaultTolerance
	}
	return &StripeProvider{secret: cfg.WebhookSecret, tolerance: cfg.Tolerance}, nil
}

func (p *StripeProvider) Name() string { return ProviderStripe }

func (p *StripeProvider) ParseWebhook(_ context.Context, payload []byte, header http.Header) (*Event, error) {
	sig := header.Get(stripeSignatureHeader)
	if sig == "" {
		return nil, ErrInvalidSignature
	}
	se, err := webhook.ConstructEventWithOptions(payload, sig, p.secret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if errors.Is(err, webhook.ErrNotSigned) || errors.Is(err, webhook.ErrInvalidHeader) ||
			errors.Is(err, webhook.ErrNoValidSignature) || errors.Is(err, webhook.ErrTooOld) {
			return nil, errors.Join(ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if se.Data == nil {
		return nil, fmt.Errorf("%w: event has no data", ErrInvalidPayload)
	}

	ev := &Event{
		ID:           se.ID,
		Type:         stripeEventType(string(se.Type)),
		ProviderType: string(se.Type),
		OccurredAt:   time.Unix(se.Created, 0).UTC(),
	}

	switch ev.Type {
	case EventCheckoutCompleted:
		err = fillFromCheckoutSession(ev, se.Data.Raw)
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		err = fillFromSubscription(ev, se.Data.Raw)
	case EventPaymentFailed, EventPaymentSucceeded:
		err = fillFromInvoice(ev, se.Data.Raw)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

func fillFromCheckoutSession(ev *Event, raw json.RawMessage) error {
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(raw, &cs); err != nil {
		return err
	}
	ev.UserID = parseUserID(cs.ClientReferenceID)
	if ev.UserID == uuid.Nil {
		ev.UserID = parseUserID(cs.Metadata["user_id"])
	}
	if cs.Customer != nil {
		ev.CustomerRef = cs.Customer.ID
	}
	if cs.Subscription != nil {
		ev.SubscriptionRef = cs.Subscription.ID
	}
	ev.PriceID = cs.Metadata["price_id"]
	if cs.CustomerDetails != nil {
		ev.Email = cs.CustomerDetails.Email
	}
	return nil
}

func fillFromSubscription(ev *Event, raw json.RawMessage) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return err
	}
	ev.UserID = parseUserID(sub.Metadata["user_id"])
	ev.SubscriptionRef = sub.ID
	if sub.Customer != nil {
		ev.CustomerRef = sub.Customer.ID
		ev.Email = sub.Customer.Email
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		ev.PriceID = sub.Items.Data[0].Price.ID
	}
	if sub.CurrentPeriodStart > 0 && sub.CurrentPeriodEnd > 0 {
		ev.PeriodStart = time.Unix(sub.CurrentPeriodStart, 0).UTC()
		ev.PeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	ev.Status = stripeStatus(string(sub.Status))
	return nil
}

// stripeInvoice is decoded locally; only a handful of invoice fields matter.
type stripeInvoice struct {
	Customer            string `json:"customer"`
	CustomerEmail       string `json:"customer_email"`
	Subscription        string `json:"subscription"`
	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
			Price *struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"lines"`
}

func fillFromInvoice(ev *Event, raw json.RawMessage) error {
	var inv stripeInvoice
	if err := json.Unmarshal(raw, &inv); err != nil {
		return err
	}
	if inv.SubscriptionDetails != nil {
		ev.UserID = parseUserID(inv.SubscriptionDetails.Metadata["user_id"])
	}
	ev.CustomerRef = inv.Customer
	ev.SubscriptionRef = inv.Subscription
	ev.Email = inv.CustomerEmail
	if len(inv.Lines.Data) > 0 {
		line := inv.Lines.Data[0]
		if line.Price != nil {
			ev.PriceID = line.Price.ID
		}
		if line.Period.Start > 0 && line.Period.End > line.Period.Start {
			ev.PeriodStart = time.Unix(line.Period.Start, 0).UTC()
			ev.PeriodEnd = time.Unix(line.Period.End, 0).UTC()
		}
	}
	return nil
}

func stripeEventType(t string) EventType {
	switch t {
	case "checkout.session.completed":
		return EventCheckoutCompleted
	case "customer.subscription.created":
		return EventSubscriptionCreated
	case "customer.subscription.updated", "customer.subscription.resumed", "customer.subscription.paused":
		return EventSubscriptionUpdated
	case "customer.subscription.deleted":
		return EventSubscriptionDeleted
	case "invoice.payment_failed":
		return EventPaymentFailed
	case "invoice.paid", "invoice.payment_succeeded":
		return EventPaymentSucceeded
	}
	return EventIgnored
}

func stripeStatus(s string) ledger.Status {
	switch s {
	case "active", "trialing":
		return ledger.StatusActive
	case "past_due", "unpaid", "incomplete", "paused":
		return ledger.StatusPastDue
	case "canceled", "incomplete_expired":
		return ledger.StatusCanceled
	}
	return ""
}
