package billing

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// Provider verifies and decodes one payment processor's webhooks.
// ParseWebhook must return ErrInvalidSignature, and nothing else, when the
// delivery cannot be authenticated.
type Provider interface {
	Name() string
	ParseWebhook(ctx context.Context, payload []byte, header http.Header) (*Event, error)
}

const (
	ProviderHMAC   = "hmac"
	ProviderPaddle = "paddle"
	ProviderStripe = "stripe"
)

// Config selects and configures the webhook providers. Providers without a
// secret are not registered.
type Config struct {
	// Provider answers POST /webhooks/payment.
	Provider string `env:"BILLING_PROVIDER" envDefault:"stripe"`
	HMAC     HMACConfig
	Paddle   PaddleConfig
	Stripe   StripeConfig
}

// ProviderName is the configured default provider in the form providers register under.
func (c Config) ProviderName() string {
	return normalizeProvider(c.Provider)
}

func (c Config) Validate() error {
	switch c.ProviderName() {
	case ProviderHMAC:
		if c.HMAC.Secret == "" {
			return fmt.Errorf("%w: BILLING_WEBHOOK_SECRET is required for provider %q", ErrInvalidConfig, c.Provider)
		}
	case ProviderPaddle:
		if c.Paddle.WebhookSecret == "" {
			return fmt.Errorf("%w: PADDLE_WEBHOOK_SECRET is required for provider %q", ErrInvalidConfig, c.Provider)
		}
	case ProviderStripe:
		if c.Stripe.WebhookSecret == "" {
			return fmt.Errorf("%w: STRIPE_WEBHOOK_SECRET is required for provider %q", ErrInvalidConfig, c.Provider)
		}
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, c.Provider)
	}
	return nil
}

// Providers builds every provider that has a secret configured.
func (c Config) Providers() ([]Provider, error) {
	var out []Provider
	if c.HMAC.Secret != "" {
		p, err := NewHMACProvider(c.HMAC)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if c.Paddle.WebhookSecret != "" {
		p, err := NewPaddleProvider(c.Paddle)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if c.Stripe.WebhookSecret != "" {
		p, err := NewStripeProvider(c.Stripe)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func normalizeProvider(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
