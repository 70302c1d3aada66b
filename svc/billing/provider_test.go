package billing_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/dmitrymomot/resumekit/svc/billing"
	"github.com/dmitrymomot/resumekit/svc/credits"
	"github.com/dmitrymomot/resumekit/svc/entitlement"
	"github.com/dmitrymomot/resumekit/svc/ledger"
	"github.com/dmitrymomot/resumekit/svc/plans"
)

const stripeSecret = "whsec_stripe_test"

func stripeHeader(t *testing.T, payload []byte, secret string, at time.Time) http.Header {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	})
	h := http.Header{}
	h.Set("Stripe-Signature", signed.Header)
	return h
}

func TestStripeProvider_Subscription(t *testing.T) {
	t.Parallel()

	p, err := billing.NewStripeProvider(billing.StripeConfig{WebhookSecret: stripeSecret})
	require.NoError(t, err)

	userID := uuid.New()
	start := time.Now().Add(-time.Hour).Unix()
	end := time.Now().AddDate(0, 1, 0).Unix()
	payload := fmt.Appendf(nil, `{
		"id": "evt_1",
		"object": "event",
		"api_version": "2020-08-27",
		"created": %d,
		"type": "customer.subscription.updated",
		"data": {"object": {
			"id": "sub_1",
			"object": "subscription",
			"customer": "cus_1",
			"status": "past_due",
			"current_period_start": %d,
			"current_period_end": %d,
			"metadata": {"user_id": %q},
			"items": {"object": "list", "data": [{"id": "si_1", "object": "subscription_item", "price": {"id": "price_pro_monthly", "object": "price"}}]}
		}}
	}`, time.Now().Unix(), start, end, userID.String())

	ev, err := p.ParseWebhook(context.Background(), payload, stripeHeader(t, payload, stripeSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.ID)
	assert.Equal(t, billing.EventSubscriptionUpdated, ev.Type)
	assert.Equal(t, userID, ev.UserID)
	assert.Equal(t, "cus_1", ev.CustomerRef)
	assert.Equal(t, "sub_1", ev.SubscriptionRef)
	assert.Equal(t, "price_pro_monthly", ev.PriceID)
	assert.Equal(t, ledger.StatusPastDue, ev.Status)
	assert.Equal(t, start, ev.PeriodStart.Unix())
	assert.Equal(t, end, ev.PeriodEnd.Unix())
}

func TestStripeProvider_CheckoutAndInvoice(t *testing.T) {
	t.Parallel()

	p, err := billing.NewStripeProvider(billing.StripeConfig{WebhookSecret: stripeSecret})
	require.NoError(t, err)
	userID := uuid.New()

	checkout := fmt.Appendf(nil, `{"id":"evt_cs","object":"event","created":%d,"type":"checkout.session.completed",
		"data":{"object":{"id":"cs_1","object":"checkout.session","client_reference_id":%q,
		"customer":"cus_9","subscription":"sub_9","metadata":{"price_id":"price_basic_monthly"}}}}`,
		time.Now().Unix(), userID.String())
	ev, err := p.ParseWebhook(context.Background(), checkout, stripeHeader(t, checkout, stripeSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, billing.EventCheckoutCompleted, ev.Type)
	assert.Equal(t, userID, ev.UserID)
	assert.Equal(t, "sub_9", ev.SubscriptionRef)
	assert.Equal(t, "price_basic_monthly", ev.PriceID)

	invoice := fmt.Appendf(nil, `{"id":"evt_in","object":"event","created":%d,"type":"invoice.payment_failed",
		"data":{"object":{"id":"in_1","object":"invoice","customer":"cus_9","customer_email":"a@b.co",
		"subscription":"sub_9","subscription_details":{"metadata":{"user_id":%q}}}}}`,
		time.Now().Unix(), userID.String())
	ev, err = p.ParseWebhook(context.Background(), invoice, stripeHeader(t, invoice, stripeSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, billing.EventPaymentFailed, ev.Type)
	assert.Equal(t, userID, ev.UserID)
	assert.Equal(t, "a@b.co", ev.Email)
}

func TestStripeProvider_LaterEventsFollowCheckoutReference(t *testing.T) {
	t.Parallel()

	p, err := billing.NewStripeProvider(billing.StripeConfig{WebhookSecret: stripeSecret})
	require.NoError(t, err)
	store := ledger.NewMemoryStore("free", ledger.WithMemoryClock(clock))
	catalog := testCatalog(t)
	sync := billing.NewSynchronizer(store, catalog, billing.WithProvider(p), billing.WithClock(clock))
	ctx := context.Background()
	userID := uuid.New()

	deliver := func(payload []byte) error {
		return sync.HandleWebhook(ctx, "Stripe", payload, stripeHeader(t, payload, stripeSecret, time.Now()))
	}

	checkout := fmt.Appendf(nil, `{"id":"evt_cs","object":"event","created":%d,"type":"checkout.session.completed",
		"data":{"object":{"id":"cs_1","object":"checkout.session","client_reference_id":%q,
		"customer":"cus_9","subscription":"sub_9","metadata":{"price_id":"price_pro_monthly"}}}}`,
		now.Add(-time.Hour).Unix(), userID.String())
	require.NoError(t, deliver(checkout))

	sub, err := store.GetSubscription(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, "pro", sub.PlanID)
	require.Equal(t, ledger.StatusActive, sub.Status)
	require.Equal(t, "sub_9", sub.ExternalSubscriptionRef)

	unknown := fmt.Appendf(nil, `{"id":"evt_other","object":"event","created":%d,"type":"customer.subscription.deleted",
		"data":{"object":{"id":"sub_404","object":"subscription","customer":"cus_404","status":"canceled","metadata":{}}}}`,
		now.Unix())
	assert.ErrorIs(t, deliver(unknown), billing.ErrUnknownSubscriber)

	deleted := fmt.Appendf(nil, `{"id":"evt_del","object":"event","created":%d,"type":"customer.subscription.deleted",
		"data":{"object":{"id":"sub_9","object":"subscription","customer":"cus_9","status":"canceled","metadata":{}}}}`,
		now.Unix())
	require.NoError(t, deliver(deleted))

	sub, err = store.GetSubscription(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCanceled, sub.Status)

	svc := credits.NewService(store, catalog, credits.WithClock(clock))
	res, err := svc.Consume(ctx, userID, plans.FeatureSalaryAnalysis)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, entitlement.DeniedSubscriptionInactive, res.Reason)
}

func TestStripeProvider_RejectsBadSignature(t *testing.T) {
	t.Parallel()

	p, err := billing.NewStripeProvider(billing.StripeConfig{WebhookSecret: stripeSecret})
	require.NoError(t, err)
	payload := []byte(`{"id":"evt_1","object":"event","type":"customer.subscription.deleted","data":{"object":{}}}`)

	_, err = p.ParseWebhook(context.Background(), payload, stripeHeader(t, payload, "whsec_other", time.Now()))
	assert.ErrorIs(t, err, billing.ErrInvalidSignature)

	_, err = p.ParseWebhook(context.Background(), payload, stripeHeader(t, payload, stripeSecret, time.Now().Add(-time.Hour)))
	assert.ErrorIs(t, err, billing.ErrInvalidSignature)

	_, err = p.ParseWebhook(context.Background(), payload, http.Header{})
	assert.ErrorIs(t, err, billing.ErrInvalidSignature)
}

func paddleHeader(secret string, payload []byte, at time.Time) http.Header {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + ":"))
	mac.Write(payload)
	h := http.Header{}
	h.Set("Paddle-Signature", "ts="+ts+";h1="+hex.EncodeToString(mac.Sum(nil)))
	return h
}

func TestPaddleProvider(t *testing.T) {
	t.Parallel()

	const paddleSecret = "pdl_ntfset_test"
	p, err := billing.NewPaddleProvider(billing.PaddleConfig{WebhookSecret: paddleSecret})
	require.NoError(t, err)
	userID := uuid.New()

	payload := fmt.Appendf(nil, `{
		"event_id": "evt_01h",
		"event_type": "subscription.created",
		"occurred_at": "2026-05-20T09:00:00Z",
		"data": {
			"id": "sub_01h",
			"status": "active",
			"customer_id": "ctm_01h",
			"custom_data": {"user_id": %q},
			"items": [{"price": {"id": "pri_pro_monthly"}}],
			"current_billing_period": {"starts_at": "2026-05-20T09:00:00Z", "ends_at": "2026-06-20T09:00:00Z"}
		}
	}`, userID.String())

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		ev, err := p.ParseWebhook(context.Background(), payload, paddleHeader(paddleSecret, payload, time.Now()))
		require.NoError(t, err)
		assert.Equal(t, "evt_01h", ev.ID)
		assert.Equal(t, billing.EventSubscriptionCreated, ev.Type)
		assert.Equal(t, userID, ev.UserID)
		assert.Equal(t, "sub_01h", ev.SubscriptionRef)
		assert.Equal(t, "ctm_01h", ev.CustomerRef)
		assert.Equal(t, "pri_pro_monthly", ev.PriceID)
		assert.Equal(t, ledger.StatusActive, ev.Status)
		assert.True(t, ev.HasPeriod())
	})

	t.Run("wrong secret", func(t *testing.T) {
		t.Parallel()
		_, err := p.ParseWebhook(context.Background(), payload, paddleHeader("other", payload, time.Now()))
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)
	})

	t.Run("missing header", func(t *testing.T) {
		t.Parallel()
		_, err := p.ParseWebhook(context.Background(), payload, http.Header{})
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)
	})
}

func TestNewProviders_RequireSecret(t *testing.T) {
	t.Parallel()

	_, err := billing.NewHMACProvider(billing.HMACConfig{})
	assert.ErrorIs(t, err, billing.ErrMissingSecret)
	_, err = billing.NewPaddleProvider(billing.PaddleConfig{})
	assert.ErrorIs(t, err, billing.ErrMissingSecret)
	_, err = billing.NewStripeProvider(billing.StripeConfig{})
	assert.ErrorIs(t, err, billing.ErrMissingSecret)
}
