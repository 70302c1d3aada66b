package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/resumekit/modules/api"
	"github.com/dmitrymomot/resumekit/pkg/authn"
	"github.com/dmitrymomot/resumekit/pkg/environment"
	"github.com/dmitrymomot/resumekit/pkg/ratelimiter"
	"github.com/dmitrymomot/resumekit/pkg/webhook"
	"github.com/dmitrymomot/resumekit/svc/access"
	"github.com/dmitrymomot/resumekit/svc/billing"
	"github.com/dmitrymomot/resumekit/svc/credits"
	"github.com/dmitrymomot/resumekit/svc/generator"
	"github.com/dmitrymomot/resumekit/svc/ledger"
	"github.com/dmitrymomot/resumekit/svc/plans"
)

const webhookSecret = "whsec_api_test"

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, req generator.Request) (generator.Result, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(generator.Result), args.Error(1)
}

// unavailableStore fails every read the way a lost database connection does.
type unavailableStore struct {
	ledger.Store
}

func (unavailableStore) GetSubscription(context.Context, uuid.UUID) (ledger.Subscription, error) {
	return ledger.Subscription{}, ledger.ErrStorageUnavailable
}

func (unavailableStore) WithinUserTx(context.Context, uuid.UUID, func(context.Context, ledger.Tx) error) error {
	return ledger.ErrStorageUnavailable
}

type server struct {
	http.Handler
	store    ledger.Store
	gen      *mockGenerator
	verifier *authn.Verifier
}

func newServer(t *testing.T, store ledger.Store, configure ...func(*api.Options)) *server {
	t.Helper()

	list := plans.DefaultPlans()
	for i := range list {
		if list[i].ID == "pro" {
			list[i].ProviderPriceIDs = []string{"price_pro_monthly"}
		}
	}
	catalog, err := plans.NewCatalog(list, plans.DefaultCosts())
	require.NoError(t, err)

	if store == nil {
		store = ledger.NewMemoryStore("free")
	}
	svc := credits.NewService(store, catalog, credits.WithRetryBackoff(0))
	facade, err := access.NewFacade(svc, environment.Development)
	require.NoError(t, err)

	verifier, err := authn.NewVerifier(authn.Config{Secret: "jwt-test-secret", Issuer: "resumekit", Audience: "resumekit-api"})
	require.NoError(t, err)

	relay, err := billing.NewHMACProvider(billing.HMACConfig{Secret: webhookSecret, Tolerance: time.Minute})
	require.NoError(t, err)
	sync := billing.NewSynchronizer(store, catalog, billing.WithProvider(relay))

	gen := &mockGenerator{}
	opts := api.Options{
		Access:          facade,
		Credits:         svc,
		Generator:       gen,
		Webhooks:        sync,
		Verifier:        verifier,
		DefaultProvider: billing.ProviderHMAC,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	h := api.Router(opts)
	return &server{Handler: h, store: store, gen: gen, verifier: verifier}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Meta  map[string]any  `json:"meta"`
	Error *struct {
		Code    string              `json:"code"`
		Message string              `json:"message"`
		Details map[string][]string `json:"details"`
	} `json:"error"`
}

func (s *server) do(t *testing.T, method, path string, userID uuid.UUID, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if userID != uuid.Nil {
		token, err := s.verifier.Issue(userID, time.Hour)
		require.NoError(t, err)
		r.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, r)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func (s *server) credits(t *testing.T, userID uuid.UUID) api.CreditsView {
	t.Helper()
	rec, env := s.do(t, http.MethodGet, "/api/credits", userID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view api.CreditsView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	return view
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestFeature_Unauthorized(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil)

	rec, env := s.do(t, http.MethodPost, "/api/generate-resume", uuid.Nil, `{"profile":"p"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "unauthorized", env.Error.Code)

	r := httptest.NewRequest(http.MethodGet, "/api/credits", nil)
	r.Header.Set("Authorization", "Bearer not-a-token")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	s.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestFeature_SuccessDebits(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil)
	userID := uuid.New()

	s.gen.On("Generate", mock.Anything, mock.MatchedBy(func(req generator.Request) bool {
		return req.UserID == userID && req.Feature == plans.FeatureResumeGeneration && req.ArtifactID != uuid.Nil
	})).Return(generator.Result{Content: "# Resume", ArtifactKey: "users/x/resume.md"}, nil).Once()

	rec, env := s.do(t, http.MethodPost, "/api/generate-resume", userID, `{"profile":"Go engineer"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	out := decodeData[api.FeatureResult](t, env)
	assert.Equal(t, "# Resume", out.Content)
	assert.Equal(t, "users/x/resume.md", out.ArtifactKey)
	assert.EqualValues(t, 2, env.Meta["creditsRemaining"])

	view := s.credits(t, userID)
	assert.Equal(t, "free", view.Plan)
	assert.EqualValues(t, 3, view.TotalCredits)
	assert.EqualValues(t, 1, view.UsedCredits)
	assert.EqualValues(t, 2, view.RemainingCredits)
	assert.False(t, view.PeriodEnd.IsZero())
	s.gen.AssertExpectations(t)
}

func TestFeature_PaymentRequired(t *testing.T) {
	t.Parallel()

	t.Run("feature not in plan", func(t *testing.T) {
		t.Parallel()
		s := newServer(t, nil)

		rec, env := s.do(t, http.MethodPost, "/api/salary-analysis", uuid.New(), `{"role":"SRE"}`)
		require.Equal(t, http.StatusPaymentRequired, rec.Code)
		require.NotNil(t, env.Error)
		assert.Equal(t, "feature_not_in_plan", env.Error.Code)

		data := decodeData[api.PaymentRequired](t, env)
		assert.Equal(t, api.PaymentRequired{Remaining: 3, Required: 2, Plan: "free", UpgradeURL: "/pricing"}, data)
		s.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	})

	t.Run("insufficient credits", func(t *testing.T) {
		t.Parallel()
		s := newServer(t, nil)
		userID := uuid.New()
		s.gen.On("Generate", mock.Anything, mock.Anything).Return(generator.Result{Content: "ok"}, nil).Times(3)

		for range 3 {
			rec, _ := s.do(t, http.MethodPost, "/api/generate-resume", userID, `{"profile":"p"}`)
			require.Equal(t, http.StatusOK, rec.Code)
		}

		rec, env := s.do(t, http.MethodPost, "/api/generate-resume", userID, `{"profile":"p"}`)
		require.Equal(t, http.StatusPaymentRequired, rec.Code)
		assert.Equal(t, "insufficient_credits", env.Error.Code)
		data := decodeData[api.PaymentRequired](t, env)
		assert.EqualValues(t, 0, data.Remaining)
		assert.EqualValues(t, 1, data.Required)
		s.gen.AssertNumberOfCalls(t, "Generate", 3)
	})
}

func TestFeature_GenerationFailureRefunds(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil)
	userID := uuid.New()
	s.gen.On("Generate", mock.Anything, mock.Anything).
		Return(generator.Result{}, errors.Join(generator.ErrGenerationFailed, errors.New("upstream 503"))).Once()

	rec, env := s.do(t, http.MethodPost, "/api/generate-resume", userID, `{"profile":"p"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "generation_failed", env.Error.Code)
	assert.NotContains(t, rec.Body.String(), "upstream 503")

	view := s.credits(t, userID)
	assert.EqualValues(t, 0, view.UsedCredits)
	assert.EqualValues(t, 3, view.RemainingCredits)

	rec, env = s.do(t, http.MethodGet, "/api/credits/history", userID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeData[[]api.UsageView](t, env)
	require.Len(t, history, 2)
	assert.Equal(t, "debit", history[0].Kind)
	assert.Equal(t, "refund", history[1].Kind)
	require.NotNil(t, history[1].RefundOf)
	assert.Equal(t, history[0].ID, *history[1].RefundOf)
}

func TestFeature_InvalidInputSpendsNothing(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil)
	userID := uuid.New()

	rec, env := s.do(t, http.MethodPost, "/api/generate-resume", userID, `{"notes":"no profile"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "validation_error", env.Error.Code)
	assert.Equal(t, []string{"is required"}, env.Error.Details["profile"])

	rec, env = s.do(t, http.MethodPost, "/api/generate-resume", userID, `{"profile":"p","admin":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", env.Error.Code)

	assert.EqualValues(t, 0, s.credits(t, userID).UsedCredits)
	s.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestFeature_StorageUnavailableNeverGrants(t *testing.T) {
	t.Parallel()

	s := newServer(t, unavailableStore{Store: ledger.NewMemoryStore("free")})
	userID := uuid.New()

	rec, env := s.do(t, http.MethodPost, "/api/generate-resume", userID, `{"profile":"p"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "try_again", env.Error.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.NotContains(t, rec.Body.String(), "ledger")

	rec, env = s.do(t, http.MethodGet, "/api/credits", userID, "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "try_again", env.Error.Code)

	s.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestPlans_Public(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil)
	rec, env := s.do(t, http.MethodGet, "/api/plans", uuid.Nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	view := decodeData[api.CatalogView](t, env)
	require.Len(t, view.Plans, 4)
	assert.EqualValues(t, 4, view.Costs[plans.FeatureLinkedInOptimization])
	assert.NotContains(t, rec.Body.String(), "price_pro_monthly")
}

func signedEvent(t *testing.T, id, typ string, userID uuid.UUID) (string, http.Header) {
	t.Helper()
	now := time.Now().UTC()
	body, err := json.Marshal(map[string]any{
		"id":          id,
		"type":        typ,
		"occurred_at": now,
		"data": map[string]any{
			"user_id":          userID.String(),
			"customer_ref":     "cus_1",
			"subscription_ref": "sub_1",
			"price_id":         "price_pro_monthly",
			"period_start":     now.Add(-time.Hour),
			"period_end":       now.AddDate(0, 1, 0),
		},
	})
	require.NoError(t, err)
	sig, err := webhook.SignPayload(webhookSecret, body, now)
	require.NoError(t, err)
	h := http.Header{}
	sig.Apply(h)
	return string(body), h
}

func (s *server) deliver(t *testing.T, path, body string, h http.Header) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for k, v := range h {
		r.Header[k] = v
	}
	r.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, r)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestWebhook_UpgradeUnlocksFeature(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil)
	userID := uuid.New()
	body, h := signedEvent(t, "evt_up_1", "subscription.created", userID)

	rec, env := s.deliver(t, "/webhooks/payment", body, h)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, api.WebhookAck{Received: true}, decodeData[api.WebhookAck](t, env))

	// Replays are acknowledged without changing anything.
	rec, _ = s.deliver(t, "/webhooks/payment/"+billing.ProviderHMAC, body, h)
	require.Equal(t, http.StatusOK, rec.Code)

	view := s.credits(t, userID)
	assert.Equal(t, "pro", view.Plan)
	assert.EqualValues(t, 100, view.RemainingCredits)

	s.gen.On("Generate", mock.Anything, mock.Anything).Return(generator.Result{Content: "analysis"}, nil).Once()
	rec, env = s.do(t, http.MethodPost, "/api/salary-analysis", userID, `{"role":"SRE","location":"Berlin"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 98, env.Meta["creditsRemaining"])
}

func TestWebhook_Rejections(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil)
	userID := uuid.New()
	body, h := signedEvent(t, "evt_bad_1", "subscription.created", userID)

	tampered := strings.Replace(body, "price_pro_monthly", "price_free_hack", 1)
	rec, env := s.deliver(t, "/webhooks/payment", tampered, h)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_signature", env.Error.Code)

	rec, env = s.deliver(t, "/webhooks/payment", body, http.Header{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_signature", env.Error.Code)

	rec, env = s.deliver(t, "/webhooks/payment/paypal", body, h)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "unknown_provider", env.Error.Code)

	assert.Equal(t, "free", s.credits(t, userID).Plan)

	orphan, oh := signedEvent(t, "evt_orphan", "subscription.deleted", uuid.Nil)
	rec, _ = s.deliver(t, "/webhooks/payment", orphan, oh)
	assert.Equal(t, http.StatusInternalServerError, rec.Code, "unmatched cancellation must be redelivered")
}

func TestOperationalRoutes(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil)

	rec, _ := s.do(t, http.MethodGet, "/health/live", uuid.Nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env := s.do(t, http.MethodGet, "/nope", uuid.Nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", env.Error.Code)

	rec, _ = s.do(t, http.MethodGet, "/api/generate-resume", uuid.New(), "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func newLimiter(t *testing.T, capacity int) *ratelimiter.Limiter {
	t.Helper()
	store := ratelimiter.NewMemoryStore()
	t.Cleanup(store.Close)
	l, err := ratelimiter.New(store, ratelimiter.Config{Capacity: capacity, RefillRate: 1, RefillInterval: time.Hour})
	require.NoError(t, err)
	return l
}

func TestFeature_RateLimitedPerUser(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil, func(o *api.Options) {
		o.FeatureLimiter = newLimiter(t, 2)
	})
	userID := uuid.New()

	for range 2 {
		rec, _ := s.do(t, http.MethodPost, "/api/generate-resume", userID, `{"notes":"no profile"}`)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec, env := s.do(t, http.MethodPost, "/api/generate-resume", userID, `{"profile":"p"}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", env.Error.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Reads and other users are not throttled.
	assert.EqualValues(t, 0, s.credits(t, userID).UsedCredits)
	rec, _ = s.do(t, http.MethodPost, "/api/generate-resume", uuid.New(), `{"notes":"no profile"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	s.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestWebhook_RateLimitedPerClient(t *testing.T) {
	t.Parallel()

	s := newServer(t, nil, func(o *api.Options) {
		o.WebhookLimiter = newLimiter(t, 1)
	})
	body, h := signedEvent(t, "evt_rl_1", "subscription.created", uuid.New())

	rec, _ := s.deliver(t, "/webhooks/payment", body, h)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := s.deliver(t, "/webhooks/payment", body, h)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", env.Error.Code)
}
