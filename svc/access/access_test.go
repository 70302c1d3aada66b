package access_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/resumekit/pkg/environment"
	"github.com/dmitrymomot/resumekit/svc/access"
	"github.com/dmitrymomot/resumekit/svc/credits"
	"github.com/dmitrymomot/resumekit/svc/entitlement"
	"github.com/dmitrymomot/resumekit/svc/ledger"
	"github.com/dmitrymomot/resumekit/svc/plans"
)

var now = time.Date(2026, time.February, 3, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store   *ledger.MemoryStore
	credits *credits.Service
	facade  *access.Facade
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := func() time.Time { return now }
	catalog, err := plans.NewCatalog(plans.DefaultPlans(), plans.DefaultCosts())
	require.NoError(t, err)

	store := ledger.NewMemoryStore("free", ledger.WithMemoryClock(clock))
	svc := credits.NewService(store, catalog, credits.WithClock(clock))
	f, err := access.NewFacade(svc, environment.Development)
	require.NoError(t, err)
	return fixture{store: store, credits: svc, facade: f}
}

func (fx fixture) subscribe(t *testing.T, userID uuid.UUID, planID string, status ledger.Status) {
	t.Helper()
	require.NoError(t, fx.store.UpsertSubscription(context.Background(), ledger.SubscriptionUpdate{
		UserID: userID, PlanID: planID, Status: status,
		PeriodStart: now.AddDate(0, 0, -1), PeriodEnd: now.AddDate(0, 1, -1), UpdatedAt: now,
	}))
}

func TestRequireFeature(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("allowed debits", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t)
		userID := uuid.New()
		fx.subscribe(t, userID, "basic", ledger.StatusActive)

		res, err := fx.facade.RequireFeature(ctx, userID, plans.FeatureCoverLetter)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, int64(8), res.Remaining)
	})

	t.Run("denial is a typed error", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t)
		userID := uuid.New()

		res, err := fx.facade.RequireFeature(ctx, userID, plans.FeatureSalaryAnalysis)
		require.ErrorIs(t, err, access.ErrDenied)

		var denied *access.Denied
		require.ErrorAs(t, err, &denied)
		assert.Equal(t, entitlement.DeniedNoFeature, denied.Result.Reason)
		assert.Equal(t, res, denied.Result)
		assert.Contains(t, err.Error(), string(plans.FeatureSalaryAnalysis))
	})

	t.Run("canceled pro keeps free features only", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t)
		userID := uuid.New()
		fx.subscribe(t, userID, "pro", ledger.StatusCanceled)

		_, err := fx.facade.RequireFeature(ctx, userID, plans.FeatureLinkedInOptimization)
		var denied *access.Denied
		require.ErrorAs(t, err, &denied)
		assert.Equal(t, entitlement.DeniedSubscriptionInactive, denied.Result.Reason)

		res, err := fx.facade.RequireFeature(ctx, userID, plans.FeatureResumeGeneration)
		require.NoError(t, err)
		assert.Equal(t, entitlement.Allowed, res.Reason)
	})
}

func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("success keeps the debit", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t)
		userID := uuid.New()
		fx.subscribe(t, userID, "basic", ledger.StatusActive)

		out, res, err := access.Run(context.Background(), fx.facade, userID, plans.FeatureResumeGeneration,
			func(context.Context, credits.ConsumeResult) (string, error) { return "resume", nil })
		require.NoError(t, err)
		assert.Equal(t, "resume", out)
		assert.Equal(t, int64(9), res.Remaining)
	})

	t.Run("failure refunds even when the request is cancelled", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t)
		userID := uuid.New()
		fx.subscribe(t, userID, "basic", ledger.StatusActive)

		ctx, cancel := context.WithCancel(context.Background())
		boom := errors.New("llm timeout")
		_, res, err := access.Run(ctx, fx.facade, userID, plans.FeatureCoverLetter,
			func(context.Context, credits.ConsumeResult) (string, error) {
				cancel()
				return "", boom
			})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, int64(10), res.Remaining)

		bal, err := fx.credits.Balance(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, int64(10), bal.Remaining)
		assert.Zero(t, bal.Used)
	})

	t.Run("denied never runs fn", func(t *testing.T) {
		t.Parallel()
		fx := newFixture(t)
		called := false
		_, _, err := access.Run(context.Background(), fx.facade, uuid.New(), plans.FeatureSalaryAnalysis,
			func(context.Context, credits.ConsumeResult) (int, error) { called = true; return 0, nil })
		require.ErrorIs(t, err, access.ErrDenied)
		assert.False(t, called)
	})
}

type mockConsumer struct {
	mock.Mock
}

func (m *mockConsumer) Consume(ctx context.Context, userID uuid.UUID, feature plans.Feature) (credits.ConsumeResult, error) {
	args := m.Called(ctx, userID, feature)
	return args.Get(0).(credits.ConsumeResult), args.Error(1)
}

func (m *mockConsumer) RefundResult(ctx context.Context, res credits.ConsumeResult, reason string) error {
	args := m.Called(ctx, res, reason)
	return args.Error(0)
}

func TestRun_RefundFailure(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	debit := credits.ConsumeResult{
		Success: true, Reason: entitlement.Allowed, UserID: userID,
		Feature: plans.FeatureResumeGeneration, Required: 1, Remaining: 2, EventID: uuid.New(),
	}
	m := &mockConsumer{}
	m.On("Consume", mock.Anything, userID, plans.FeatureResumeGeneration).Return(debit, nil)
	m.On("RefundResult", mock.Anything, debit, mock.AnythingOfType("string")).Return(ledger.ErrStorageUnavailable)

	f, err := access.NewFacade(m, environment.Development)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, _, err = access.Run(context.Background(), f, userID, plans.FeatureResumeGeneration,
		func(context.Context, credits.ConsumeResult) (string, error) { return "", boom })
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, access.ErrRefundFailed)
	m.AssertExpectations(t)
}

func TestRequireFeature_StorageErrorsDeny(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	m := &mockConsumer{}
	m.On("Consume", mock.Anything, userID, plans.FeatureResumeGeneration).
		Return(credits.ConsumeResult{}, ledger.ErrStorageUnavailable)

	f, err := access.NewFacade(m, environment.Production)
	require.NoError(t, err)

	res, err := f.RequireFeature(context.Background(), userID, plans.FeatureResumeGeneration)
	assert.ErrorIs(t, err, ledger.ErrStorageUnavailable)
	assert.False(t, res.Success)
}

func TestBypass(t *testing.T) {
	t.Parallel()

	t.Run("rejected in production", func(t *testing.T) {
		t.Parallel()
		_, err := access.NewFacade(&mockConsumer{}, environment.Production, access.WithBypass(true))
		assert.ErrorIs(t, err, access.ErrBypassInProduction)
		assert.ErrorIs(t, access.Config{Bypass: true}.Validate(environment.Production), access.ErrBypassInProduction)
		assert.NoError(t, access.Config{Bypass: false}.Validate(environment.Production))
	})

	t.Run("development skips the ledger", func(t *testing.T) {
		t.Parallel()
		m := &mockConsumer{}
		f, err := access.NewFacade(m, environment.Development, access.WithBypass(true))
		require.NoError(t, err)

		res, err := f.RequireFeature(context.Background(), uuid.New(), plans.FeatureSalaryAnalysis)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.True(t, res.Bypassed)
		assert.NotEqual(t, uuid.Nil, res.EventID, "grant carries a traceable id")
		assert.False(t, res.Debited())
		m.AssertNotCalled(t, "Consume", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("failed work refunds nothing", func(t *testing.T) {
		t.Parallel()
		m := &mockConsumer{}
		f, err := access.NewFacade(m, environment.Development, access.WithBypass(true))
		require.NoError(t, err)

		boom := errors.New("upstream down")
		var seen uuid.UUID
		_, res, err := access.Run(context.Background(), f, uuid.New(), plans.FeatureCoverLetter,
			func(_ context.Context, res credits.ConsumeResult) (string, error) {
				seen = res.EventID
				return "", boom
			})
		require.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, access.ErrRefundFailed)
		assert.Equal(t, res.EventID, seen)
		assert.NotEqual(t, uuid.Nil, seen)
		m.AssertNotCalled(t, "RefundResult", mock.Anything, mock.Anything, mock.Anything)
	})
}
