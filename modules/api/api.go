package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/dmitrymomot/resumekit/binder"
	"github.com/dmitrymomot/resumekit/handler"
	"github.com/dmitrymomot/resumekit/pkg/authn"
	"github.com/dmitrymomot/resumekit/pkg/clientip"
	"github.com/dmitrymomot/resumekit/pkg/httpserver"
	"github.com/dmitrymomot/resumekit/pkg/logger"
	"github.com/dmitrymomot/resumekit/pkg/ratelimiter"
	"github.com/dmitrymomot/resumekit/pkg/requestid"
	"github.com/dmitrymomot/resumekit/svc/access"
	"github.com/dmitrymomot/resumekit/svc/credits"
	"github.com/dmitrymomot/resumekit/svc/generator"
	"github.com/dmitrymomot/resumekit/svc/ledger"
	"github.com/dmitrymomot/resumekit/svc/plans"
)

// Generator produces the document of a metered feature.
type Generator interface {
	Generate(ctx context.Context, req generator.Request) (generator.Result, error)
}

// CreditReader is the read side of the credit service.
type CreditReader interface {
	Balance(ctx context.Context, userID uuid.UUID) (credits.Balance, error)
	History(ctx context.Context, userID uuid.UUID) ([]ledger.UsageEvent, ledger.Period, error)
	Catalog() *plans.Catalog
}

// WebhookHandler verifies and applies payment provider callbacks.
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, provider string, payload []byte, header http.Header) error
	HasProvider(name string) bool
}

// Options wires the module. Access, Credits and Verifier are required;
// without Generator the feature endpoints answer 503 after refunding, and
// without Webhooks the webhook routes are not mounted.
type Options struct {
	Access    *access.Facade
	Credits   CreditReader
	Generator Generator
	Webhooks  WebhookHandler
	Verifier  *authn.Verifier

	// DefaultProvider serves POST /webhooks/payment.
	DefaultProvider string
	// UpgradeURL is returned with every 402.
	UpgradeURL string
	// MaxBodySize caps feature and webhook request bodies.
	MaxBodySize int64

	// FeatureLimiter throttles feature calls per user, WebhookLimiter
	// throttles webhook deliveries per client address. Both are optional.
	FeatureLimiter *ratelimiter.Limiter
	WebhookLimiter *ratelimiter.Limiter
	ClientIP       *clientip.Resolver

	Metrics   http.Handler
	Readiness http.Handler
	Logger    *slog.Logger
}

// Endpoint binds a route to a metered feature.
type Endpoint struct {
	Path    string
	Feature plans.Feature
}

// Endpoints lists the metered feature routes under /api.
var Endpoints = []Endpoint{
	{Path: "/generate-resume", Feature: plans.FeatureResumeGeneration},
	{Path: "/cover-letter", Feature: plans.FeatureCoverLetter},
	{Path: "/linkedin-optimize", Feature: plans.FeatureLinkedInOptimization},
	{Path: "/salary-analysis", Feature: plans.FeatureSalaryAnalysis},
	{Path: "/ai-suggestions", Feature: plans.FeatureAISuggestions},
}

// API holds the handlers of the module.
type API struct {
	access     *access.Facade
	credits    CreditReader
	gen        Generator
	webhooks   WebhookHandler
	provider   string
	upgradeURL string
	maxBody    int64
	log        *slog.Logger
}

func newAPI(opts Options) *API {
	if opts.Access == nil || opts.Credits == nil || opts.Verifier == nil {
		panic("api: access facade, credit reader and token verifier are required")
	}
	a := &API{
		access:     opts.Access,
		credits:    opts.Credits,
		gen:        opts.Generator,
		webhooks:   opts.Webhooks,
		provider:   opts.DefaultProvider,
		upgradeURL: opts.UpgradeURL,
		maxBody:    opts.MaxBodySize,
		log:        opts.Logger,
	}
	if a.upgradeURL == "" {
		a.upgradeURL = "/pricing"
	}
	if a.maxBody <= 0 {
		a.maxBody = binder.DefaultMaxBodySize
	}
	if a.log == nil {
		a.log = slog.New(slog.DiscardHandler)
	}
	return a
}

// Router builds the HTTP handler of the service.
func Router(opts Options) http.Handler {
	a := newAPI(opts)

	ips := opts.ClientIP
	if ips == nil {
		ips = clientip.New(clientip.Config{})
	}

	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(ips.Middleware)
	r.Use(middleware.Recoverer)
	r.NotFound(a.notFound)
	r.MethodNotAllowed(a.methodNotAllowed)

	r.Get("/health/live", httpserver.Liveness)
	if opts.Readiness != nil {
		r.Method(http.MethodGet, "/health/ready", opts.Readiness)
	}
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	if a.webhooks != nil {
		r.Route("/webhooks/payment", func(r chi.Router) {
			if opts.WebhookLimiter != nil {
				r.Use(ratelimiter.Middleware(opts.WebhookLimiter, clientKey, a.rateLimited))
			}
			r.Post("/", a.webhook(func(*http.Request) string { return a.provider }))
			r.Post("/{provider}", a.webhook(func(r *http.Request) string { return chi.URLParam(r, "provider") }))
		})
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/plans", a.listPlans())

		r.Group(func(r chi.Router) {
			r.Use(authn.Middleware(opts.Verifier, a.unauthorized))
			r.Get("/credits", a.balance())
			r.Get("/credits/history", a.history())

			r.Group(func(r chi.Router) {
				if opts.FeatureLimiter != nil {
					r.Use(ratelimiter.Middleware(opts.FeatureLimiter, userKey, a.rateLimited))
				}
				for _, ep := range Endpoints {
					r.Post(ep.Path, a.feature(ep.Feature))
				}
			})
		})
	})

	return r
}

func (a *API) unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	a.log.DebugContext(r.Context(), "request unauthenticated", slog.String("path", r.URL.Path), slog.String("reason", err.Error()))
	a.render(w, r, handler.JSONError(handler.ErrUnauthorized.WithMessage("authentication required")))
}

func (a *API) rateLimited(w http.ResponseWriter, r *http.Request, res ratelimiter.Result, err error) {
	if err != nil {
		a.log.ErrorContext(r.Context(), "rate limit check failed", slog.String("path", r.URL.Path), logger.Error(err))
		a.render(w, r, handler.JSONError(ErrTryAgain, handler.WithHeader("Retry-After", retryAfter)))
		return
	}
	a.log.InfoContext(r.Context(), "rate limited", slog.String("path", r.URL.Path), slog.Int("limit", res.Limit))
	a.render(w, r, handler.JSONError(handler.ErrTooManyRequests.WithMessage("too many requests, slow down")))
}

func userKey(r *http.Request) string {
	if id, ok := authn.UserIDFromContext(r.Context()); ok {
		return "user:" + id.String()
	}
	return ""
}

func clientKey(r *http.Request) string {
	if ip := clientip.FromContext(r.Context()); ip != "" {
		return "ip:" + ip
	}
	return ""
}

func (a *API) notFound(w http.ResponseWriter, r *http.Request) {
	a.render(w, r, handler.JSONError(handler.ErrNotFound))
}

func (a *API) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	a.render(w, r, handler.JSONError(handler.ErrMethodNotAllowed))
}

func (a *API) render(w http.ResponseWriter, r *http.Request, resp handler.Response) {
	if err := resp.Render(w, r); err != nil {
		a.log.ErrorContext(r.Context(), "failed to write response", slog.String("path", r.URL.Path), logger.Error(err))
	}
}

func errorHandler[R any](log *slog.Logger) handler.WrapOption[R] {
	return handler.WithErrorHandler[R](handler.NewErrorHandler(log))
}
