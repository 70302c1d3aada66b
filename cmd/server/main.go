// Command server runs the resumekit credit and entitlement API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/resumekit/modules/api"
	"github.com/dmitrymomot/resumekit/pkg/authn"
	"github.com/dmitrymomot/resumekit/pkg/clientip"
	"github.com/dmitrymomot/resumekit/pkg/config"
	"github.com/dmitrymomot/resumekit/pkg/email"
	"github.com/dmitrymomot/resumekit/pkg/environment"
	"github.com/dmitrymomot/resumekit/pkg/file"
	"github.com/dmitrymomot/resumekit/pkg/httpserver"
	"github.com/dmitrymomot/resumekit/pkg/logger"
	"github.com/dmitrymomot/resumekit/pkg/metrics"
	"github.com/dmitrymomot/resumekit/pkg/pg"
	"github.com/dmitrymomot/resumekit/pkg/ratelimiter"
	"github.com/dmitrymomot/resumekit/pkg/redis"
	"github.com/dmitrymomot/resumekit/pkg/requestid"
	"github.com/dmitrymomot/resumekit/svc/access"
	"github.com/dmitrymomot/resumekit/svc/billing"
	"github.com/dmitrymomot/resumekit/svc/credits"
	"github.com/dmitrymomot/resumekit/svc/generator"
	"github.com/dmitrymomot/resumekit/svc/ledger"
	"github.com/dmitrymomot/resumekit/svc/ledger/pgstore"
	"github.com/dmitrymomot/resumekit/svc/plans"
)

const (
	storePostgres = "postgres"
	storeMemory   = "memory"
	storeRedis    = "redis"
)

type rateLimitConfig struct {
	Store    string             `env:"RATE_LIMIT_STORE" envDefault:"memory"`
	Features ratelimiter.Config `envPrefix:"RATE_LIMIT_FEATURES_"`
	Webhooks ratelimiter.Config `envPrefix:"RATE_LIMIT_WEBHOOKS_"`
}

func (c rateLimitConfig) Validate() error {
	if c.Store != storeMemory && c.Store != storeRedis {
		return fmt.Errorf("unknown RATE_LIMIT_STORE %q", c.Store)
	}
	return errors.Join(c.Features.Validate(), c.Webhooks.Validate())
}

type appConfig struct {
	Env        string `env:"APP_ENV" envDefault:"development"`
	Name       string `env:"APP_NAME" envDefault:"resumekit"`
	PlansFile  string `env:"PLANS_FILE"`
	Store      string `env:"LEDGER_STORE" envDefault:"postgres"`
	UpgradeURL string `env:"UPGRADE_URL" envDefault:"/pricing"`
	BillingURL string `env:"BILLING_URL" envDefault:"https://resumekit.app/settings/billing"`

	MaxBodySize      int64         `env:"HTTP_MAX_BODY_BYTES" envDefault:"1048576"`
	ReadinessTimeout time.Duration `env:"HEALTH_TIMEOUT" envDefault:"2s"`

	Access    access.Config
	RateLimit rateLimitConfig
	ClientIP  clientip.Config
}

func (c appConfig) Validate() error {
	env, err := environment.Parse(c.Env)
	if err != nil {
		return err
	}
	switch c.Store {
	case storePostgres:
	case storeMemory:
		if env.IsProduction() {
			return errors.New("LEDGER_STORE=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("unknown LEDGER_STORE %q", c.Store)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return err
	}
	return c.Access.Validate(env)
}

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("server stopped", logger.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		return err
	}
	env, _ := environment.Parse(cfg.Env)

	var logCfg logger.Config
	if err := config.Load(&logCfg); err != nil {
		return err
	}
	log := logger.New(
		logger.WithEnvironment(env, cfg.Name),
		logger.WithConfig(logCfg),
		logger.WithContextExtractors(requestid.LoggerExtractor(), authn.LoggerExtractor(), clientip.LoggerExtractor()),
	)
	logger.SetAsDefault(log)

	src := plans.NewDefaultSource()
	if cfg.PlansFile != "" {
		src = plans.NewYAMLSource(cfg.PlansFile)
	}
	catalog, err := plans.Load(ctx, src)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, checks, closeStore, err := openStore(ctx, cfg, catalog, log)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := catalog.ValidateReferences(ctx, store); err != nil {
		return err
	}

	var creditsCfg credits.Config
	if err := config.Load(&creditsCfg); err != nil {
		return err
	}
	creditOpts := append(creditsCfg.Options(),
		credits.WithMetrics(m),
		credits.WithLogger(log.With(logger.Component("credits"))),
	)

	// Redis is opened once, and only when the lock or the limiter needs it.
	var (
		redisCfg    redis.Config
		redisClient goredis.UniversalClient
	)
	if creditsCfg.DistributedLock || cfg.RateLimit.Store == storeRedis {
		if err := config.Load(&redisCfg); err != nil {
			return err
		}
		redisClient, err = redis.Connect(ctx, redisCfg)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		checks = append(checks, httpserver.Check{Name: "redis", Fn: redis.Healthcheck(redisClient)})
	}
	if creditsCfg.DistributedLock {
		creditOpts = append(creditOpts, credits.WithLocker(redis.NewLocker(redisClient, redis.WithLockConfig(redisCfg))))
	}
	creditSvc := credits.NewService(store, catalog, creditOpts...)

	facade, err := access.NewFacade(creditSvc, env,
		access.WithBypass(cfg.Access.Bypass),
		access.WithLogger(log.With(logger.Component("access"))),
	)
	if err != nil {
		return err
	}

	var authCfg authn.Config
	if err := config.Load(&authCfg); err != nil {
		return err
	}
	verifier, err := authn.NewVerifier(authCfg)
	if err != nil {
		return err
	}

	var billingCfg billing.Config
	if err := config.Load(&billingCfg); err != nil {
		return err
	}
	payments, err := newSynchronizer(env, cfg, billingCfg, store, catalog, m, log)
	if err != nil {
		return err
	}

	gen, err := newGenerator(ctx, env, log)
	if err != nil {
		return err
	}

	featureLimiter, webhookLimiter, closeLimits, err := newLimiters(cfg.RateLimit, redisClient)
	if err != nil {
		return err
	}
	defer closeLimits()

	var srvCfg httpserver.Config
	if err := config.Load(&srvCfg); err != nil {
		return err
	}

	opts := api.Options{
		Access:          facade,
		Credits:         creditSvc,
		Webhooks:        payments,
		Verifier:        verifier,
		DefaultProvider: billingCfg.ProviderName(),
		UpgradeURL:      cfg.UpgradeURL,
		MaxBodySize:     cfg.MaxBodySize,
		FeatureLimiter:  featureLimiter,
		WebhookLimiter:  webhookLimiter,
		ClientIP:        clientip.New(cfg.ClientIP),
		Metrics:         metrics.Handler(reg),
		Readiness:       httpserver.Readiness(log, cfg.ReadinessTimeout, checks...),
		Logger:          log.With(logger.Component("api")),
	}
	if gen != nil {
		opts.Generator = gen
	}

	log.InfoContext(ctx, "starting server",
		slog.String("addr", srvCfg.Addr),
		slog.String("store", cfg.Store),
		slog.Int("plans", len(catalog.Plans())),
	)
	return httpserver.New(srvCfg, httpserver.WithLogger(log)).Run(ctx, api.Router(opts))
}

func openStore(ctx context.Context, cfg appConfig, catalog *plans.Catalog, log *slog.Logger) (ledger.Store, []httpserver.Check, func(), error) {
	free := catalog.FreePlan().ID
	if cfg.Store == storeMemory {
		log.WarnContext(ctx, "using in-memory ledger store, data is lost on restart")
		return ledger.NewMemoryStore(free), nil, func() {}, nil
	}

	var pgCfg pg.Config
	if err := config.Load(&pgCfg); err != nil {
		return nil, nil, nil, err
	}
	pool, err := pg.Connect(ctx, pgCfg)
	if err != nil {
		return nil, nil, nil, err
	}
	store := pgstore.New(pool, free)
	if pgCfg.AutoMigrate {
		if err := store.Migrate(ctx, pgCfg, log.With(logger.Component("migrations"))); err != nil {
			pool.Close()
			return nil, nil, nil, err
		}
	}
	checks := []httpserver.Check{{Name: "postgres", Fn: pg.Healthcheck(pool)}}
	return store, checks, pool.Close, nil
}

func newLimiters(cfg rateLimitConfig, client goredis.UniversalClient) (features, webhooks *ratelimiter.Limiter, closeFn func(), err error) {
	var store ratelimiter.Store
	closeFn = func() {}
	if cfg.Store == storeRedis {
		store = ratelimiter.NewRedisStore(client, "resumekit:ratelimit")
	} else {
		mem := ratelimiter.NewMemoryStore()
		store, closeFn = mem, mem.Close
	}

	if features, err = ratelimiter.New(store, cfg.Features); err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	if webhooks, err = ratelimiter.New(store, cfg.Webhooks); err != nil {
		closeFn()
		return nil, nil, nil, err
	}
	return features, webhooks, closeFn, nil
}

func newSynchronizer(env environment.Environment, cfg appConfig, billingCfg billing.Config, store ledger.Store, catalog *plans.Catalog, m *metrics.Metrics, log *slog.Logger) (*billing.Synchronizer, error) {
	providers, err := billingCfg.Providers()
	if err != nil {
		return nil, err
	}

	opts := []billing.Option{
		billing.WithMetrics(m),
		billing.WithLogger(log.With(logger.Component("billing"))),
	}
	for _, p := range providers {
		opts = append(opts, billing.WithProvider(p))
	}

	var emailCfg email.Config
	if err := config.Load(&emailCfg); err != nil {
		return nil, err
	}
	var sender email.EmailSender
	switch {
	case emailCfg.PostmarkServerToken != "":
		sender, err = email.NewPostmarkClient(emailCfg)
		if err != nil {
			return nil, err
		}
	case !env.IsProduction():
		sender = email.NewDevSender(emailCfg.DevOutputDir)
	default:
		log.Warn("POSTMARK_SERVER_TOKEN is not set, payment failure emails are disabled")
	}
	if sender != nil {
		opts = append(opts, billing.WithNotifier(billing.NewEmailNotifier(sender, cfg.Name, cfg.BillingURL)))
	}

	return billing.NewSynchronizer(store, catalog, opts...), nil
}

// newGenerator returns nil outside production when no API key is set, so
// the API can run without an LLM during local development.
func newGenerator(ctx context.Context, env environment.Environment, log *slog.Logger) (*generator.Service, error) {
	var genCfg generator.Config
	if err := config.Load(&genCfg); err != nil {
		return nil, err
	}
	var fileCfg file.Config
	if err := config.Load(&fileCfg); err != nil {
		return nil, err
	}
	storage, err := file.New(ctx, fileCfg)
	if err != nil {
		return nil, err
	}

	gen, err := generator.New(genCfg,
		generator.WithArtifacts(storage),
		generator.WithLogger(log.With(logger.Component("generator"))),
	)
	if errors.Is(err, generator.ErrNotConfigured) && !env.IsProduction() {
		log.Warn("OPENAI_API_KEY is not set, feature endpoints will answer 503")
		return nil, nil
	}
	return gen, err
}
