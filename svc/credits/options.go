package credits

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/resumekit/pkg/metrics"
)

const (
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 10 * time.Millisecond
)

// Config holds the environment-driven tuning of the accounting service.
type Config struct {
	MaxRetries   int           `env:"CREDITS_MAX_RETRIES" envDefault:"3"`
	RetryBackoff time.Duration `env:"CREDITS_RETRY_BACKOFF" envDefault:"10ms"`
	// DistributedLock serialises debits of one user across replicas through Redis.
	DistributedLock bool `env:"CREDITS_DISTRIBUTED_LOCK" envDefault:"false"`
}

// Options translates the config into service options.
func (c Config) Options() []Option {
	return []Option{
		WithMaxRetries(c.MaxRetries),
		WithRetryBackoff(c.RetryBackoff),
	}
}

// Option configures the Service.
type Option func(*Service)

// WithLocker adds a cross-process per-user lock around each debit.
func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides time.Now, mostly for tests around period boundaries.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(gen func() uuid.UUID) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithMaxRetries bounds how often a conflicting transaction is retried.
// Negative values are ignored.
func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the base delay between retries. Zero disables waiting.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.backoff = d
		}
	}
}
