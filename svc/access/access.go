// Package access is the single gate feature handlers call before doing
// credit-consuming work. It turns credit decisions into errors and refunds
// the debit when the work that follows fails.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/resumekit/pkg/environment"
	"github.com/dmitrymomot/resumekit/pkg/logger"
	"github.com/dmitrymomot/resumekit/svc/credits"
	"github.com/dmitrymomot/resumekit/svc/entitlement"
	"github.com/dmitrymomot/resumekit/svc/plans"
)

var (
	ErrDenied             = errors.New("access: denied")
	ErrRefundFailed       = errors.New("access: refund after failed work did not complete")
	ErrBypassInProduction = errors.New("access: credit bypass cannot be enabled in production")
)

// Denied is returned when the credit check refuses the call. It matches
// ErrDenied with errors.Is.
type Denied struct {
	Result credits.ConsumeResult
}

func (d *Denied) Error() string {
	return fmt.Sprintf("access: %s denied: %s", d.Result.Feature, d.Result.Reason)
}

func (d *Denied) Is(target error) bool {
	return target == ErrDenied
}

// Consumer is the part of the credit service the facade needs.
type Consumer interface {
	Consume(ctx context.Context, userID uuid.UUID, feature plans.Feature) (credits.ConsumeResult, error)
	RefundResult(ctx context.Context, res credits.ConsumeResult, reason string) error
}

// Config is read from the environment.
type Config struct {
	Bypass bool `env:"CREDITS_BYPASS" envDefault:"false"`
}

// Validate rejects a bypass in production.
func (c Config) Validate(env environment.Environment) error {
	if c.Bypass && env.IsProduction() {
		return ErrBypassInProduction
	}
	return nil
}

type Facade struct {
	credits Consumer
	bypass  bool
	log     *slog.Logger
}

type Option func(*Facade)

func WithLogger(l *slog.Logger) Option {
	return func(f *Facade) {
		if l != nil {
			f.log = l
		}
	}
}

// WithBypass skips credit checks entirely. NewFacade refuses it when env is
// production. Bypassed grants carry a generated EventID, logged with the
// warning, so artifacts keyed by it can still be traced; nothing is debited
// and nothing is refunded.
func WithBypass(enabled bool) Option {
	return func(f *Facade) { f.bypass = enabled }
}

// NewFacade builds the gate. env is the deployment environment the process
// runs in.
func NewFacade(c Consumer, env environment.Environment, opts ...Option) (*Facade, error) {
	if c == nil {
		panic("access: credit consumer is required")
	}
	f := &Facade{credits: c, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(f)
	}
	if err := (Config{Bypass: f.bypass}).Validate(env); err != nil {
		return nil, err
	}
	if f.bypass {
		f.log.Warn("credit checks are bypassed, usage is not recorded", slog.String("env", env.String()))
	}
	return f, nil
}

// RequireFeature debits the catalog cost of feature. A denial returns the
// result together with a *Denied error. Storage and conflict errors are
// returned as-is and never grant access.
func (f *Facade) RequireFeature(ctx context.Context, userID uuid.UUID, feature plans.Feature) (credits.ConsumeResult, error) {
	if f.bypass {
		id := uuid.New()
		f.log.WarnContext(ctx, "credit check bypassed",
			logger.UserID(userID), logger.Feature(string(feature)), logger.EventID(id.String()))
		return credits.ConsumeResult{
			Success:   true,
			Reason:    entitlement.Allowed,
			UserID:    userID,
			Feature:   feature,
			Remaining: plans.Unlimited,
			EventID:   id,
			Bypassed:  true,
		}, nil
	}

	res, err := f.credits.Consume(ctx, userID, feature)
	if err != nil {
		return res, err
	}
	if !res.Success {
		return res, &Denied{Result: res}
	}
	return res, nil
}

// Refund compensates the debit recorded in res. It runs on a context
// detached from ctx's cancellation so an aborted request still gets its
// credits back.
func (f *Facade) Refund(ctx context.Context, res credits.ConsumeResult, cause error) error {
	if !res.Debited() {
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	if err := f.credits.RefundResult(ctx, res, refundReason(cause)); err != nil {
		f.log.ErrorContext(ctx, "failed to refund credits",
			logger.UserID(res.UserID), logger.Feature(string(res.Feature)), logger.Credits(res.Required),
			logger.Errors(cause, err))
		return errors.Join(ErrRefundFailed, err)
	}
	return nil
}

// Run requires feature, then runs fn with the debit result. When fn fails
// the debit is refunded before the error is returned and the returned result
// reflects the restored balance.
func Run[T any](ctx context.Context, f *Facade, userID uuid.UUID, feature plans.Feature, fn func(ctx context.Context, res credits.ConsumeResult) (T, error)) (T, credits.ConsumeResult, error) {
	var zero T

	res, err := f.RequireFeature(ctx, userID, feature)
	if err != nil {
		return zero, res, err
	}

	out, err := fn(ctx, res)
	if err == nil {
		return out, res, nil
	}

	if rerr := f.Refund(ctx, res, err); rerr != nil {
		return zero, res, errors.Join(err, rerr)
	}
	if res.Debited() && res.Remaining != plans.Unlimited {
		res.Remaining += res.Required
	}
	return zero, res, err
}

const maxReasonLen = 200

func refundReason(cause error) string {
	if cause == nil {
		return "downstream failure"
	}
	msg := "downstream failure: " + cause.Error()
	if len(msg) > maxReasonLen {
		msg = msg[:maxReasonLen]
	}
	return msg
}
