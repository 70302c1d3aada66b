package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/resumekit/handler"
	"github.com/dmitrymomot/resumekit/pkg/logger"
	"github.com/dmitrymomot/resumekit/svc/access"
	"github.com/dmitrymomot/resumekit/svc/billing"
	"github.com/dmitrymomot/resumekit/svc/credits"
	"github.com/dmitrymomot/resumekit/svc/entitlement"
	"github.com/dmitrymomot/resumekit/svc/generator"
	"github.com/dmitrymomot/resumekit/svc/ledger"
)

var (
	ErrInsufficientCredits  = handler.HTTPError{Code: http.StatusPaymentRequired, Key: "insufficient_credits", Message: "not enough credits left for this feature"}
	ErrFeatureNotInPlan     = handler.HTTPError{Code: http.StatusPaymentRequired, Key: "feature_not_in_plan", Message: "your plan does not include this feature"}
	ErrSubscriptionInactive = handler.HTTPError{Code: http.StatusPaymentRequired, Key: "subscription_inactive", Message: "your subscription is not active"}
	ErrTryAgain             = handler.HTTPError{Code: http.StatusServiceUnavailable, Key: "try_again", Message: "temporarily unavailable, please try again"}
	ErrGenerationFailed     = handler.HTTPError{Code: http.StatusBadGateway, Key: "generation_failed", Message: "generation failed, your credits were refunded"}
	ErrGeneratorDisabled    = handler.HTTPError{Code: http.StatusServiceUnavailable, Key: "generator_unavailable", Message: "document generation is not configured"}
	ErrInvalidSignature     = handler.HTTPError{Code: http.StatusBadRequest, Key: "invalid_signature", Message: "webhook signature is invalid"}
	ErrInvalidPayload       = handler.HTTPError{Code: http.StatusBadRequest, Key: "invalid_payload", Message: "webhook payload is invalid"}
	ErrUnknownProvider      = handler.HTTPError{Code: http.StatusNotFound, Key: "unknown_provider", Message: "payment provider is not configured"}
)

// retryAfter is the Retry-After value sent with try_again responses.
const retryAfter = "1"

// PaymentRequired is the data of a 402 response.
type PaymentRequired struct {
	Remaining  int64  `json:"remaining"`
	Required   int64  `json:"required"`
	Plan       string `json:"plan"`
	UpgradeURL string `json:"upgradeUrl"`
}

func deniedError(d entitlement.Decision) handler.HTTPError {
	switch d {
	case entitlement.DeniedNoFeature:
		return ErrFeatureNotInPlan
	case entitlement.DeniedSubscriptionInactive:
		return ErrSubscriptionInactive
	default:
		return ErrInsufficientCredits
	}
}

// isTransient reports failures the client may retry as-is.
func isTransient(err error) bool {
	return errors.Is(err, credits.ErrConcurrencyConflict) ||
		errors.Is(err, credits.ErrLockUnavailable) ||
		errors.Is(err, ledger.ErrConcurrencyConflict) ||
		errors.Is(err, ledger.ErrStorageUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// errorResponse maps a domain error to the JSON envelope.
func (a *API) errorResponse(err error) handler.Response {
	var (
		denied *access.Denied
		field  *generator.FieldError
	)
	switch {
	case errors.As(err, &denied):
		res := denied.Result
		return handler.JSONError(deniedError(res.Reason), handler.WithJSONData(PaymentRequired{
			Remaining:  res.Remaining,
			Required:   res.Required,
			Plan:       res.PlanID,
			UpgradeURL: a.upgradeURL,
		}))
	case errors.As(err, &field):
		verr := handler.NewValidationError()
		verr.Add(field.Field, field.Message)
		return handler.JSONError(verr)
	case errors.Is(err, generator.ErrGenerationFailed):
		if errors.Is(err, access.ErrRefundFailed) {
			return handler.JSONError(ErrGenerationFailed.WithMessage("generation failed"))
		}
		return handler.JSONError(ErrGenerationFailed)
	case errors.Is(err, generator.ErrNotConfigured), errors.Is(err, generator.ErrUnsupported):
		return handler.JSONError(ErrGeneratorDisabled)
	case isTransient(err):
		return handler.JSONError(ErrTryAgain, handler.WithHeader("Retry-After", retryAfter))
	case errors.Is(err, billing.ErrInvalidSignature):
		return handler.JSONError(ErrInvalidSignature)
	case errors.Is(err, billing.ErrInvalidPayload):
		return handler.JSONError(ErrInvalidPayload)
	case errors.Is(err, billing.ErrUnknownProvider):
		return handler.JSONError(ErrUnknownProvider)
	case errors.Is(err, ledger.ErrInvalidUserID):
		return handler.JSONError(handler.ErrUnauthorized)
	}
	return handler.JSONError(err)
}

// fail logs err and returns its response. Denials and client errors log at
// info and warn; everything the client cannot fix logs at error.
func (a *API) fail(ctx context.Context, err error, attrs ...slog.Attr) handler.Response {
	resp := a.errorResponse(err)

	var denied *access.Denied
	level := slog.LevelError
	switch {
	case errors.As(err, &denied):
		level = slog.LevelInfo
	case isTransient(err), errors.Is(err, generator.ErrGenerationFailed):
		level = slog.LevelWarn
	case errors.Is(err, generator.ErrInvalidInput),
		errors.Is(err, billing.ErrInvalidSignature),
		errors.Is(err, billing.ErrInvalidPayload),
		errors.Is(err, billing.ErrUnknownProvider),
		errors.Is(err, billing.ErrUnknownSubscriber):
		level = slog.LevelWarn
	}
	a.log.LogAttrs(ctx, level, "request failed", append(attrs, logger.Error(err))...)
	return resp
}
