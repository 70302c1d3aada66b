package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/dmitrymomot/resumekit/handler"
	"github.com/dmitrymomot/resumekit/pkg/logger"
)

// WebhookAck is the body of an accepted webhook.
type WebhookAck struct {
	Received bool `json:"received"`
}

// webhook reads the raw body, which signature checks need byte for byte.
// Duplicates are acknowledged; anything not durably recorded gets a non-2xx
// so the provider redelivers.
func (a *API) webhook(providerOf func(*http.Request) string) http.HandlerFunc {
	return handler.Wrap(func(ctx handler.Context, _ struct{}) handler.Response {
		r := ctx.Request()
		provider := providerOf(r)
		if provider == "" || !a.webhooks.HasProvider(provider) {
			return handler.JSONError(ErrUnknownProvider)
		}

		payload, err := io.ReadAll(http.MaxBytesReader(ctx.ResponseWriter(), r.Body, a.maxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return handler.JSONError(handler.ErrRequestTooLarge)
			}
			return handler.JSONError(handler.ErrBadRequest.WithMessage("could not read body"))
		}

		if err := a.webhooks.HandleWebhook(ctx, provider, payload, r.Header); err != nil {
			return a.fail(ctx, err, logger.Provider(provider))
		}
		return handler.JSON(WebhookAck{Received: true})
	}, errorHandler[struct{}](a.log))
}
