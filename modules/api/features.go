package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/resumekit/binder"
	"github.com/dmitrymomot/resumekit/handler"
	"github.com/dmitrymomot/resumekit/pkg/authn"
	"github.com/dmitrymomot/resumekit/pkg/logger"
	"github.com/dmitrymomot/resumekit/svc/access"
	"github.com/dmitrymomot/resumekit/svc/credits"
	"github.com/dmitrymomot/resumekit/svc/generator"
	"github.com/dmitrymomot/resumekit/svc/plans"
)

// FeatureResult is the data of a successful feature call.
type FeatureResult struct {
	Content     string `json:"content"`
	ArtifactKey string `json:"artifactKey,omitempty"`
	ArtifactURL string `json:"artifactUrl,omitempty"`
}

func (a *API) feature(feature plans.Feature) http.HandlerFunc {
	return handler.Wrap(func(ctx handler.Context, in generator.Input) handler.Response {
		userID, ok := authn.UserIDFromContext(ctx)
		if !ok {
			return handler.JSONError(handler.ErrUnauthorized)
		}
		attrs := []slog.Attr{logger.UserID(userID), logger.Feature(string(feature))}

		// Invalid input is rejected before any credit is spent.
		if err := generator.Validate(feature, in); err != nil {
			return a.fail(ctx, err, attrs...)
		}

		out, res, err := access.Run(ctx, a.access, userID, feature,
			func(ctx context.Context, res credits.ConsumeResult) (generator.Result, error) {
				if a.gen == nil {
					return generator.Result{}, generator.ErrNotConfigured
				}
				return a.gen.Generate(ctx, generator.Request{
					UserID:     userID,
					Feature:    feature,
					Input:      in,
					ArtifactID: res.EventID,
				})
			})
		if err != nil {
			return a.fail(ctx, err, attrs...)
		}

		a.log.LogAttrs(ctx, slog.LevelInfo, "feature used", append(attrs, logger.Credits(res.Required), logger.PlanID(res.PlanID))...)
		return handler.JSON(FeatureResult{
			Content:     out.Content,
			ArtifactKey: out.ArtifactKey,
			ArtifactURL: out.ArtifactURL,
		}, handler.WithJSONMeta(map[string]any{"creditsRemaining": res.Remaining}))
	},
		handler.WithBinders[generator.Input](binder.BindJSON(a.maxBody)),
		errorHandler[generator.Input](a.log),
	)
}
