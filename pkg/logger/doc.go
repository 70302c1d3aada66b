// Package logger builds the service's *slog.Logger.
//
// New returns a JSON or text logger configured by functional options.
// WithEnvironment applies per-environment defaults and WithConfig lets the
// LOG_LEVEL and LOG_FORMAT variables override them. Registered
// ContextExtractor callbacks add request-scoped attributes such as the
// request id or the authenticated user on every record.
//
// attr.go holds constructors for the attribute keys shared across the
// service (user_id, feature, plan_id, decision, credits, provider, event_id)
// so log queries stay consistent between packages.
//
//	log := logger.New(
//	    logger.WithEnvironment(environment.Production, "resumekit"),
//	    logger.WithContextExtractors(requestid.LoggerExtractor()),
//	)
//	log.InfoContext(ctx, "credits debited", logger.UserID(id), logger.Credits(2))
package logger
