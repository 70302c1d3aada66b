package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/resumekit/handler"
	"github.com/dmitrymomot/resumekit/pkg/authn"
	"github.com/dmitrymomot/resumekit/pkg/logger"
	"github.com/dmitrymomot/resumekit/svc/plans"
)

// CreditsView is the body of GET /api/credits. Unlimited plans report -1
// for totalCredits and remainingCredits.
type CreditsView struct {
	Plan             string    `json:"plan"`
	PlanName         string    `json:"planName"`
	Status           string    `json:"status"`
	TotalCredits     int64     `json:"totalCredits"`
	UsedCredits      int64     `json:"usedCredits"`
	RemainingCredits int64     `json:"remainingCredits"`
	PeriodStart      time.Time `json:"periodStart"`
	PeriodEnd        time.Time `json:"periodEnd"`
}

type UsageView struct {
	ID        uuid.UUID     `json:"id"`
	Feature   plans.Feature `json:"feature"`
	Credits   int64         `json:"credits"`
	Kind      string        `json:"kind"`
	RefundOf  *uuid.UUID    `json:"refundOf,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

type PlanView struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	MonthlyCredits int64           `json:"monthlyCredits"`
	PriceCents     int64           `json:"priceCents"`
	Currency       string          `json:"currency"`
	Features       []plans.Feature `json:"features"`
	Free           bool            `json:"free"`
}

type CatalogView struct {
	Plans []PlanView              `json:"plans"`
	Costs map[plans.Feature]int64 `json:"costs"`
}

func (a *API) balance() http.HandlerFunc {
	return handler.Wrap(func(ctx handler.Context, _ struct{}) handler.Response {
		userID, ok := authn.UserIDFromContext(ctx)
		if !ok {
			return handler.JSONError(handler.ErrUnauthorized)
		}
		b, err := a.credits.Balance(ctx, userID)
		if err != nil {
			return a.fail(ctx, err, logger.UserID(userID))
		}
		return handler.JSON(CreditsView{
			Plan:             b.PlanID,
			PlanName:         b.PlanName,
			Status:           string(b.Status),
			TotalCredits:     b.Total,
			UsedCredits:      b.Used,
			RemainingCredits: b.Remaining,
			PeriodStart:      b.PeriodStart,
			PeriodEnd:        b.PeriodEnd,
		})
	}, errorHandler[struct{}](a.log))
}

func (a *API) history() http.HandlerFunc {
	return handler.Wrap(func(ctx handler.Context, _ struct{}) handler.Response {
		userID, ok := authn.UserIDFromContext(ctx)
		if !ok {
			return handler.JSONError(handler.ErrUnauthorized)
		}
		events, period, err := a.credits.History(ctx, userID)
		if err != nil {
			return a.fail(ctx, err, logger.UserID(userID))
		}

		out := make([]UsageView, 0, len(events))
		for _, e := range events {
			v := UsageView{
				ID:        e.ID,
				Feature:   e.Feature,
				Credits:   e.Credits,
				Kind:      string(e.Kind),
				Reason:    e.Reason,
				CreatedAt: e.CreatedAt,
			}
			if e.RefundOf != uuid.Nil {
				ref := e.RefundOf
				v.RefundOf = &ref
			}
			out = append(out, v)
		}
		return handler.JSON(out, handler.WithJSONMeta(map[string]any{
			"periodStart": period.Start,
			"periodEnd":   period.End,
		}))
	}, errorHandler[struct{}](a.log))
}

func (a *API) listPlans() http.HandlerFunc {
	return handler.Wrap(func(ctx handler.Context, _ struct{}) handler.Response {
		catalog := a.credits.Catalog()
		view := CatalogView{Costs: catalog.Costs()}
		for _, p := range catalog.Plans() {
			view.Plans = append(view.Plans, PlanView{
				ID:             p.ID,
				Name:           p.Name,
				MonthlyCredits: p.MonthlyCredits,
				PriceCents:     p.PriceCents,
				Currency:       p.Currency,
				Features:       p.Features,
				Free:           p.Free,
			})
		}
		return handler.JSON(view)
	}, errorHandler[struct{}](a.log))
}
