package plans

import "errors"

var (
	ErrPlanNotFound          = errors.New("plans: plan not found")
	ErrUnknownFeature        = errors.New("plans: feature has no configured cost")
	ErrInvalidCatalog        = errors.New("plans: invalid catalog configuration")
	ErrFailedToLoadPlans     = errors.New("plans: failed to load plans")
	ErrUnknownPlanReference  = errors.New("plans: stored subscription references unknown plan")
	ErrNoProviderPriceMapped = errors.New("plans: no plan mapped to provider price")
)
