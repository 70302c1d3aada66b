package plans

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Catalog is the read-only plan registry.
// It is safe for concurrent use because nothing mutates it after NewCatalog returns.
type Catalog struct {
	plans   map[string]Plan
	order   []string
	free    string
	costs   map[Feature]int64
	byPrice map[string]string
}

// NewCatalog validates plans and costs and returns a catalog holding copies of them.
func NewCatalog(list []Plan, costs map[Feature]int64) (*Catalog, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: at least one plan is required", ErrInvalidCatalog)
	}

	c := &Catalog{
		plans:   make(map[string]Plan, len(list)),
		order:   make([]string, 0, len(list)),
		costs:   maps.Clone(costs),
		byPrice: make(map[string]string),
	}
	if c.costs == nil {
		c.costs = make(map[Feature]int64)
	}

	for f, cost := range c.costs {
		if cost < 0 {
			return nil, fmt.Errorf("%w: feature %q has negative cost %d", ErrInvalidCatalog, f, cost)
		}
	}

	for _, p := range list {
		if err := validatePlan(p, c.costs); err != nil {
			return nil, err
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate plan id %q", ErrInvalidCatalog, p.ID)
		}
		if p.Free {
			if c.free != "" {
				return nil, fmt.Errorf("%w: plans %q and %q are both marked free", ErrInvalidCatalog, c.free, p.ID)
			}
			c.free = p.ID
		}
		for _, priceID := range p.ProviderPriceIDs {
			if owner, taken := c.byPrice[priceID]; taken {
				return nil, fmt.Errorf("%w: provider price %q mapped to %q and %q", ErrInvalidCatalog, priceID, owner, p.ID)
			}
			c.byPrice[priceID] = p.ID
		}
		c.plans[p.ID] = p.clone()
		c.order = append(c.order, p.ID)
	}

	if c.free == "" {
		return nil, fmt.Errorf("%w: exactly one plan must be marked free", ErrInvalidCatalog)
	}

	return c, nil
}

func validatePlan(p Plan, costs map[Feature]int64) error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: plan id is required", ErrInvalidCatalog)
	}
	if p.MonthlyCredits < 0 && p.MonthlyCredits != Unlimited {
		return fmt.Errorf("%w: plan %q has invalid allowance %d", ErrInvalidCatalog, p.ID, p.MonthlyCredits)
	}
	if p.PriceCents < 0 {
		return fmt.Errorf("%w: plan %q has negative price", ErrInvalidCatalog, p.ID)
	}
	if p.Free && p.PriceCents > 0 {
		return fmt.Errorf("%w: free plan %q must not have a price", ErrInvalidCatalog, p.ID)
	}
	for _, f := range p.Features {
		if _, ok := costs[f]; !ok {
			return fmt.Errorf("%w: plan %q entitles %q which has no cost", ErrInvalidCatalog, p.ID, f)
		}
	}
	return nil
}

// Load reads plans from src and builds a Catalog.
func Load(ctx context.Context, src Source) (*Catalog, error) {
	list, costs, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}
	return NewCatalog(list, costs)
}

// Plan returns the plan with the given ID.
func (c *Catalog) Plan(id string) (Plan, error) {
	p, ok := c.plans[id]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrPlanNotFound, id)
	}
	return p.clone(), nil
}

// FreePlan returns the free tier.
func (c *Catalog) FreePlan() Plan {
	return c.plans[c.free].clone()
}

// Plans returns every plan in declaration order.
func (c *Catalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.plans[id].clone())
	}
	return out
}

// Cost returns the statically configured credit cost of a feature.
func (c *Catalog) Cost(f Feature) (int64, error) {
	cost, ok := c.costs[f]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownFeature, f)
	}
	return cost, nil
}

// Costs returns a copy of the cost table.
func (c *Catalog) Costs() map[Feature]int64 {
	return maps.Clone(c.costs)
}

// Features returns all features with a configured cost, sorted.
func (c *Catalog) Features() []Feature {
	return slices.Sorted(maps.Keys(c.costs))
}

// PlanByProviderPrice maps a payment processor price ID to a plan.
// A price that equals a plan ID is accepted as well, which keeps
// hand-configured relays and tests simple.
func (c *Catalog) PlanByProviderPrice(priceID string) (Plan, error) {
	if id, ok := c.byPrice[priceID]; ok {
		return c.plans[id].clone(), nil
	}
	if p, ok := c.plans[priceID]; ok {
		return p.clone(), nil
	}
	return Plan{}, fmt.Errorf("%w: %q", ErrNoProviderPriceMapped, priceID)
}

// PlanIDLister is implemented by stores that can report which plan IDs they reference.
type PlanIDLister interface {
	ReferencedPlanIDs(ctx context.Context) ([]string, error)
}

// ValidateReferences fails when the store holds subscriptions on plans missing from the catalog.
func (c *Catalog) ValidateReferences(ctx context.Context, lister PlanIDLister) error {
	ids, err := lister.ReferencedPlanIDs(ctx)
	if err != nil {
		return err
	}
	var unknown []string
	for _, id := range ids {
		if _, ok := c.plans[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return fmt.Errorf("%w: %s", ErrUnknownPlanReference, strings.Join(unknown, ", "))
	}
	return nil
}
