package plans

import "slices"

// Unlimited marks a plan without a monthly credit cap.
// -1 keeps the value representable in SQL and JSON.
const Unlimited int64 = -1

// Feature identifies a metered capability of the product.
type Feature string

const (
	FeatureResumeGeneration     Feature = "resume_generation"
	FeatureCoverLetter          Feature = "cover_letter"
	FeatureLinkedInOptimization Feature = "linkedin_optimization"
	FeatureSalaryAnalysis       Feature = "salary_analysis"
	FeatureAISuggestions        Feature = "ai_suggestions"
)

// Plan is an immutable tier definition.
type Plan struct {
	ID             string    `yaml:"id" json:"id"`
	Name           string    `yaml:"name" json:"name"`
	MonthlyCredits int64     `yaml:"monthly_credits" json:"monthlyCredits"`
	PriceCents     int64     `yaml:"price_cents" json:"priceCents"`
	Currency       string    `yaml:"currency" json:"currency"`
	Features       []Feature `yaml:"features" json:"features"`
	// Free marks the tier every user has without an external subscription.
	Free bool `yaml:"free" json:"free"`
	// ProviderPriceIDs lists payment processor price IDs that activate this plan.
	ProviderPriceIDs []string `yaml:"provider_price_ids" json:"-"`
}

// HasFeature reports whether the plan entitles its holder to f.
func (p Plan) HasFeature(f Feature) bool {
	return slices.Contains(p.Features, f)
}

// IsUnlimited reports whether the plan has no credit cap.
func (p Plan) IsUnlimited() bool {
	return p.MonthlyCredits == Unlimited
}

func (p Plan) clone() Plan {
	p.Features = slices.Clone(p.Features)
	p.ProviderPriceIDs = slices.Clone(p.ProviderPriceIDs)
	return p
}
