package plans

// DefaultPlans returns the built-in tiers used when no plans file is configured.
func DefaultPlans() []Plan {
	return []Plan{
		{
			ID:             "free",
			Name:           "Free",
			MonthlyCredits: 3,
			Currency:       "USD",
			Features:       []Feature{FeatureResumeGeneration, FeatureAISuggestions},
			Free:           true,
		},
		{
			ID:             "basic",
			Name:           "Basic",
			MonthlyCredits: 10,
			PriceCents:     900,
			Currency:       "USD",
			Features: []Feature{
				FeatureResumeGeneration,
				FeatureCoverLetter,
				FeatureAISuggestions,
			},
		},
		{
			ID:             "pro",
			Name:           "Pro",
			MonthlyCredits: 100,
			PriceCents:     2900,
			Currency:       "USD",
			Features: []Feature{
				FeatureResumeGeneration,
				FeatureCoverLetter,
				FeatureLinkedInOptimization,
				FeatureSalaryAnalysis,
				FeatureAISuggestions,
			},
		},
		{
			ID:             "unlimited",
			Name:           "Unlimited",
			MonthlyCredits: Unlimited,
			PriceCents:     7900,
			Currency:       "USD",
			Features: []Feature{
				FeatureResumeGeneration,
				FeatureCoverLetter,
				FeatureLinkedInOptimization,
				FeatureSalaryAnalysis,
				FeatureAISuggestions,
			},
		},
	}
}

// DefaultCosts returns the built-in credit cost per feature.
// A zero cost keeps the entitlement check but records no usage.
func DefaultCosts() map[Feature]int64 {
	return map[Feature]int64{
		FeatureResumeGeneration:     1,
		FeatureCoverLetter:          2,
		FeatureLinkedInOptimization: 4,
		FeatureSalaryAnalysis:       2,
		FeatureAISuggestions:        0,
	}
}
