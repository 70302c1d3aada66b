// Package plans holds the static plan catalog: plan allowances, prices,
// feature entitlements and the per-feature credit cost table.
//
// A Catalog is built once at process start from a Source and never mutated
// afterwards. Unknown plan IDs are configuration errors, so the catalog is
// validated eagerly and ValidateReferences checks the IDs already held by
// the ledger store before the service starts taking traffic.
//
//	src := plans.NewYAMLSource("config/plans.yaml")
//	catalog, err := plans.Load(ctx, src)
//	if err != nil {
//		return err
//	}
//	cost, _ := catalog.Cost(plans.FeatureResumeGeneration)
package plans
