// Package billing provides plan management and billing domain logic.
package billing

import "reviewflow/internal/types"

// PlanLimits defines what a subscription tier allows: which review sources
// are scraped, how many targets a tenant may track, and how often targets
// are refreshed.
type PlanLimits struct {
	// ScrapeIntervalHours is the default refresh cadence for the tier. A
	// per-tenant interval override takes precedence when present.
	ScrapeIntervalHours int

	// MaxTargets caps tracked targets per tenant. 0 means unlimited --
	// enforcement code must treat 0 as no limit.
	MaxTargets int

	// Sources lists the review sources the tier enables.
	Sources []types.TargetType
}

// EnablesSource reports whether the tier scrapes the given source.
func (l PlanLimits) EnablesSource(t types.TargetType) bool {
	for _, s := range l.Sources {
		if s == t {
			return true
		}
	}
	return false
}

// PlanRegistry is the single source of truth for what each plan allows.
type PlanRegistry interface {
	// GetLimits returns the limits for the given plan tier. For unknown
	// tiers, returns the most restrictive (Free) limits to fail safely.
	GetLimits(tier types.PlanTier) PlanLimits
}

// staticPlanRegistry is a compile-time plan registry backed by an in-memory
// map. It is the standard implementation for production use.
type staticPlanRegistry struct {
	limits map[types.PlanTier]PlanLimits
}

// planDefaults defines the hardcoded plan limits:
//
//	| Plan       | Targets       | Interval | Sources                             |
//	|------------|---------------|----------|-------------------------------------|
//	| Free       | 1             | 72h      | google                              |
//	| Starter    | 3             | 24h      | google, facebook                    |
//	| Pro        | 10            | 12h      | google, facebook, yelp              |
//	| Business   | 25            | 6h       | google, facebook, yelp, tripadvisor |
//	| Enterprise | 0 (unlimited) | 6h       | google, facebook, yelp, tripadvisor |
var planDefaults = map[types.PlanTier]PlanLimits{
	types.PlanFree: {
		ScrapeIntervalHours: 72,
		MaxTargets:          1,
		Sources:             []types.TargetType{types.TargetGoogle},
	},
	types.PlanStarter: {
		ScrapeIntervalHours: 24,
		MaxTargets:          3,
		Sources:             []types.TargetType{types.TargetGoogle, types.TargetFacebook},
	},
	types.PlanPro: {
		ScrapeIntervalHours: 12,
		MaxTargets:          10,
		Sources:             []types.TargetType{types.TargetGoogle, types.TargetFacebook, types.TargetYelp},
	},
	types.PlanBusiness: {
		ScrapeIntervalHours: 6,
		MaxTargets:          25,
		Sources:             types.AllTargetTypes,
	},
	types.PlanEnterprise: {
		ScrapeIntervalHours: 6,
		MaxTargets:          0, // Unlimited -- enforcement treats 0 as no limit
		Sources:             types.AllTargetTypes,
	},
}

// freeLimits is cached to avoid map lookups on the fallback path.
var freeLimits = planDefaults[types.PlanFree]

// NewStaticPlanRegistry returns a PlanRegistry backed by the hardcoded plan
// limits. No database or external service is required.
func NewStaticPlanRegistry() PlanRegistry {
	// Copy the defaults so callers cannot mutate the package-level map.
	m := make(map[types.PlanTier]PlanLimits, len(planDefaults))
	for k, v := range planDefaults {
		m[k] = v
	}
	return &staticPlanRegistry{limits: m}
}

// GetLimits returns the limits for the given plan tier. If the tier is
// unknown, it returns the Free tier limits as a safe default.
func (r *staticPlanRegistry) GetLimits(tier types.PlanTier) PlanLimits {
	if limits, ok := r.limits[tier]; ok {
		return limits
	}
	return freeLimits
}
