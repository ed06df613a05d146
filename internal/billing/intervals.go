package billing

import (
	"context"
	"log/slog"
	"time"

	"reviewflow/internal/types"
)

// OverrideStore is the persistence surface for per-tenant interval
// overrides. *db.IntervalOverrideRepo satisfies it.
type OverrideStore interface {
	Get(ctx context.Context, tenantID string, targetType types.TargetType) (*types.IntervalOverride, error)
}

// IntervalResolver computes the effective scrape interval for a tenant and
// source: an unexpired administrative override wins over the tier default.
type IntervalResolver struct {
	plans     PlanRegistry
	overrides OverrideStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewIntervalResolver wires an IntervalResolver. A nil logger falls back to
// slog.Default().
func NewIntervalResolver(plans PlanRegistry, overrides OverrideStore, logger *slog.Logger) *IntervalResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntervalResolver{
		plans:     plans,
		overrides: overrides,
		logger:    logger,
		now:       time.Now,
	}
}

// Resolve returns the interval in hours for the tenant's targets of the
// given type under the given tier.
func (r *IntervalResolver) Resolve(ctx context.Context, tenantID string, tier types.PlanTier, targetType types.TargetType) (int, error) {
	override, err := r.overrides.Get(ctx, tenantID, targetType)
	if err != nil {
		return 0, err
	}
	if override != nil {
		if override.Expired(r.now()) {
			r.logger.Info("ignoring expired interval override",
				"tenant_id", tenantID, "target_type", targetType,
				"expired_at", override.ExpiresAt)
		} else {
			return override.IntervalHours, nil
		}
	}
	return r.plans.GetLimits(tier).ScrapeIntervalHours, nil
}
