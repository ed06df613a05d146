package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"reviewflow/internal/types"
)

// IntervalOverrideRepo provides data access for the interval_overrides
// table. The (tenant_id, target_type) primary key caps overrides at one per
// pair; Set upserts rather than erroring on repeat administrative action.
type IntervalOverrideRepo struct {
	db DBTX
}

// NewIntervalOverrideRepo creates an IntervalOverrideRepo backed by the
// given database connection (pool or transaction).
func NewIntervalOverrideRepo(db DBTX) *IntervalOverrideRepo {
	return &IntervalOverrideRepo{db: db}
}

// Set creates or replaces the override for (tenant_id, target_type).
func (r *IntervalOverrideRepo) Set(ctx context.Context, o *types.IntervalOverride) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO interval_overrides
		   (tenant_id, target_type, interval_hours, reason, set_by, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		 ON CONFLICT (tenant_id, target_type) DO UPDATE
		   SET interval_hours = EXCLUDED.interval_hours,
		       reason = EXCLUDED.reason,
		       set_by = EXCLUDED.set_by,
		       expires_at = EXCLUDED.expires_at,
		       updated_at = NOW()`,
		o.TenantID, o.TargetType, o.IntervalHours, o.Reason, o.SetBy, o.ExpiresAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set interval override", err)
	}
	return nil
}

// Get returns the override for (tenant_id, target_type), expired or not, or
// (nil, nil) when none exists. Expiry is the caller's concern: expired
// overrides are ignored for interval resolution but still visible to admins.
func (r *IntervalOverrideRepo) Get(ctx context.Context, tenantID string, targetType types.TargetType) (*types.IntervalOverride, error) {
	var o types.IntervalOverride
	err := r.db.QueryRow(ctx,
		`SELECT tenant_id, target_type, interval_hours, reason, set_by, expires_at, created_at, updated_at
		 FROM interval_overrides
		 WHERE tenant_id = $1 AND target_type = $2`,
		tenantID, targetType,
	).Scan(&o.TenantID, &o.TargetType, &o.IntervalHours, &o.Reason, &o.SetBy,
		&o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load interval override", err)
	}
	return &o, nil
}

// Delete removes an override. Removing an absent override is a no-op.
func (r *IntervalOverrideRepo) Delete(ctx context.Context, tenantID string, targetType types.TargetType) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM interval_overrides WHERE tenant_id = $1 AND target_type = $2`,
		tenantID, targetType)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete interval override", err)
	}
	return nil
}
