package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"reviewflow/internal/types"
)

// TenantSubscriptionRepo provides data access for the tenant_subscriptions
// table, the local mirror of the billing provider's subscription state.
type TenantSubscriptionRepo struct {
	db DBTX
}

// NewTenantSubscriptionRepo creates a TenantSubscriptionRepo backed by the
// given database connection (pool or transaction).
func NewTenantSubscriptionRepo(db DBTX) *TenantSubscriptionRepo {
	return &TenantSubscriptionRepo{db: db}
}

// Upsert creates or replaces the tenant's subscription mirror row.
func (r *TenantSubscriptionRepo) Upsert(ctx context.Context, s *types.TenantSubscription) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO tenant_subscriptions (tenant_id, plan, status, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (tenant_id) DO UPDATE
		   SET plan = EXCLUDED.plan,
		       status = EXCLUDED.status,
		       updated_at = NOW()`,
		s.TenantID, s.Plan, s.Status,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert tenant subscription", err)
	}
	return nil
}

// Get returns the tenant's subscription mirror, or (nil, nil) when the
// tenant has never subscribed.
func (r *TenantSubscriptionRepo) Get(ctx context.Context, tenantID string) (*types.TenantSubscription, error) {
	var s types.TenantSubscription
	err := r.db.QueryRow(ctx,
		`SELECT tenant_id, plan, status, updated_at
		 FROM tenant_subscriptions
		 WHERE tenant_id = $1`,
		tenantID,
	).Scan(&s.TenantID, &s.Plan, &s.Status, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get tenant subscription", err)
	}
	return &s, nil
}
