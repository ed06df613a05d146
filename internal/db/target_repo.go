package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"reviewflow/internal/types"
)

// TargetRepo provides data access for the targets table (tracked external
// profiles). The uniqueness constraint on (target_type, external_identifier)
// is what makes a "target already claimed by a different tenant" detectable
// as a conflict rather than a silent overwrite.
type TargetRepo struct {
	db DBTX
}

// NewTargetRepo creates a TargetRepo backed by the given database
// connection (pool or transaction).
func NewTargetRepo(db DBTX) *TargetRepo {
	return &TargetRepo{db: db}
}

const targetColumns = `id, tenant_id, target_type, external_identifier, name, created_at`

func scanTarget(row pgx.Row) (*types.Target, error) {
	var t types.Target
	err := row.Scan(&t.ID, &t.TenantID, &t.TargetType, &t.ExternalIdentifier, &t.Name, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetByIdentifier fetches a target by its external identifier, or
// (nil, nil) when none is tracked yet.
func (r *TargetRepo) GetByIdentifier(ctx context.Context, targetType types.TargetType, externalID string) (*types.Target, error) {
	t, err := scanTarget(r.db.QueryRow(ctx,
		`SELECT `+targetColumns+`
		 FROM targets
		 WHERE target_type = $1 AND external_identifier = $2`,
		targetType, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load target", err)
	}
	return t, nil
}

// GetByID fetches a target or a not-found AppError.
func (r *TargetRepo) GetByID(ctx context.Context, id string) (*types.Target, error) {
	t, err := scanTarget(r.db.QueryRow(ctx,
		`SELECT `+targetColumns+` FROM targets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundTarget, "target not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load target", err)
	}
	return t, nil
}

// ListByTenant returns a tenant's tracked targets for one source type, or
// across all types when targetType is empty.
func (r *TargetRepo) ListByTenant(ctx context.Context, tenantID string, targetType types.TargetType) ([]*types.Target, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+targetColumns+`
		 FROM targets
		 WHERE tenant_id = $1 AND ($2 = '' OR target_type = $2)
		 ORDER BY created_at, id`,
		tenantID, targetType)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list targets", err)
	}
	defer rows.Close()

	var out []*types.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan target", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate targets", err)
	}
	return out, nil
}

// Insert creates a tracked-profile record. A different tenant already
// holding the (target_type, external_identifier) pair surfaces as a
// conflict AppError.
func (r *TargetRepo) Insert(ctx context.Context, t *types.Target) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO targets (id, tenant_id, target_type, external_identifier, name, created_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())`,
		t.ID, t.TenantID, t.TargetType, t.ExternalIdentifier, t.Name)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppErrorWithDetails(types.ErrCodeConflictTargetClaimed,
				"target is already tracked", err,
				map[string]any{
					"target_type":         string(t.TargetType),
					"external_identifier": t.ExternalIdentifier,
				})
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert target", err)
	}
	return nil
}

// Delete removes a tracked-profile record. Deleting an absent target is a
// no-op.
func (r *TargetRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM targets WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete target", err)
	}
	return nil
}
