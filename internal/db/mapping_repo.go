package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"reviewflow/internal/types"
)

// SubscriberMappingRepo provides data access for the subscriber_mappings
// table and owns the compound mutations that must keep the owning entry's
// cached subscriber_count consistent with the mapping rows.
//
// Each compound mutation (Attach, Detach, Repoint, MoveToEntry) runs in a
// single transaction so a crash can never leave the count diverged from the
// mappings it summarizes. The partial unique index on (target_id, job_kind)
// WHERE active enforces the single-active-mapping invariant; Attach relies
// on it instead of a check-then-create race.
type SubscriberMappingRepo struct {
	db   DBTX
	pool TxBeginner
}

// NewSubscriberMappingRepo creates a SubscriberMappingRepo. The pool is used
// for the transactional compound operations; plain reads go through db.
func NewSubscriberMappingRepo(db DBTX, pool TxBeginner) *SubscriberMappingRepo {
	return &SubscriberMappingRepo{db: db, pool: pool}
}

const mappingColumns = `id, target_id, tenant_id, target_type, job_kind,
	schedule_entry_id, external_identifier, interval_hours, active,
	created_at, updated_at`

func scanMapping(row pgx.Row) (*types.SubscriberMapping, error) {
	var m types.SubscriberMapping
	err := row.Scan(
		&m.ID,
		&m.TargetID,
		&m.TenantID,
		&m.TargetType,
		&m.JobKind,
		&m.ScheduleEntryID,
		&m.ExternalIdentifier,
		&m.IntervalHours,
		&m.Active,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetActive returns the active mapping for (target_id, job_kind), or
// (nil, nil) when none exists.
func (r *SubscriberMappingRepo) GetActive(ctx context.Context, targetID string, kind types.JobKind) (*types.SubscriberMapping, error) {
	m, err := scanMapping(r.db.QueryRow(ctx,
		`SELECT `+mappingColumns+`
		 FROM subscriber_mappings
		 WHERE target_id = $1 AND job_kind = $2 AND active`,
		targetID, kind))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscriber mapping", err)
	}
	return m, nil
}

// ListActiveByEntry returns all active mappings on an entry in creation
// order. The deterministic order matters: split moves the upper half of this
// list, so retries select the same members.
func (r *SubscriberMappingRepo) ListActiveByEntry(ctx context.Context, entryID string) ([]*types.SubscriberMapping, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+mappingColumns+`
		 FROM subscriber_mappings
		 WHERE schedule_entry_id = $1 AND active
		 ORDER BY created_at, id`,
		entryID)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list mappings by entry", err)
	}
	defer rows.Close()
	return collectMappings(rows)
}

// ListActiveByTenant returns a tenant's active mappings, optionally filtered
// to one target type (pass "" for all).
func (r *SubscriberMappingRepo) ListActiveByTenant(ctx context.Context, tenantID string, targetType types.TargetType) ([]*types.SubscriberMapping, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+mappingColumns+`
		 FROM subscriber_mappings
		 WHERE tenant_id = $1 AND active
		   AND ($2 = '' OR target_type = $2)
		 ORDER BY created_at, id`,
		tenantID, string(targetType))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list mappings by tenant", err)
	}
	defer rows.Close()
	return collectMappings(rows)
}

// CountActiveByEntry recounts active mappings from the source of truth.
// Used by the reconciler to detect cached-count drift.
func (r *SubscriberMappingRepo) CountActiveByEntry(ctx context.Context, entryID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM subscriber_mappings WHERE schedule_entry_id = $1 AND active`,
		entryID,
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count mappings", err)
	}
	return n, nil
}

func collectMappings(rows pgx.Rows) ([]*types.SubscriberMapping, error) {
	var out []*types.SubscriberMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscriber mapping", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate subscriber mappings", err)
	}
	return out, nil
}

// Attach inserts an active mapping and increments the owning entry's cached
// count in one transaction.
//
// The INSERT relies on the partial unique index: a concurrent or repeated
// attach for the same (target_id, job_kind) affects zero rows, in which case
// created=false and newCount is the entry's current count. The count
// increment also re-activates a previously emptied entry.
func (r *SubscriberMappingRepo) Attach(ctx context.Context, m *types.SubscriberMapping) (created bool, newCount int, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to begin attach transaction", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO subscriber_mappings
		   (id, target_id, tenant_id, target_type, job_kind, schedule_entry_id,
		    external_identifier, interval_hours, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, NOW(), NOW())
		 ON CONFLICT (target_id, job_kind) WHERE active DO NOTHING`,
		m.ID, m.TargetID, m.TenantID, m.TargetType, m.JobKind,
		m.ScheduleEntryID, m.ExternalIdentifier, m.IntervalHours,
	)
	if err != nil {
		return false, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to insert subscriber mapping", err)
	}

	if tag.RowsAffected() == 0 {
		// Duplicate: report the existing entry's count unchanged.
		err = tx.QueryRow(ctx,
			`SELECT e.subscriber_count
			 FROM subscriber_mappings m
			 JOIN schedule_entries e ON e.id = m.schedule_entry_id
			 WHERE m.target_id = $1 AND m.job_kind = $2 AND m.active`,
			m.TargetID, m.JobKind,
		).Scan(&newCount)
		if err != nil {
			return false, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to load existing mapping count", err)
		}
		return false, newCount, tx.Commit(ctx)
	}

	err = tx.QueryRow(ctx,
		`UPDATE schedule_entries
		 SET subscriber_count = subscriber_count + 1, active = TRUE, updated_at = NOW()
		 WHERE id = $1
		 RETURNING subscriber_count`,
		m.ScheduleEntryID,
	).Scan(&newCount)
	if err != nil {
		return false, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to increment subscriber count", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to commit attach", err)
	}
	return true, newCount, nil
}

// Detach deletes the active mapping for (target_id, target_type) across all
// job kinds and decrements each owning entry's count in one transaction.
// found=false (without error) when no active mapping exists, so removal is
// idempotent.
func (r *SubscriberMappingRepo) Detach(ctx context.Context, targetID string, targetType types.TargetType) (entryIDs []string, found bool, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to begin detach transaction", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`DELETE FROM subscriber_mappings
		 WHERE target_id = $1 AND target_type = $2 AND active
		 RETURNING schedule_entry_id`,
		targetID, targetType)
	if err != nil {
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to delete subscriber mapping", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to scan detached entry id", err)
		}
		entryIDs = append(entryIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate detached mappings", err)
	}

	if len(entryIDs) == 0 {
		return nil, false, tx.Commit(ctx)
	}

	for _, id := range entryIDs {
		_, err := tx.Exec(ctx,
			`UPDATE schedule_entries
			 SET subscriber_count = GREATEST(subscriber_count - 1, 0), updated_at = NOW()
			 WHERE id = $1`,
			id)
		if err != nil {
			return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to decrement subscriber count", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to commit detach", err)
	}
	return entryIDs, true, nil
}

// Repoint moves one active mapping to a different entry, updating the
// denormalized interval copy and both cached counts in one transaction.
// Returns the source entry ID.
func (r *SubscriberMappingRepo) Repoint(ctx context.Context, mappingID, toEntryID string, toInterval int) (fromEntryID string, err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to begin repoint transaction", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`SELECT schedule_entry_id FROM subscriber_mappings WHERE id = $1 AND active FOR UPDATE`,
		mappingID,
	).Scan(&fromEntryID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", types.NewAppError(types.ErrCodeNotFoundMapping, "subscriber mapping not found", err)
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to lock subscriber mapping", err)
	}

	if fromEntryID == toEntryID {
		// Already pointed at the destination; nothing to move.
		return fromEntryID, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx,
		`UPDATE subscriber_mappings
		 SET schedule_entry_id = $2, interval_hours = $3, updated_at = NOW()
		 WHERE id = $1`,
		mappingID, toEntryID, toInterval)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to repoint subscriber mapping", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE schedule_entries
		 SET subscriber_count = GREATEST(subscriber_count - 1, 0), updated_at = NOW()
		 WHERE id = $1`,
		fromEntryID)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to decrement source count", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE schedule_entries
		 SET subscriber_count = subscriber_count + 1, active = TRUE, updated_at = NOW()
		 WHERE id = $1`,
		toEntryID)
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to increment destination count", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to commit repoint", err)
	}
	return fromEntryID, nil
}

// MoveToEntry bulk-moves mappings to a destination entry, adjusting both
// cached counts by the number of rows actually moved. Used by split,
// rebalance, and consolidate.
func (r *SubscriberMappingRepo) MoveToEntry(ctx context.Context, mappingIDs []string, fromEntryID, toEntryID string, toInterval int) (moved int, err error) {
	if len(mappingIDs) == 0 {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to begin move transaction", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE subscriber_mappings
		 SET schedule_entry_id = $2, interval_hours = $3, updated_at = NOW()
		 WHERE id = ANY($1) AND schedule_entry_id = $4 AND active`,
		mappingIDs, toEntryID, toInterval, fromEntryID)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to move subscriber mappings", err)
	}
	moved = int(tag.RowsAffected())
	if moved == 0 {
		return 0, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx,
		`UPDATE schedule_entries
		 SET subscriber_count = GREATEST(subscriber_count - $2, 0), updated_at = NOW()
		 WHERE id = $1`,
		fromEntryID, moved)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to decrement source count", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE schedule_entries
		 SET subscriber_count = subscriber_count + $2, active = TRUE, updated_at = NOW()
		 WHERE id = $1`,
		toEntryID, moved)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to increment destination count", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to commit move", err)
	}
	return moved, nil
}

// SetCount force-sets an entry's cached count. Only the reconciler calls
// this, after recounting from the mapping table.
func (r *SubscriberMappingRepo) SetCount(ctx context.Context, entryID string, count int) error {
	_, err := r.db.Exec(ctx,
		`UPDATE schedule_entries
		 SET subscriber_count = $2, active = ($2 > 0), updated_at = NOW()
		 WHERE id = $1`,
		entryID, count)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set subscriber count", err)
	}
	return nil
}
