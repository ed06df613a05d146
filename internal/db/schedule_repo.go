package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"reviewflow/internal/types"
)

// ScheduleEntryRepo provides data access for the schedule_entries table.
// The (target_type, job_kind, interval_hours, batch_index) uniqueness
// constraint guards get-or-create against concurrent duplicate creation;
// callers insert optimistically and re-select on conflict.
type ScheduleEntryRepo struct {
	db DBTX
}

// NewScheduleEntryRepo creates a ScheduleEntryRepo backed by the given
// database connection (pool or transaction).
func NewScheduleEntryRepo(db DBTX) *ScheduleEntryRepo {
	return &ScheduleEntryRepo{db: db}
}

const entryColumns = `id, target_type, job_kind, interval_hours, batch_index,
	external_job_id, subscriber_count, active,
	last_run_at, next_run_at, created_at, updated_at`

func scanEntry(row pgx.Row) (*types.ScheduleEntry, error) {
	var e types.ScheduleEntry
	err := row.Scan(
		&e.ID,
		&e.TargetType,
		&e.JobKind,
		&e.IntervalHours,
		&e.BatchIndex,
		&e.ExternalJobID,
		&e.SubscriberCount,
		&e.Active,
		&e.LastRunAt,
		&e.NextRunAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetByID fetches a single entry. Returns a not-found AppError if no row
// exists.
func (r *ScheduleEntryRepo) GetByID(ctx context.Context, id string) (*types.ScheduleEntry, error) {
	e, err := scanEntry(r.db.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM schedule_entries WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule entry not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load schedule entry", err)
	}
	return e, nil
}

// GetByExternalJobID fetches the entry owning the given external job handle.
func (r *ScheduleEntryRepo) GetByExternalJobID(ctx context.Context, jobID string) (*types.ScheduleEntry, error) {
	e, err := scanEntry(r.db.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM schedule_entries WHERE external_job_id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule entry not found for external job", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load schedule entry", err)
	}
	return e, nil
}

// FindWithCapacity returns the group's entry with the lowest batch index
// whose cached subscriber count is below max. Deactivated entries qualify:
// an empty batch is reused before a new one is allocated. Returns (nil, nil)
// when every batch is full.
func (r *ScheduleEntryRepo) FindWithCapacity(ctx context.Context, group types.ScheduleGroup, max int) (*types.ScheduleEntry, error) {
	e, err := scanEntry(r.db.QueryRow(ctx,
		`SELECT `+entryColumns+`
		 FROM schedule_entries
		 WHERE target_type = $1 AND job_kind = $2 AND interval_hours = $3
		   AND subscriber_count < $4
		 ORDER BY batch_index ASC
		 LIMIT 1`,
		group.TargetType, group.JobKind, group.IntervalHours, max))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to find entry with capacity", err)
	}
	return e, nil
}

// NextBatchIndex returns the batch index a newly allocated entry in the
// group should use (max existing index + 1, or 0 for the first batch).
func (r *ScheduleEntryRepo) NextBatchIndex(ctx context.Context, group types.ScheduleGroup) (int, error) {
	var next int
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(batch_index) + 1, 0)
		 FROM schedule_entries
		 WHERE target_type = $1 AND job_kind = $2 AND interval_hours = $3`,
		group.TargetType, group.JobKind, group.IntervalHours,
	).Scan(&next)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to compute next batch index", err)
	}
	return next, nil
}

// Insert persists a new entry. Returns created=false without error when the
// (target_type, job_kind, interval_hours, batch_index) tuple already exists,
// letting get-or-create retry with a re-select instead of failing.
func (r *ScheduleEntryRepo) Insert(ctx context.Context, e *types.ScheduleEntry) (created bool, err error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO schedule_entries
		   (id, target_type, job_kind, interval_hours, batch_index,
		    external_job_id, subscriber_count, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		 ON CONFLICT (target_type, job_kind, interval_hours, batch_index) DO NOTHING`,
		e.ID, e.TargetType, e.JobKind, e.IntervalHours, e.BatchIndex,
		e.ExternalJobID, e.SubscriberCount, e.Active,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert schedule entry", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetByTuple fetches the entry for an exact (group, batch_index) tuple.
func (r *ScheduleEntryRepo) GetByTuple(ctx context.Context, group types.ScheduleGroup, batchIndex int) (*types.ScheduleEntry, error) {
	e, err := scanEntry(r.db.QueryRow(ctx,
		`SELECT `+entryColumns+`
		 FROM schedule_entries
		 WHERE target_type = $1 AND job_kind = $2 AND interval_hours = $3 AND batch_index = $4`,
		group.TargetType, group.JobKind, group.IntervalHours, batchIndex))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule entry not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load schedule entry", err)
	}
	return e, nil
}

// ListByGroup returns all batches of a group ordered by batch index.
func (r *ScheduleEntryRepo) ListByGroup(ctx context.Context, group types.ScheduleGroup) ([]*types.ScheduleEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM schedule_entries
		 WHERE target_type = $1 AND job_kind = $2 AND interval_hours = $3
		 ORDER BY batch_index ASC`,
		group.TargetType, group.JobKind, group.IntervalHours)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list schedule entries", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// ListAll returns every entry, active and inactive, ordered for stable
// display on the admin surface.
func (r *ScheduleEntryRepo) ListAll(ctx context.Context) ([]*types.ScheduleEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+entryColumns+`
		 FROM schedule_entries
		 ORDER BY target_type, job_kind, interval_hours, batch_index`)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list schedule entries", err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]*types.ScheduleEntry, error) {
	var out []*types.ScheduleEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan schedule entry", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate schedule entries", err)
	}
	return out, nil
}

// UpdateMembership persists the denormalized subscriber count and active
// flag after a rebuild confirms the external job reflects membership.
func (r *ScheduleEntryRepo) UpdateMembership(ctx context.Context, id string, count int, active bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE schedule_entries
		 SET subscriber_count = $2, active = $3, updated_at = NOW()
		 WHERE id = $1`,
		id, count, active)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update schedule membership", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule entry not found", nil)
	}
	return nil
}

// SetActive flips only the active flag; used by admin pause/resume.
func (r *ScheduleEntryRepo) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE schedule_entries SET active = $2, updated_at = NOW() WHERE id = $1`,
		id, active)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set schedule active flag", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule entry not found", nil)
	}
	return nil
}

// UpdateRunTimes records last-run/next-run bookkeeping after a completion
// callback. The webhook handler is the sole caller.
func (r *ScheduleEntryRepo) UpdateRunTimes(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE schedule_entries
		 SET last_run_at = $2, next_run_at = $3, updated_at = NOW()
		 WHERE id = $1`,
		id, lastRun, nextRun)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update schedule run times", err)
	}
	return nil
}

// Delete removes an entry row. Only the consolidation pass calls this, and
// only after reassigning every subscriber elsewhere.
func (r *ScheduleEntryRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM schedule_entries WHERE id = $1`, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			// Foreign key violation: mappings still reference the entry.
			return types.NewAppError(types.ErrCodeConflictConcurrent,
				"schedule entry still has subscriber mappings", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete schedule entry", err)
	}
	return nil
}
