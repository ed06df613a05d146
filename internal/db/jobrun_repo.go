package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"reviewflow/internal/types"
)

// JobRunRepo provides data access for the job_runs table. The unique
// constraint on external_run_id is the idempotency anchor for webhook
// processing: terminal transitions are guarded so a redelivered completion
// callback affects zero rows and is detected as already processed.
type JobRunRepo struct {
	db DBTX
}

// NewJobRunRepo creates a JobRunRepo backed by the given database
// connection (pool or transaction).
func NewJobRunRepo(db DBTX) *JobRunRepo {
	return &JobRunRepo{db: db}
}

const runColumns = `id, tenant_id, target_type, run_kind, external_run_id,
	dataset_id, status, items_processed, items_new, items_duplicate,
	targets_updated, error_message, started_at, completed_at`

func scanRun(row pgx.Row) (*types.JobRun, error) {
	var jr types.JobRun
	var tenantID, datasetID, errMsg *string
	err := row.Scan(
		&jr.ID,
		&tenantID,
		&jr.TargetType,
		&jr.RunKind,
		&jr.ExternalRunID,
		&datasetID,
		&jr.Status,
		&jr.ItemsProcessed,
		&jr.ItemsNew,
		&jr.ItemsDuplicate,
		&jr.TargetsUpdated,
		&errMsg,
		&jr.StartedAt,
		&jr.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if tenantID != nil {
		jr.TenantID = *tenantID
	}
	if datasetID != nil {
		jr.DatasetID = *datasetID
	}
	if errMsg != nil {
		jr.ErrorMessage = *errMsg
	}
	return &jr, nil
}

// Create records a freshly launched run. Returns created=false when a row
// for the external_run_id already exists (e.g. the webhook claimed a
// scheduled run before this insert), which callers treat as benign.
func (r *JobRunRepo) Create(ctx context.Context, jr *types.JobRun) (created bool, err error) {
	var tenantID *string
	if jr.TenantID != "" {
		tenantID = &jr.TenantID
	}
	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_runs
		   (id, tenant_id, target_type, run_kind, external_run_id, status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (external_run_id) DO NOTHING`,
		jr.ID, tenantID, jr.TargetType, jr.RunKind, jr.ExternalRunID, jr.Status, jr.StartedAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to insert job run", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetByExternalRunID fetches the run record for an external run handle, or
// (nil, nil) when none exists (scheduled batch runs have no pre-created row).
func (r *JobRunRepo) GetByExternalRunID(ctx context.Context, externalRunID string) (*types.JobRun, error) {
	jr, err := scanRun(r.db.QueryRow(ctx,
		`SELECT `+runColumns+` FROM job_runs WHERE external_run_id = $1`, externalRunID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load job run", err)
	}
	return jr, nil
}

// ClaimCompletion claims the right to process a completion callback for
// the given run. It inserts a running row if none exists (scheduled runs),
// then checks the run against the terminal states. The row stays
// non-terminal until FinishSuccess or FinishFailure lands, so a processing
// attempt that dies midway leaves the run claimable by the platform's
// redelivery.
//
// claimed=false means a prior delivery already finished this run to a
// terminal state and the caller must skip all side effects.
func (r *JobRunRepo) ClaimCompletion(ctx context.Context, externalRunID, runID string, targetType types.TargetType, runKind types.RunKind) (claimed bool, err error) {
	// Ensure a row exists; scheduled/batch runs are created lazily here.
	_, err = r.db.Exec(ctx,
		`INSERT INTO job_runs (id, target_type, run_kind, external_run_id, status, started_at)
		 VALUES ($1, $2, $3, $4, 'running', NOW())
		 ON CONFLICT (external_run_id) DO NOTHING`,
		runID, targetType, runKind, externalRunID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to ensure job run row", err)
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE job_runs
		 SET status = 'running'
		 WHERE external_run_id = $1
		   AND status NOT IN ('succeeded', 'failed', 'aborted')`,
		externalRunID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim run completion", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FinishSuccess transitions a claimed run to its terminal succeeded state
// and stores the output attribution counts and dataset handle. The guard
// keeps the first finisher's numbers if deliveries race.
func (r *JobRunRepo) FinishSuccess(ctx context.Context, externalRunID, datasetID string, itemsProcessed, targetsUpdated int) error {
	_, err := r.db.Exec(ctx,
		`UPDATE job_runs
		 SET status = 'succeeded', completed_at = NOW(),
		     dataset_id = $2, items_processed = $3, targets_updated = $4
		 WHERE external_run_id = $1
		   AND status NOT IN ('succeeded', 'failed', 'aborted')`,
		externalRunID, datasetID, itemsProcessed, targetsUpdated)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish job run", err)
	}
	return nil
}

// FinishFailure transitions a claimed run to the given terminal failure
// state (failed or aborted) and stores the failure message.
func (r *JobRunRepo) FinishFailure(ctx context.Context, externalRunID string, status types.RunStatus, message string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE job_runs
		 SET status = $2, completed_at = NOW(), error_message = $3
		 WHERE external_run_id = $1
		   AND status NOT IN ('succeeded', 'failed', 'aborted')`,
		externalRunID, status, message)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record job run failure", err)
	}
	return nil
}

// ListStaleRunning returns runs still marked running that started before
// the cutoff. The reconciler checks these against the platform to catch
// completion callbacks that never arrived.
func (r *JobRunRepo) ListStaleRunning(ctx context.Context, before time.Time) ([]*types.JobRun, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+runColumns+`
		 FROM job_runs
		 WHERE status = 'running' AND started_at < $1
		 ORDER BY started_at ASC`,
		before)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list stale runs", err)
	}
	defer rows.Close()

	var out []*types.JobRun
	for rows.Next() {
		jr, err := scanRun(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan stale run", err)
		}
		out = append(out, jr)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate stale runs", err)
	}
	return out, nil
}

// ListRecent returns the most recent runs for the admin surface.
func (r *JobRunRepo) ListRecent(ctx context.Context, limit int) ([]*types.JobRun, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+runColumns+`
		 FROM job_runs
		 ORDER BY started_at DESC
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list job runs", err)
	}
	defer rows.Close()

	var out []*types.JobRun
	for rows.Next() {
		jr, err := scanRun(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job run", err)
		}
		out = append(out, jr)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate job runs", err)
	}
	return out, nil
}
