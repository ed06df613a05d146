package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"reviewflow/internal/external"
	"reviewflow/internal/types"
)

// createRetries bounds the insert-on-conflict loop in GetOrCreate. Two
// concurrent creators resolve on the first retry; more contention than
// that means something is wrong.
const createRetries = 3

// WebhookConfig describes where the job platform should deliver completion
// callbacks. The token is compared against inbound requests before any
// processing.
type WebhookConfig struct {
	BaseURL string
	Token   types.SecretString
}

// CallbackURL renders the completion-callback URL for a target type and
// job kind. The token travels as a query parameter per the platform's
// webhook contract.
func (w WebhookConfig) CallbackURL(targetType types.TargetType, jobKind types.JobKind) string {
	q := url.Values{}
	q.Set("token", w.Token.Unmask())
	q.Set("targetType", string(targetType))
	q.Set("jobKind", string(jobKind))
	return fmt.Sprintf("%s/webhooks/apify?%s", w.BaseURL, q.Encode())
}

// Registry owns the interval schedule entries: it finds or creates the
// batch a new subscriber lands in and keeps each entry's external job
// input in sync with its active subscriber set.
type Registry struct {
	entries  EntryStore
	mappings MappingStore
	platform external.JobPlatform
	webhook  WebhookConfig
	logger   *slog.Logger
}

// NewRegistry wires a Registry. A nil logger falls back to slog.Default().
func NewRegistry(entries EntryStore, mappings MappingStore, platform external.JobPlatform, webhook WebhookConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:  entries,
		mappings: mappings,
		platform: platform,
		webhook:  webhook,
		logger:   logger,
	}
}

// GetOrCreate returns an entry in the group with spare capacity, preferring
// the lowest batch index, creating a new batch when every existing one is
// full. Safe under concurrent invocation for the same group: the tuple
// uniqueness constraint plus a bounded retry resolves duplicate creation.
func (r *Registry) GetOrCreate(ctx context.Context, group types.ScheduleGroup) (*types.ScheduleEntry, error) {
	max := types.MaxBatchSize(group.TargetType)

	entry, err := r.entries.FindWithCapacity(ctx, group, max)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		return entry, nil
	}

	for attempt := 0; attempt < createRetries; attempt++ {
		entry, err = r.createBatch(ctx, group)
		if err == nil {
			return entry, nil
		}
		appErr, ok := types.AsAppError(err)
		if !ok || appErr.Code != types.ErrCodeConflictConcurrent {
			return nil, err
		}

		// Lost the index race; the winner's batch may have room.
		entry, err = r.entries.FindWithCapacity(ctx, group, max)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return entry, nil
		}
	}

	return nil, types.NewAppError(types.ErrCodeConflictConcurrent,
		fmt.Sprintf("could not allocate batch for %s after %d attempts", group, createRetries), nil)
}

// CreateBatch always allocates the group's next batch index, regardless of
// spare capacity in existing batches. Split uses it to open a fresh batch.
func (r *Registry) CreateBatch(ctx context.Context, group types.ScheduleGroup) (*types.ScheduleEntry, error) {
	for attempt := 0; attempt < createRetries; attempt++ {
		entry, err := r.createBatch(ctx, group)
		if err == nil {
			return entry, nil
		}
		if appErr, ok := types.AsAppError(err); !ok || appErr.Code != types.ErrCodeConflictConcurrent {
			return nil, err
		}
	}
	return nil, types.NewAppError(types.ErrCodeConflictConcurrent,
		fmt.Sprintf("could not allocate batch for %s after %d attempts", group, createRetries), nil)
}

// createBatch provisions the external recurring job (disabled, empty
// input) and inserts the entry row. An insert conflict means another
// request claimed the same batch index; the orphan external job is removed
// best-effort and a concurrency conflict is returned for the caller's
// retry loop.
func (r *Registry) createBatch(ctx context.Context, group types.ScheduleGroup) (*types.ScheduleEntry, error) {
	batchIndex, err := r.entries.NextBatchIndex(ctx, group)
	if err != nil {
		return nil, err
	}

	cronExpr, err := CronForEntry(group.IntervalHours, batchIndex)
	if err != nil {
		return nil, err
	}
	actorID, err := external.ActorIDFor(group.TargetType, group.JobKind)
	if err != nil {
		return nil, err
	}
	emptyInput, err := external.BuildActorInput(group.TargetType, group.JobKind, nil)
	if err != nil {
		return nil, err
	}

	sched, err := r.platform.CreateSchedule(ctx, external.CreateScheduleInput{
		Name:       EntryName(group, batchIndex),
		CronExpr:   cronExpr,
		Timezone:   "UTC",
		ActorID:    actorID,
		Input:      emptyInput,
		WebhookURL: r.webhook.CallbackURL(group.TargetType, group.JobKind),
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	entry := &types.ScheduleEntry{
		ID:            uuid.NewString(),
		TargetType:    group.TargetType,
		JobKind:       group.JobKind,
		IntervalHours: group.IntervalHours,
		BatchIndex:    batchIndex,
		ExternalJobID: sched.ID,
		Active:        false,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if next, nerr := NextRunAfter(cronExpr, now); nerr == nil {
		entry.NextRunAt = &next
	}

	created, err := r.entries.Insert(ctx, entry)
	if err != nil {
		return nil, err
	}
	if !created {
		if derr := r.platform.DeleteSchedule(ctx, sched.ID); derr != nil {
			r.logger.Warn("failed to remove orphan external job after insert conflict",
				"external_job_id", sched.ID, "group", group.String(), "error", derr)
		}
		return nil, types.NewAppError(types.ErrCodeConflictConcurrent,
			fmt.Sprintf("batch index %d for %s was claimed concurrently", batchIndex, group), nil)
	}

	r.logger.Info("created schedule batch",
		"entry_id", entry.ID, "group", group.String(),
		"batch_index", batchIndex, "external_job_id", sched.ID, "cron", cronExpr)
	return entry, nil
}

// RebuildInput recomputes the entry's active subscriber identifiers,
// persists the count and active flag, then pushes the regenerated input to
// the external job and flips its enabled state to match. The database is
// written first: a failed external push leaves the job's input stale,
// which the reconciler repairs, never the row out of sync with the
// mapping table.
func (r *Registry) RebuildInput(ctx context.Context, entryID string) error {
	entry, err := r.entries.GetByID(ctx, entryID)
	if err != nil {
		return err
	}

	maps, err := r.mappings.ListActiveByEntry(ctx, entryID)
	if err != nil {
		return err
	}
	identifiers := make([]string, 0, len(maps))
	for _, m := range maps {
		identifiers = append(identifiers, m.ExternalIdentifier)
	}
	active := len(identifiers) > 0

	if err := r.entries.UpdateMembership(ctx, entryID, len(identifiers), active); err != nil {
		return err
	}

	input, err := external.BuildActorInput(entry.TargetType, entry.JobKind, identifiers)
	if err != nil {
		return err
	}
	if err := r.platform.UpdateScheduleInput(ctx, entry.ExternalJobID, input); err != nil {
		r.logger.Error("external input push failed, job input is stale until reconciled",
			"entry_id", entryID, "external_job_id", entry.ExternalJobID, "error", err)
		return err
	}
	if err := r.platform.SetScheduleEnabled(ctx, entry.ExternalJobID, active); err != nil {
		r.logger.Error("external enable flip failed",
			"entry_id", entryID, "external_job_id", entry.ExternalJobID,
			"enabled", active, "error", err)
		return err
	}

	r.logger.Info("rebuilt schedule input",
		"entry_id", entryID, "group", entry.Group().String(),
		"batch_index", entry.BatchIndex, "subscribers", len(identifiers), "enabled", active)
	return nil
}

// DeleteEntry removes the entry's external job and its row. Used by
// consolidation after a batch has been emptied.
func (r *Registry) DeleteEntry(ctx context.Context, entry *types.ScheduleEntry) error {
	if err := r.platform.DeleteSchedule(ctx, entry.ExternalJobID); err != nil {
		return err
	}
	return r.entries.Delete(ctx, entry.ID)
}
