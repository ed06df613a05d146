package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"reviewflow/internal/types"
)

// KindOutcome records the result of one job kind's subscription change.
// AlreadyExisted marks a retry-safe no-op: the mapping was in place before
// the call.
type KindOutcome struct {
	JobKind        types.JobKind `json:"job_kind"`
	EntryID        string        `json:"entry_id,omitempty"`
	AlreadyExisted bool          `json:"already_existed,omitempty"`
	Skipped        bool          `json:"skipped,omitempty"`
	Err            error         `json:"-"`
	ErrMessage     string        `json:"error,omitempty"`
}

// Result reports a subscription operation per job kind. One kind's failure
// never hides another kind's success.
type Result struct {
	TargetID string        `json:"target_id"`
	Outcomes []KindOutcome `json:"outcomes"`
}

// Succeeded counts outcomes that completed without error.
func (r *Result) Succeeded() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}

// Failed counts outcomes that ended in error.
func (r *Result) Failed() int {
	return len(r.Outcomes) - r.Succeeded()
}

// FirstErr returns the first per-kind error, or nil when everything
// succeeded. Callers that need the full picture walk Outcomes.
func (r *Result) FirstErr() error {
	for _, o := range r.Outcomes {
		if o.Err != nil {
			return o.Err
		}
	}
	return nil
}

func (r *Result) add(o KindOutcome) {
	if o.Err != nil {
		o.ErrMessage = o.Err.Error()
	}
	r.Outcomes = append(r.Outcomes, o)
}

// Orchestrator is the single entry point for mutating scheduling state. It
// guarantees at most one active mapping per (target, job kind) and keeps
// every touched entry's external input rebuilt.
type Orchestrator struct {
	registry *Registry
	capacity *Capacity
	mappings MappingStore
	logger   *slog.Logger
}

// NewOrchestrator wires an Orchestrator. A nil logger falls back to
// slog.Default().
func NewOrchestrator(registry *Registry, capacity *Capacity, mappings MappingStore, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		registry: registry,
		capacity: capacity,
		mappings: mappings,
		logger:   logger,
	}
}

// AddSubscriber enrolls a target into every job kind its target type
// participates in, at the given interval. Retry-safe: a kind whose active
// mapping already exists is reported as AlreadyExisted, never double
// counted. Kinds are processed independently so a partial failure is
// visible in the Result rather than swallowed.
func (o *Orchestrator) AddSubscriber(ctx context.Context, targetID, tenantID string, targetType types.TargetType, externalIdentifier string, intervalHours int) (*Result, error) {
	if _, err := types.ParseTargetType(string(targetType)); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationTargetType, err.Error(), err)
	}
	if intervalHours <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInterval,
			fmt.Sprintf("interval must be positive, got %d", intervalHours), nil)
	}
	if externalIdentifier == "" {
		return nil, types.NewAppError(types.ErrCodeValidationIdentifier,
			"external identifier is required", nil)
	}

	result := &Result{TargetID: targetID}
	for _, kind := range types.JobKindsFor(targetType) {
		outcome := o.addForKind(ctx, targetID, tenantID, targetType, kind, externalIdentifier, intervalHours)
		result.add(outcome)
		if outcome.Err != nil {
			o.logger.Error("add subscriber failed for job kind",
				"target_id", targetID, "tenant_id", tenantID,
				"target_type", targetType, "job_kind", kind, "error", outcome.Err)
		}
	}
	return result, nil
}

func (o *Orchestrator) addForKind(ctx context.Context, targetID, tenantID string, targetType types.TargetType, kind types.JobKind, externalIdentifier string, intervalHours int) KindOutcome {
	group := types.ScheduleGroup{TargetType: targetType, JobKind: kind, IntervalHours: intervalHours}

	entry, err := o.registry.GetOrCreate(ctx, group)
	if err != nil {
		return KindOutcome{JobKind: kind, Err: err}
	}

	now := time.Now().UTC()
	created, _, err := o.mappings.Attach(ctx, &types.SubscriberMapping{
		ID:                 uuid.NewString(),
		TargetID:           targetID,
		TenantID:           tenantID,
		TargetType:         targetType,
		JobKind:            kind,
		ScheduleEntryID:    entry.ID,
		ExternalIdentifier: externalIdentifier,
		IntervalHours:      intervalHours,
		Active:             true,
		CreatedAt:          now,
		UpdatedAt:          now,
	})
	if err != nil {
		return KindOutcome{JobKind: kind, EntryID: entry.ID, Err: err}
	}
	if !created {
		// Retrying the same enrollment is a no-op; an active mapping at a
		// different interval is a real conflict and needs MoveSubscriber.
		existing, gerr := o.mappings.GetActive(ctx, targetID, kind)
		if gerr != nil {
			return KindOutcome{JobKind: kind, EntryID: entry.ID, Err: gerr}
		}
		if existing != nil && existing.IntervalHours != intervalHours {
			return KindOutcome{JobKind: kind, EntryID: existing.ScheduleEntryID,
				Err: types.NewAppError(types.ErrCodeConflictDuplicateMapping,
					fmt.Sprintf("target %s already subscribed to %s every %dh", targetID, kind, existing.IntervalHours), nil)}
		}
		return KindOutcome{JobKind: kind, EntryID: entry.ID, AlreadyExisted: true}
	}

	split, err := o.capacity.ShouldSplit(ctx, entry.ID)
	if err != nil {
		return KindOutcome{JobKind: kind, EntryID: entry.ID, Err: err}
	}
	if split {
		// Split rebuilds both source and destination.
		if err := o.capacity.Split(ctx, entry.ID); err != nil {
			return KindOutcome{JobKind: kind, EntryID: entry.ID, Err: err}
		}
		return KindOutcome{JobKind: kind, EntryID: entry.ID}
	}

	if err := o.registry.RebuildInput(ctx, entry.ID); err != nil {
		return KindOutcome{JobKind: kind, EntryID: entry.ID, Err: err}
	}
	return KindOutcome{JobKind: kind, EntryID: entry.ID}
}

// MoveSubscriber re-points a target's mappings from one interval to
// another and rebuilds both sides. Kinds already at the destination
// interval are skipped; a target with no mapping for a kind is skipped
// too.
func (o *Orchestrator) MoveSubscriber(ctx context.Context, targetID string, targetType types.TargetType, fromIntervalHours, toIntervalHours int) (*Result, error) {
	if toIntervalHours <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInterval,
			fmt.Sprintf("interval must be positive, got %d", toIntervalHours), nil)
	}

	result := &Result{TargetID: targetID}
	if fromIntervalHours == toIntervalHours {
		for _, kind := range types.JobKindsFor(targetType) {
			result.add(KindOutcome{JobKind: kind, Skipped: true})
		}
		return result, nil
	}

	for _, kind := range types.JobKindsFor(targetType) {
		result.add(o.moveForKind(ctx, targetID, targetType, kind, toIntervalHours))
	}
	return result, nil
}

func (o *Orchestrator) moveForKind(ctx context.Context, targetID string, targetType types.TargetType, kind types.JobKind, toIntervalHours int) KindOutcome {
	m, err := o.mappings.GetActive(ctx, targetID, kind)
	if err != nil {
		return KindOutcome{JobKind: kind, Err: err}
	}
	if m == nil || m.IntervalHours == toIntervalHours {
		return KindOutcome{JobKind: kind, Skipped: true}
	}

	dest, err := o.registry.GetOrCreate(ctx, types.ScheduleGroup{
		TargetType:    targetType,
		JobKind:       kind,
		IntervalHours: toIntervalHours,
	})
	if err != nil {
		return KindOutcome{JobKind: kind, Err: err}
	}

	fromEntryID, err := o.mappings.Repoint(ctx, m.ID, dest.ID, toIntervalHours)
	if err != nil {
		return KindOutcome{JobKind: kind, EntryID: dest.ID, Err: err}
	}

	if fromEntryID != "" && fromEntryID != dest.ID {
		if err := o.registry.RebuildInput(ctx, fromEntryID); err != nil {
			return KindOutcome{JobKind: kind, EntryID: dest.ID, Err: err}
		}
	}
	if err := o.registry.RebuildInput(ctx, dest.ID); err != nil {
		return KindOutcome{JobKind: kind, EntryID: dest.ID, Err: err}
	}
	return KindOutcome{JobKind: kind, EntryID: dest.ID}
}

// RemoveSubscriber drops every active mapping the target holds and
// rebuilds the entries it left. Removing an already-absent target succeeds
// as a no-op.
func (o *Orchestrator) RemoveSubscriber(ctx context.Context, targetID string, targetType types.TargetType) (*Result, error) {
	result := &Result{TargetID: targetID}

	entryIDs, found, err := o.mappings.Detach(ctx, targetID, targetType)
	if err != nil {
		return nil, err
	}
	if !found {
		return result, nil
	}

	for _, entryID := range entryIDs {
		outcome := KindOutcome{EntryID: entryID}
		if err := o.registry.RebuildInput(ctx, entryID); err != nil {
			outcome.Err = err
			o.logger.Error("rebuild after detach failed, input stale until reconciled",
				"target_id", targetID, "entry_id", entryID, "error", err)
		}
		result.add(outcome)
	}
	return result, nil
}

// UpdateScheduleInput forces a resync of one entry's external input
// without a membership change. Exposed for admin-triggered refreshes.
func (o *Orchestrator) UpdateScheduleInput(ctx context.Context, entryID string) error {
	return o.registry.RebuildInput(ctx, entryID)
}
