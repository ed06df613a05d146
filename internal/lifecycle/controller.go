package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"reviewflow/internal/billing"
	"reviewflow/internal/external"
	"reviewflow/internal/schedule"
	"reviewflow/internal/types"
)

// Orchestrator is the scheduling surface the controller drives.
type Orchestrator interface {
	AddSubscriber(ctx context.Context, targetID, tenantID string, targetType types.TargetType, externalIdentifier string, intervalHours int) (*schedule.Result, error)
	MoveSubscriber(ctx context.Context, targetID string, targetType types.TargetType, fromIntervalHours, toIntervalHours int) (*schedule.Result, error)
	RemoveSubscriber(ctx context.Context, targetID string, targetType types.TargetType) (*schedule.Result, error)
}

// TargetStore is the persistence surface for tracked targets.
type TargetStore interface {
	GetByIdentifier(ctx context.Context, targetType types.TargetType, externalID string) (*types.Target, error)
	Insert(ctx context.Context, t *types.Target) error
	ListByTenant(ctx context.Context, tenantID string, targetType types.TargetType) ([]*types.Target, error)
	Delete(ctx context.Context, id string) error
}

// MappingReader exposes the tenant-scoped mapping reads the controller
// needs to translate tier changes and cancellations.
type MappingReader interface {
	ListActiveByTenant(ctx context.Context, tenantID string, targetType types.TargetType) ([]*types.SubscriberMapping, error)
}

// SubscriptionStore mirrors billing subscription state.
type SubscriptionStore interface {
	Get(ctx context.Context, tenantID string) (*types.TenantSubscription, error)
	Upsert(ctx context.Context, s *types.TenantSubscription) error
}

// RunRecorder persists audit records for the one-off runs the controller
// launches.
type RunRecorder interface {
	Create(ctx context.Context, jr *types.JobRun) (created bool, err error)
}

type handlerFunc func(ctx context.Context, e Event) (*Report, error)

// Controller turns lifecycle events into orchestrator calls. Handlers are
// looked up in a dispatch table keyed by event kind; adding an event means
// adding a handler, not growing a switch.
type Controller struct {
	orch     Orchestrator
	targets  TargetStore
	mappings MappingReader
	subs     SubscriptionStore
	resolver *billing.IntervalResolver
	plans    billing.PlanRegistry
	platform external.JobPlatform
	runs     RunRecorder
	webhook  schedule.WebhookConfig
	logger   *slog.Logger

	handlers map[EventKind]handlerFunc
}

// NewController wires a Controller. A nil logger falls back to
// slog.Default().
func NewController(
	orch Orchestrator,
	targets TargetStore,
	mappings MappingReader,
	subs SubscriptionStore,
	resolver *billing.IntervalResolver,
	plans billing.PlanRegistry,
	platform external.JobPlatform,
	runs RunRecorder,
	webhook schedule.WebhookConfig,
	logger *slog.Logger,
) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		orch:     orch,
		targets:  targets,
		mappings: mappings,
		subs:     subs,
		resolver: resolver,
		plans:    plans,
		platform: platform,
		runs:     runs,
		webhook:  webhook,
		logger:   logger,
	}
	c.handlers = map[EventKind]handlerFunc{
		EventSubscriptionCreated:   c.handleSubscriptionCreated,
		EventSubscriptionUpdated:   c.handleSubscriptionUpdated,
		EventSubscriptionCancelled: c.handleSubscriptionCancelled,
		EventTargetAdded:           c.handleTargetAdded,
		EventTargetRemoved:         c.handleTargetRemoved,
	}
	return c
}

// Handle validates and dispatches one lifecycle event. Per-source failures
// land in the Report; only validation and dispatch problems surface as a
// hard error.
func (c *Controller) Handle(ctx context.Context, e Event) (*Report, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	h, ok := c.handlers[e.Kind]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField,
			"no handler for event kind "+string(e.Kind), nil)
	}

	report, err := h(ctx, e)
	if err != nil {
		return nil, err
	}
	c.logger.Info("lifecycle event processed",
		"kind", e.Kind, "tenant_id", e.TenantID,
		"added", report.SubscribersAdded, "moved", report.SubscribersMoved,
		"removed", report.SubscribersRemoved, "skipped", report.SubscribersSkipped,
		"runs_launched", report.RunsLaunched, "deferred", report.Deferred,
		"failures", len(report.Failures))
	return report, nil
}

// handleSubscriptionCreated activates scheduling for every target the
// tenant already configured, per enabled source: launch a one-off
// full-history run, then enroll the target at the plan-derived interval.
// Sources are isolated; one source's failure does not abort the others.
func (c *Controller) handleSubscriptionCreated(ctx context.Context, e Event) (*Report, error) {
	report := &Report{TenantID: e.TenantID, Kind: e.Kind}

	if err := c.subs.Upsert(ctx, &types.TenantSubscription{
		TenantID: e.TenantID,
		Plan:     e.Plan,
		Status:   types.SubscriptionActive,
	}); err != nil {
		return nil, err
	}

	limits := c.plans.GetLimits(e.Plan)
	for _, source := range limits.Sources {
		interval, err := c.resolver.Resolve(ctx, e.TenantID, e.Plan, source)
		if err != nil {
			report.fail("%s: resolving interval: %v", source, err)
			continue
		}
		targets, err := c.targets.ListByTenant(ctx, e.TenantID, source)
		if err != nil {
			report.fail("%s: listing targets: %v", source, err)
			continue
		}
		for _, target := range targets {
			c.activateTarget(ctx, report, target, interval)
		}
	}
	return report, nil
}

// handleSubscriptionUpdated moves every mapped target to the tier's new
// interval. Targets already at the right interval are skipped; sources the
// new plan no longer enables have their targets unsubscribed.
func (c *Controller) handleSubscriptionUpdated(ctx context.Context, e Event) (*Report, error) {
	report := &Report{TenantID: e.TenantID, Kind: e.Kind}

	if err := c.subs.Upsert(ctx, &types.TenantSubscription{
		TenantID: e.TenantID,
		Plan:     e.Plan,
		Status:   types.SubscriptionActive,
	}); err != nil {
		return nil, err
	}

	limits := c.plans.GetLimits(e.Plan)
	for _, source := range types.AllTargetTypes {
		maps, err := c.mappings.ListActiveByTenant(ctx, e.TenantID, source)
		if err != nil {
			report.fail("%s: listing mappings: %v", source, err)
			continue
		}
		if len(maps) == 0 {
			continue
		}

		if !limits.EnablesSource(source) {
			for _, targetID := range uniqueTargetIDs(maps) {
				if _, err := c.orch.RemoveSubscriber(ctx, targetID, source); err != nil {
					report.fail("%s: removing %s: %v", source, targetID, err)
					continue
				}
				report.SubscribersRemoved++
			}
			continue
		}

		interval, err := c.resolver.Resolve(ctx, e.TenantID, e.Plan, source)
		if err != nil {
			report.fail("%s: resolving interval: %v", source, err)
			continue
		}
		for targetID, current := range currentIntervals(maps) {
			if current == interval {
				report.SubscribersSkipped++
				continue
			}
			res, err := c.orch.MoveSubscriber(ctx, targetID, source, current, interval)
			if err != nil {
				report.fail("%s: moving %s: %v", source, targetID, err)
				continue
			}
			if ferr := res.FirstErr(); ferr != nil {
				report.fail("%s: moving %s: %v", source, targetID, ferr)
				continue
			}
			report.SubscribersMoved++
		}
	}
	return report, nil
}

// handleSubscriptionCancelled unsubscribes every target the tenant owns,
// across all sources.
func (c *Controller) handleSubscriptionCancelled(ctx context.Context, e Event) (*Report, error) {
	report := &Report{TenantID: e.TenantID, Kind: e.Kind}

	sub, err := c.subs.Get(ctx, e.TenantID)
	if err != nil {
		return nil, err
	}
	plan := types.PlanFree
	if sub != nil {
		plan = sub.Plan
	}
	if err := c.subs.Upsert(ctx, &types.TenantSubscription{
		TenantID: e.TenantID,
		Plan:     plan,
		Status:   types.SubscriptionCanceled,
	}); err != nil {
		return nil, err
	}

	maps, err := c.mappings.ListActiveByTenant(ctx, e.TenantID, "")
	if err != nil {
		return nil, err
	}
	for _, pair := range uniqueTargetPairs(maps) {
		if _, err := c.orch.RemoveSubscriber(ctx, pair.targetID, pair.targetType); err != nil {
			report.fail("%s: removing %s: %v", pair.targetType, pair.targetID, err)
			continue
		}
		report.SubscribersRemoved++
	}
	return report, nil
}

// handleTargetAdded enrolls a newly configured target. Without an active
// subscription nothing happens now: the report carries a clear deferral
// signal and the target activates with the next subscription event.
func (c *Controller) handleTargetAdded(ctx context.Context, e Event) (*Report, error) {
	report := &Report{TenantID: e.TenantID, Kind: e.Kind}

	sub, err := c.subs.Get(ctx, e.TenantID)
	if err != nil {
		return nil, err
	}
	if !sub.ActiveSubscription() {
		report.Deferred = true
		c.logger.Info("target added without active subscription, deferring",
			"tenant_id", e.TenantID, "target_type", e.TargetType,
			"external_identifier", e.ExternalIdentifier)
		return report, nil
	}

	limits := c.plans.GetLimits(sub.Plan)
	if !limits.EnablesSource(e.TargetType) {
		report.Deferred = true
		c.logger.Info("target's source not enabled by plan, deferring",
			"tenant_id", e.TenantID, "target_type", e.TargetType, "plan", sub.Plan)
		return report, nil
	}

	target, err := c.ensureTarget(ctx, e, limits.MaxTargets)
	if err != nil {
		return nil, err
	}
	interval, err := c.resolver.Resolve(ctx, e.TenantID, sub.Plan, e.TargetType)
	if err != nil {
		return nil, err
	}

	c.activateTarget(ctx, report, target, interval)
	return report, nil
}

// handleTargetRemoved unsubscribes one target and drops its record.
// Removing an unknown target succeeds as a no-op.
func (c *Controller) handleTargetRemoved(ctx context.Context, e Event) (*Report, error) {
	report := &Report{TenantID: e.TenantID, Kind: e.Kind}

	target, err := c.targets.GetByIdentifier(ctx, e.TargetType, e.ExternalIdentifier)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return report, nil
	}

	if _, err := c.orch.RemoveSubscriber(ctx, target.ID, e.TargetType); err != nil {
		report.fail("%s: removing %s: %v", e.TargetType, target.ID, err)
		return report, nil
	}
	report.SubscribersRemoved++

	if err := c.targets.Delete(ctx, target.ID); err != nil {
		report.fail("%s: deleting target record %s: %v", e.TargetType, target.ID, err)
	}
	return report, nil
}

// activateTarget launches the full-history run and enrolls the target.
// Failures are recorded on the report, not returned.
func (c *Controller) activateTarget(ctx context.Context, report *Report, target *types.Target, intervalHours int) {
	launched, err := c.launchInitialRuns(ctx, target)
	report.RunsLaunched += launched
	if err != nil {
		report.fail("%s: initial run for %s: %v", target.TargetType, target.ID, err)
	}

	res, err := c.orch.AddSubscriber(ctx, target.ID, target.TenantID, target.TargetType, target.ExternalIdentifier, intervalHours)
	if err != nil {
		report.fail("%s: adding %s: %v", target.TargetType, target.ID, err)
		return
	}
	if ferr := res.FirstErr(); ferr != nil {
		report.fail("%s: adding %s: %v", target.TargetType, target.ID, ferr)
		return
	}
	report.SubscribersAdded++
}

// launchInitialRuns starts one full-history run per job kind for the
// target and records each as a JobRun audit row.
func (c *Controller) launchInitialRuns(ctx context.Context, target *types.Target) (int, error) {
	launched := 0
	for _, kind := range types.JobKindsFor(target.TargetType) {
		actorID, err := external.ActorIDFor(target.TargetType, kind)
		if err != nil {
			return launched, err
		}
		input, err := external.BuildActorInput(target.TargetType, kind, []string{target.ExternalIdentifier})
		if err != nil {
			return launched, err
		}

		run, err := c.platform.RunActor(ctx, actorID, input, c.webhook.CallbackURL(target.TargetType, kind))
		if err != nil {
			return launched, err
		}
		launched++

		if _, err := c.runs.Create(ctx, &types.JobRun{
			ID:            uuid.NewString(),
			TenantID:      target.TenantID,
			TargetType:    target.TargetType,
			RunKind:       types.RunKindInitial,
			ExternalRunID: run.ID,
			Status:        types.RunStatusRunning,
			StartedAt:     time.Now().UTC(),
		}); err != nil {
			c.logger.Error("failed to record initial run",
				"tenant_id", target.TenantID, "target_id", target.ID,
				"external_run_id", run.ID, "error", err)
		}
	}
	return launched, nil
}

// ensureTarget returns the tracked-target record for the event, creating
// it when the dashboard side has not synced one yet. Creating a new record
// counts against the plan's target cap (maxTargets 0 means unlimited);
// re-adding an already tracked target never does.
func (c *Controller) ensureTarget(ctx context.Context, e Event, maxTargets int) (*types.Target, error) {
	target, err := c.targets.GetByIdentifier(ctx, e.TargetType, e.ExternalIdentifier)
	if err != nil {
		return nil, err
	}
	if target != nil {
		return target, nil
	}

	if maxTargets > 0 {
		existing, err := c.targets.ListByTenant(ctx, e.TenantID, "")
		if err != nil {
			return nil, err
		}
		if len(existing) >= maxTargets {
			return nil, types.NewAppError(types.ErrCodeCapacityPlanLimit,
				fmt.Sprintf("plan allows %d tracked targets, tenant %s already has %d",
					maxTargets, e.TenantID, len(existing)), nil)
		}
	}

	target = &types.Target{
		ID:                 uuid.NewString(),
		TenantID:           e.TenantID,
		TargetType:         e.TargetType,
		ExternalIdentifier: e.ExternalIdentifier,
		Name:               e.TargetName,
		CreatedAt:          time.Now().UTC(),
	}
	if err := c.targets.Insert(ctx, target); err != nil {
		return nil, err
	}
	return target, nil
}

type targetPair struct {
	targetID   string
	targetType types.TargetType
}

func uniqueTargetPairs(maps []*types.SubscriberMapping) []targetPair {
	seen := make(map[targetPair]bool, len(maps))
	var out []targetPair
	for _, m := range maps {
		p := targetPair{targetID: m.TargetID, targetType: m.TargetType}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func uniqueTargetIDs(maps []*types.SubscriberMapping) []string {
	seen := make(map[string]bool, len(maps))
	var out []string
	for _, m := range maps {
		if !seen[m.TargetID] {
			seen[m.TargetID] = true
			out = append(out, m.TargetID)
		}
	}
	return out
}

// currentIntervals maps each target to its current interval, taking the
// first mapping seen per target (all of a target's mappings share one
// interval by construction).
func currentIntervals(maps []*types.SubscriberMapping) map[string]int {
	out := make(map[string]int, len(maps))
	for _, m := range maps {
		if _, ok := out[m.TargetID]; !ok {
			out[m.TargetID] = m.IntervalHours
		}
	}
	return out
}
