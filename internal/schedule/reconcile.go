package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"reviewflow/internal/alerts"
	"reviewflow/internal/external"
	"reviewflow/internal/types"
)

// reconcileParallelism bounds concurrent entry checks. Each check is a
// couple of queries plus at most one external push.
const reconcileParallelism = 4

// defaultStaleRunAge is how long a run may sit in running state before the
// reconciler suspects its completion callback was lost. Review scrapes
// finish in minutes; two hours leaves generous headroom.
const defaultStaleRunAge = 2 * time.Hour

// ReconcilerConfig tunes a reconciliation pass.
type ReconcilerConfig struct {
	// BatchLimit caps repairs per pass; drift beyond the cap is reported
	// and left for the next pass. 0 means unlimited.
	BatchLimit int
	// RebuildTimeout bounds each entry's rebuild push. 0 means no
	// per-entry deadline beyond the pass context.
	RebuildTimeout time.Duration
	// StaleRunAge overrides how old a running run must be before the
	// unclaimed-run check inspects it. 0 uses defaultStaleRunAge.
	StaleRunAge time.Duration
}

// RunAuditStore is the run-record surface of the unclaimed-run check.
// *db.JobRunRepo satisfies it.
type RunAuditStore interface {
	ListStaleRunning(ctx context.Context, before time.Time) ([]*types.JobRun, error)
}

// Alerter delivers operator alerts. *alerts.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, alert alerts.Alert) error
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Checked  int `json:"checked"`
	Drifted  int `json:"drifted"`
	Repaired int `json:"repaired"`
	Deferred int `json:"deferred"`
	Failed   int `json:"failed"`

	// UnclaimedRuns counts runs the platform finished but whose completion
	// callback never landed.
	UnclaimedRuns int `json:"unclaimed_runs"`
}

// Reconciler repairs drift between the mapping table and the cached
// subscriber counts, and re-pushes external inputs for drifted entries.
// It is the out-of-band retry path for rebuilds that failed on the
// synchronous request path.
type Reconciler struct {
	entries  EntryStore
	mappings MappingStore
	registry *Registry
	runs     RunAuditStore
	platform external.JobPlatform
	alerter  Alerter
	cfg      ReconcilerConfig
	logger   *slog.Logger
}

// NewReconciler wires a Reconciler. runs and platform feed the
// unclaimed-run check; passing nil for either disables it. A nil alerter
// keeps the check but only logs. A nil logger falls back to
// slog.Default().
func NewReconciler(
	entries EntryStore,
	mappings MappingStore,
	registry *Registry,
	runs RunAuditStore,
	platform external.JobPlatform,
	alerter Alerter,
	cfg ReconcilerConfig,
	logger *slog.Logger,
) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		entries:  entries,
		mappings: mappings,
		registry: registry,
		runs:     runs,
		platform: platform,
		alerter:  alerter,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run checks every schedule entry: where the cached subscriber count or
// active flag disagrees with the mapping table, the count is corrected and
// the external input rebuilt. Failures on individual entries are counted,
// logged, and do not stop the pass.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileReport, error) {
	entries, err := r.entries.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	report := &ReconcileReport{Checked: len(entries)}
	repairsStarted := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileParallelism)

	for _, entry := range entries {
		g.Go(func() error {
			live, err := r.mappings.CountActiveByEntry(gctx, entry.ID)
			if err != nil {
				r.logger.Error("reconcile count query failed", "entry_id", entry.ID, "error", err)
				mu.Lock()
				report.Failed++
				mu.Unlock()
				return nil
			}

			if live == entry.SubscriberCount && entry.Active == (live > 0) {
				return nil
			}

			mu.Lock()
			report.Drifted++
			overBudget := r.cfg.BatchLimit > 0 && repairsStarted >= r.cfg.BatchLimit
			if !overBudget {
				repairsStarted++
			}
			mu.Unlock()
			r.logger.Warn("schedule entry drifted",
				"entry_id", entry.ID, "group", entry.Group().String(),
				"cached_count", entry.SubscriberCount, "live_count", live,
				"active", entry.Active)

			if overBudget {
				mu.Lock()
				report.Deferred++
				mu.Unlock()
				r.logger.Info("reconcile repair deferred to next pass",
					"entry_id", entry.ID, "batch_limit", r.cfg.BatchLimit)
				return nil
			}

			rctx := gctx
			if r.cfg.RebuildTimeout > 0 {
				var cancel context.CancelFunc
				rctx, cancel = context.WithTimeout(gctx, r.cfg.RebuildTimeout)
				defer cancel()
			}

			// RebuildInput persists the live count and active flag, then
			// pushes the regenerated input.
			if err := r.registry.RebuildInput(rctx, entry.ID); err != nil {
				r.logger.Error("reconcile rebuild failed", "entry_id", entry.ID, "error", err)
				mu.Lock()
				report.Failed++
				mu.Unlock()
				return nil
			}

			mu.Lock()
			report.Repaired++
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}

	report.UnclaimedRuns = r.checkUnclaimedRuns(ctx)

	r.logger.Info("reconcile pass complete",
		"checked", report.Checked, "drifted", report.Drifted,
		"repaired", report.Repaired, "deferred", report.Deferred,
		"failed", report.Failed, "unclaimed_runs", report.UnclaimedRuns)
	return report, nil
}

// checkUnclaimedRuns looks for audit rows stuck in running state whose
// platform run already finished: the completion webhook was lost, so no
// reviews were dispatched for that run. Each one raises an operator alert;
// the row is left running so the check keeps firing until the run is
// investigated or the platform redelivers.
func (r *Reconciler) checkUnclaimedRuns(ctx context.Context) int {
	if r.runs == nil || r.platform == nil {
		return 0
	}

	age := r.cfg.StaleRunAge
	if age <= 0 {
		age = defaultStaleRunAge
	}
	stale, err := r.runs.ListStaleRunning(ctx, time.Now().UTC().Add(-age))
	if err != nil {
		r.logger.Error("stale run query failed", "error", err)
		return 0
	}

	unclaimed := 0
	for _, jr := range stale {
		run, err := r.platform.GetRun(ctx, jr.ExternalRunID)
		if err != nil {
			r.logger.Error("platform run lookup failed",
				"external_run_id", jr.ExternalRunID, "error", err)
			continue
		}
		if run.Status == "RUNNING" || run.Status == "READY" {
			continue
		}

		unclaimed++
		r.logger.Warn("run finished on platform but completion was never claimed",
			"external_run_id", jr.ExternalRunID, "platform_status", run.Status,
			"started_at", jr.StartedAt)
		if r.alerter == nil {
			continue
		}
		if err := r.alerter.Notify(ctx, alerts.Alert{
			Kind:          alerts.AlertRunUnclaimed,
			TenantID:      jr.TenantID,
			TargetType:    jr.TargetType,
			ExternalRunID: jr.ExternalRunID,
			Message: fmt.Sprintf("run %s finished on the platform with %s but its completion callback never arrived",
				jr.ExternalRunID, run.Status),
		}); err != nil {
			r.logger.Error("failed to send unclaimed run alert",
				"external_run_id", jr.ExternalRunID, "error", err)
		}
	}
	return unclaimed
}
