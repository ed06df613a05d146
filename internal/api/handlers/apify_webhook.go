// Package handlers contains the HTTP handler implementations for the
// reviewflow scheduler API.
//
// The webhook handlers are NOT behind auth middleware -- they are called
// directly by the job platform and the billing provider. Each verifies its
// own credential: a shared token query parameter for the job platform, a
// signature header for billing.
package handlers

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"reviewflow/internal/alerts"
	"reviewflow/internal/core"
	"reviewflow/internal/metrics"
	"reviewflow/internal/schedule"
	"reviewflow/internal/types"
)

// maxWebhookBodySize caps the job platform's callback payload (64 KB). The
// callback carries run metadata only; datasets are fetched separately.
const maxWebhookBodySize = 64 * 1024

// RunStore is the job-run persistence surface the webhook handler needs.
// *db.JobRunRepo satisfies it.
type RunStore interface {
	ClaimCompletion(ctx context.Context, externalRunID, runID string, targetType types.TargetType, runKind types.RunKind) (claimed bool, err error)
	FinishSuccess(ctx context.Context, externalRunID, datasetID string, itemsProcessed, targetsUpdated int) error
	FinishFailure(ctx context.Context, externalRunID string, status types.RunStatus, message string) error
}

// DatasetFetcher is the read-side of the job platform the handler uses to
// pull a completed run's output.
type DatasetFetcher interface {
	FetchDatasetItems(ctx context.Context, datasetID string) ([]types.ReviewItem, error)
}

// TargetResolver attributes dataset items back to tracked targets.
type TargetResolver interface {
	GetByIdentifier(ctx context.Context, targetType types.TargetType, externalID string) (*types.Target, error)
}

// MappingResolver finds the schedule entry a target's recurring job runs
// under, so the entry's run times can be advanced.
type MappingResolver interface {
	GetActive(ctx context.Context, targetID string, kind types.JobKind) (*types.SubscriberMapping, error)
}

// EntryRunUpdater advances a schedule entry's last/next run timestamps.
type EntryRunUpdater interface {
	GetByID(ctx context.Context, id string) (*types.ScheduleEntry, error)
	UpdateRunTimes(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error
}

// BatchSender hands grouped review batches to the queue.
type BatchSender interface {
	DispatchAll(ctx context.Context, msgs []types.ReviewBatchMessage) (int, error)
}

// AlertSender pages operators about failed runs.
type AlertSender interface {
	Notify(ctx context.Context, alert alerts.Alert) error
}

// ApifyWebhookHandler processes run-completion callbacks from the job
// platform: it claims the run exactly once, fetches and attributes the
// dataset on success, and alerts on failure.
type ApifyWebhookHandler struct {
	token    types.SecretString
	runs     RunStore
	fetcher  DatasetFetcher
	targets  TargetResolver
	mappings MappingResolver
	entries  EntryRunUpdater
	sender   BatchSender
	alerter  AlertSender
	metrics  metrics.Collector
	logger   *slog.Logger
	now      func() time.Time
}

// NewApifyWebhookHandler wires the handler. A nil metrics collector falls
// back to the noop implementation; a nil logger to slog.Default().
func NewApifyWebhookHandler(
	token types.SecretString,
	runs RunStore,
	fetcher DatasetFetcher,
	targets TargetResolver,
	mappings MappingResolver,
	entries EntryRunUpdater,
	sender BatchSender,
	alerter AlertSender,
	collector metrics.Collector,
	logger *slog.Logger,
) *ApifyWebhookHandler {
	if collector == nil {
		collector = metrics.NoopCollector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ApifyWebhookHandler{
		token:    token,
		runs:     runs,
		fetcher:  fetcher,
		targets:  targets,
		mappings: mappings,
		entries:  entries,
		sender:   sender,
		alerter:  alerter,
		metrics:  collector,
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterRoutes mounts the platform webhook endpoint. Public route; the
// token query parameter is the credential.
func (h *ApifyWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/apify", h.Handle)
}

// apifyWebhookPayload is the platform's callback body, reduced to the
// fields the handler consumes.
type apifyWebhookPayload struct {
	EventType string `json:"eventType"`
	EventData struct {
		ActorID    string `json:"actorId"`
		ActorRunID string `json:"actorRunId"`
	} `json:"eventData"`
	Resource struct {
		ID               string `json:"id"`
		ActorID          string `json:"actId"`
		Status           string `json:"status"`
		StartedAt        string `json:"startedAt"`
		DefaultDatasetID string `json:"defaultDatasetId"`
	} `json:"resource"`
}

type webhookAck struct {
	Received string `json:"received"`
	RunID    string `json:"run_id,omitempty"`
	Action   string `json:"action"`
}

// Handle processes one completion callback.
//
// The token is checked before anything else: absent is 401, mismatched is
// 403, both without touching the body. A TEST event acknowledges without
// side effects. Duplicate deliveries lose the completion claim and are
// acknowledged without reprocessing.
func (h *ApifyWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	presented := r.URL.Query().Get("token")
	if presented == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing,
			"webhook token required", nil))
		return
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(h.token.Unmask())) != 1 {
		h.logger.WarnContext(r.Context(), "webhook token mismatch",
			"remote_addr", r.RemoteAddr)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid,
			"invalid webhook token", nil))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	var payload apifyWebhookPayload
	if err := core.DecodeJSON(w, r, &payload); err != nil {
		core.Error(w, r, err)
		return
	}

	if types.WebhookEventType(normalizeEventType(payload.EventType)) == types.WebhookEventTest {
		core.JSON(w, r, http.StatusOK, webhookAck{Received: "ok", Action: "test_acknowledged"})
		return
	}

	targetType, err := types.ParseTargetType(r.URL.Query().Get("targetType"))
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationTargetType, err.Error(), err))
		return
	}
	jobKind, err := parseJobKind(r.URL.Query().Get("jobKind"))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	runID := payload.Resource.ID
	if runID == "" {
		runID = payload.EventData.ActorRunID
	}
	if runID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"callback carries no run id", nil))
		return
	}

	status, ok := runStatusForEvent(payload.EventType)
	if !ok {
		h.logger.InfoContext(r.Context(), "ignoring unhandled webhook event type",
			"event_type", payload.EventType, "external_run_id", runID)
		core.JSON(w, r, http.StatusOK, webhookAck{Received: "ok", RunID: runID, Action: "ignored"})
		return
	}

	// The claim only rejects runs a prior delivery fully processed to a
	// terminal state. The row goes terminal in FinishSuccess/FinishFailure,
	// so a processing attempt that errors out below leaves the run
	// claimable and the platform's redelivery retries the work.
	claimed, err := h.runs.ClaimCompletion(r.Context(), runID, uuid.NewString(),
		targetType, types.RunKindForJob(jobKind))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if !claimed {
		h.logger.InfoContext(r.Context(), "duplicate completion delivery skipped",
			"external_run_id", runID, "status", string(status))
		core.JSON(w, r, http.StatusOK, webhookAck{Received: "ok", RunID: runID, Action: "duplicate_skipped"})
		return
	}

	var action string
	switch status {
	case types.RunStatusSucceeded:
		action = "processed"
		if err := h.processSuccess(r.Context(), runID, targetType, jobKind, payload); err != nil {
			core.Error(w, r, err)
			return
		}
	default:
		action = "failure_recorded"
		h.processFailure(r.Context(), runID, targetType, jobKind, status, payload)
	}

	h.recordOutcome(r.Context(), targetType, jobKind, status, payload.Resource.StartedAt)
	core.JSON(w, r, http.StatusOK, webhookAck{Received: "ok", RunID: runID, Action: action})
}

// processSuccess fetches the run's dataset, groups items per tracked
// target, dispatches the batches, and advances the touched schedule
// entries' run times.
func (h *ApifyWebhookHandler) processSuccess(ctx context.Context, runID string, targetType types.TargetType, jobKind types.JobKind, payload apifyWebhookPayload) error {
	datasetID := payload.Resource.DefaultDatasetID
	if datasetID == "" {
		// A successful run without a dataset has nothing to dispatch.
		return h.runs.FinishSuccess(ctx, runID, "", 0, 0)
	}

	items, err := h.fetcher.FetchDatasetItems(ctx, datasetID)
	if err != nil {
		return fmt.Errorf("fetching dataset %s for run %s: %w", datasetID, runID, err)
	}

	now := h.now().UTC()
	batches, skipped, entryIDs := h.groupByTarget(ctx, runID, targetType, jobKind, items, now)

	sent, dispatchErr := h.sender.DispatchAll(ctx, batches)
	if dispatchErr != nil {
		h.logger.ErrorContext(ctx, "partial batch dispatch",
			"external_run_id", runID, "sent", sent, "total", len(batches), "error", dispatchErr)
		h.notify(ctx, alerts.Alert{
			Kind:          alerts.AlertDispatchError,
			TargetType:    targetType,
			JobKind:       jobKind,
			ExternalRunID: runID,
			Message:       dispatchErr.Error(),
		})
	}

	h.advanceRunTimes(ctx, entryIDs, now)
	h.metrics.RecordItemsDispatched(ctx, targetType, len(items)-skipped)

	if err := h.runs.FinishSuccess(ctx, runID, datasetID, len(items), len(batches)); err != nil {
		return err
	}

	h.logger.InfoContext(ctx, "run output dispatched",
		"external_run_id", runID,
		"target_type", string(targetType),
		"job_kind", string(jobKind),
		"items", len(items),
		"batches", len(batches),
		"unattributed", skipped,
	)
	return nil
}

// groupByTarget buckets dataset items per tracked target. Items whose
// identifier matches no known target are counted and dropped; one foreign
// identifier must not poison the rest of the dataset.
func (h *ApifyWebhookHandler) groupByTarget(ctx context.Context, runID string, targetType types.TargetType, jobKind types.JobKind, items []types.ReviewItem, now time.Time) (batches []types.ReviewBatchMessage, skipped int, entryIDs []string) {
	byTarget := make(map[string]*types.ReviewBatchMessage)
	seenEntries := make(map[string]bool)
	var order []string

	for _, item := range items {
		if item.TargetIdentifier == "" {
			skipped++
			continue
		}
		batch, ok := byTarget[item.TargetIdentifier]
		if !ok {
			target, err := h.targets.GetByIdentifier(ctx, targetType, item.TargetIdentifier)
			if err != nil || target == nil {
				if err != nil {
					h.logger.ErrorContext(ctx, "target lookup failed",
						"identifier", item.TargetIdentifier, "error", err)
				}
				skipped++
				byTarget[item.TargetIdentifier] = nil
				continue
			}
			batch = &types.ReviewBatchMessage{
				TenantID:      target.TenantID,
				TargetID:      target.ID,
				TargetType:    targetType,
				JobKind:       jobKind,
				ExternalRunID: runID,
				FetchedAt:     now,
			}
			byTarget[item.TargetIdentifier] = batch
			order = append(order, item.TargetIdentifier)

			if m, err := h.mappings.GetActive(ctx, target.ID, jobKind); err == nil && m != nil && !seenEntries[m.ScheduleEntryID] {
				seenEntries[m.ScheduleEntryID] = true
				entryIDs = append(entryIDs, m.ScheduleEntryID)
			}
		}
		if batch == nil {
			skipped++
			continue
		}
		batch.Items = append(batch.Items, item)
	}

	for _, ident := range order {
		batches = append(batches, *byTarget[ident])
	}
	return batches, skipped, entryIDs
}

// advanceRunTimes records the completion on every schedule entry whose
// subscribers appeared in the run's output.
func (h *ApifyWebhookHandler) advanceRunTimes(ctx context.Context, entryIDs []string, now time.Time) {
	for _, id := range entryIDs {
		entry, err := h.entries.GetByID(ctx, id)
		if err != nil || entry == nil {
			continue
		}
		var nextRun *time.Time
		if expr, cronErr := schedule.CronForEntry(entry.IntervalHours, entry.BatchIndex); cronErr == nil {
			if next, nextErr := schedule.NextRunAfter(expr, now); nextErr == nil {
				nextRun = &next
			}
		}
		if err := h.entries.UpdateRunTimes(ctx, id, now, nextRun); err != nil {
			h.logger.ErrorContext(ctx, "failed to advance entry run times",
				"entry_id", id, "error", err)
		}
	}
}

// processFailure records the terminal failure and pages operators. All
// steps are best-effort; the callback is acknowledged regardless so the
// platform does not retry a run that genuinely failed.
func (h *ApifyWebhookHandler) processFailure(ctx context.Context, runID string, targetType types.TargetType, jobKind types.JobKind, status types.RunStatus, payload apifyWebhookPayload) {
	message := fmt.Sprintf("actor run %s finished with status %s", runID, payload.Resource.Status)
	if err := h.runs.FinishFailure(ctx, runID, status, message); err != nil {
		h.logger.ErrorContext(ctx, "failed to record run failure",
			"external_run_id", runID, "error", err)
	}

	kind := alerts.AlertRunFailed
	if status == types.RunStatusAborted {
		kind = alerts.AlertRunAborted
	}
	h.notify(ctx, alerts.Alert{
		Kind:          kind,
		TargetType:    targetType,
		JobKind:       jobKind,
		ExternalRunID: runID,
		Message:       message,
	})

	h.logger.WarnContext(ctx, "run failure recorded",
		"external_run_id", runID,
		"target_type", string(targetType),
		"job_kind", string(jobKind),
		"status", string(status),
	)
}

func (h *ApifyWebhookHandler) notify(ctx context.Context, alert alerts.Alert) {
	if h.alerter == nil {
		return
	}
	if err := h.alerter.Notify(ctx, alert); err != nil {
		h.logger.ErrorContext(ctx, "failed to send operator alert",
			"kind", string(alert.Kind), "external_run_id", alert.ExternalRunID, "error", err)
	}
}

func (h *ApifyWebhookHandler) recordOutcome(ctx context.Context, targetType types.TargetType, jobKind types.JobKind, status types.RunStatus, startedAt string) {
	result := metrics.RunResultSuccess
	if status != types.RunStatusSucceeded {
		result = metrics.RunResultFailure
	}
	var duration time.Duration
	if started, err := time.Parse(time.RFC3339, startedAt); err == nil {
		duration = h.now().UTC().Sub(started)
	}
	h.metrics.RecordRunOutcome(ctx, targetType, jobKind, result, duration)
}

// normalizeEventType strips the platform's "ACTOR.RUN." prefix so event
// matching works on the bare suffix.
func normalizeEventType(eventType string) string {
	const prefix = "ACTOR.RUN."
	if len(eventType) > len(prefix) && eventType[:len(prefix)] == prefix {
		return eventType[len(prefix):]
	}
	return eventType
}

// runStatusForEvent maps a callback event type to the terminal run status
// it implies. TIMED-OUT runs count as failures.
func runStatusForEvent(eventType string) (types.RunStatus, bool) {
	switch types.WebhookEventType(normalizeEventType(eventType)) {
	case types.WebhookEventSucceeded:
		return types.RunStatusSucceeded, true
	case types.WebhookEventFailed, "TIMED-OUT":
		return types.RunStatusFailed, true
	case types.WebhookEventAborted:
		return types.RunStatusAborted, true
	default:
		return "", false
	}
}

func parseJobKind(s string) (types.JobKind, error) {
	switch types.JobKind(s) {
	case types.JobKindReviews, types.JobKindOverview:
		return types.JobKind(s), nil
	default:
		return "", types.NewAppError(types.ErrCodeValidationMissingField,
			fmt.Sprintf("unsupported job kind %q", s), nil)
	}
}
