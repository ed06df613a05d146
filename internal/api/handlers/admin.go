package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"reviewflow/internal/core"
	"reviewflow/internal/schedule"
	"reviewflow/internal/types"
)

// AdminEntryStore is the schedule-entry surface of the admin handlers.
type AdminEntryStore interface {
	ListAll(ctx context.Context) ([]*types.ScheduleEntry, error)
	GetByID(ctx context.Context, id string) (*types.ScheduleEntry, error)
	GetByTuple(ctx context.Context, group types.ScheduleGroup, batchIndex int) (*types.ScheduleEntry, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// AdminMappingStore lists an entry's subscribers for inspection.
type AdminMappingStore interface {
	ListActiveByEntry(ctx context.Context, entryID string) ([]*types.SubscriberMapping, error)
}

// CapacityManager is the batch capacity surface the admin endpoints expose.
// *schedule.Capacity satisfies it.
type CapacityManager interface {
	Rebalance(ctx context.Context, group types.ScheduleGroup) error
	Consolidate(ctx context.Context, group types.ScheduleGroup, thresholdFraction float64) error
	HealthStatus(ctx context.Context) ([]types.EntryHealth, types.HealthSummary, error)
}

// ScheduleToggler enables or disables the recurring job on the platform.
type ScheduleToggler interface {
	SetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool) error
}

// OverrideAdminStore manages per-tenant interval overrides.
type OverrideAdminStore interface {
	Set(ctx context.Context, o *types.IntervalOverride) error
	Delete(ctx context.Context, tenantID string, targetType types.TargetType) error
}

// ReconcileRunner triggers a reconciliation pass on demand.
type ReconcileRunner interface {
	Run(ctx context.Context) (*schedule.ReconcileReport, error)
}

// RunLister reads run audit records for the admin surface.
type RunLister interface {
	ListRecent(ctx context.Context, limit int) ([]*types.JobRun, error)
	GetByExternalRunID(ctx context.Context, externalRunID string) (*types.JobRun, error)
}

// AdminHandler is the operator surface: batch health, entry inspection,
// pause/resume, interval overrides, forced rebalance and consolidation,
// and on-demand reconciliation. Mounted behind the admin-key middleware.
type AdminHandler struct {
	entries    AdminEntryStore
	mappings   AdminMappingStore
	capacity   CapacityManager
	platform   ScheduleToggler
	overrides  OverrideAdminStore
	reconciler ReconcileRunner
	runs       RunLister

	consolidateThreshold float64
	logger               *slog.Logger
}

// NewAdminHandler wires the admin surface. consolidateThreshold is the
// fill fraction below which forced consolidation considers a batch a
// candidate.
func NewAdminHandler(
	entries AdminEntryStore,
	mappings AdminMappingStore,
	capacity CapacityManager,
	platform ScheduleToggler,
	overrides OverrideAdminStore,
	reconciler ReconcileRunner,
	runs RunLister,
	consolidateThreshold float64,
	logger *slog.Logger,
) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		entries:              entries,
		mappings:             mappings,
		capacity:             capacity,
		platform:             platform,
		overrides:            overrides,
		reconciler:           reconciler,
		runs:                 runs,
		consolidateThreshold: consolidateThreshold,
		logger:               logger,
	}
}

// RegisterRoutes mounts the admin endpoints under /admin.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/admin", func(r chi.Router) {
		r.Get("/schedules", h.HandleListSchedules)
		r.Get("/schedules/health", h.HandleHealthSummary)
		r.Get("/schedules/{entryID}/subscribers", h.HandleListSubscribers)
		r.Post("/schedules/{entryID}/pause", h.HandlePause)
		r.Post("/schedules/{entryID}/resume", h.HandleResume)
		r.Post("/schedules/rebalance", h.HandleRebalance)
		r.Post("/schedules/consolidate", h.HandleConsolidate)
		r.Put("/overrides", h.HandleSetOverride)
		r.Delete("/overrides", h.HandleDeleteOverride)
		r.Post("/reconcile", h.HandleReconcile)
		r.Get("/runs", h.HandleListRuns)
		r.Get("/runs/{externalRunID}", h.HandleGetRun)
	})
}

// HandleListSchedules returns every entry with its capacity classification.
func (h *AdminHandler) HandleListSchedules(w http.ResponseWriter, r *http.Request) {
	health, _, err := h.capacity.HealthStatus(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: health})
}

// HandleHealthSummary returns the aggregate health counts.
func (h *AdminHandler) HandleHealthSummary(w http.ResponseWriter, r *http.Request) {
	_, summary, err := h.capacity.HealthStatus(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: summary})
}

// HandleListSubscribers returns the active mappings of one entry.
func (h *AdminHandler) HandleListSubscribers(w http.ResponseWriter, r *http.Request) {
	entry, err := h.loadEntry(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	maps, err := h.mappings.ListActiveByEntry(r.Context(), entry.ID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: maps})
}

// HandlePause disables an entry: the row is marked inactive and the
// platform job is disabled. Subscribers stay attached so resume is cheap.
func (h *AdminHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.setEntryActive(w, r, false)
}

// HandleResume re-enables a paused entry.
func (h *AdminHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.setEntryActive(w, r, true)
}

func (h *AdminHandler) setEntryActive(w http.ResponseWriter, r *http.Request, active bool) {
	entry, err := h.loadEntry(r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.entries.SetActive(r.Context(), entry.ID, active); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.platform.SetScheduleEnabled(r.Context(), entry.ExternalJobID, active); err != nil {
		// The row is already flipped; the reconciler repairs platform
		// drift. Surface the failure so the operator retries.
		h.logger.ErrorContext(r.Context(), "failed to toggle platform job",
			"entry_id", entry.ID, "external_job_id", entry.ExternalJobID,
			"active", active, "error", err)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "schedule entry toggled",
		"entry_id", entry.ID, "active", active)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
		"entry_id": entry.ID,
		"active":   active,
	}})
}

type groupRequest struct {
	TargetType    string `json:"target_type"`
	JobKind       string `json:"job_kind"`
	IntervalHours int    `json:"interval_hours"`
}

func (g groupRequest) toGroup() (types.ScheduleGroup, error) {
	targetType, err := types.ParseTargetType(g.TargetType)
	if err != nil {
		return types.ScheduleGroup{}, types.NewAppError(types.ErrCodeValidationTargetType, err.Error(), err)
	}
	jobKind, err := parseJobKind(g.JobKind)
	if err != nil {
		return types.ScheduleGroup{}, err
	}
	if g.IntervalHours <= 0 {
		return types.ScheduleGroup{}, types.NewAppError(types.ErrCodeValidationInterval,
			fmt.Sprintf("interval must be positive, got %d", g.IntervalHours), nil)
	}
	return types.ScheduleGroup{
		TargetType:    targetType,
		JobKind:       jobKind,
		IntervalHours: g.IntervalHours,
	}, nil
}

// HandleRebalance forces an even redistribution across a group's batches.
func (h *AdminHandler) HandleRebalance(w http.ResponseWriter, r *http.Request) {
	h.runGroupOperation(w, r, "rebalance", h.capacity.Rebalance)
}

// HandleConsolidate forces a merge pass over a group's underfilled batches.
func (h *AdminHandler) HandleConsolidate(w http.ResponseWriter, r *http.Request) {
	h.runGroupOperation(w, r, "consolidate", func(ctx context.Context, group types.ScheduleGroup) error {
		return h.capacity.Consolidate(ctx, group, h.consolidateThreshold)
	})
}

func (h *AdminHandler) runGroupOperation(w http.ResponseWriter, r *http.Request, name string, op func(context.Context, types.ScheduleGroup) error) {
	var req groupRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	group, err := req.toGroup()
	if err != nil {
		core.Error(w, r, err)
		return
	}

	// Batch index 0 always exists for a provisioned group, so its absence
	// means the group itself does not exist.
	first, err := h.entries.GetByTuple(r.Context(), group, 0)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if first == nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundSchedule,
			fmt.Sprintf("no schedule entries for group %s", group.String()), nil))
		return
	}

	if err := op(r.Context(), group); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "group operation completed",
		"operation", name, "group", group.String())
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]string{
		"operation": name,
		"group":     group.String(),
	}})
}

type overrideRequest struct {
	TenantID      string `json:"tenant_id"`
	TargetType    string `json:"target_type"`
	IntervalHours int    `json:"interval_hours,omitempty"`
	Reason        string `json:"reason,omitempty"`
	SetBy         string `json:"set_by,omitempty"`
	ExpiresAt     string `json:"expires_at,omitempty"`
}

// HandleSetOverride installs a per-tenant interval override.
func (h *AdminHandler) HandleSetOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	targetType, err := types.ParseTargetType(req.TargetType)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationTargetType, err.Error(), err))
		return
	}
	if req.TenantID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"tenant_id is required", nil))
		return
	}
	if req.IntervalHours <= 0 {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInterval,
			fmt.Sprintf("interval must be positive, got %d", req.IntervalHours), nil))
		return
	}

	override := &types.IntervalOverride{
		TenantID:      req.TenantID,
		TargetType:    targetType,
		IntervalHours: req.IntervalHours,
		Reason:        req.Reason,
		SetBy:         req.SetBy,
	}
	if req.ExpiresAt != "" {
		expires, parseErr := time.Parse(time.RFC3339, req.ExpiresAt)
		if parseErr != nil {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
				"expires_at must be RFC3339", parseErr))
			return
		}
		override.ExpiresAt = &expires
	}

	if err := h.overrides.Set(r.Context(), override); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: override})
}

// HandleDeleteOverride removes a per-tenant interval override. The tenant
// falls back to its tier default on the next lifecycle event.
func (h *AdminHandler) HandleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	targetType, err := types.ParseTargetType(req.TargetType)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationTargetType, err.Error(), err))
		return
	}
	if err := h.overrides.Delete(r.Context(), req.TenantID, targetType); err != nil {
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleReconcile runs a reconciliation pass synchronously and returns the
// report.
func (h *AdminHandler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.Run(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: report})
}

// HandleListRuns returns the most recent runs, newest first. The limit
// query parameter defaults to 50 and caps at 500.
func (h *AdminHandler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
				"limit must be a positive integer", err))
			return
		}
		limit = min(parsed, 500)
	}

	runs, err := h.runs.ListRecent(r.Context(), limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: runs})
}

// HandleGetRun returns the audit record for one external run handle.
func (h *AdminHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	externalRunID := chi.URLParam(r, "externalRunID")
	run, err := h.runs.GetByExternalRunID(r.Context(), externalRunID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if run == nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundRun,
			fmt.Sprintf("run %s not found", externalRunID), nil))
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: run})
}

func (h *AdminHandler) loadEntry(r *http.Request) (*types.ScheduleEntry, error) {
	entryID := chi.URLParam(r, "entryID")
	entry, err := h.entries.GetByID(r.Context(), entryID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, types.NewAppError(types.ErrCodeNotFoundSchedule,
			fmt.Sprintf("schedule entry %s not found", entryID), nil)
	}
	return entry, nil
}
