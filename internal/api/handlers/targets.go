package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"reviewflow/internal/core"
	"reviewflow/internal/lifecycle"
	"reviewflow/internal/types"
)

// TargetsHandler exposes the target lifecycle endpoints the dashboard side
// calls when a tenant configures or removes a tracked profile. Mounted
// behind the admin-key middleware; the dashboard is a trusted internal
// caller.
type TargetsHandler struct {
	lifecycle LifecycleController
	logger    *slog.Logger
}

// NewTargetsHandler wires the handler. A nil logger falls back to
// slog.Default().
func NewTargetsHandler(controller LifecycleController, logger *slog.Logger) *TargetsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TargetsHandler{lifecycle: controller, logger: logger}
}

// RegisterRoutes mounts the target lifecycle endpoints.
func (h *TargetsHandler) RegisterRoutes(r chi.Router) {
	r.Post("/targets", h.HandleAdd)
	r.Delete("/targets", h.HandleRemove)
}

type targetRequest struct {
	TenantID           string `json:"tenant_id"`
	TargetType         string `json:"target_type"`
	ExternalIdentifier string `json:"external_identifier"`
	Name               string `json:"name,omitempty"`
}

// HandleAdd enrolls a newly configured target, or defers it when the
// tenant has no active subscription. 202 signals the deferral; 200 means
// the target is scheduled.
func (h *TargetsHandler) HandleAdd(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	report, err := h.lifecycle.Handle(r.Context(), lifecycle.Event{
		Kind:               lifecycle.EventTargetAdded,
		TenantID:           req.TenantID,
		TargetType:         types.TargetType(req.TargetType),
		ExternalIdentifier: req.ExternalIdentifier,
		TargetName:         req.Name,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	status := http.StatusOK
	if report.Deferred {
		status = http.StatusAccepted
	}
	core.JSON(w, r, status, core.APIResponse{Data: report})
}

// HandleRemove unsubscribes a target and drops its record. Removing an
// unknown target succeeds as a no-op.
func (h *TargetsHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	var req targetRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	report, err := h.lifecycle.Handle(r.Context(), lifecycle.Event{
		Kind:               lifecycle.EventTargetRemoved,
		TenantID:           req.TenantID,
		TargetType:         types.TargetType(req.TargetType),
		ExternalIdentifier: req.ExternalIdentifier,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: report})
}
