package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"reviewflow/internal/core"
	"reviewflow/internal/external"
	"reviewflow/internal/lifecycle"
	"reviewflow/internal/types"
)

// LifecycleController is the subscription lifecycle surface the billing
// webhook drives. *lifecycle.Controller satisfies it.
type LifecycleController interface {
	Handle(ctx context.Context, e lifecycle.Event) (*lifecycle.Report, error)
}

// BillingWebhookHandler translates signed billing provider events into
// lifecycle events. Unauthenticated route; the provider signature is the
// credential.
type BillingWebhookHandler struct {
	verifier  external.WebhookVerifier
	lifecycle LifecycleController
	secret    types.SecretString
	logger    *slog.Logger
}

// NewBillingWebhookHandler wires the handler. A nil logger falls back to
// slog.Default().
func NewBillingWebhookHandler(
	verifier external.WebhookVerifier,
	controller LifecycleController,
	secret types.SecretString,
	logger *slog.Logger,
) *BillingWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingWebhookHandler{
		verifier:  verifier,
		lifecycle: controller,
		secret:    secret,
		logger:    logger,
	}
}

// RegisterRoutes mounts the billing webhook endpoint.
func (h *BillingWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/billing", h.Handle)
}

// Handle verifies the signature, parses the event, and dispatches it to
// the lifecycle controller. Processing failures after a verified parse are
// logged but still acknowledged with 200 so the provider does not retry
// into the same failure; the lifecycle reconciliation path repairs missed
// transitions.
func (h *BillingWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing,
			"missing Stripe-Signature header", nil))
		return
	}
	if err := h.verifier.Verify(payload, sigHeader, h.secret.Unmask()); err != nil {
		h.logger.WarnContext(r.Context(), "billing webhook signature verification failed",
			"error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid,
			"webhook signature verification failed", err))
		return
	}

	var event billingWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON,
			"invalid webhook event JSON", err))
		return
	}

	h.logger.InfoContext(r.Context(), "processing billing webhook event",
		"event_id", event.ID, "event_type", event.Type)

	lcEvent, ok := event.toLifecycleEvent()
	if !ok {
		h.logger.InfoContext(r.Context(), "ignoring unhandled billing event type",
			"event_type", event.Type)
		w.WriteHeader(http.StatusOK)
		return
	}

	report, err := h.lifecycle.Handle(r.Context(), lcEvent)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "billing event processing failed",
			"event_id", event.ID, "event_type", event.Type, "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	if report.Failed() {
		h.logger.WarnContext(r.Context(), "billing event processed with failures",
			"event_id", event.ID, "failures", report.Failures)
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: report})
}

// billingWebhookEvent is a minimal representation of the provider's event,
// decoupled from the stripe-go types so parsing stays testable with plain
// fixtures.
type billingWebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type billingCheckoutSession struct {
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type billingSubscription struct {
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
	Items    struct {
		Data []struct {
			Price struct {
				ID       string            `json:"id"`
				Metadata map[string]string `json:"metadata"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// toLifecycleEvent maps the provider event to the internal lifecycle
// vocabulary. Returns ok=false for event types the service ignores.
func (e *billingWebhookEvent) toLifecycleEvent() (lifecycle.Event, bool) {
	switch e.Type {
	case external.EventStripeCheckoutCompleted:
		var session billingCheckoutSession
		if err := json.Unmarshal(e.Data.Object, &session); err != nil {
			return lifecycle.Event{}, false
		}
		tenantID := session.ClientReferenceID
		if tenantID == "" {
			tenantID = session.Metadata["tenant_id"]
		}
		return lifecycle.Event{
			Kind:     lifecycle.EventSubscriptionCreated,
			TenantID: tenantID,
			Plan:     planFromMetadata(session.Metadata, ""),
		}, true

	case external.EventStripeSubUpdated:
		sub, tenantID := e.parseSubscription()
		priceID := ""
		if len(sub.Items.Data) > 0 {
			priceID = sub.Items.Data[0].Price.ID
			if plan := planFromMetadata(sub.Items.Data[0].Price.Metadata, ""); plan != "" {
				return lifecycle.Event{
					Kind:     lifecycle.EventSubscriptionUpdated,
					TenantID: tenantID,
					Plan:     plan,
				}, true
			}
		}
		plan := planFromMetadata(sub.Metadata, priceID)
		return lifecycle.Event{
			Kind:     lifecycle.EventSubscriptionUpdated,
			TenantID: tenantID,
			Plan:     plan,
		}, true

	case external.EventStripeSubDeleted:
		_, tenantID := e.parseSubscription()
		return lifecycle.Event{
			Kind:     lifecycle.EventSubscriptionCancelled,
			TenantID: tenantID,
		}, true

	default:
		return lifecycle.Event{}, false
	}
}

func (e *billingWebhookEvent) parseSubscription() (billingSubscription, string) {
	var sub billingSubscription
	if err := json.Unmarshal(e.Data.Object, &sub); err != nil {
		return sub, ""
	}
	return sub, sub.Metadata["tenant_id"]
}

// planFromMetadata reads an explicit plan from metadata, falling back to
// the price-ID mapping.
func planFromMetadata(metadata map[string]string, priceID string) types.PlanTier {
	if raw, ok := metadata["plan"]; ok && raw != "" {
		switch plan := types.PlanTier(raw); plan {
		case types.PlanFree, types.PlanStarter, types.PlanPro, types.PlanBusiness, types.PlanEnterprise:
			return plan
		default:
			// Unknown plan label; fall through to the price mapping.
		}
	}
	if priceID != "" {
		return external.MapPriceIDToPlan(priceID)
	}
	return ""
}
