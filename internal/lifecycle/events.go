// Package lifecycle translates tenant-level billing and configuration
// events into schedule orchestrator calls. It is the bridge between the
// dashboard/billing side of the product and the scheduling engine.
package lifecycle

import (
	"fmt"

	"reviewflow/internal/types"
)

// EventKind discriminates lifecycle events. Each kind has exactly one
// handler in the controller's dispatch table.
type EventKind string

const (
	EventSubscriptionCreated   EventKind = "subscription_created"
	EventSubscriptionUpdated   EventKind = "subscription_updated"
	EventSubscriptionCancelled EventKind = "subscription_cancelled"
	EventTargetAdded           EventKind = "target_added"
	EventTargetRemoved         EventKind = "target_removed"
)

// Event is the tagged union of everything the billing/tenant side can tell
// us. Kind selects which fields are meaningful: subscription events carry
// Plan, target events carry TargetType and ExternalIdentifier.
type Event struct {
	Kind     EventKind `json:"kind"`
	TenantID string    `json:"tenant_id"`

	// Subscription events.
	Plan types.PlanTier `json:"plan,omitempty"`

	// Target events.
	TargetType         types.TargetType `json:"target_type,omitempty"`
	ExternalIdentifier string           `json:"external_identifier,omitempty"`
	TargetName         string           `json:"target_name,omitempty"`
}

// Validate checks that the fields the event's kind requires are present.
func (e Event) Validate() error {
	if e.TenantID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "tenant_id is required", nil)
	}
	switch e.Kind {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		if e.Plan == "" {
			return types.NewAppError(types.ErrCodeValidationMissingField,
				fmt.Sprintf("%s requires a plan", e.Kind), nil)
		}
	case EventSubscriptionCancelled:
	case EventTargetAdded:
		if e.ExternalIdentifier == "" {
			return types.NewAppError(types.ErrCodeValidationMissingField,
				"target_added requires an external identifier", nil)
		}
		fallthrough
	case EventTargetRemoved:
		if _, err := types.ParseTargetType(string(e.TargetType)); err != nil {
			return types.NewAppError(types.ErrCodeValidationTargetType, err.Error(), err)
		}
		if e.Kind == EventTargetRemoved && e.ExternalIdentifier == "" {
			return types.NewAppError(types.ErrCodeValidationMissingField,
				"target_removed requires an external identifier", nil)
		}
	default:
		return types.NewAppError(types.ErrCodeValidationMissingField,
			fmt.Sprintf("unknown event kind %q", e.Kind), nil)
	}
	return nil
}

// Report is the partial-success outcome of one lifecycle event. Sources
// are processed independently; one source's failure never hides another's
// results.
type Report struct {
	TenantID string    `json:"tenant_id"`
	Kind     EventKind `json:"kind"`

	SubscribersAdded   int `json:"subscribers_added"`
	SubscribersMoved   int `json:"subscribers_moved"`
	SubscribersRemoved int `json:"subscribers_removed"`
	SubscribersSkipped int `json:"subscribers_skipped"`
	RunsLaunched       int `json:"runs_launched"`

	// Deferred marks a target-added event for a tenant without an active
	// subscription: nothing happens now, the target activates when a
	// subscription arrives.
	Deferred bool `json:"deferred,omitempty"`

	Failures []string `json:"failures,omitempty"`
}

// Failed reports whether any per-source operation failed.
func (r *Report) Failed() bool {
	return len(r.Failures) > 0
}

func (r *Report) fail(format string, args ...any) {
	r.Failures = append(r.Failures, fmt.Sprintf(format, args...))
}
