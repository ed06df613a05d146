package types

import "fmt"

// TargetType identifies which external review source a tracked target
// belongs to. The platform supports exactly four sources; anything else is a
// configuration error, never silently mapped to a default.
type TargetType string

const (
	TargetGoogle      TargetType = "google"
	TargetFacebook    TargetType = "facebook"
	TargetYelp        TargetType = "yelp"
	TargetTripAdvisor TargetType = "tripadvisor"
)

// AllTargetTypes lists every supported review source in canonical order.
var AllTargetTypes = []TargetType{
	TargetGoogle,
	TargetFacebook,
	TargetYelp,
	TargetTripAdvisor,
}

// ParseTargetType validates a raw platform string. Unrecognized values are a
// hard error; callers must not substitute a default.
func ParseTargetType(s string) (TargetType, error) {
	switch TargetType(s) {
	case TargetGoogle, TargetFacebook, TargetYelp, TargetTripAdvisor:
		return TargetType(s), nil
	default:
		return "", fmt.Errorf("unsupported target type %q", s)
	}
}

// IsValid reports whether the target type is one of the supported sources.
func (t TargetType) IsValid() bool {
	_, err := ParseTargetType(string(t))
	return err == nil
}

// JobKind is the category of recurring work performed for a target.
type JobKind string

const (
	JobKindReviews  JobKind = "reviews"
	JobKindOverview JobKind = "overview"
)

// JobKindsFor returns the job kinds a target type participates in. Google
// profiles get a separate overview (profile metadata) job; the other sources
// bundle profile data into the reviews actor output.
func JobKindsFor(t TargetType) []JobKind {
	if t == TargetGoogle {
		return []JobKind{JobKindReviews, JobKindOverview}
	}
	return []JobKind{JobKindReviews}
}

// maxBatchSizes defines the per-target-type cap on subscribers per schedule
// entry. Lighter-weight sources get larger batches; slower/costlier scrapes
// get smaller ones.
var maxBatchSizes = map[TargetType]int{
	TargetGoogle:      50,
	TargetFacebook:    30,
	TargetYelp:        30,
	TargetTripAdvisor: 20,
}

// MaxBatchSize returns the subscriber cap for a schedule entry of the given
// target type.
func MaxBatchSize(t TargetType) int {
	if n, ok := maxBatchSizes[t]; ok {
		return n
	}
	// Unknown types are rejected upstream by ParseTargetType; the most
	// conservative cap keeps any stray value from creating giant batches.
	return 20
}

// RunKind classifies a single invocation of an external job.
type RunKind string

const (
	RunKindInitial           RunKind = "initial"
	RunKindRecurringReviews  RunKind = "recurring-reviews"
	RunKindRecurringOverview RunKind = "recurring-overview"
)

// RunKindForJob maps a recurring job kind to its run classification.
func RunKindForJob(k JobKind) RunKind {
	if k == JobKindOverview {
		return RunKindRecurringOverview
	}
	return RunKindRecurringReviews
}

// RunStatus is the lifecycle state of a JobRun record.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusAborted   RunStatus = "aborted"
)

// Terminal reports whether the status is final. Terminal runs are never
// updated again except by superseding retry records.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusAborted
}

// WebhookEventType enumerates the event types the external job platform
// delivers on run completion.
type WebhookEventType string

const (
	WebhookEventSucceeded WebhookEventType = "SUCCEEDED"
	WebhookEventFailed    WebhookEventType = "FAILED"
	WebhookEventAborted   WebhookEventType = "ABORTED"
	WebhookEventTest      WebhookEventType = "TEST"
)

// PlanTier identifies the billing plan for a tenant.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanStarter    PlanTier = "starter"
	PlanPro        PlanTier = "pro"
	PlanBusiness   PlanTier = "business"
	PlanEnterprise PlanTier = "enterprise"
)

// HealthClass buckets a schedule entry's fill level for observability.
type HealthClass string

const (
	HealthHealthy  HealthClass = "healthy"  // < 80% of capacity
	HealthWarning  HealthClass = "warning"  // 80-95%
	HealthCritical HealthClass = "critical" // >= 95%, split imminent
)

// ClassifyFill maps a subscriber count to a health class given the
// target type's max batch size.
func ClassifyFill(count, max int) HealthClass {
	if max <= 0 {
		return HealthHealthy
	}
	ratio := float64(count) / float64(max)
	switch {
	case ratio >= 0.95:
		return HealthCritical
	case ratio >= 0.80:
		return HealthWarning
	default:
		return HealthHealthy
	}
}
