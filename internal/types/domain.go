package types

import (
	"fmt"
	"time"
)

// ScheduleGroup is the logical key shared by all batches of one recurring
// scrape configuration. Batches of a group differ only in BatchIndex.
type ScheduleGroup struct {
	TargetType    TargetType `json:"target_type"`
	JobKind       JobKind    `json:"job_kind"`
	IntervalHours int        `json:"interval_hours"`
}

// String renders the group key in the form used for log correlation.
func (g ScheduleGroup) String() string {
	return fmt.Sprintf("%s/%s/%dh", g.TargetType, g.JobKind, g.IntervalHours)
}

// ScheduleEntry is one recurring job definition on the external job platform.
// Exactly one entry exists per (target_type, job_kind, interval_hours,
// batch_index) tuple, enforced by a uniqueness constraint.
//
// SubscriberCount is a denormalized cache of the active SubscriberMapping
// rows pointing at the entry. The schedule orchestrator is its sole writer;
// the reconciler repairs any drift against the mapping table.
type ScheduleEntry struct {
	ID            string     `json:"id" db:"id"`
	TargetType    TargetType `json:"target_type" db:"target_type"`
	JobKind       JobKind    `json:"job_kind" db:"job_kind"`
	IntervalHours int        `json:"interval_hours" db:"interval_hours"`
	BatchIndex    int        `json:"batch_index" db:"batch_index"`

	// ExternalJobID is the opaque recurring-job handle on the job platform.
	ExternalJobID   string `json:"external_job_id" db:"external_job_id"`
	SubscriberCount int    `json:"subscriber_count" db:"subscriber_count"`
	Active          bool   `json:"active" db:"active"`

	LastRunAt *time.Time `json:"last_run_at,omitempty" db:"last_run_at"`
	NextRunAt *time.Time `json:"next_run_at,omitempty" db:"next_run_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Group returns the entry's logical group key.
func (e *ScheduleEntry) Group() ScheduleGroup {
	return ScheduleGroup{
		TargetType:    e.TargetType,
		JobKind:       e.JobKind,
		IntervalHours: e.IntervalHours,
	}
}

// SubscriberMapping binds one tracked target to one ScheduleEntry for one
// job kind. At most one active mapping exists per (target_id, job_kind),
// enforced by a partial unique index.
type SubscriberMapping struct {
	ID              string     `json:"id" db:"id"`
	TargetID        string     `json:"target_id" db:"target_id"`
	TenantID        string     `json:"tenant_id" db:"tenant_id"`
	TargetType      TargetType `json:"target_type" db:"target_type"`
	JobKind         JobKind    `json:"job_kind" db:"job_kind"`
	ScheduleEntryID string     `json:"schedule_entry_id" db:"schedule_entry_id"`

	// ExternalIdentifier is what the job platform needs to scrape the
	// target: a place ID for google, a page/profile URL for the others.
	ExternalIdentifier string `json:"external_identifier" db:"external_identifier"`

	// IntervalHours is a denormalized copy of the owning entry's interval;
	// kept equal by the orchestrator on every re-point.
	IntervalHours int  `json:"interval_hours" db:"interval_hours"`
	Active        bool `json:"active" db:"active"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IntervalOverride is an optional per-tenant, per-target-type interval that
// supersedes the tier-derived default. At most one override exists per
// (tenant_id, target_type). Expired overrides are ignored, not deleted.
type IntervalOverride struct {
	TenantID      string     `json:"tenant_id" db:"tenant_id"`
	TargetType    TargetType `json:"target_type" db:"target_type"`
	IntervalHours int        `json:"interval_hours" db:"interval_hours"`
	Reason        string     `json:"reason" db:"reason"`
	SetBy         string     `json:"set_by" db:"set_by"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

// Expired reports whether the override should be ignored at the given time.
func (o *IntervalOverride) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// JobRun is the audit record for one invocation of an external job, ad hoc
// or scheduled. TenantID is empty for batch runs spanning many tenants.
// The webhook handler is the sole writer of its terminal fields.
type JobRun struct {
	ID            string     `json:"id" db:"id"`
	TenantID      string     `json:"tenant_id,omitempty" db:"tenant_id"`
	TargetType    TargetType `json:"target_type" db:"target_type"`
	RunKind       RunKind    `json:"run_kind" db:"run_kind"`
	ExternalRunID string     `json:"external_run_id" db:"external_run_id"`
	DatasetID     string     `json:"dataset_id,omitempty" db:"dataset_id"`
	Status        RunStatus  `json:"status" db:"status"`

	ItemsProcessed int `json:"items_processed" db:"items_processed"`
	ItemsNew       int `json:"items_new" db:"items_new"`
	ItemsDuplicate int `json:"items_duplicate" db:"items_duplicate"`
	TargetsUpdated int `json:"targets_updated" db:"targets_updated"`

	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Target is a tenant's tracked external profile (a business location on one
// review source). Targets are owned by the dashboard side; this service
// ensures a record exists before subscribing one to a schedule.
type Target struct {
	ID                 string     `json:"id" db:"id"`
	TenantID           string     `json:"tenant_id" db:"tenant_id"`
	TargetType         TargetType `json:"target_type" db:"target_type"`
	ExternalIdentifier string     `json:"external_identifier" db:"external_identifier"`
	Name               string     `json:"name" db:"name"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
}

// SubscriptionStatus is the lifecycle state of a tenant's subscription as
// mirrored from the billing provider.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// TenantSubscription mirrors the billing provider's view of a tenant: the
// current plan and whether it is active. Target-added events consult it to
// decide between immediate activation and deferral.
type TenantSubscription struct {
	TenantID  string             `json:"tenant_id" db:"tenant_id"`
	Plan      PlanTier           `json:"plan" db:"plan"`
	Status    SubscriptionStatus `json:"status" db:"status"`
	UpdatedAt time.Time          `json:"updated_at" db:"updated_at"`
}

// ActiveSubscription reports whether scheduling work should run for the
// tenant.
func (s *TenantSubscription) ActiveSubscription() bool {
	return s != nil && s.Status == SubscriptionActive
}

// EntryHealth pairs a schedule entry with its capacity classification for
// the admin health view.
type EntryHealth struct {
	Entry    *ScheduleEntry `json:"entry"`
	Capacity int            `json:"capacity"`
	Class    HealthClass    `json:"class"`
}

// HealthSummary aggregates entry health classes for the admin surface.
type HealthSummary struct {
	Healthy  int `json:"healthy"`
	Warning  int `json:"warning"`
	Critical int `json:"critical"`
}

// ReviewItem is one normalized record from a completed run's dataset,
// attributed to the tracked target it belongs to.
type ReviewItem struct {
	TargetIdentifier string         `json:"target_identifier"`
	Payload          map[string]any `json:"payload"`
}

// ReviewBatchMessage is the queue contract handed to the data-processing
// workers after a successful run. Items are grouped per tracked target so a
// worker processes one target's reviews in a single unit.
type ReviewBatchMessage struct {
	BatchID       string       `json:"batch_id"`
	TraceID       string       `json:"trace_id"`
	TenantID      string       `json:"tenant_id,omitempty"`
	TargetID      string       `json:"target_id"`
	TargetType    TargetType   `json:"target_type"`
	JobKind       JobKind      `json:"job_kind"`
	ExternalRunID string       `json:"external_run_id"`
	Items         []ReviewItem `json:"items"`
	FetchedAt     time.Time    `json:"fetched_at"`
}
