package external

import (
	"context"
	"encoding/json"

	"reviewflow/internal/types"
)

// CreateScheduleInput describes a new recurring job on the platform.
// Schedules are created disabled; the orchestrator enables them once the
// first subscriber payload has been pushed.
type CreateScheduleInput struct {
	Name     string
	CronExpr string
	Timezone string
	ActorID  string
	Input    json.RawMessage

	// WebhookURL receives run-completion callbacks for every run the
	// schedule launches.
	WebhookURL string
}

// PlatformSchedule is the platform's view of a recurring job.
type PlatformSchedule struct {
	ID        string
	Name      string
	CronExpr  string
	IsEnabled bool
	ActorID   string
	Input     json.RawMessage
}

// PlatformRun is the platform's view of a single actor execution.
type PlatformRun struct {
	ID               string
	ActorID          string
	Status           string
	DefaultDatasetID string
}

// JobPlatform is the narrow surface the orchestration layer needs from the
// remote job platform. The Apify client satisfies it; tests use fakes.
type JobPlatform interface {
	CreateSchedule(ctx context.Context, in CreateScheduleInput) (*PlatformSchedule, error)
	UpdateScheduleInput(ctx context.Context, scheduleID string, input json.RawMessage) error
	SetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool) error
	DeleteSchedule(ctx context.Context, scheduleID string) error
	RunActor(ctx context.Context, actorID string, input json.RawMessage, webhookURL string) (*PlatformRun, error)
	GetRun(ctx context.Context, runID string) (*PlatformRun, error)
	FetchDatasetItems(ctx context.Context, datasetID string) ([]types.ReviewItem, error)
}
