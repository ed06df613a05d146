package schedule

import (
	"context"
	"time"

	"reviewflow/internal/types"
)

// EntryStore is the persistence surface the engine needs for schedule
// entries. *db.ScheduleEntryRepo satisfies it; tests use in-memory fakes.
type EntryStore interface {
	GetByID(ctx context.Context, id string) (*types.ScheduleEntry, error)
	GetByExternalJobID(ctx context.Context, jobID string) (*types.ScheduleEntry, error)
	FindWithCapacity(ctx context.Context, group types.ScheduleGroup, max int) (*types.ScheduleEntry, error)
	NextBatchIndex(ctx context.Context, group types.ScheduleGroup) (int, error)
	Insert(ctx context.Context, e *types.ScheduleEntry) (created bool, err error)
	ListByGroup(ctx context.Context, group types.ScheduleGroup) ([]*types.ScheduleEntry, error)
	ListAll(ctx context.Context) ([]*types.ScheduleEntry, error)
	UpdateMembership(ctx context.Context, id string, count int, active bool) error
	SetActive(ctx context.Context, id string, active bool) error
	UpdateRunTimes(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error
	Delete(ctx context.Context, id string) error
}

// MappingStore is the persistence surface for subscriber mappings. The
// compound mutations (Attach, Detach, Repoint, MoveToEntry) run in a single
// transaction together with the owning entries' count updates.
type MappingStore interface {
	GetActive(ctx context.Context, targetID string, kind types.JobKind) (*types.SubscriberMapping, error)
	ListActiveByEntry(ctx context.Context, entryID string) ([]*types.SubscriberMapping, error)
	ListActiveByTenant(ctx context.Context, tenantID string, targetType types.TargetType) ([]*types.SubscriberMapping, error)
	CountActiveByEntry(ctx context.Context, entryID string) (int, error)
	Attach(ctx context.Context, m *types.SubscriberMapping) (created bool, newCount int, err error)
	Detach(ctx context.Context, targetID string, targetType types.TargetType) (entryIDs []string, found bool, err error)
	Repoint(ctx context.Context, mappingID, toEntryID string, toInterval int) (fromEntryID string, err error)
	MoveToEntry(ctx context.Context, mappingIDs []string, fromEntryID, toEntryID string, toInterval int) (moved int, err error)
	SetCount(ctx context.Context, entryID string, count int) error
}
