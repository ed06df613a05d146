package external

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"reviewflow/internal/types"
)

// StubPlatform is an in-memory JobPlatform used by tests and local
// development. It records schedules and runs; unset hooks fall back to
// simple defaults.
type StubPlatform struct {
	mu        sync.Mutex
	seq       int
	Schedules map[string]*PlatformSchedule
	Runs      map[string]*PlatformRun
	Items     map[string][]types.ReviewItem

	// Optional hooks for failure injection.
	CreateErr error
	UpdateErr error
	DeleteErr error
	EnableErr error
}

// NewStubPlatform returns an empty stub ready for use.
func NewStubPlatform() *StubPlatform {
	return &StubPlatform{
		Schedules: make(map[string]*PlatformSchedule),
		Runs:      make(map[string]*PlatformRun),
		Items:     make(map[string][]types.ReviewItem),
	}
}

func (s *StubPlatform) CreateSchedule(_ context.Context, in CreateScheduleInput) (*PlatformSchedule, error) {
	if s.CreateErr != nil {
		return nil, s.CreateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	sched := &PlatformSchedule{
		ID:        fmt.Sprintf("stub-sched-%d", s.seq),
		Name:      in.Name,
		CronExpr:  in.CronExpr,
		IsEnabled: false,
		ActorID:   in.ActorID,
		Input:     in.Input,
	}
	s.Schedules[sched.ID] = sched
	return sched, nil
}

func (s *StubPlatform) UpdateScheduleInput(_ context.Context, scheduleID string, input json.RawMessage) error {
	if s.UpdateErr != nil {
		return s.UpdateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.Schedules[scheduleID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundRun,
			fmt.Sprintf("stub schedule %s not found", scheduleID), nil)
	}
	sched.Input = input
	return nil
}

func (s *StubPlatform) SetScheduleEnabled(_ context.Context, scheduleID string, enabled bool) error {
	if s.EnableErr != nil {
		return s.EnableErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.Schedules[scheduleID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundRun,
			fmt.Sprintf("stub schedule %s not found", scheduleID), nil)
	}
	sched.IsEnabled = enabled
	return nil
}

func (s *StubPlatform) DeleteSchedule(_ context.Context, scheduleID string) error {
	if s.DeleteErr != nil {
		return s.DeleteErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Schedules, scheduleID)
	return nil
}

func (s *StubPlatform) RunActor(_ context.Context, actorID string, input json.RawMessage, _ string) (*PlatformRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	run := &PlatformRun{
		ID:               fmt.Sprintf("stub-run-%d", s.seq),
		ActorID:          actorID,
		Status:           "RUNNING",
		DefaultDatasetID: fmt.Sprintf("stub-dataset-%d", s.seq),
	}
	s.Runs[run.ID] = run
	return run, nil
}

func (s *StubPlatform) GetRun(_ context.Context, runID string) (*PlatformRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.Runs[runID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundRun,
			fmt.Sprintf("stub run %s not found", runID), nil)
	}
	return run, nil
}

func (s *StubPlatform) FetchDatasetItems(_ context.Context, datasetID string) ([]types.ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Items[datasetID], nil
}

var _ JobPlatform = (*StubPlatform)(nil)
