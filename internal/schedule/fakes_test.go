package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"reviewflow/internal/types"
)

// memStore is an in-memory EntryStore + MappingStore mirroring the SQL
// repositories' semantics, including the cached subscriber_count updated
// inside the compound mapping mutations.
type memStore struct {
	mu       sync.Mutex
	entries  map[string]*types.ScheduleEntry
	mappings map[string]*types.SubscriberMapping
	seq      int
}

func newMemStore() *memStore {
	return &memStore{
		entries:  make(map[string]*types.ScheduleEntry),
		mappings: make(map[string]*types.SubscriberMapping),
	}
}

func (s *memStore) GetByID(_ context.Context, id string) (*types.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "entry not found", nil)
	}
	cp := *e
	return &cp, nil
}

func (s *memStore) GetByExternalJobID(_ context.Context, jobID string) (*types.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.ExternalJobID == jobID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "entry not found", nil)
}

func (s *memStore) FindWithCapacity(_ context.Context, group types.ScheduleGroup, max int) (*types.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *types.ScheduleEntry
	for _, e := range s.entries {
		if e.Group() != group || e.SubscriberCount >= max {
			continue
		}
		if best == nil || e.BatchIndex < best.BatchIndex {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *memStore) NextBatchIndex(_ context.Context, group types.ScheduleGroup) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := 0
	for _, e := range s.entries {
		if e.Group() == group && e.BatchIndex >= next {
			next = e.BatchIndex + 1
		}
	}
	return next, nil
}

func (s *memStore) Insert(_ context.Context, e *types.ScheduleEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entries {
		if existing.Group() == e.Group() && existing.BatchIndex == e.BatchIndex {
			return false, nil
		}
	}
	cp := *e
	s.entries[e.ID] = &cp
	return true, nil
}

func (s *memStore) ListByGroup(_ context.Context, group types.ScheduleGroup) ([]*types.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.ScheduleEntry
	for _, e := range s.entries {
		if e.Group() == group {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchIndex < out[j].BatchIndex })
	return out, nil
}

func (s *memStore) ListAll(_ context.Context) ([]*types.ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.ScheduleEntry
	for _, e := range s.entries {
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) UpdateMembership(_ context.Context, id string, count int, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSchedule, "entry not found", nil)
	}
	e.SubscriberCount = count
	e.Active = active
	return nil
}

func (s *memStore) SetActive(_ context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSchedule, "entry not found", nil)
	}
	e.Active = active
	return nil
}

func (s *memStore) UpdateRunTimes(_ context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSchedule, "entry not found", nil)
	}
	e.LastRunAt = &lastRun
	e.NextRunAt = nextRun
	return nil
}

func (s *memStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings {
		if m.ScheduleEntryID == id && m.Active {
			return types.NewAppError(types.ErrCodeConflictConcurrent,
				"entry still has active mappings", nil)
		}
	}
	delete(s.entries, id)
	return nil
}

func (s *memStore) GetActive(_ context.Context, targetID string, kind types.JobKind) (*types.SubscriberMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings {
		if m.TargetID == targetID && m.JobKind == kind && m.Active {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memStore) ListActiveByEntry(_ context.Context, entryID string) ([]*types.SubscriberMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.SubscriberMapping
	for _, m := range s.mappings {
		if m.ScheduleEntryID == entryID && m.Active {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memStore) ListActiveByTenant(_ context.Context, tenantID string, targetType types.TargetType) ([]*types.SubscriberMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.SubscriberMapping
	for _, m := range s.mappings {
		if m.TenantID == tenantID && m.Active && (targetType == "" || m.TargetType == targetType) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) CountActiveByEntry(_ context.Context, entryID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(entryID), nil
}

func (s *memStore) countLocked(entryID string) int {
	n := 0
	for _, m := range s.mappings {
		if m.ScheduleEntryID == entryID && m.Active {
			n++
		}
	}
	return n
}

func (s *memStore) Attach(_ context.Context, m *types.SubscriberMapping) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.mappings {
		if existing.TargetID == m.TargetID && existing.JobKind == m.JobKind && existing.Active {
			return false, s.countLocked(existing.ScheduleEntryID), nil
		}
	}
	e, ok := s.entries[m.ScheduleEntryID]
	if !ok {
		return false, 0, types.NewAppError(types.ErrCodeNotFoundSchedule, "entry not found", nil)
	}
	cp := *m
	s.seq++
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	// Preserve insertion order when timestamps collide.
	cp.CreatedAt = cp.CreatedAt.Add(time.Duration(s.seq) * time.Microsecond)
	s.mappings[cp.ID] = &cp
	e.SubscriberCount++
	e.Active = true
	return true, e.SubscriberCount, nil
}

func (s *memStore) Detach(_ context.Context, targetID string, targetType types.TargetType) ([]string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entryIDs []string
	for id, m := range s.mappings {
		if m.TargetID == targetID && m.TargetType == targetType && m.Active {
			entryIDs = append(entryIDs, m.ScheduleEntryID)
			delete(s.mappings, id)
		}
	}
	if len(entryIDs) == 0 {
		return nil, false, nil
	}
	for _, eid := range entryIDs {
		if e, ok := s.entries[eid]; ok && e.SubscriberCount > 0 {
			e.SubscriberCount--
			e.Active = e.SubscriberCount > 0
		}
	}
	sort.Strings(entryIDs)
	return entryIDs, true, nil
}

func (s *memStore) Repoint(_ context.Context, mappingID, toEntryID string, toInterval int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[mappingID]
	if !ok {
		return "", types.NewAppError(types.ErrCodeNotFoundMapping, "mapping not found", nil)
	}
	from := m.ScheduleEntryID
	if from == toEntryID {
		return "", nil
	}
	m.ScheduleEntryID = toEntryID
	m.IntervalHours = toInterval
	if e, ok := s.entries[from]; ok && e.SubscriberCount > 0 {
		e.SubscriberCount--
		e.Active = e.SubscriberCount > 0
	}
	if e, ok := s.entries[toEntryID]; ok {
		e.SubscriberCount++
		e.Active = true
	}
	return from, nil
}

func (s *memStore) MoveToEntry(_ context.Context, mappingIDs []string, fromEntryID, toEntryID string, toInterval int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := 0
	for _, id := range mappingIDs {
		m, ok := s.mappings[id]
		if !ok || m.ScheduleEntryID != fromEntryID || !m.Active {
			continue
		}
		m.ScheduleEntryID = toEntryID
		m.IntervalHours = toInterval
		moved++
	}
	if from, ok := s.entries[fromEntryID]; ok {
		from.SubscriberCount -= moved
		if from.SubscriberCount < 0 {
			from.SubscriberCount = 0
		}
		from.Active = from.SubscriberCount > 0
	}
	if to, ok := s.entries[toEntryID]; ok {
		to.SubscriberCount += moved
		to.Active = to.SubscriberCount > 0
	}
	return moved, nil
}

func (s *memStore) SetCount(_ context.Context, entryID string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return types.NewAppError(types.ErrCodeNotFoundSchedule, "entry not found", nil)
	}
	e.SubscriberCount = count
	e.Active = count > 0
	return nil
}

// forceCount corrupts an entry's cached count for drift tests.
func (s *memStore) forceCount(entryID string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[entryID]; ok {
		e.SubscriberCount = count
	}
}

var (
	_ EntryStore   = (*memStore)(nil)
	_ MappingStore = (*memStore)(nil)
)

func groupFor(t types.TargetType, k types.JobKind, interval int) types.ScheduleGroup {
	return types.ScheduleGroup{TargetType: t, JobKind: k, IntervalHours: interval}
}

func targetID(i int) string { return fmt.Sprintf("target-%03d", i) }
func placeID(i int) string  { return fmt.Sprintf("place-%03d", i) }
