package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewflow/internal/schedule"
	"reviewflow/internal/types"
)

type fakeAdminEntries struct {
	entries map[string]*types.ScheduleEntry
	active  map[string]bool
}

func (f *fakeAdminEntries) ListAll(_ context.Context) ([]*types.ScheduleEntry, error) {
	out := make([]*types.ScheduleEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeAdminEntries) GetByID(_ context.Context, id string) (*types.ScheduleEntry, error) {
	e, ok := f.entries[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundSchedule, "schedule entry not found", nil)
	}
	return e, nil
}

func (f *fakeAdminEntries) GetByTuple(_ context.Context, group types.ScheduleGroup, batchIndex int) (*types.ScheduleEntry, error) {
	for _, e := range f.entries {
		if e.TargetType == group.TargetType && e.JobKind == group.JobKind &&
			e.IntervalHours == group.IntervalHours && e.BatchIndex == batchIndex {
			return e, nil
		}
	}
	return nil, nil
}

func (f *fakeAdminEntries) SetActive(_ context.Context, id string, active bool) error {
	if f.active == nil {
		f.active = make(map[string]bool)
	}
	f.active[id] = active
	return nil
}

type fakeAdminMappings struct {
	byEntry map[string][]*types.SubscriberMapping
}

func (f *fakeAdminMappings) ListActiveByEntry(_ context.Context, entryID string) ([]*types.SubscriberMapping, error) {
	return f.byEntry[entryID], nil
}

type fakeCapacity struct {
	health       []types.EntryHealth
	summary      types.HealthSummary
	rebalanced   []string
	merged       []string
	mergedFrac   float64
	rebalanceErr error
}

func (f *fakeCapacity) Rebalance(_ context.Context, group types.ScheduleGroup) error {
	f.rebalanced = append(f.rebalanced, group.String())
	return f.rebalanceErr
}

func (f *fakeCapacity) Consolidate(_ context.Context, group types.ScheduleGroup, threshold float64) error {
	f.merged = append(f.merged, group.String())
	f.mergedFrac = threshold
	return nil
}

func (f *fakeCapacity) HealthStatus(_ context.Context) ([]types.EntryHealth, types.HealthSummary, error) {
	return f.health, f.summary, nil
}

type fakeToggler struct {
	toggled map[string]bool
	err     error
}

func (f *fakeToggler) SetScheduleEnabled(_ context.Context, scheduleID string, enabled bool) error {
	if f.err != nil {
		return f.err
	}
	if f.toggled == nil {
		f.toggled = make(map[string]bool)
	}
	f.toggled[scheduleID] = enabled
	return nil
}

type fakeOverrideAdmin struct {
	set     []*types.IntervalOverride
	deleted []string
}

func (f *fakeOverrideAdmin) Set(_ context.Context, o *types.IntervalOverride) error {
	f.set = append(f.set, o)
	return nil
}

func (f *fakeOverrideAdmin) Delete(_ context.Context, tenantID string, targetType types.TargetType) error {
	f.deleted = append(f.deleted, tenantID+"/"+string(targetType))
	return nil
}

type fakeReconciler struct {
	report *schedule.ReconcileReport
	runs   int
}

func (f *fakeReconciler) Run(_ context.Context) (*schedule.ReconcileReport, error) {
	f.runs++
	if f.report != nil {
		return f.report, nil
	}
	return &schedule.ReconcileReport{}, nil
}

type fakeRunLister struct {
	lastLimit int
	runs      []*types.JobRun
}

func (f *fakeRunLister) ListRecent(_ context.Context, limit int) ([]*types.JobRun, error) {
	f.lastLimit = limit
	return f.runs, nil
}

func (f *fakeRunLister) GetByExternalRunID(_ context.Context, externalRunID string) (*types.JobRun, error) {
	for _, jr := range f.runs {
		if jr.ExternalRunID == externalRunID {
			return jr, nil
		}
	}
	return nil, nil
}

type adminFixture struct {
	entries    *fakeAdminEntries
	mappings   *fakeAdminMappings
	capacity   *fakeCapacity
	platform   *fakeToggler
	overrides  *fakeOverrideAdmin
	reconciler *fakeReconciler
	runs       *fakeRunLister
	router     chi.Router
}

func newAdminFixture() *adminFixture {
	f := &adminFixture{
		entries:    &fakeAdminEntries{entries: make(map[string]*types.ScheduleEntry)},
		mappings:   &fakeAdminMappings{byEntry: make(map[string][]*types.SubscriberMapping)},
		capacity:   &fakeCapacity{},
		platform:   &fakeToggler{},
		overrides:  &fakeOverrideAdmin{},
		reconciler: &fakeReconciler{},
		runs:       &fakeRunLister{},
	}
	h := NewAdminHandler(f.entries, f.mappings, f.capacity, f.platform,
		f.overrides, f.reconciler, f.runs, 0.3, testLogger())
	f.router = chi.NewRouter()
	h.RegisterRoutes(f.router)
	return f
}

func (f *adminFixture) do(method, url, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, url, nil)
	} else {
		r = httptest.NewRequest(method, url, strings.NewReader(body))
	}
	f.router.ServeHTTP(w, r)
	return w
}

func TestAdmin_HealthSummary(t *testing.T) {
	f := newAdminFixture()
	f.capacity.summary = types.HealthSummary{Healthy: 5, Warning: 2, Critical: 1}

	w := f.do(http.MethodGet, "/admin/schedules/health", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"critical":1`)
}

func TestAdmin_PauseFlipsRowAndPlatform(t *testing.T) {
	f := newAdminFixture()
	f.entries.entries["e-1"] = &types.ScheduleEntry{ID: "e-1", ExternalJobID: "sched-abc", Active: true}

	w := f.do(http.MethodPost, "/admin/schedules/e-1/pause", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.entries.active["e-1"])
	enabled, ok := f.platform.toggled["sched-abc"]
	require.True(t, ok)
	assert.False(t, enabled)
}

func TestAdmin_ResumeUnknownEntryIs404(t *testing.T) {
	f := newAdminFixture()

	w := f.do(http.MethodPost, "/admin/schedules/missing/resume", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, f.platform.toggled)
}

func TestAdmin_PauseSurfacesPlatformFailure(t *testing.T) {
	f := newAdminFixture()
	f.entries.entries["e-1"] = &types.ScheduleEntry{ID: "e-1", ExternalJobID: "sched-abc", Active: true}
	f.platform.err = errors.New("platform unreachable")

	w := f.do(http.MethodPost, "/admin/schedules/e-1/pause", "")

	// The row flip landed; the platform toggle is reported for retry.
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, f.entries.active["e-1"])
}

func TestAdmin_ListSubscribers(t *testing.T) {
	f := newAdminFixture()
	f.entries.entries["e-1"] = &types.ScheduleEntry{ID: "e-1"}
	f.mappings.byEntry["e-1"] = []*types.SubscriberMapping{
		{ID: "m-1", TargetID: "t-1", ScheduleEntryID: "e-1"},
	}

	w := f.do(http.MethodGet, "/admin/schedules/e-1/subscribers", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"m-1"`)
}

func TestAdmin_RebalanceValidatesGroup(t *testing.T) {
	f := newAdminFixture()
	f.entries.entries["e-1"] = &types.ScheduleEntry{
		ID: "e-1", TargetType: types.TargetGoogle, JobKind: types.JobKindReviews,
		IntervalHours: 24, BatchIndex: 0,
	}

	w := f.do(http.MethodPost, "/admin/schedules/rebalance",
		`{"target_type": "google", "job_kind": "reviews", "interval_hours": 24}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"google/reviews/24h"}, f.capacity.rebalanced)

	w = f.do(http.MethodPost, "/admin/schedules/rebalance",
		`{"target_type": "google", "job_kind": "reviews", "interval_hours": 0}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/admin/schedules/rebalance",
		`{"target_type": "friendster", "job_kind": "reviews", "interval_hours": 24}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_RebalanceUnknownGroupIs404(t *testing.T) {
	f := newAdminFixture()

	w := f.do(http.MethodPost, "/admin/schedules/rebalance",
		`{"target_type": "google", "job_kind": "reviews", "interval_hours": 48}`)

	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, f.capacity.rebalanced)
}

func TestAdmin_ConsolidatePassesThreshold(t *testing.T) {
	f := newAdminFixture()
	f.entries.entries["e-1"] = &types.ScheduleEntry{
		ID: "e-1", TargetType: types.TargetYelp, JobKind: types.JobKindReviews,
		IntervalHours: 12, BatchIndex: 0,
	}

	w := f.do(http.MethodPost, "/admin/schedules/consolidate",
		`{"target_type": "yelp", "job_kind": "reviews", "interval_hours": 12}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"yelp/reviews/12h"}, f.capacity.merged)
	assert.Equal(t, 0.3, f.capacity.mergedFrac)
}

func TestAdmin_SetOverride(t *testing.T) {
	f := newAdminFixture()

	body := `{
		"tenant_id": "tenant-1",
		"target_type": "google",
		"interval_hours": 6,
		"reason": "launch week burst",
		"set_by": "ops@example.com",
		"expires_at": "2026-09-15T00:00:00Z"
	}`
	w := f.do(http.MethodPut, "/admin/overrides", body)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.overrides.set, 1)
	o := f.overrides.set[0]
	assert.Equal(t, "tenant-1", o.TenantID)
	assert.Equal(t, 6, o.IntervalHours)
	require.NotNil(t, o.ExpiresAt)
	assert.Equal(t, 2026, o.ExpiresAt.Year())
}

func TestAdmin_SetOverrideRejectsBadInterval(t *testing.T) {
	f := newAdminFixture()

	w := f.do(http.MethodPut, "/admin/overrides",
		`{"tenant_id": "tenant-1", "target_type": "google", "interval_hours": -2}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.overrides.set)
}

func TestAdmin_DeleteOverride(t *testing.T) {
	f := newAdminFixture()

	w := f.do(http.MethodDelete, "/admin/overrides",
		`{"tenant_id": "tenant-1", "target_type": "google"}`)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"tenant-1/google"}, f.overrides.deleted)
}

func TestAdmin_ReconcileReturnsReport(t *testing.T) {
	f := newAdminFixture()
	f.reconciler.report = &schedule.ReconcileReport{Checked: 8, Drifted: 3, Repaired: 3}

	w := f.do(http.MethodPost, "/admin/reconcile", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.reconciler.runs)
	assert.Contains(t, w.Body.String(), `"repaired":3`)
}

func TestAdmin_ListRunsLimit(t *testing.T) {
	f := newAdminFixture()

	w := f.do(http.MethodGet, "/admin/runs", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 50, f.runs.lastLimit)

	w = f.do(http.MethodGet, "/admin/runs?limit=10000", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 500, f.runs.lastLimit)

	w = f.do(http.MethodGet, "/admin/runs?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_GetRunByExternalID(t *testing.T) {
	f := newAdminFixture()
	f.runs.runs = []*types.JobRun{{
		ID:            "jr-1",
		ExternalRunID: "run-abc",
		TargetType:    types.TargetGoogle,
		Status:        types.RunStatusSucceeded,
	}}

	w := f.do(http.MethodGet, "/admin/runs/run-abc", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"run-abc"`)

	w = f.do(http.MethodGet, "/admin/runs/run-missing", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found_job_run")
}
