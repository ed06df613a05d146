package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewflow/internal/lifecycle"
	"reviewflow/internal/types"
)

func TestTargetsHandler_AddSchedulesTarget(t *testing.T) {
	lc := &fakeLifecycle{}
	h := NewTargetsHandler(lc, testLogger())

	body := `{"tenant_id": "tenant-1", "target_type": "google", "external_identifier": "place-1", "name": "Main St"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/targets", strings.NewReader(body))
	h.HandleAdd(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, lc.events, 1)
	assert.Equal(t, lifecycle.EventTargetAdded, lc.events[0].Kind)
	assert.Equal(t, "tenant-1", lc.events[0].TenantID)
	assert.Equal(t, types.TargetGoogle, lc.events[0].TargetType)
	assert.Equal(t, "place-1", lc.events[0].ExternalIdentifier)
	assert.Equal(t, "Main St", lc.events[0].TargetName)
}

func TestTargetsHandler_DeferredAddIs202(t *testing.T) {
	lc := &fakeLifecycle{report: &lifecycle.Report{Deferred: true}}
	h := NewTargetsHandler(lc, testLogger())

	body := `{"tenant_id": "tenant-1", "target_type": "google", "external_identifier": "place-1"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/targets", strings.NewReader(body))
	h.HandleAdd(w, r)

	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestTargetsHandler_RemoveUnsubscribes(t *testing.T) {
	lc := &fakeLifecycle{}
	h := NewTargetsHandler(lc, testLogger())

	body := `{"tenant_id": "tenant-1", "target_type": "yelp", "external_identifier": "biz-1"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodDelete, "/targets", strings.NewReader(body))
	h.HandleRemove(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, lc.events, 1)
	assert.Equal(t, lifecycle.EventTargetRemoved, lc.events[0].Kind)
	assert.Equal(t, types.TargetYelp, lc.events[0].TargetType)
}

func TestTargetsHandler_MalformedBodyIs400(t *testing.T) {
	lc := &fakeLifecycle{}
	h := NewTargetsHandler(lc, testLogger())

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/targets", strings.NewReader(`{"tenant_id":`))
	h.HandleAdd(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, lc.events)
}

func TestTargetsHandler_UnknownFieldRejected(t *testing.T) {
	lc := &fakeLifecycle{}
	h := NewTargetsHandler(lc, testLogger())

	body := `{"tenant_id": "tenant-1", "target_type": "google", "external_identifier": "p", "surprise": true}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/targets", strings.NewReader(body))
	h.HandleAdd(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, lc.events)
}
