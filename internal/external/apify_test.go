package external

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewflow/internal/types"
)

func newTestApifyClient(t *testing.T, serverURL string) *ApifyClient {
	t.Helper()
	return NewApifyClient(
		serverURL,
		types.SecretString("test-token"),
		5*time.Second,
		0,
		WithSleepFunc(noopSleep),
	)
}

func TestActorIDFor(t *testing.T) {
	tests := []struct {
		name       string
		targetType types.TargetType
		jobKind    types.JobKind
		wantErr    bool
	}{
		{"google reviews", types.TargetGoogle, types.JobKindReviews, false},
		{"google overview", types.TargetGoogle, types.JobKindOverview, false},
		{"yelp reviews", types.TargetYelp, types.JobKindReviews, false},
		{"yelp overview unsupported", types.TargetYelp, types.JobKindOverview, true},
		{"unknown type", types.TargetType("bing"), types.JobKindReviews, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ActorIDFor(tt.targetType, tt.jobKind)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, id)
		})
	}
}

func TestBuildActorInput_GoogleUsesPlaceIDs(t *testing.T) {
	raw, err := BuildActorInput(types.TargetGoogle, types.JobKindReviews,
		[]string{"place-a", "place-b"})
	require.NoError(t, err)

	var payload struct {
		PlaceIDs   []string `json:"placeIds"`
		MaxReviews int      `json:"maxReviews"`
	}
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, []string{"place-a", "place-b"}, payload.PlaceIDs)
	assert.Equal(t, 100, payload.MaxReviews)
}

func TestBuildActorInput_URLPlatformsUseStartURLs(t *testing.T) {
	raw, err := BuildActorInput(types.TargetYelp, types.JobKindReviews,
		[]string{"https://yelp.com/biz/one", "https://yelp.com/biz/two"})
	require.NoError(t, err)

	var payload struct {
		StartURLs []struct {
			URL string `json:"url"`
		} `json:"startUrls"`
	}
	require.NoError(t, json.Unmarshal(raw, &payload))
	require.Len(t, payload.StartURLs, 2)
	assert.Equal(t, "https://yelp.com/biz/one", payload.StartURLs[0].URL)
}

func TestBuildActorInput_UnsupportedCombination(t *testing.T) {
	_, err := BuildActorInput(types.TargetFacebook, types.JobKindOverview, []string{"x"})
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationTargetType, appErr.Code)
}

func TestUpdateScheduleInput_PreservesOtherSettings(t *testing.T) {
	var putBody apifySchedule
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"data": apifySchedule{
				ID:             "sched-1",
				Name:           "google-reviews-24h-0",
				CronExpression: "0 */24 * * *",
				Timezone:       "UTC",
				IsEnabled:      true,
				Actions: []apifyAction{{
					Type:    "RUN_ACTOR",
					ActorID: "compass~google-maps-reviews-scraper",
					RunInput: apifyRunInput{
						Body:        `{"placeIds":["old"]}`,
						ContentType: "application/json; charset=utf-8",
					},
				}},
			}})
		case http.MethodPut:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&putBody))
			json.NewEncoder(w).Encode(map[string]any{"data": putBody})
		}
	}))
	defer server.Close()

	client := newTestApifyClient(t, server.URL)
	err := client.UpdateScheduleInput(context.Background(), "sched-1",
		json.RawMessage(`{"placeIds":["new-a","new-b"]}`))
	require.NoError(t, err)

	assert.Equal(t, `{"placeIds":["new-a","new-b"]}`, putBody.Actions[0].RunInput.Body)
	assert.Equal(t, "0 */24 * * *", putBody.CronExpression)
	assert.True(t, putBody.IsEnabled)
	assert.Equal(t, "UTC", putBody.Timezone)
}

func TestSetScheduleEnabled_NoOpWhenAlreadySet(t *testing.T) {
	var putCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"data": apifySchedule{
				ID: "sched-1", IsEnabled: true,
				Actions: []apifyAction{{Type: "RUN_ACTOR"}},
			}})
		case http.MethodPut:
			putCalls++
			json.NewEncoder(w).Encode(map[string]any{"data": apifySchedule{}})
		}
	}))
	defer server.Close()

	client := newTestApifyClient(t, server.URL)
	require.NoError(t, client.SetScheduleEnabled(context.Background(), "sched-1", true))
	assert.Zero(t, putCalls)
}

func TestDeleteSchedule_MissingIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestApifyClient(t, server.URL)
	assert.NoError(t, client.DeleteSchedule(context.Background(), "gone"))
}

func TestFetchDatasetItems_Gzip(t *testing.T) {
	wire := []map[string]any{
		{"placeId": "place-a", "reviewId": "r1", "stars": 5},
		{"placeId": "place-a", "reviewId": "r2", "stars": 2},
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept-Encoding"), "gzip")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		json.NewEncoder(gz).Encode(wire)
		gz.Close()
	}))
	defer server.Close()

	client := newTestApifyClient(t, server.URL)
	got, err := client.FetchDatasetItems(context.Background(), "ds-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "place-a", got[0].TargetIdentifier)
	assert.Equal(t, "r1", got[0].Payload["reviewId"])
}

func TestExtractIdentifier_PrefersPlaceID(t *testing.T) {
	item := map[string]any{"url": "https://maps.google.com/x", "placeId": "p-1"}
	assert.Equal(t, "p-1", extractIdentifier(item))
	assert.Empty(t, extractIdentifier(map[string]any{"stars": 4}))
}

func TestCreateSchedule_StartsDisabled(t *testing.T) {
	var created apifySchedule
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		created.ID = "sched-new"
		json.NewEncoder(w).Encode(map[string]any{"data": created})
	}))
	defer server.Close()

	client := newTestApifyClient(t, server.URL)
	sched, err := client.CreateSchedule(context.Background(), CreateScheduleInput{
		Name:     "google-reviews-24h-0",
		CronExpr: "15 3 * * *",
		ActorID:  "compass~google-maps-reviews-scraper",
		Input:    json.RawMessage(`{"placeIds":[]}`),
	})
	require.NoError(t, err)

	assert.False(t, created.IsEnabled)
	assert.True(t, created.IsExclusive)
	assert.Equal(t, "UTC", created.Timezone)
	assert.Equal(t, "sched-new", sched.ID)
}
