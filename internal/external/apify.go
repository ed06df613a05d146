package external

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/klauspost/compress/gzip"

	"reviewflow/internal/types"
)

// Actor slugs on the job platform, keyed by target type and job kind.
// Overview scraping only exists for Google; JobKindsFor is the gate.
var actorIDs = map[types.TargetType]map[types.JobKind]string{
	types.TargetGoogle: {
		types.JobKindReviews:  "compass~google-maps-reviews-scraper",
		types.JobKindOverview: "compass~google-places-crawler",
	},
	types.TargetFacebook: {
		types.JobKindReviews: "apify~facebook-reviews-scraper",
	},
	types.TargetYelp: {
		types.JobKindReviews: "yin~yelp-reviews-scraper",
	},
	types.TargetTripAdvisor: {
		types.JobKindReviews: "maxcopell~tripadvisor-reviews",
	},
}

// ActorIDFor resolves the platform actor for a target type and job kind.
func ActorIDFor(targetType types.TargetType, jobKind types.JobKind) (string, error) {
	kinds, ok := actorIDs[targetType]
	if !ok {
		return "", types.NewAppError(types.ErrCodeValidationTargetType,
			fmt.Sprintf("no actor registered for target type %q", targetType), nil)
	}
	id, ok := kinds[jobKind]
	if !ok {
		return "", types.NewAppError(types.ErrCodeValidationTargetType,
			fmt.Sprintf("target type %q does not support job kind %q", targetType, jobKind), nil)
	}
	return id, nil
}

// BuildActorInput renders the actor input payload for a batch of external
// identifiers. Google actors take a batched place-ID array; the remaining
// platforms take a start-URL list.
func BuildActorInput(targetType types.TargetType, jobKind types.JobKind, identifiers []string) (json.RawMessage, error) {
	if _, err := ActorIDFor(targetType, jobKind); err != nil {
		return nil, err
	}

	switch targetType {
	case types.TargetGoogle:
		payload := struct {
			PlaceIDs   []string `json:"placeIds"`
			MaxReviews int      `json:"maxReviews,omitempty"`
			Language   string   `json:"language"`
		}{
			PlaceIDs: identifiers,
			Language: "en",
		}
		if jobKind == types.JobKindReviews {
			payload.MaxReviews = 100
		}
		return json.Marshal(payload)
	default:
		type startURL struct {
			URL string `json:"url"`
		}
		urls := make([]startURL, 0, len(identifiers))
		for _, id := range identifiers {
			urls = append(urls, startURL{URL: id})
		}
		return json.Marshal(struct {
			StartURLs  []startURL `json:"startUrls"`
			MaxReviews int        `json:"maxReviews"`
		}{StartURLs: urls, MaxReviews: 100})
	}
}

// ApifyClient talks to the Apify v2 REST API. It embeds BaseClient for
// circuit breaking and bounded retries.
type ApifyClient struct {
	base    *BaseClient
	baseURL string
	token   types.SecretString
}

// NewApifyClient builds a platform client. callTimeout caps each HTTP
// exchange; retries apply only to idempotent endpoints.
func NewApifyClient(baseURL string, token types.SecretString, callTimeout time.Duration, maxRetries int, opts ...BaseClientOption) *ApifyClient {
	policy := DefaultRetryPolicy()
	policy.MaxRetries = maxRetries
	return &ApifyClient{
		base: NewBaseClient(
			&http.Client{Timeout: callTimeout},
			"apify",
			policy,
			"reviewflow/1.0",
			opts...,
		),
		baseURL: baseURL,
		token:   token,
	}
}

// apifyEnvelope wraps every Apify response body.
type apifyEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apifySchedule struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	CronExpression string        `json:"cronExpression"`
	Timezone       string        `json:"timezone"`
	IsEnabled      bool          `json:"isEnabled"`
	IsExclusive    bool          `json:"isExclusive"`
	Actions        []apifyAction `json:"actions"`
}

type apifyAction struct {
	Type     string         `json:"type"`
	ActorID  string         `json:"actorId"`
	RunInput apifyRunInput  `json:"runInput"`
	Webhooks []apifyWebhook `json:"webhooks,omitempty"`
}

type apifyWebhook struct {
	EventTypes []string `json:"eventTypes"`
	RequestURL string   `json:"requestUrl"`
}

type apifyRunInput struct {
	Body        string `json:"body"`
	ContentType string `json:"contentType"`
}

type apifyRun struct {
	ID               string `json:"id"`
	ActID            string `json:"actId"`
	Status           string `json:"status"`
	DefaultDatasetID string `json:"defaultDatasetId"`
}

func (c *ApifyClient) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
				"failed to encode apify request body", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to build apify request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token.Unmask())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.base.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamTimeout,
				"apify request cancelled or timed out", ctx.Err())
		}
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamApify,
			"failed to read apify response", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, types.NewAppError(types.ErrCodeNotFoundRun,
			fmt.Sprintf("apify resource not found: %s %s", method, path), nil)
	}
	if resp.StatusCode >= 400 {
		return nil, types.NewAppError(types.ErrCodeUpstreamApify,
			fmt.Sprintf("apify returned %d for %s %s", resp.StatusCode, method, path), nil)
	}
	if resp.StatusCode == http.StatusNoContent || len(raw) == 0 {
		return nil, nil
	}

	var env apifyEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamApify,
			"failed to decode apify response envelope", err)
	}
	return env.Data, nil
}

func scheduleFromWire(ws *apifySchedule) *PlatformSchedule {
	s := &PlatformSchedule{
		ID:        ws.ID,
		Name:      ws.Name,
		CronExpr:  ws.CronExpression,
		IsEnabled: ws.IsEnabled,
	}
	if len(ws.Actions) > 0 {
		s.ActorID = ws.Actions[0].ActorID
		s.Input = json.RawMessage(ws.Actions[0].RunInput.Body)
	}
	return s
}

// CreateSchedule registers a new recurring job, disabled until the first
// subscriber payload is pushed.
func (c *ApifyClient) CreateSchedule(ctx context.Context, in CreateScheduleInput) (*PlatformSchedule, error) {
	tz := in.Timezone
	if tz == "" {
		tz = "UTC"
	}
	body := apifySchedule{
		Name:           in.Name,
		CronExpression: in.CronExpr,
		Timezone:       tz,
		IsEnabled:      false,
		IsExclusive:    true,
	}
	action := apifyAction{
		Type:    "RUN_ACTOR",
		ActorID: in.ActorID,
		RunInput: apifyRunInput{
			Body:        string(in.Input),
			ContentType: "application/json; charset=utf-8",
		},
	}
	if in.WebhookURL != "" {
		action.Webhooks = []apifyWebhook{{
			EventTypes: []string{"ACTOR.RUN.SUCCEEDED", "ACTOR.RUN.FAILED", "ACTOR.RUN.ABORTED"},
			RequestURL: in.WebhookURL,
		}}
	}
	body.Actions = []apifyAction{action}

	data, err := c.do(ctx, http.MethodPost, "/v2/schedules", body)
	if err != nil {
		return nil, err
	}
	var created apifySchedule
	if err := json.Unmarshal(data, &created); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamApify,
			"failed to decode created schedule", err)
	}
	return scheduleFromWire(&created), nil
}

func (c *ApifyClient) getSchedule(ctx context.Context, scheduleID string) (*apifySchedule, error) {
	data, err := c.do(ctx, http.MethodGet, "/v2/schedules/"+url.PathEscape(scheduleID), nil)
	if err != nil {
		return nil, err
	}
	var ws apifySchedule
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamApify,
			"failed to decode schedule", err)
	}
	return &ws, nil
}

// UpdateScheduleInput replaces only the actor input body on an existing
// schedule. Cron, timezone, and enablement are fetched first and written
// back unchanged, since the platform PUT is a full replace.
func (c *ApifyClient) UpdateScheduleInput(ctx context.Context, scheduleID string, input json.RawMessage) error {
	current, err := c.getSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	if len(current.Actions) == 0 {
		return types.NewAppError(types.ErrCodeUpstreamApify,
			fmt.Sprintf("schedule %s has no run action to update", scheduleID), nil)
	}
	current.Actions[0].RunInput.Body = string(input)

	_, err = c.do(ctx, http.MethodPut, "/v2/schedules/"+url.PathEscape(scheduleID), current)
	return err
}

// SetScheduleEnabled flips the schedule's enabled flag, preserving all
// other settings.
func (c *ApifyClient) SetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool) error {
	current, err := c.getSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	if current.IsEnabled == enabled {
		return nil
	}
	current.IsEnabled = enabled
	_, err = c.do(ctx, http.MethodPut, "/v2/schedules/"+url.PathEscape(scheduleID), current)
	return err
}

// DeleteSchedule removes the recurring job. A missing schedule is treated
// as already deleted.
func (c *ApifyClient) DeleteSchedule(ctx context.Context, scheduleID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v2/schedules/"+url.PathEscape(scheduleID), nil)
	var appErr *types.AppError
	if err != nil && errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundRun {
		return nil
	}
	return err
}

// RunActor launches a one-off run, used for initial full-history scrapes.
// Not retried: a duplicate launch costs real scraping credit. The webhook
// travels as the platform's base64 ad-hoc query parameter.
func (c *ApifyClient) RunActor(ctx context.Context, actorID string, input json.RawMessage, webhookURL string) (*PlatformRun, error) {
	path := "/v2/acts/" + url.PathEscape(actorID) + "/runs"
	if webhookURL != "" {
		path += "?webhooks=" + url.QueryEscape(WebhookParam(webhookURL))
	}
	data, err := c.do(ctx, http.MethodPost, path, json.RawMessage(input))
	if err != nil {
		return nil, err
	}
	var run apifyRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamApify,
			"failed to decode actor run", err)
	}
	return &PlatformRun{
		ID:               run.ID,
		ActorID:          run.ActID,
		Status:           run.Status,
		DefaultDatasetID: run.DefaultDatasetID,
	}, nil
}

// GetRun fetches the state of a single actor run.
func (c *ApifyClient) GetRun(ctx context.Context, runID string) (*PlatformRun, error) {
	data, err := c.do(ctx, http.MethodGet, "/v2/actor-runs/"+url.PathEscape(runID), nil)
	if err != nil {
		return nil, err
	}
	var run apifyRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamApify,
			"failed to decode actor run", err)
	}
	return &PlatformRun{
		ID:               run.ID,
		ActorID:          run.ActID,
		Status:           run.Status,
		DefaultDatasetID: run.DefaultDatasetID,
	}, nil
}

// FetchDatasetItems downloads the full item set of a dataset. The request
// advertises gzip and decompresses manually so large review payloads
// transfer compressed.
func (c *ApifyClient) FetchDatasetItems(ctx context.Context, datasetID string) ([]types.ReviewItem, error) {
	path := fmt.Sprintf("%s/v2/datasets/%s/items?format=json&clean=true", c.baseURL, url.PathEscape(datasetID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to build dataset request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token.Unmask())
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, types.NewAppError(types.ErrCodeNotFoundRun,
			fmt.Sprintf("dataset %s not found", datasetID), nil)
	}
	if resp.StatusCode >= 400 {
		return nil, types.NewAppError(types.ErrCodeUpstreamApify,
			fmt.Sprintf("dataset fetch returned %d", resp.StatusCode), nil)
	}

	var body io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamApify,
				"failed to open gzip dataset stream", err)
		}
		defer gz.Close()
		body = gz
	}

	var raws []map[string]any
	if err := json.NewDecoder(body).Decode(&raws); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamApify,
			"failed to decode dataset items", err)
	}

	items := make([]types.ReviewItem, 0, len(raws))
	for _, r := range raws {
		items = append(items, types.ReviewItem{
			TargetIdentifier: extractIdentifier(r),
			Payload:          r,
		})
	}
	return items, nil
}

// identifierKeys lists the dataset fields actors use to name the scraped
// business, in preference order. Google actors emit placeId; the URL-based
// actors echo the page they crawled.
var identifierKeys = []string{"placeId", "url", "pageUrl", "facebookUrl", "directUrl"}

func extractIdentifier(item map[string]any) string {
	for _, key := range identifierKeys {
		if v, ok := item[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// WebhookParam encodes an ad-hoc completion webhook for one-off runs, in
// the platform's base64-JSON query-parameter format.
func WebhookParam(requestURL string) string {
	payload := []map[string]any{{
		"eventTypes": []string{"ACTOR.RUN.SUCCEEDED", "ACTOR.RUN.FAILED", "ACTOR.RUN.ABORTED"},
		"requestUrl": requestURL,
	}}
	buf, _ := json.Marshal(payload)
	return base64.StdEncoding.EncodeToString(buf)
}
