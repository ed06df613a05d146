// Package alerts notifies operators about failed or aborted external runs
// via an SQS alert queue. A TTL cache suppresses repeats so a flapping
// actor does not page the on-call once per retry.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"reviewflow/internal/config"
	"reviewflow/internal/queue"
	"reviewflow/internal/types"
)

// AlertKind classifies what went wrong.
type AlertKind string

const (
	AlertRunFailed     AlertKind = "run_failed"
	AlertRunAborted    AlertKind = "run_aborted"
	AlertRunUnclaimed  AlertKind = "run_unclaimed"
	AlertDispatchError AlertKind = "dispatch_error"
)

// Alert is the operator-facing payload placed on the alert queue.
type Alert struct {
	ID            string           `json:"id"`
	Kind          AlertKind        `json:"kind"`
	TenantID      string           `json:"tenant_id,omitempty"`
	TargetType    types.TargetType `json:"target_type,omitempty"`
	JobKind       types.JobKind    `json:"job_kind,omitempty"`
	ExternalRunID string           `json:"external_run_id,omitempty"`
	Message       string           `json:"message"`
	OccurredAt    time.Time        `json:"occurred_at"`
}

// dedupeKey collapses repeats of the same failure shape. The run ID is
// deliberately excluded: retries of one flaky actor produce fresh run IDs
// but the same operator signal.
func (a Alert) dedupeKey() string {
	return fmt.Sprintf("%s|%s|%s|%s", a.Kind, a.TargetType, a.JobKind, a.TenantID)
}

// Cache is the suppression store. Implementations decide how long a
// repeated alert stays silent; the notifier only asks the question.
type Cache interface {
	// Suppress reports whether an equivalent alert fired recently,
	// recording this one if not.
	Suppress(key string, now time.Time) bool
}

// MemoryCache is a TTL-based Cache backed by a map. It sweeps expired
// entries opportunistically, so memory stays bounded without a background
// goroutine. Not safe for concurrent use on its own; the Notifier
// serializes access.
type MemoryCache struct {
	ttl       time.Duration
	entries   map[string]time.Time
	lastSweep time.Time
}

// NewMemoryCache returns a cache that silences repeats for ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

func (c *MemoryCache) Suppress(key string, now time.Time) bool {
	if now.Sub(c.lastSweep) >= c.ttl {
		c.sweep(now)
	}
	if firedAt, ok := c.entries[key]; ok && now.Sub(firedAt) < c.ttl {
		return true
	}
	c.entries[key] = now
	return false
}

func (c *MemoryCache) sweep(now time.Time) {
	for key, firedAt := range c.entries {
		if now.Sub(firedAt) >= c.ttl {
			delete(c.entries, key)
		}
	}
	c.lastSweep = now
}

// Notifier publishes alerts to the operator queue, consulting the cache
// first. Suppressed alerts are logged and dropped, never an error.
type Notifier struct {
	client   queue.SQSSender
	queueURL string
	cache    Cache
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex // serializes cache access
}

// NewNotifier wires a Notifier. A nil cache disables suppression; a nil
// logger falls back to slog.Default().
func NewNotifier(client queue.SQSSender, awsCfg config.AWSConfig, cache Cache, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		client:   client,
		queueURL: awsCfg.AlertQueueURL,
		cache:    cache,
		logger:   logger,
		now:      time.Now,
	}
}

// Notify publishes one alert unless an equivalent one fired recently.
func (n *Notifier) Notify(ctx context.Context, alert Alert) error {
	now := n.now().UTC()
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}
	if alert.OccurredAt.IsZero() {
		alert.OccurredAt = now
	}

	if n.cache != nil && n.suppressed(alert.dedupeKey(), now) {
		n.logger.InfoContext(ctx, "operator alert suppressed",
			"kind", string(alert.Kind),
			"target_type", string(alert.TargetType),
			"tenant_id", alert.TenantID,
			"external_run_id", alert.ExternalRunID,
		)
		return nil
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("alerts: failed to marshal alert: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(alert.Kind)),
			},
		},
	}
	if _, err := n.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("alerts: failed to send alert to %s: %w", n.queueURL, err)
	}

	n.logger.WarnContext(ctx, "operator alert sent",
		"alert_id", alert.ID,
		"kind", string(alert.Kind),
		"target_type", string(alert.TargetType),
		"job_kind", string(alert.JobKind),
		"tenant_id", alert.TenantID,
		"external_run_id", alert.ExternalRunID,
		"message", alert.Message,
	)
	return nil
}

func (n *Notifier) suppressed(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cache.Suppress(key, now)
}
