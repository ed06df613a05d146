// Package metrics emits scheduler observability metrics to AWS CloudWatch.
// Emission is best-effort: a metrics failure is logged and never propagates
// into the operation being measured.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"reviewflow/internal/types"
)

// Metric and dimension names.
const (
	MetricRunCompleted    = "RunCompleted"
	MetricRunDuration     = "RunDuration"
	MetricItemsDispatched = "ItemsDispatched"
	MetricBatchHealth     = "BatchHealth"
	MetricReconcileDrift  = "ReconcileDrift"

	DimTargetType = "TargetType"
	DimJobKind    = "JobKind"
	DimResult     = "Result"
	DimClass      = "Class"
)

// RunResult labels a completed run's outcome on the RunCompleted metric.
type RunResult string

const (
	RunResultSuccess RunResult = "success"
	RunResultFailure RunResult = "failure"
)

// Collector is the metrics surface the webhook handler, dispatcher, and
// reconciler report into.
type Collector interface {
	// RecordRunOutcome counts one completed external run and its duration.
	RecordRunOutcome(ctx context.Context, targetType types.TargetType, jobKind types.JobKind, result RunResult, duration time.Duration)
	// RecordItemsDispatched counts review items handed to the queue.
	RecordItemsDispatched(ctx context.Context, targetType types.TargetType, items int)
	// RecordBatchHealth gauges how many schedule entries sit in each
	// capacity class.
	RecordBatchHealth(ctx context.Context, summary types.HealthSummary)
	// RecordReconcileDrift counts entries the reconciler found out of sync.
	RecordReconcileDrift(ctx context.Context, drifted int)
}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ Collector = (*CloudWatchCollector)(nil)

// CloudWatchCollector implements Collector by publishing to a CloudWatch
// namespace.
type CloudWatchCollector struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchCollector creates a collector publishing to the given
// namespace. A nil logger falls back to slog.Default().
func NewCloudWatchCollector(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchCollector{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func (c *CloudWatchCollector) RecordRunOutcome(ctx context.Context, targetType types.TargetType, jobKind types.JobKind, result RunResult, duration time.Duration) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(DimTargetType), Value: aws.String(string(targetType))},
		{Name: aws.String(DimJobKind), Value: aws.String(string(jobKind))},
	}
	c.put(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(c.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(MetricRunCompleted),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: append(dims, cwtypes.Dimension{
					Name:  aws.String(DimResult),
					Value: aws.String(string(result)),
				}),
			},
			{
				MetricName: aws.String(MetricRunDuration),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: dims,
			},
		},
	})
}

func (c *CloudWatchCollector) RecordItemsDispatched(ctx context.Context, targetType types.TargetType, items int) {
	c.put(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(c.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(MetricItemsDispatched),
				Value:      aws.Float64(float64(items)),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String(DimTargetType), Value: aws.String(string(targetType))},
				},
			},
		},
	})
}

func (c *CloudWatchCollector) RecordBatchHealth(ctx context.Context, summary types.HealthSummary) {
	classes := []struct {
		class string
		count int
	}{
		{"healthy", summary.Healthy},
		{"warning", summary.Warning},
		{"critical", summary.Critical},
	}
	data := make([]cwtypes.MetricDatum, 0, len(classes))
	for _, cl := range classes {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(MetricBatchHealth),
			Value:      aws.Float64(float64(cl.count)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(DimClass), Value: aws.String(cl.class)},
			},
		})
	}
	c.put(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(c.namespace),
		MetricData: data,
	})
}

func (c *CloudWatchCollector) RecordReconcileDrift(ctx context.Context, drifted int) {
	c.put(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(c.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(MetricReconcileDrift),
				Value:      aws.Float64(float64(drifted)),
				Unit:       cwtypes.StandardUnitCount,
			},
		},
	})
}

func (c *CloudWatchCollector) put(ctx context.Context, input *cloudwatch.PutMetricDataInput) {
	if _, err := c.client.PutMetricData(ctx, input); err != nil {
		names := make([]string, 0, len(input.MetricData))
		for _, d := range input.MetricData {
			names = append(names, aws.ToString(d.MetricName))
		}
		c.logger.Error("failed to publish metrics",
			"namespace", c.namespace,
			"metrics", names,
			"error", err,
		)
	}
}

var _ Collector = NoopCollector{}

// NoopCollector discards all metrics. Used in tests and local development
// where no CloudWatch endpoint exists.
type NoopCollector struct{}

func (NoopCollector) RecordRunOutcome(context.Context, types.TargetType, types.JobKind, RunResult, time.Duration) {
}
func (NoopCollector) RecordItemsDispatched(context.Context, types.TargetType, int) {}
func (NoopCollector) RecordBatchHealth(context.Context, types.HealthSummary)       {}
func (NoopCollector) RecordReconcileDrift(context.Context, int)                    {}
