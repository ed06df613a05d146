// Package queue provides the SQS-based producer that hands completed review
// batches to the downstream data-processing workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"reviewflow/internal/config"
	"reviewflow/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// BatchDispatcher serializes ReviewBatchMessages and sends them to the
// review-batches queue, one message per tracked target.
type BatchDispatcher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewBatchDispatcher creates a BatchDispatcher reading the queue URL from
// the AWSConfig. A nil logger falls back to slog.Default().
func NewBatchDispatcher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *BatchDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchDispatcher{
		client:   client,
		queueURL: awsCfg.ReviewQueueURL,
		logger:   logger,
	}
}

// Dispatch sends one target's review batch. Missing batch and trace IDs are
// filled in so every message downstream is traceable.
func (d *BatchDispatcher) Dispatch(ctx context.Context, msg types.ReviewBatchMessage) error {
	if msg.BatchID == "" {
		msg.BatchID = fmt.Sprintf("batch_%s", uuid.New().String())
	}
	if msg.TraceID == "" {
		msg.TraceID = uuid.New().String()
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal ReviewBatchMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(d.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"target_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.TargetType)),
			},
			"job_kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.JobKind)),
			},
		},
	}

	if _, err := d.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send ReviewBatchMessage to %s: %w", d.queueURL, err)
	}

	d.logger.InfoContext(ctx, "review batch dispatched",
		"queue_url", d.queueURL,
		"batch_id", msg.BatchID,
		"trace_id", msg.TraceID,
		"target_id", msg.TargetID,
		"target_type", string(msg.TargetType),
		"job_kind", string(msg.JobKind),
		"external_run_id", msg.ExternalRunID,
		"item_count", len(msg.Items),
	)

	return nil
}

// DispatchAll sends every batch, continuing past individual failures so one
// target's bad message never strands the rest of a run's data. It returns
// the number of batches sent and the joined errors, if any.
func (d *BatchDispatcher) DispatchAll(ctx context.Context, msgs []types.ReviewBatchMessage) (int, error) {
	sent := 0
	var errs []error
	for _, msg := range msgs {
		if err := d.Dispatch(ctx, msg); err != nil {
			d.logger.ErrorContext(ctx, "review batch dispatch failed",
				"target_id", msg.TargetID,
				"external_run_id", msg.ExternalRunID,
				"error", err,
			)
			errs = append(errs, err)
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}
