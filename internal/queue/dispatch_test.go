package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"reviewflow/internal/config"
	"reviewflow/internal/types"
)

// --- Mock SQS Client ---

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	// calls records every SendMessageInput passed to SendMessage.
	calls []*sqs.SendMessageInput
	// errOn returns an error for the nth call (1-based); 0 means never.
	errOn int
	err   error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil && (m.errOn == 0 || m.errOn == len(m.calls)) {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

// --- Test Helpers ---

const testReviewQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/review-batches"

func newTestDispatcher(mock *mockSQSSender) *BatchDispatcher {
	awsCfg := config.AWSConfig{ReviewQueueURL: testReviewQueueURL}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBatchDispatcher(mock, awsCfg, logger)
}

func sampleBatch(targetID string) types.ReviewBatchMessage {
	return types.ReviewBatchMessage{
		TenantID:      "tenant-1",
		TargetID:      targetID,
		TargetType:    types.TargetGoogle,
		JobKind:       types.JobKindReviews,
		ExternalRunID: "run-42",
		Items: []types.ReviewItem{
			{TargetIdentifier: "place-1", Payload: map[string]any{"text": "great"}},
		},
		FetchedAt: time.Now().UTC(),
	}
}

// --- Tests ---

func TestDispatch_SendsToReviewQueue(t *testing.T) {
	mock := &mockSQSSender{}
	d := newTestDispatcher(mock)

	err := d.Dispatch(context.Background(), sampleBatch("t-1"))
	if err != nil {
		t.Fatalf("Dispatch returned unexpected error: %v", err)
	}

	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(mock.calls))
	}

	call := mock.calls[0]
	if *call.QueueUrl != testReviewQueueURL {
		t.Errorf("expected queue URL %q, got %q", testReviewQueueURL, *call.QueueUrl)
	}

	attr, ok := call.MessageAttributes["target_type"]
	if !ok {
		t.Fatal("expected target_type message attribute")
	}
	if *attr.StringValue != "google" {
		t.Errorf("expected target_type attribute google, got %q", *attr.StringValue)
	}
}

func TestDispatch_FillsBatchAndTraceIDs(t *testing.T) {
	mock := &mockSQSSender{}
	d := newTestDispatcher(mock)

	if err := d.Dispatch(context.Background(), sampleBatch("t-1")); err != nil {
		t.Fatalf("Dispatch returned unexpected error: %v", err)
	}

	var sent types.ReviewBatchMessage
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &sent); err != nil {
		t.Fatalf("failed to unmarshal sent body: %v", err)
	}

	if sent.BatchID == "" {
		t.Error("expected generated batch_id, got empty")
	}
	if sent.TraceID == "" {
		t.Error("expected generated trace_id, got empty")
	}
	if sent.TargetID != "t-1" {
		t.Errorf("expected target_id t-1, got %q", sent.TargetID)
	}
	if len(sent.Items) != 1 {
		t.Errorf("expected 1 item, got %d", len(sent.Items))
	}
}

func TestDispatch_PreservesCallerIDs(t *testing.T) {
	mock := &mockSQSSender{}
	d := newTestDispatcher(mock)

	msg := sampleBatch("t-1")
	msg.BatchID = "batch_fixed"
	msg.TraceID = "trace_fixed"

	if err := d.Dispatch(context.Background(), msg); err != nil {
		t.Fatalf("Dispatch returned unexpected error: %v", err)
	}

	var sent types.ReviewBatchMessage
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &sent); err != nil {
		t.Fatalf("failed to unmarshal sent body: %v", err)
	}
	if sent.BatchID != "batch_fixed" || sent.TraceID != "trace_fixed" {
		t.Errorf("expected caller IDs preserved, got batch=%q trace=%q", sent.BatchID, sent.TraceID)
	}
}

func TestDispatch_WrapsSendError(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("sqs unavailable")}
	d := newTestDispatcher(mock)

	err := d.Dispatch(context.Background(), sampleBatch("t-1"))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, mock.err) {
		t.Errorf("expected wrapped send error, got %v", err)
	}
}

func TestDispatchAll_ContinuesPastFailures(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("sqs unavailable"), errOn: 2}
	d := newTestDispatcher(mock)

	msgs := []types.ReviewBatchMessage{
		sampleBatch("t-1"),
		sampleBatch("t-2"),
		sampleBatch("t-3"),
	}

	sent, err := d.DispatchAll(context.Background(), msgs)
	if err == nil {
		t.Fatal("expected joined error, got nil")
	}
	if sent != 2 {
		t.Errorf("expected 2 sent, got %d", sent)
	}
	if len(mock.calls) != 3 {
		t.Errorf("expected all 3 sends attempted, got %d", len(mock.calls))
	}
}
