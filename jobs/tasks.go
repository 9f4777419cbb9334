package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-billing/internal/billing"
	jobmetrics "github.com/odyssey-erp/odyssey-billing/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBackfillCustomers links local clients that have no provider customer yet.
	TaskBackfillCustomers = "billing:backfill-customers"
)

// BackfillPayload describes a customer backfill run. Limit 0 processes every
// unlinked client.
type BackfillPayload struct {
	Limit int `json:"limit"`
}

// NewBackfillTask constructs an Asynq task.
func NewBackfillTask(payload BackfillPayload) (*asynq.Task, error) {
	if payload.Limit < 0 {
		return nil, fmt.Errorf("jobs: backfill limit must not be negative")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBackfillCustomers, data, asynq.MaxRetry(3)), nil
}

// Backfiller runs the customer backfill.
type Backfiller interface {
	BackfillCustomers(ctx context.Context, limit int) (billing.BackfillResult, error)
}

// BackfillJob processes TaskBackfillCustomers tasks.
type BackfillJob struct {
	Service Backfiller
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewBackfillJob wires dependencies for the backfill handler.
func NewBackfillJob(svc Backfiller, logger *slog.Logger, metrics *jobmetrics.Metrics) *BackfillJob {
	return &BackfillJob{Service: svc, Logger: logger, Metrics: metrics}
}

// Handle executes one backfill run.
func (j *BackfillJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("backfill: handler not configured")
	}
	var payload BackfillPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.Limit < 0 {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskBackfillCustomers)
	logger := j.logger().With(slog.Int("limit", payload.Limit))
	logger.Info("starting customer backfill")

	result, err := j.Service.BackfillCustomers(ctx, payload.Limit)
	j.Metrics.AddBackfill(result.Linked, result.Failed)
	if err != nil {
		logger.Error("customer backfill failed", slog.Any("error", err), slog.Int("linked", result.Linked))
		return tracker.End(fmt.Errorf("backfill: %w", err))
	}
	logger.Info("customer backfill completed",
		slog.Int("scanned", result.Scanned),
		slog.Int("linked", result.Linked),
		slog.Int("failed", result.Failed),
	)
	return tracker.End(nil)
}

func (j *BackfillJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// TaskIdempotencyCleanup purges expired sale idempotency keys.
const TaskIdempotencyCleanup = "billing:idempotency-cleanup"

// CleanupPayload carries the retention window in hours.
type CleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewCleanupTask constructs an Asynq task.
func NewCleanupTask(retention time.Duration) (*asynq.Task, error) {
	hours := int(retention / time.Hour)
	if hours < 1 {
		return nil, fmt.Errorf("jobs: cleanup retention must be at least one hour")
	}
	data, err := json.Marshal(CleanupPayload{RetentionHours: hours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data, asynq.MaxRetry(1)), nil
}

// KeyCleaner removes idempotency keys older than a retention window.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// CleanupJob processes TaskIdempotencyCleanup tasks.
type CleanupJob struct {
	Store   KeyCleaner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCleanupJob wires dependencies for the cleanup handler.
func NewCleanupJob(store KeyCleaner, logger *slog.Logger, metrics *jobmetrics.Metrics) *CleanupJob {
	return &CleanupJob{Store: store, Logger: logger, Metrics: metrics}
}

// Handle deletes expired keys.
func (j *CleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload CleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.RetentionHours < 1 {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	removed, err := j.Store.Cleanup(ctx, time.Duration(payload.RetentionHours)*time.Hour)
	if err != nil {
		return tracker.End(fmt.Errorf("idempotency cleanup: %w", err))
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("idempotency keys purged", slog.Int64("removed", removed), slog.Int("retention_hours", payload.RetentionHours))
	return tracker.End(nil)
}
