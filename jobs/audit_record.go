package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/tourdesk/tourdesk/internal/audit"
	jobmetrics "github.com/tourdesk/tourdesk/internal/jobs"
)

// Recorder writes an audit entry to durable storage.
type Recorder interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// AuditRecordJob persists entries enqueued by Client.
type AuditRecordJob struct {
	Recorder Recorder
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewAuditRecordJob initialises the audit record handler.
func NewAuditRecordJob(recorder Recorder, logger *slog.Logger, metrics *jobmetrics.Metrics) *AuditRecordJob {
	return &AuditRecordJob{Recorder: recorder, Logger: logger, Metrics: metrics}
}

// Handle decodes and records one entry. Malformed payloads are not retried.
func (j *AuditRecordJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Recorder == nil {
		return errors.New("audit record: handler not configured")
	}
	var entry audit.Entry
	if err := json.Unmarshal(t.Payload(), &entry); err != nil {
		j.logger().Error("discarding malformed audit payload", slog.Any("error", err))
		return errors.Join(err, asynq.SkipRetry)
	}
	tracker := j.Metrics.Track(TaskAuditRecord)
	defer func() {
		err = tracker.End(err)
	}()
	if err := j.Recorder.Record(ctx, entry); err != nil {
		j.logger().Warn("audit record failed",
			slog.Any("error", err),
			slog.String("action", entry.Action),
			slog.String("entity", entry.Entity))
		return err
	}
	j.Metrics.AddRecorded(entry.Action)
	return nil
}

func (j *AuditRecordJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
