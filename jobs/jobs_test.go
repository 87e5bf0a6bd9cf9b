package jobs_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tourdesk/tourdesk/internal/audit"
	"github.com/tourdesk/tourdesk/jobs"
)

type stubEnqueuer struct {
	err   error
	tasks []*asynq.Task
}

func (s *stubEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.tasks = append(s.tasks, task)
	return &asynq.TaskInfo{Type: task.Type(), Queue: jobs.QueueAudit}, nil
}

func (s *stubEnqueuer) Close() error { return nil }

type recorderFunc func(ctx context.Context, entry audit.Entry) error

func (f recorderFunc) Record(ctx context.Context, entry audit.Entry) error { return f(ctx, entry) }

func sampleEntry() audit.Entry {
	return audit.Entry{ActorID: 7, ActorEmail: "dewi@tourdesk.test", Action: audit.ActionDenied, Entity: "route", EntityID: "/roles", At: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func TestClientEnqueuesAuditEntries(t *testing.T) {
	enq := &stubEnqueuer{}
	client := jobs.NewClientWith(enq, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, client.Submit(ctx, sampleEntry()))

	require.Len(t, enq.tasks, 1)
	assert.Equal(t, jobs.TaskAuditRecord, enq.tasks[0].Type())
	var decoded audit.Entry
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &decoded))
	assert.Equal(t, sampleEntry().EntityID, decoded.EntityID)
	assert.EqualValues(t, 7, decoded.ActorID)
}

func TestClientFallsBackWhenQueueIsDown(t *testing.T) {
	enq := &stubEnqueuer{err: errors.New("redis: connection refused")}
	var direct []audit.Entry
	fallback := audit.SinkFunc(func(ctx context.Context, e audit.Entry) error {
		direct = append(direct, e)
		return nil
	})
	client := jobs.NewClientWith(enq, fallback, nil, nil)

	require.NoError(t, client.Submit(context.Background(), sampleEntry()))
	require.Len(t, direct, 1)

	failing := jobs.NewClientWith(enq, audit.SinkFunc(func(ctx context.Context, e audit.Entry) error {
		return errors.New("postgres down")
	}), nil, nil)
	assert.Error(t, failing.Submit(context.Background(), sampleEntry()))
}

func TestAuditRecordJob(t *testing.T) {
	var got []audit.Entry
	job := jobs.NewAuditRecordJob(recorderFunc(func(ctx context.Context, e audit.Entry) error {
		got = append(got, e)
		return nil
	}), nil, nil)

	task, err := jobs.NewAuditRecordTask(sampleEntry())
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, got, 1)
	assert.Equal(t, audit.ActionDenied, got[0].Action)
	assert.True(t, got[0].At.Equal(sampleEntry().At))

	err = job.Handle(context.Background(), asynq.NewTask(jobs.TaskAuditRecord, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestAuditRecordJobRetriesStorageErrors(t *testing.T) {
	storageErr := errors.New("insert failed")
	job := jobs.NewAuditRecordJob(recorderFunc(func(ctx context.Context, e audit.Entry) error {
		return storageErr
	}), nil, nil)
	task, err := jobs.NewAuditRecordTask(sampleEntry())
	require.NoError(t, err)

	err = job.Handle(context.Background(), task)
	assert.ErrorIs(t, err, storageErr)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

type cleanerFunc func(ctx context.Context, olderThan time.Duration) (int64, error)

func (f cleanerFunc) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return f(ctx, olderThan)
}

func TestIdempotencyCleanupUsesDefaultRetention(t *testing.T) {
	var seen time.Duration
	job := jobs.NewIdempotencyCleanupJob(cleanerFunc(func(ctx context.Context, olderThan time.Duration) (int64, error) {
		seen = olderThan
		return 3, nil
	}), nil, nil)

	task, err := jobs.NewIdempotencyCleanupTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 72*time.Hour, seen)
}

type stubInspector map[string]*asynq.QueueInfo

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	info, ok := s[queue]
	if !ok {
		return nil, errors.New("queue not found")
	}
	return info, nil
}

func TestHealthReportsQueues(t *testing.T) {
	inspector := stubInspector{
		jobs.QueueAudit:   {Queue: jobs.QueueAudit, Pending: 4, Retry: 1},
		jobs.QueueDefault: {Queue: jobs.QueueDefault},
	}
	r := chi.NewRouter()
	jobs.NewHandler(inspector, nil).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queues":[{"queue":"audit","pending":4,"retry":1,"failed":0},{"queue":"default","pending":0,"retry":0,"failed":0}]}`, rec.Body.String())

	delete(inspector, jobs.QueueDefault)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
