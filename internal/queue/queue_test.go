package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/botrix-io/botrix/internal/config"
	"github.com/botrix-io/botrix/internal/models"
)

// newTestQueue connects to a local Redis, or skips when none is
// reachable. The tests use DB 9 and flush it to stay isolated.
func newTestQueue(t *testing.T) *Queue {
	t.Helper()

	cfg := config.RedisConfig{Host: "localhost", Port: 6379, DB: 9}
	q, err := New(cfg)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		q.client.FlushDB(context.Background())
		q.Close()
	})
	require.NoError(t, q.client.FlushDB(context.Background()).Err())
	return q
}

func TestEnqueuePopRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := models.NewJob(3, "", "", models.PriorityNormal)
	require.NoError(t, q.Enqueue(ctx, job))

	status, err := q.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusPending, status)

	popped, err := q.PopJob(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, popped)
	require.Equal(t, job.ID, popped.ID)
	require.Equal(t, 3, popped.Count)
}

func TestPopJobTimeoutReturnsNil(t *testing.T) {
	q := newTestQueue(t)

	job, err := q.PopJob(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestHighPriorityJumpsQueue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	normal := models.NewJob(1, "", "", models.PriorityNormal)
	urgent := models.NewJob(1, "", "", models.PriorityHigh)
	require.NoError(t, q.Enqueue(ctx, normal))
	require.NoError(t, q.Enqueue(ctx, urgent))

	first, err := q.PopJob(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, urgent.ID, first.ID)

	second, err := q.PopJob(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, normal.ID, second.ID)
}

func TestStatusAndResultLifecycle(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := models.NewJob(1, "", "", models.PriorityNormal)
	require.NoError(t, q.Enqueue(ctx, job))

	require.NoError(t, q.SetStatus(ctx, job.ID, models.JobStatusRunning, ""))
	status, err := q.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusRunning, status)

	result := &models.JobResult{AccountsCreated: 1, CompletedAt: time.Now().UTC()}
	require.NoError(t, q.SetResult(ctx, job.ID, result))

	got, err := q.GetResult(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.AccountsCreated)
}

func TestGetStatusUnknownJob(t *testing.T) {
	q := newTestQueue(t)

	status, err := q.GetStatus(context.Background(), "no-such-job")
	require.NoError(t, err)
	require.Equal(t, models.JobStatus(""), status)

	result, err := q.GetResult(context.Background(), "no-such-job")
	require.NoError(t, err)
	require.Nil(t, result)

	job, err := q.GetJob(context.Background(), "no-such-job")
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestWorkerHealthLifecycle(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	health := models.WorkerHealth{
		WorkerID:      "worker-1",
		Status:        "idle",
		LastHeartbeat: time.Now().UTC(),
	}
	require.NoError(t, q.SetWorkerHealth(ctx, health, time.Minute))

	records, err := q.ListWorkerHealth(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "worker-1", records[0].WorkerID)

	require.NoError(t, q.DeleteWorkerHealth(ctx, "worker-1"))
	records, err = q.ListWorkerHealth(ctx)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestWorkerHealthExpires(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	health := models.WorkerHealth{WorkerID: "worker-ttl", Status: "idle"}
	require.NoError(t, q.SetWorkerHealth(ctx, health, 50*time.Millisecond))
	time.Sleep(120 * time.Millisecond)

	records, err := q.ListWorkerHealth(ctx)
	require.NoError(t, err)
	require.Empty(t, records)
}

func TestPublishAndSubscribeUpdates(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	sub := q.SubscribeUpdates(ctx)
	defer sub.Close()
	// Force the subscription to be established before publishing.
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	update := models.StatusUpdate{
		JobID:     "job-1",
		Status:    models.JobStatusCompleted,
		WorkerID:  "worker-1",
		Timestamp: time.Now().UTC(),
	}
	require.NoError(t, q.PublishUpdate(ctx, update))

	select {
	case msg := <-sub.Channel():
		require.Contains(t, msg.Payload, `"job_id":"job-1"`)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status update")
	}
}
