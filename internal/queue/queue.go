package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/botrix-io/botrix/internal/config"
	"github.com/botrix-io/botrix/internal/models"
)

// Redis key layout. One list carries pending job payloads; per-job keys
// hold status, submitted data and results; a pub/sub channel broadcasts
// status transitions; per-worker keys carry liveness records.
const (
	jobQueueKey       = "botrix:jobs:queue"
	jobStatusPrefix   = "botrix:jobs:status:"
	jobDataPrefix     = "botrix:jobs:data:"
	jobResultsPrefix  = "botrix:jobs:results:"
	updatesChannel    = "botrix:jobs:updates"
	workerHealthScan  = "botrix:worker:health:*"
	workerHealthKeyFn = "botrix:worker:health:%s"

	jobTTL = time.Hour
)

// Queue is the Redis-backed job queue shared by producers (API) and
// consumers (workers). Delivery is at-least-once: a worker crash after
// BLPop loses the acknowledgment, and a retried job replays its units.
type Queue struct {
	client *redis.Client
	logger *log.Logger
}

// Option customizes the queue service.
type Option func(*Queue)

// WithLogger overrides the logger used for queue diagnostics.
func WithLogger(logger *log.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// New connects to Redis and verifies the connection.
func New(cfg config.RedisConfig, opts ...Option) (*Queue, error) {
	q := &Queue{
		client: redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr(),
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  -1, // BLPop manages its own deadline
			WriteTimeout: 5 * time.Second,
		}),
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr(), err)
	}
	q.logger.Printf("connected to redis at %s", cfg.RedisAddr())
	return q, nil
}

// Close releases the Redis connection.
func (q *Queue) Close() error { return q.client.Close() }

// Health pings the broker.
func (q *Queue) Health(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Client exposes the underlying connection for pub/sub consumers.
func (q *Queue) Client() *redis.Client { return q.client }

// Enqueue stores the job's data, marks it pending and pushes its
// payload onto the queue. High priority jobs jump to the head.
func (q *Queue) Enqueue(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return errors.New("job ID cannot be empty")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	if err := q.client.Set(ctx, jobDataPrefix+job.ID, payload, jobTTL).Err(); err != nil {
		return fmt.Errorf("store job data %s: %w", job.ID, err)
	}
	if err := q.SetStatus(ctx, job.ID, models.JobStatusPending, ""); err != nil {
		return err
	}

	push := q.client.RPush
	if job.Priority >= models.PriorityHigh {
		push = q.client.LPush
	}
	if err := push(ctx, jobQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	q.logger.Printf("job %s enqueued (count=%d priority=%d)", job.ID, job.Count, job.Priority)
	return nil
}

// Requeue pushes an already-known job back onto the tail of the queue,
// typically with an incremented retry counter.
func (q *Queue) Requeue(ctx context.Context, job *models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	if err := q.client.RPush(ctx, jobQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("requeue job %s: %w", job.ID, err)
	}
	return nil
}

// PopJob blocks up to timeout for the next job. A timeout is not an
// error; it returns (nil, nil) so the caller can loop.
func (q *Queue) PopJob(ctx context.Context, timeout time.Duration) (*models.Job, error) {
	result, err := q.client.BLPop(ctx, timeout, jobQueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("blpop: %w", err)
	}
	// BLPop returns [key, value].
	if len(result) != 2 {
		return nil, fmt.Errorf("blpop: unexpected reply of %d elements", len(result))
	}

	job := &models.Job{}
	if err := json.Unmarshal([]byte(result[1]), job); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	return job, nil
}

// QueueLength returns the number of pending payloads.
func (q *Queue) QueueLength(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, jobQueueKey).Result()
}

// SetStatus records the job's status and optional error message.
func (q *Queue) SetStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string) error {
	if err := q.client.Set(ctx, jobStatusPrefix+jobID, string(status), jobTTL).Err(); err != nil {
		return fmt.Errorf("set status for job %s: %w", jobID, err)
	}
	if errMsg != "" {
		if err := q.client.Set(ctx, jobStatusPrefix+jobID+":error", errMsg, jobTTL).Err(); err != nil {
			return fmt.Errorf("set error for job %s: %w", jobID, err)
		}
	}
	return nil
}

// GetStatus returns the job's status, or "" when unknown.
func (q *Queue) GetStatus(ctx context.Context, jobID string) (models.JobStatus, error) {
	status, err := q.client.Get(ctx, jobStatusPrefix+jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("get status for job %s: %w", jobID, err)
	}
	return models.JobStatus(status), nil
}

// GetJob returns the submitted job data, or nil when unknown.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	data, err := q.client.Get(ctx, jobDataPrefix+jobID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}
	job := &models.Job{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return job, nil
}

// SetResult stores the job's aggregate result.
func (q *Queue) SetResult(ctx context.Context, jobID string, result *models.JobResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result for job %s: %w", jobID, err)
	}
	if err := q.client.Set(ctx, jobResultsPrefix+jobID, payload, jobTTL).Err(); err != nil {
		return fmt.Errorf("store result for job %s: %w", jobID, err)
	}
	return nil
}

// GetResult returns the job's result, or nil when absent.
func (q *Queue) GetResult(ctx context.Context, jobID string) (*models.JobResult, error) {
	data, err := q.client.Get(ctx, jobResultsPrefix+jobID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get result for job %s: %w", jobID, err)
	}
	result := &models.JobResult{}
	if err := json.Unmarshal(data, result); err != nil {
		return nil, fmt.Errorf("decode result for job %s: %w", jobID, err)
	}
	return result, nil
}

// PublishUpdate broadcasts a status transition on the updates channel.
func (q *Queue) PublishUpdate(ctx context.Context, update models.StatusUpdate) error {
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal status update: %w", err)
	}
	if err := q.client.Publish(ctx, updatesChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish status update: %w", err)
	}
	return nil
}

// SubscribeUpdates returns a subscription on the updates channel. The
// caller owns closing it.
func (q *Queue) SubscribeUpdates(ctx context.Context) *redis.PubSub {
	return q.client.Subscribe(ctx, updatesChannel)
}

// RelayUpdates subscribes to the updates channel and invokes handler
// for every decoded update until ctx is cancelled.
func (q *Queue) RelayUpdates(ctx context.Context, handler func(models.StatusUpdate)) error {
	sub := q.SubscribeUpdates(ctx)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var update models.StatusUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
				q.logger.Printf("skipping malformed status update: %v", err)
				continue
			}
			handler(update)
		}
	}
}

// SetWorkerHealth refreshes a worker's liveness record with a TTL so a
// dead worker's record expires on its own.
func (q *Queue) SetWorkerHealth(ctx context.Context, health models.WorkerHealth, ttl time.Duration) error {
	payload, err := json.Marshal(health)
	if err != nil {
		return fmt.Errorf("marshal worker health: %w", err)
	}
	key := fmt.Sprintf(workerHealthKeyFn, health.WorkerID)
	if err := q.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("store worker health %s: %w", health.WorkerID, err)
	}
	return nil
}

// DeleteWorkerHealth removes a worker's liveness record on shutdown.
func (q *Queue) DeleteWorkerHealth(ctx context.Context, workerID string) error {
	key := fmt.Sprintf(workerHealthKeyFn, workerID)
	return q.client.Del(ctx, key).Err()
}

// ListWorkerHealth returns the liveness records of all workers whose
// keys have not yet expired.
func (q *Queue) ListWorkerHealth(ctx context.Context) ([]models.WorkerHealth, error) {
	var (
		cursor  uint64
		records []models.WorkerHealth
	)
	for {
		keys, next, err := q.client.Scan(ctx, cursor, workerHealthScan, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan worker health keys: %w", err)
		}
		for _, key := range keys {
			data, err := q.client.Get(ctx, key).Bytes()
			if err != nil {
				continue // expired between scan and get
			}
			var health models.WorkerHealth
			if err := json.Unmarshal(data, &health); err != nil {
				q.logger.Printf("skipping malformed health record %s: %v", key, err)
				continue
			}
			records = append(records, health)
		}
		cursor = next
		if cursor == 0 {
			return records, nil
		}
	}
}
