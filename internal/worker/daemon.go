package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"

	"github.com/botrix-io/botrix/internal/account"
	"github.com/botrix-io/botrix/internal/config"
	"github.com/botrix-io/botrix/internal/models"
	"github.com/botrix-io/botrix/internal/pool"
)

// JobQueue is the broker surface the daemon needs. *queue.Queue
// satisfies it.
type JobQueue interface {
	PopJob(ctx context.Context, timeout time.Duration) (*models.Job, error)
	Requeue(ctx context.Context, job *models.Job) error
	SetStatus(ctx context.Context, jobID string, status models.JobStatus, errMsg string) error
	SetResult(ctx context.Context, jobID string, result *models.JobResult) error
	PublishUpdate(ctx context.Context, update models.StatusUpdate) error
	SetWorkerHealth(ctx context.Context, health models.WorkerHealth, ttl time.Duration) error
	DeleteWorkerHealth(ctx context.Context, workerID string) error
}

// AccountCreator runs one account creation attempt. *account.Creator
// satisfies it.
type AccountCreator interface {
	CreateAccount(ctx context.Context, params account.Params) *models.AccountRecord
}

// CredentialPool is the slice of the pool the maintenance job uses.
type CredentialPool interface {
	Stats() pool.Stats
	Reload() error
}

type daemonMetrics struct {
	jobsProcessed   prometheus.Counter
	jobsSucceeded   prometheus.Counter
	jobsFailed      prometheus.Counter
	jobsRetried     prometheus.Counter
	accountsCreated prometheus.Counter
	accountsFailed  prometheus.Counter
}

func newDaemonMetrics(reg prometheus.Registerer) *daemonMetrics {
	factory := promauto.With(reg)
	return &daemonMetrics{
		jobsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "botrix_jobs_processed_total",
			Help: "Total number of jobs claimed from the queue",
		}),
		jobsSucceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "botrix_jobs_succeeded_total",
			Help: "Total number of jobs completed with at least one account",
		}),
		jobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "botrix_jobs_failed_total",
			Help: "Total number of jobs failed permanently",
		}),
		jobsRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "botrix_jobs_retried_total",
			Help: "Total number of jobs pushed back for retry",
		}),
		accountsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "botrix_accounts_created_total",
			Help: "Total number of accounts created",
		}),
		accountsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "botrix_accounts_failed_total",
			Help: "Total number of account creation attempts failed",
		}),
	}
}

// Daemon is the long-running job consumer. It claims jobs from the
// queue, drives the account creator, publishes status transitions and
// keeps a heartbeat alive while doing so.
type Daemon struct {
	workerID string
	queue    JobQueue
	creator  AccountCreator
	pool     CredentialPool
	cfg      config.WorkerConfig
	logger   *log.Logger
	metrics  *daemonMetrics
	cron     *cron.Cron

	startedAt time.Time

	mu         sync.Mutex
	currentJob string

	jobsProcessed atomic.Int64
	jobsSucceeded atomic.Int64
	jobsFailed    atomic.Int64
}

// DaemonOption customizes the daemon.
type DaemonOption func(*Daemon)

// WithLogger overrides the daemon's logger.
func WithLogger(logger *log.Logger) DaemonOption {
	return func(d *Daemon) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithRegisterer overrides where daemon metrics are registered.
func WithRegisterer(reg prometheus.Registerer) DaemonOption {
	return func(d *Daemon) {
		if reg != nil {
			d.metrics = newDaemonMetrics(reg)
		}
	}
}

// NewDaemon wires a worker daemon. All collaborators are required.
func NewDaemon(workerID string, q JobQueue, creator AccountCreator, credPool CredentialPool, cfg config.WorkerConfig, opts ...DaemonOption) (*Daemon, error) {
	if workerID == "" {
		return nil, errors.New("worker ID cannot be empty")
	}
	if q == nil || creator == nil || credPool == nil {
		return nil, errors.New("daemon requires a queue, a creator and a pool")
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}

	d := &Daemon{
		workerID: workerID,
		queue:    q,
		creator:  creator,
		pool:     credPool,
		cfg:      cfg,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = newDaemonMetrics(prometheus.DefaultRegisterer)
	}
	return d, nil
}

// Run consumes jobs until ctx is cancelled. It blocks; cancel the
// context to shut down. The in-flight job finishes its current unit
// before the loop observes the cancellation.
func (d *Daemon) Run(ctx context.Context) error {
	d.startedAt = time.Now()
	d.logger.Printf("worker %s starting (max_retries=%d health_interval=%s)",
		d.workerID, d.cfg.MaxRetries, d.cfg.HealthInterval)

	if d.cfg.MaintenanceSpec != "" {
		d.cron = cron.New(cron.WithSeconds())
		if _, err := d.cron.AddFunc(d.cfg.MaintenanceSpec, d.maintenance); err != nil {
			return fmt.Errorf("schedule maintenance %q: %w", d.cfg.MaintenanceSpec, err)
		}
		d.cron.Start()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.heartbeatLoop(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return d.shutdown(&wg)
		default:
		}

		job, err := d.queue.PopJob(ctx, d.cfg.PopTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return d.shutdown(&wg)
			}
			d.logger.Printf("pop job: %v", err)
			sleepCtx(ctx, time.Second)
			continue
		}
		if job == nil {
			continue
		}
		d.processJob(ctx, job)
	}
}

func (d *Daemon) shutdown(wg *sync.WaitGroup) error {
	d.logger.Printf("worker %s shutting down", d.workerID)
	if d.cron != nil {
		<-d.cron.Stop().Done()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.queue.DeleteWorkerHealth(ctx, d.workerID); err != nil {
		d.logger.Printf("delete worker health: %v", err)
	}
	d.logger.Printf("worker %s stopped (processed=%d succeeded=%d failed=%d)",
		d.workerID, d.jobsProcessed.Load(), d.jobsSucceeded.Load(), d.jobsFailed.Load())
	return nil
}

// processJob runs every unit of the job, stores the aggregate result
// and decides between completion, retry and permanent failure.
//
// Shutdown is cooperative between jobs: a claimed job runs every unit
// to completion, and its bookkeeping must still reach the broker after
// the run context is cancelled mid-flight, so the whole job runs on a
// detached context.
func (d *Daemon) processJob(ctx context.Context, job *models.Job) {
	d.setCurrentJob(job.ID)
	defer d.setCurrentJob("")

	jobCtx := context.WithoutCancel(ctx)

	d.jobsProcessed.Add(1)
	d.metrics.jobsProcessed.Inc()
	d.logger.Printf("job %s claimed (count=%d retry=%d)", job.ID, job.Count, job.RetryCount)
	d.transition(jobCtx, job.ID, models.JobStatusRunning, "", nil)

	result := &models.JobResult{}
	for i := 0; i < job.Count; i++ {
		record := d.creator.CreateAccount(jobCtx, account.Params{
			Username: job.Username,
			Password: job.Password,
			JobID:    job.ID,
		})
		result.Accounts = append(result.Accounts, *record)
		if record.Success {
			result.AccountsCreated++
			d.metrics.accountsCreated.Inc()
		} else {
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s: %s", record.ErrorKind, record.Message))
			d.metrics.accountsFailed.Inc()
		}
	}
	result.CompletedAt = time.Now().UTC()

	if result.AccountsCreated > 0 {
		d.jobsSucceeded.Add(1)
		d.metrics.jobsSucceeded.Inc()
		if err := d.queue.SetResult(jobCtx, job.ID, result); err != nil {
			d.logger.Printf("store result for job %s: %v", job.ID, err)
		}
		d.transition(jobCtx, job.ID, models.JobStatusCompleted, "", result)
		d.logger.Printf("job %s completed: %d/%d accounts created",
			job.ID, result.AccountsCreated, job.Count)
		return
	}

	errMsg := "no accounts created"
	if len(result.Errors) > 0 {
		errMsg = result.Errors[len(result.Errors)-1]
	}

	if job.RetryCount < d.cfg.MaxRetries {
		job.RetryCount++
		job.Status = models.JobStatusPending
		if err := d.queue.Requeue(jobCtx, job); err != nil {
			d.logger.Printf("requeue job %s: %v", job.ID, err)
		} else {
			d.metrics.jobsRetried.Inc()
			d.transition(jobCtx, job.ID, models.JobStatusPending, errMsg, nil)
			d.logger.Printf("job %s requeued (retry %d/%d): %s",
				job.ID, job.RetryCount, d.cfg.MaxRetries, errMsg)
			return
		}
	}

	d.jobsFailed.Add(1)
	d.metrics.jobsFailed.Inc()
	if err := d.queue.SetResult(jobCtx, job.ID, result); err != nil {
		d.logger.Printf("store result for job %s: %v", job.ID, err)
	}
	d.transition(jobCtx, job.ID, models.JobStatusFailed, errMsg, result)
	d.logger.Printf("job %s failed permanently after %d retries: %s",
		job.ID, job.RetryCount, errMsg)
}

// transition records the status and broadcasts it. Broker errors are
// logged, never fatal; the job outcome is already decided.
func (d *Daemon) transition(ctx context.Context, jobID string, status models.JobStatus, errMsg string, result *models.JobResult) {
	if err := d.queue.SetStatus(ctx, jobID, status, errMsg); err != nil {
		d.logger.Printf("set status %s for job %s: %v", status, jobID, err)
	}
	update := models.StatusUpdate{
		JobID:     jobID,
		Status:    status,
		WorkerID:  d.workerID,
		Timestamp: time.Now().UTC(),
		Error:     errMsg,
		Result:    result,
	}
	if err := d.queue.PublishUpdate(ctx, update); err != nil {
		d.logger.Printf("publish update for job %s: %v", jobID, err)
	}
}

// heartbeatLoop refreshes the worker's health record on a fixed
// interval, independent of job processing. The TTL is twice the
// interval so one missed beat does not flag the worker dead.
func (d *Daemon) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HealthInterval)
	defer ticker.Stop()

	d.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.beat(ctx)
		}
	}
}

func (d *Daemon) beat(ctx context.Context) {
	status := "idle"
	current := d.getCurrentJob()
	if current != "" {
		status = "busy"
	}
	health := models.WorkerHealth{
		WorkerID:      d.workerID,
		Status:        status,
		LastHeartbeat: time.Now().UTC(),
		CurrentJob:    current,
		JobsProcessed: d.jobsProcessed.Load(),
		JobsSucceeded: d.jobsSucceeded.Load(),
		JobsFailed:    d.jobsFailed.Load(),
		UptimeSeconds: int64(time.Since(d.startedAt).Seconds()),
	}
	if err := d.queue.SetWorkerHealth(ctx, health, 2*d.cfg.HealthInterval); err != nil && ctx.Err() == nil {
		d.logger.Printf("heartbeat: %v", err)
	}
}

// maintenance runs on the cron schedule: it logs pool statistics and
// optionally reloads the pool file to pick up new credentials.
func (d *Daemon) maintenance() {
	stats := d.pool.Stats()
	d.logger.Printf("pool stats: available=%d used=%d failed=%d total=%d",
		stats.Available, stats.Used, stats.Failed, stats.Total)

	if d.cfg.ReloadPoolOnMaint {
		if err := d.pool.Reload(); err != nil {
			d.logger.Printf("reload pool: %v", err)
		}
	}
}

func (d *Daemon) setCurrentJob(id string) {
	d.mu.Lock()
	d.currentJob = id
	d.mu.Unlock()
}

func (d *Daemon) getCurrentJob() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentJob
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
