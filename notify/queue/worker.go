package queue

import (
	"context"
	"sync"
	"time"

	"github.com/andrechristikan/ack-notify/notify/backoff"
	"github.com/andrechristikan/ack-notify/notify/log"
	"github.com/andrechristikan/ack-notify/notify/runtime"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultClaimBatch   = 16
)

// drain order: a poll cycle always empties higher priorities first.
var pollPriorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

// WorkerConfig controls polling cadence and claim batching.
type WorkerConfig struct {
	// PollInterval is how long the worker sleeps when no job was due.
	PollInterval time.Duration
	// ClaimBatch is the max jobs claimed per priority per cycle.
	ClaimBatch int
}

// DefaultWorkerConfig returns the baseline worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: defaultPollInterval,
		ClaimBatch:   defaultClaimBatch,
	}
}

func (cfg *WorkerConfig) normalize() {
	defaults := DefaultWorkerConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = defaults.ClaimBatch
	}
}

// WorkerOption mutates worker configuration at construction.
type WorkerOption func(*Worker)

// WithPollInterval sets the idle polling interval.
func WithPollInterval(interval time.Duration) WorkerOption {
	return func(worker *Worker) {
		if interval > 0 {
			worker.cfg.PollInterval = interval
		}
	}
}

// WithClaimBatch sets the max jobs claimed per priority per cycle.
func WithClaimBatch(batch int) WorkerOption {
	return func(worker *Worker) {
		if batch > 0 {
			worker.cfg.ClaimBatch = batch
		}
	}
}

// Worker drains a RedisQueue against a handler registry. Each claimed job
// gets exactly one handler invocation; handler errors and panics are
// logged and the job is not redelivered (the outbox state machine owns
// retries). Many workers may run against the same queue.
type Worker struct {
	queue    *RedisQueue
	handlers *HandlerRegistry
	logger   log.Logger
	cfg      WorkerConfig

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	pollWg     sync.WaitGroup
}

// NewWorker creates a queue worker.
func NewWorker(queue *RedisQueue, handlers *HandlerRegistry, logger log.Logger, opts ...WorkerOption) (*Worker, error) {
	if queue == nil {
		return nil, ErrClientRequired
	}

	if handlers == nil {
		return nil, ErrHandlerRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	worker := &Worker{
		queue:    queue,
		handlers: handlers,
		logger:   logger,
		cfg:      DefaultWorkerConfig(),
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(worker)
		}
	}

	worker.cfg.normalize()

	return worker, nil
}

// Run polls until Stop is called or ctx is cancelled.
func (worker *Worker) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if !worker.registerRun() {
		return ErrWorkerRunning
	}

	defer worker.clearRun()

	worker.logger.Log(ctx, log.LevelInfo, "queue worker started")
	defer worker.logger.Log(ctx, log.LevelInfo, "queue worker stopped")

	for {
		select {
		case <-worker.stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		processed := worker.pollOnce(ctx)
		if processed > 0 {
			continue
		}

		// Jittered idle sleep spreads polling across worker fleets.
		idle := worker.cfg.PollInterval + backoff.FullJitter(worker.cfg.PollInterval/2)

		select {
		case <-worker.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-time.After(idle):
		}
	}
}

// Stop signals the polling loop to stop.
func (worker *Worker) Stop() {
	if worker == nil {
		return
	}

	worker.stopOnce.Do(func() {
		close(worker.stop)
	})
}

// Shutdown waits for the in-flight poll cycle to finish.
func (worker *Worker) Shutdown(ctx context.Context) error {
	if worker == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	worker.Stop()

	done := make(chan struct{})

	runtime.SafeGo(ctx, worker.logger, "queue.worker_shutdown_wait", func() {
		worker.pollWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pollOnce claims and runs every due job across all priorities, highest
// first, returning the number of jobs attempted.
func (worker *Worker) pollOnce(ctx context.Context) int {
	worker.pollWg.Add(1)
	defer worker.pollWg.Done()

	now := time.Now().UTC()
	attempted := 0

	for _, priority := range pollPriorities {
		if ctx.Err() != nil {
			break
		}

		claimed, err := worker.queue.claimDue(ctx, priority, now, worker.cfg.ClaimBatch)
		if err != nil {
			log.SafeError(worker.logger, ctx, "failed to claim due jobs", err)
		}

		for _, jobID := range claimed {
			worker.runJob(ctx, jobID, priority)

			attempted++
		}
	}

	return attempted
}

func (worker *Worker) runJob(ctx context.Context, jobID string, priority Priority) {
	job, found, err := worker.queue.loadJob(ctx, jobID, priority)
	if err != nil {
		log.SafeError(worker.logger, ctx, "failed to load claimed job", err)

		return
	}

	if !found {
		return
	}

	every := worker.queue.jobInterval(ctx, jobID)

	worker.invoke(ctx, job)

	if every > 0 {
		if err := worker.queue.rearm(ctx, jobID, priority, every); err != nil {
			log.SafeError(worker.logger, ctx, "failed to rearm repeating job", err)
		}

		return
	}

	worker.queue.release(ctx, jobID)
}

func (worker *Worker) invoke(ctx context.Context, job Job) {
	defer runtime.RecoverAndLog(ctx, worker.logger, "queue", "job_"+job.Name)

	handler, ok := worker.handlers.Resolve(job.Name)
	if !ok {
		worker.logger.Log(ctx, log.LevelWarn, "no handler registered for job",
			log.String("job_id", job.ID),
			log.String("job_name", job.Name),
		)

		return
	}

	if err := handler(ctx, job); err != nil {
		worker.logger.Log(ctx, log.LevelError, "job handler failed",
			log.String("job_id", job.ID),
			log.String("job_name", job.Name),
			log.Err(err),
		)
	}
}

func (worker *Worker) registerRun() bool {
	worker.runStateMu.Lock()
	defer worker.runStateMu.Unlock()

	if worker.running {
		return false
	}

	worker.running = true

	return true
}

func (worker *Worker) clearRun() {
	worker.runStateMu.Lock()
	defer worker.runStateMu.Unlock()

	worker.running = false
}
