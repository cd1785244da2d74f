package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/andrechristikan/ack-notify/notify/backoff"
	"github.com/andrechristikan/ack-notify/notify/chunk"
	"github.com/andrechristikan/ack-notify/notify/log"
	"github.com/andrechristikan/ack-notify/notify/queue"
	"github.com/andrechristikan/ack-notify/notify/runtime"
)

// Queue job names. The per-event handle job ID is derived from the event
// ID so that duplicate enqueue attempts collapse on the queue's own
// deduplication instead of being filtered here.
const (
	JobHandleOutbox   = "outboxHandle"
	JobDispatchOutbox = "outboxDispatch"
)

// HandleJobID derives the dedup job ID for one outbox event.
func HandleJobID(eventID uuid.UUID) string {
	return JobHandleOutbox + "-" + eventID.String()
}

type handleJobPayload struct {
	EventID uuid.UUID `json:"eventId"`
}

// Dispatcher owns the outbox event lifecycle: it fans producer payloads
// out into bounded pending events, sweeps for due events whose handle job
// was lost, and runs the claim-and-retry state machine around registered
// event handlers.
//
// The dispatcher holds no mutable state of its own beyond loop plumbing;
// any number of instances may run against the same store and queue.
type Dispatcher struct {
	store    Store
	jobs     queue.Enqueuer
	handlers *HandlerRegistry
	logger   log.Logger
	tracer   trace.Tracer
	cfg      Config

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	sweepWg    sync.WaitGroup

	metrics dispatcherMetrics
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(
	store Store,
	jobs queue.Enqueuer,
	handlers *HandlerRegistry,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...Option,
) (*Dispatcher, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if jobs == nil {
		return nil, ErrQueueRequired
	}

	if handlers == nil {
		return nil, ErrHandlerRegistryRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("ack-notify.noop")
	}

	dispatcher := &Dispatcher{
		store:    store,
		jobs:     jobs,
		handlers: handlers,
		logger:   logger,
		tracer:   tracer,
		cfg:      DefaultConfig(),
		stop:     make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Config returns the normalized dispatcher configuration.
func (dispatcher *Dispatcher) Config() Config {
	return dispatcher.cfg
}

// EnqueueFanout partitions the payload's recipients into chunks of at
// most FanoutChunkSize, persists one pending outbox event per chunk, and
// enqueues one handle job per event. An empty (or fully duplicate-free
// empty) recipient list is a valid no-op, not an error. Store and queue
// errors propagate synchronously to the caller.
func (dispatcher *Dispatcher) EnqueueFanout(ctx context.Context, payload FanoutPayload) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := payload.Validate(); err != nil {
		return fmt.Errorf("fanout payload: %w", err)
	}

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.enqueue_fanout")
	defer span.End()

	groups, err := chunk.Partition(payload.UserIDs, dispatcher.cfg.FanoutChunkSize)
	if err != nil {
		return fmt.Errorf("partitioning recipients: %w", err)
	}

	if len(groups) == 0 {
		dispatcher.logger.Log(ctx, log.LevelDebug, "fanout with no recipients skipped",
			log.String("kind", payload.Kind),
		)

		return nil
	}

	span.SetAttributes(attribute.Int("outbox.fanout.chunks", len(groups)))

	for _, group := range groups {
		raw, err := payload.WithUserIDs(group).Encode()
		if err != nil {
			return err
		}

		event, err := NewEvent(EventNotificationFanout, raw, payload.CreatedBy)
		if err != nil {
			return fmt.Errorf("building fanout event: %w", err)
		}

		created, err := dispatcher.store.Create(ctx, event)
		if err != nil {
			return fmt.Errorf("creating fanout event: %w", err)
		}

		dispatcher.addCount(ctx, dispatcher.metrics.eventsCreated, 1)

		if err := dispatcher.enqueueHandleJob(ctx, created.ID); err != nil {
			// The event row is durable; the reconciliation sweep will
			// re-enqueue it. Still surface the queue failure.
			return err
		}
	}

	return nil
}

// DispatchPending is the reconciliation sweep: it re-enqueues a handle
// job for every due pending event, recovering events whose original
// enqueue was lost to a crash. It never executes events itself, and
// duplicate enqueues collapse on the job ID. Returns the number of
// events swept.
func (dispatcher *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatch_pending")
	defer span.End()

	now := time.Now().UTC()

	events, err := dispatcher.store.FindPending(ctx, dispatcher.cfg.PendingBatchSize, now)
	if err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to list pending outbox events", err)

		return 0, fmt.Errorf("listing pending events: %w", err)
	}

	dispatcher.recordGauge(ctx, dispatcher.metrics.sweepDepth, int64(len(events)))
	span.SetAttributes(attribute.Int("outbox.sweep.depth", len(events)))

	swept := 0

	for _, event := range events {
		if ctx.Err() != nil {
			break
		}

		if event == nil {
			continue
		}

		if err := dispatcher.enqueueHandleJob(ctx, event.ID); err != nil {
			log.SafeError(dispatcher.logger, ctx, "failed to enqueue handle job", err)

			continue
		}

		swept++
	}

	return swept, nil
}

// HandleOutbox is the unit of work run by a queue worker for one event.
//
// It is the single place an event error becomes a state transition:
// handlers never talk to the store's terminal operations directly. A
// lost claim race or an already-settled event is a silent no-op, which
// is what makes duplicate job delivery harmless.
func (dispatcher *Dispatcher) HandleOutbox(ctx context.Context, eventID uuid.UUID) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.handle")
	defer span.End()

	span.SetAttributes(attribute.String("outbox.event_id", eventID.String()))

	start := time.Now().UTC()

	claimed, err := dispatcher.store.TryClaim(ctx, eventID, start)
	if err != nil {
		return fmt.Errorf("claiming event: %w", err)
	}

	if !claimed {
		dispatcher.logger.Log(ctx, log.LevelDebug, "outbox event not claimable, skipping",
			log.String("event_id", eventID.String()),
		)

		return nil
	}

	event, err := dispatcher.store.FindByID(ctx, eventID)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			dispatcher.logger.Log(ctx, log.LevelWarn, "claimed outbox event disappeared",
				log.String("event_id", eventID.String()),
			)

			return nil
		}

		return fmt.Errorf("loading claimed event: %w", err)
	}

	handler, ok := dispatcher.handlers.Resolve(event.EventType)
	if !ok {
		// Unknown kinds are settled, not failed: retrying cannot teach
		// this deployment a type it does not know, and newer producers
		// must be free to emit kinds we learn later.
		dispatcher.logger.Log(ctx, log.LevelWarn, "no handler for outbox event type, settling",
			log.String("event_id", eventID.String()),
			log.String("event_type", string(event.EventType)),
		)

		return dispatcher.settleProcessed(ctx, event, start)
	}

	handleErr := handler(ctx, event)

	dispatcher.recordLatency(ctx, time.Since(start).Seconds())

	if handleErr == nil {
		return dispatcher.settleProcessed(ctx, event, start)
	}

	return dispatcher.settleFailure(ctx, event, handleErr)
}

func (dispatcher *Dispatcher) settleProcessed(ctx context.Context, event *Event, now time.Time) error {
	if err := dispatcher.store.MarkProcessed(ctx, event.ID, now); err != nil {
		return fmt.Errorf("marking processed: %w", err)
	}

	dispatcher.addCount(ctx, dispatcher.metrics.eventsProcessed, 1)

	return nil
}

// settleFailure applies the retry policy: the Nth failure of an event
// carrying attempts = N-1 either reschedules it with a linearly growing
// delay or, once failures reach MaxAttempts, fails it terminally.
func (dispatcher *Dispatcher) settleFailure(ctx context.Context, event *Event, handleErr error) error {
	failures := event.Attempts + 1
	errMsg := sanitizeErrorForStorage(handleErr)
	now := time.Now().UTC()

	if failures >= dispatcher.cfg.MaxAttempts {
		dispatcher.logger.Log(ctx, log.LevelError, "outbox event failed permanently",
			log.String("event_id", event.ID.String()),
			log.Int("attempts", failures),
			log.Err(handleErr),
		)

		if err := dispatcher.store.MarkFailed(ctx, event.ID, now, errMsg); err != nil {
			return fmt.Errorf("marking failed: %w", err)
		}

		dispatcher.addCount(ctx, dispatcher.metrics.eventsFailed, 1)

		return nil
	}

	delay := backoff.Linear(dispatcher.cfg.RetryDelay, failures)

	dispatcher.logger.Log(ctx, log.LevelWarn, "outbox event handling failed, scheduling retry",
		log.String("event_id", event.ID.String()),
		log.Int("attempts", failures),
		log.String("delay", delay.String()),
		log.Err(handleErr),
	)

	if err := dispatcher.store.MarkRetry(ctx, event.ID, now, now.Add(delay), errMsg); err != nil {
		return fmt.Errorf("marking retry: %w", err)
	}

	dispatcher.addCount(ctx, dispatcher.metrics.eventsRetried, 1)

	return nil
}

func (dispatcher *Dispatcher) enqueueHandleJob(ctx context.Context, eventID uuid.UUID) error {
	raw, err := json.Marshal(handleJobPayload{EventID: eventID})
	if err != nil {
		return fmt.Errorf("encoding handle job payload: %w", err)
	}

	err = dispatcher.jobs.Enqueue(ctx, queue.Job{
		ID:       HandleJobID(eventID),
		Name:     JobHandleOutbox,
		Payload:  raw,
		Priority: queue.PriorityMedium,
	})
	if err != nil {
		return fmt.Errorf("enqueueing handle job: %w", err)
	}

	return nil
}

// RegisterJobs binds the dispatcher's queue-facing entry points into a
// worker registry.
func (dispatcher *Dispatcher) RegisterJobs(registry *queue.HandlerRegistry) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	err := registry.Register(JobHandleOutbox, func(ctx context.Context, job queue.Job) error {
		var payload handleJobPayload

		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decoding handle job payload: %w", err)
		}

		return dispatcher.HandleOutbox(ctx, payload.EventID)
	})
	if err != nil {
		return err
	}

	return registry.Register(JobDispatchOutbox, func(ctx context.Context, _ queue.Job) error {
		_, err := dispatcher.DispatchPending(ctx)

		return err
	})
}

// ScheduleDispatch registers the repeating reconciliation sweep job.
// Idempotent: re-registering on every boot is the intended usage.
func (dispatcher *Dispatcher) ScheduleDispatch(ctx context.Context) error {
	return dispatcher.jobs.EnqueueRepeating(ctx, queue.RepeatJob{
		ID:       JobDispatchOutbox,
		Name:     JobDispatchOutbox,
		Every:    dispatcher.cfg.DispatchInterval,
		Priority: queue.PriorityLow,
	})
}

// Run drives the reconciliation sweep on an in-process ticker until Stop
// is called or ctx is cancelled. Deployments using the repeating queue
// job do not need this loop; it exists for single-binary setups.
func (dispatcher *Dispatcher) Run(ctx context.Context) error {
	if dispatcher == nil {
		return ErrDispatcherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if !dispatcher.registerRun() {
		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()

	dispatcher.logger.Log(ctx, log.LevelInfo, "outbox dispatcher started")
	defer dispatcher.logger.Log(ctx, log.LevelInfo, "outbox dispatcher stopped")

	ticker := time.NewTicker(dispatcher.cfg.DispatchInterval)
	defer ticker.Stop()

	dispatcher.sweepOnce(ctx)

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			dispatcher.sweepOnce(ctx)
		}
	}
}

func (dispatcher *Dispatcher) sweepOnce(ctx context.Context) {
	dispatcher.sweepWg.Add(1)
	defer dispatcher.sweepWg.Done()
	defer runtime.RecoverAndLog(ctx, dispatcher.logger, "outbox", "dispatch_sweep")

	if _, err := dispatcher.DispatchPending(ctx); err != nil {
		log.SafeError(dispatcher.logger, ctx, "reconciliation sweep failed", err)
	}
}

// Stop signals the Run loop to stop.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		close(dispatcher.stop)
	})
}

// Shutdown waits for the in-flight sweep to finish.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(ctx, dispatcher.logger, "outbox.dispatcher_shutdown_wait", func() {
		dispatcher.sweepWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

func (dispatcher *Dispatcher) registerRun() bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	dispatcher.running = true

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
}

func (dispatcher *Dispatcher) addCount(ctx context.Context, counter metric.Int64Counter, count int64) {
	if counter == nil || count <= 0 {
		return
	}

	counter.Add(ctx, count)
}

func (dispatcher *Dispatcher) recordLatency(ctx context.Context, seconds float64) {
	if dispatcher.metrics.handleLatency == nil {
		return
	}

	dispatcher.metrics.handleLatency.Record(ctx, seconds)
}

func (dispatcher *Dispatcher) recordGauge(ctx context.Context, gauge metric.Int64Gauge, value int64) {
	if gauge == nil {
		return
	}

	gauge.Record(ctx, value)
}
