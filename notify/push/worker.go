package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/andrechristikan/ack-notify/notify/chunk"
	"github.com/andrechristikan/ack-notify/notify/log"
	"github.com/andrechristikan/ack-notify/notify/outbox"
	"github.com/andrechristikan/ack-notify/notify/queue"
)

// JobPushLogin is the queue job name for the login push send path.
const JobPushLogin = "pushLogin"

const defaultInsertBatchSize = 50

// LoginJob is the payload of one pushLogin queue job: send the given
// notification content to every active device of one user.
type LoginJob struct {
	UserID         uuid.UUID      `json:"userId"`
	Kind           string         `json:"kind"`
	Title          string         `json:"title"`
	Body           string         `json:"body"`
	Data           map[string]any `json:"data,omitempty"`
	NotificationID uuid.NullUUID  `json:"notificationId,omitempty"`
}

// Validate checks the job's required fields.
func (job LoginJob) Validate() error {
	if job.UserID == uuid.Nil {
		return ErrUserIDRequired
	}

	if job.Kind == "" {
		return ErrKindRequired
	}

	if job.Title == "" {
		return ErrTitleRequired
	}

	return nil
}

// WorkerOption mutates worker configuration at construction.
type WorkerOption func(*Worker)

// WithInsertBatchSize bounds rows per bulk notification insert.
func WithInsertBatchSize(size int) WorkerOption {
	return func(worker *Worker) {
		if size > 0 {
			worker.insertBatchSize = size
		}
	}
}

// WithLogger sets the worker logger.
func WithLogger(logger log.Logger) WorkerOption {
	return func(worker *Worker) {
		if logger != nil {
			worker.logger = logger
		}
	}
}

// Worker consumes notification fan-out events and drives the push send
// path. It never retries sends itself: fan-out errors surface to the
// outbox state machine, and send outcomes settle into delivery records.
type Worker struct {
	tokens          TokenStore
	deliveries      DeliveryStore
	notifications   NotificationStore
	gateway         Gateway
	logger          log.Logger
	insertBatchSize int
}

// NewWorker creates a push delivery worker. The gateway may be nil; the
// send path then settles deliveries as failed without erroring, since a
// missing gateway is a deployment condition.
func NewWorker(
	tokens TokenStore,
	deliveries DeliveryStore,
	notifications NotificationStore,
	gateway Gateway,
	opts ...WorkerOption,
) (*Worker, error) {
	if tokens == nil {
		return nil, ErrTokenStoreRequired
	}

	if deliveries == nil {
		return nil, ErrDeliveryStoreRequired
	}

	if notifications == nil {
		return nil, ErrNotificationStoreRequired
	}

	worker := &Worker{
		tokens:          tokens,
		deliveries:      deliveries,
		notifications:   notifications,
		gateway:         gateway,
		logger:          log.NewNop(),
		insertBatchSize: defaultInsertBatchSize,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(worker)
		}
	}

	return worker, nil
}

// HandleFanout is the outbox event handler for notification fan-out: it
// decodes the chunk payload and bulk-inserts one notification row per
// recipient. Errors propagate to the outbox retry machinery unchanged.
func (worker *Worker) HandleFanout(ctx context.Context, event *outbox.Event) error {
	if event == nil {
		return outbox.ErrEventRequired
	}

	payload, err := outbox.DecodeFanoutPayload(event.Payload)
	if err != nil {
		return fmt.Errorf("decoding fanout payload: %w", err)
	}

	recipients := chunk.Dedup(payload.UserIDs)
	if len(recipients) == 0 {
		worker.logger.Log(ctx, log.LevelDebug, "fanout event with no recipients",
			log.String("event_id", event.ID.String()),
		)

		return nil
	}

	// Events are already chunked at fan-out time; re-chunking here keeps
	// insert statements bounded even for oversized or hand-built events.
	groups, err := chunk.Partition(recipients, worker.insertBatchSize)
	if err != nil {
		return fmt.Errorf("partitioning recipients: %w", err)
	}

	for _, group := range groups {
		rows := make([]*Notification, 0, len(group))

		for _, userID := range group {
			notification, buildErr := NewNotification(
				userID,
				payload.Kind,
				payload.Title,
				payload.Body,
				payload.Data,
				payload.CreatedBy,
			)
			if buildErr != nil {
				return fmt.Errorf("building notification for %s: %w", userID, buildErr)
			}

			rows = append(rows, notification)
		}

		if err := worker.notifications.BulkCreate(ctx, rows); err != nil {
			return fmt.Errorf("inserting notifications: %w", err)
		}
	}

	worker.logger.Log(ctx, log.LevelInfo, "fanout event materialized",
		log.String("event_id", event.ID.String()),
		log.Int("recipients", len(recipients)),
	)

	return nil
}

// ProcessLogin runs the push send path for one user.
//
// Only infrastructure errors (stores) propagate: zero active tokens and
// per-token send failures are terminal outcomes recorded on the delivery
// row, and retrying the job could not change them.
func (worker *Worker) ProcessLogin(ctx context.Context, job LoginJob) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := job.Validate(); err != nil {
		return fmt.Errorf("login push job: %w", err)
	}

	tokens, err := worker.tokens.ListActiveByUser(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("listing active tokens: %w", err)
	}

	if len(tokens) == 0 {
		worker.logger.Log(ctx, log.LevelInfo, "no active device tokens, skipping push",
			log.String("user_id", job.UserID.String()),
		)

		return nil
	}

	delivery, err := NewDelivery(job.UserID, job.NotificationID)
	if err != nil {
		return fmt.Errorf("building delivery: %w", err)
	}

	delivery, err = worker.deliveries.Create(ctx, delivery)
	if err != nil {
		return fmt.Errorf("creating delivery: %w", err)
	}

	if worker.gateway == nil {
		worker.logger.Log(ctx, log.LevelWarn, "push gateway not configured, delivery failed",
			log.String("delivery_id", delivery.ID.String()),
		)

		worker.settleFailed(ctx, delivery.ID, ErrGatewayUnavailable.Error())

		return nil
	}

	tokenValues := make([]string, 0, len(tokens))
	for _, token := range tokens {
		tokenValues = append(tokenValues, token.Token)
	}

	result, err := worker.gateway.SendMulticast(ctx, tokenValues, Message{
		Title: job.Title,
		Body:  job.Body,
		Data:  StringifyData(job.Data),
	})
	if err != nil {
		if isGatewayUnavailable(err) {
			worker.logger.Log(ctx, log.LevelWarn, "push gateway unavailable, delivery failed",
				log.String("delivery_id", delivery.ID.String()),
				log.Err(err),
			)

			worker.settleFailed(ctx, delivery.ID, ErrGatewayUnavailable.Error())

			return nil
		}

		worker.settleFailed(ctx, delivery.ID, err.Error())

		return fmt.Errorf("multicast send: %w", err)
	}

	worker.revokeInvalidTokens(ctx, job.UserID, result)

	now := time.Now().UTC()

	if result.SuccessCount > 0 {
		if err := worker.deliveries.MarkSent(ctx, delivery.ID, now); err != nil {
			return fmt.Errorf("marking delivery sent: %w", err)
		}

		worker.logger.Log(ctx, log.LevelInfo, "push delivered",
			log.String("user_id", job.UserID.String()),
			log.Int("success", result.SuccessCount),
			log.Int("failure", result.FailureCount),
		)

		return nil
	}

	reason := fmt.Sprintf("%d of %d tokens failed", result.FailureCount, len(tokenValues))

	if err := worker.deliveries.MarkFailed(ctx, delivery.ID, now, reason); err != nil {
		return fmt.Errorf("marking delivery failed: %w", err)
	}

	worker.logger.Log(ctx, log.LevelWarn, "push delivery failed for all tokens",
		log.String("user_id", job.UserID.String()),
		log.String("reason", reason),
	)

	return nil
}

// revokeInvalidTokens best-effort revokes tokens the gateway reported
// permanently dead. Revocation failures only log; the delivery outcome
// does not depend on them.
func (worker *Worker) revokeInvalidTokens(ctx context.Context, userID uuid.UUID, result MulticastResult) {
	for _, tokenValue := range result.InvalidTokens() {
		if err := worker.tokens.Revoke(ctx, userID, tokenValue); err != nil {
			worker.logger.Log(ctx, log.LevelWarn, "failed to revoke dead device token",
				log.String("user_id", userID.String()),
				log.Err(err),
			)

			continue
		}

		worker.logger.Log(ctx, log.LevelInfo, "revoked dead device token",
			log.String("user_id", userID.String()),
		)
	}
}

func (worker *Worker) settleFailed(ctx context.Context, deliveryID uuid.UUID, reason string) {
	if err := worker.deliveries.MarkFailed(ctx, deliveryID, time.Now().UTC(), reason); err != nil {
		log.SafeError(worker.logger, ctx, "failed to settle delivery as failed", err)
	}
}

// RegisterEventHandlers binds the fan-out handler into the outbox
// handler registry.
func (worker *Worker) RegisterEventHandlers(registry *outbox.HandlerRegistry) error {
	if registry == nil {
		return outbox.ErrHandlerRegistryRequired
	}

	return registry.Register(outbox.EventNotificationFanout, worker.HandleFanout)
}

// RegisterJobs binds the send path into a queue worker registry.
func (worker *Worker) RegisterJobs(registry *queue.HandlerRegistry) error {
	if registry == nil {
		return outbox.ErrHandlerRegistryRequired
	}

	return registry.Register(JobPushLogin, func(ctx context.Context, job queue.Job) error {
		var payload LoginJob

		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decoding login push payload: %w", err)
		}

		return worker.ProcessLogin(ctx, payload)
	})
}

// EnqueueLogin queues one login push send for a user. Each call is a
// distinct job; the send path owns no retries, so duplicates are the
// caller's concern.
func EnqueueLogin(ctx context.Context, jobs queue.Enqueuer, job LoginJob) error {
	if jobs == nil {
		return queue.ErrClientRequired
	}

	if err := job.Validate(); err != nil {
		return fmt.Errorf("login push job: %w", err)
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding login push payload: %w", err)
	}

	return jobs.Enqueue(ctx, queue.Job{
		ID:       JobPushLogin + "-" + uuid.NewString(),
		Name:     JobPushLogin,
		Payload:  raw,
		Priority: queue.PriorityMedium,
	})
}

func isGatewayUnavailable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}
