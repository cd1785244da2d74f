package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/andrechristikan/ack-notify/notify/log"
)

const (
	defaultKeyPrefix = "ack:notify:queue"
	defaultDedupTTL  = 5 * time.Minute
)

// RedisQueue stores jobs in Redis: one hash per job, one ready set per
// priority scored by the instant the job becomes due, and one marker key
// per job ID providing the dedup guarantee. All mutations are single
// redis commands, so concurrent producers and workers across processes
// need no further coordination.
//
// Markers expire after the job's delay plus dedupTTL. A marker orphaned
// by a crash (before the job was scheduled, or after it was claimed but
// before release) would otherwise swallow every later enqueue of the
// same ID, locking that ID out of the queue for good; the TTL bounds
// the outage to one dedup window instead.
type RedisQueue struct {
	client   redis.UniversalClient
	logger   log.Logger
	prefix   string
	dedupTTL time.Duration
}

// RedisOption mutates queue construction.
type RedisOption func(*RedisQueue)

// WithKeyPrefix overrides the redis key namespace.
func WithKeyPrefix(prefix string) RedisOption {
	return func(queue *RedisQueue) {
		prefix = strings.TrimSpace(prefix)
		if prefix != "" {
			queue.prefix = prefix
		}
	}
}

// WithLogger sets the queue logger.
func WithLogger(logger log.Logger) RedisOption {
	return func(queue *RedisQueue) {
		if logger != nil {
			queue.logger = logger
		}
	}
}

// WithDedupTTL sets how long a job's dedup marker outlives its ready
// time. Size it to a few multiples of the longest expected gap between
// enqueue and completed attempt; shorter windows recover orphaned IDs
// faster but tolerate less processing lag before duplicates appear.
func WithDedupTTL(ttl time.Duration) RedisOption {
	return func(queue *RedisQueue) {
		if ttl > 0 {
			queue.dedupTTL = ttl
		}
	}
}

// NewRedisQueue creates a Redis-backed job queue.
func NewRedisQueue(client redis.UniversalClient, opts ...RedisOption) (*RedisQueue, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	queue := &RedisQueue{
		client:   client,
		logger:   log.NewNop(),
		prefix:   defaultKeyPrefix,
		dedupTTL: defaultDedupTTL,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(queue)
		}
	}

	return queue, nil
}

var _ Enqueuer = (*RedisQueue)(nil)

func (queue *RedisQueue) idKey(jobID string) string {
	return queue.prefix + ":id:" + jobID
}

func (queue *RedisQueue) jobKey(jobID string) string {
	return queue.prefix + ":job:" + jobID
}

func (queue *RedisQueue) readyKey(priority Priority) string {
	return queue.prefix + ":ready:" + priority.String()
}

// Enqueue schedules one delivery attempt of job after its optional delay.
// A job whose ID is already queued or running collapses silently; the
// caller cannot distinguish that from a fresh enqueue, by contract.
func (queue *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	if err := validateJob(job); err != nil {
		return err
	}

	return queue.enqueue(ctx, job.ID, job.Name, job.Payload, job.Priority, job.Delay, 0)
}

// EnqueueRepeating registers a fixed-interval job. Re-registering the
// same ID is a no-op, making boot-time registration idempotent.
func (queue *RedisQueue) EnqueueRepeating(ctx context.Context, job RepeatJob) error {
	if err := validateRepeatJob(job); err != nil {
		return err
	}

	return queue.enqueue(ctx, job.ID, job.Name, job.Payload, job.Priority, job.Every, job.Every)
}

func (queue *RedisQueue) enqueue(
	ctx context.Context,
	jobID, name string,
	payload []byte,
	priority Priority,
	delay, every time.Duration,
) error {
	owned, err := queue.client.SetNX(ctx, queue.idKey(jobID), 1, queue.markerTTL(delay)).Result()
	if err != nil {
		return fmt.Errorf("claiming job id %q: %w", jobID, err)
	}

	if !owned {
		queue.logger.Log(ctx, log.LevelDebug, "duplicate job enqueue collapsed", log.String("job_id", jobID))

		return nil
	}

	fields := map[string]any{
		"name":     name,
		"payload":  string(payload),
		"priority": int(priority),
		"every_ms": every.Milliseconds(),
	}

	if err := queue.client.HSet(ctx, queue.jobKey(jobID), fields).Err(); err != nil {
		queue.client.Del(ctx, queue.idKey(jobID))

		return fmt.Errorf("storing job %q: %w", jobID, err)
	}

	readyAt := time.Now().UTC().Add(delay)

	err = queue.client.ZAdd(ctx, queue.readyKey(priority), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: jobID,
	}).Err()
	if err != nil {
		queue.client.Del(ctx, queue.jobKey(jobID), queue.idKey(jobID))

		return fmt.Errorf("scheduling job %q: %w", jobID, err)
	}

	return nil
}

// claimDue pops up to limit due job IDs for one priority. ZRem is the
// claim: of all workers racing on the same member, exactly one observes
// a removal count of 1.
func (queue *RedisQueue) claimDue(ctx context.Context, priority Priority, now time.Time, limit int) ([]string, error) {
	candidates, err := queue.client.ZRangeByScore(ctx, queue.readyKey(priority), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing due jobs: %w", err)
	}

	claimed := make([]string, 0, len(candidates))

	for _, jobID := range candidates {
		removed, err := queue.client.ZRem(ctx, queue.readyKey(priority), jobID).Result()
		if err != nil {
			return claimed, fmt.Errorf("claiming job %q: %w", jobID, err)
		}

		if removed == 1 {
			claimed = append(claimed, jobID)
		}
	}

	return claimed, nil
}

// loadJob materializes a claimed job. A missing hash means a concurrent
// cleanup won; the dangling id marker is released.
func (queue *RedisQueue) loadJob(ctx context.Context, jobID string, priority Priority) (Job, bool, error) {
	fields, err := queue.client.HGetAll(ctx, queue.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, fmt.Errorf("loading job %q: %w", jobID, err)
	}

	if len(fields) == 0 {
		queue.client.Del(ctx, queue.idKey(jobID))

		return Job{}, false, nil
	}

	return Job{
		ID:       jobID,
		Name:     fields["name"],
		Payload:  []byte(fields["payload"]),
		Priority: priority,
	}, true, nil
}

func (queue *RedisQueue) jobInterval(ctx context.Context, jobID string) time.Duration {
	raw, err := queue.client.HGet(ctx, queue.jobKey(jobID), "every_ms").Result()
	if err != nil {
		return 0
	}

	everyMs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || everyMs <= 0 {
		return 0
	}

	return time.Duration(everyMs) * time.Millisecond
}

// release finishes a one-shot job, dropping its hash and dedup marker so
// the ID may be enqueued again.
func (queue *RedisQueue) release(ctx context.Context, jobID string) {
	queue.client.Del(ctx, queue.jobKey(jobID), queue.idKey(jobID))
}

// rearm schedules the next run of a repeating job and renews its dedup
// marker, so a live repeater keeps its registration guard while an
// abandoned one eventually frees its ID.
func (queue *RedisQueue) rearm(ctx context.Context, jobID string, priority Priority, every time.Duration) error {
	nextRun := time.Now().UTC().Add(every)

	err := queue.client.ZAdd(ctx, queue.readyKey(priority), redis.Z{
		Score:  float64(nextRun.UnixMilli()),
		Member: jobID,
	}).Err()
	if err != nil {
		return fmt.Errorf("rearming job %q: %w", jobID, err)
	}

	if err := queue.client.Expire(ctx, queue.idKey(jobID), queue.markerTTL(every)).Err(); err != nil {
		queue.logger.Log(ctx, log.LevelWarn, "failed to renew job dedup marker", log.String("job_id", jobID))
	}

	return nil
}

func (queue *RedisQueue) markerTTL(delay time.Duration) time.Duration {
	if delay < 0 {
		delay = 0
	}

	return delay + queue.dedupTTL
}
