//go:build unit

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *RedisQueue {
	queue, _ := newTestQueueWithServer(t)

	return queue
}

func newTestQueueWithServer(t *testing.T, opts ...RedisOption) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	queue, err := NewRedisQueue(client, opts...)
	require.NoError(t, err)

	return queue, server
}

func TestNewRedisQueueRequiresClient(t *testing.T) {
	t.Parallel()

	_, err := NewRedisQueue(nil)
	require.ErrorIs(t, err, ErrClientRequired)
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()

	queue := newTestQueue(t)
	ctx := context.Background()

	require.ErrorIs(t, queue.Enqueue(ctx, Job{Name: "pushLogin"}), ErrJobIDRequired)
	require.ErrorIs(t, queue.Enqueue(ctx, Job{ID: "job-1"}), ErrJobNameRequired)
	require.ErrorIs(t, queue.EnqueueRepeating(ctx, RepeatJob{ID: "job-1", Name: "sweep"}), ErrIntervalRequired)
}

func TestEnqueueDuplicateJobIDCollapses(t *testing.T) {
	t.Parallel()

	queue := newTestQueue(t)
	ctx := context.Background()

	job := Job{ID: "outboxHandle-abc", Name: "outboxHandle", Payload: []byte(`{}`), Priority: PriorityMedium}

	require.NoError(t, queue.Enqueue(ctx, job))
	require.NoError(t, queue.Enqueue(ctx, job))
	require.NoError(t, queue.Enqueue(ctx, job))

	claimed, err := queue.claimDue(ctx, PriorityMedium, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Equal(t, []string{job.ID}, claimed)

	// The set is drained: nothing left to claim.
	claimed, err = queue.claimDue(ctx, PriorityMedium, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestEnqueueDelayedJobNotDueUntilDelayElapses(t *testing.T) {
	t.Parallel()

	queue := newTestQueue(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, queue.Enqueue(ctx, Job{
		ID:    "delayed-1",
		Name:  "outboxHandle",
		Delay: time.Hour,
	}))

	claimed, err := queue.claimDue(ctx, PriorityLow, now, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)

	claimed, err = queue.claimDue(ctx, PriorityLow, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"delayed-1"}, claimed)
}

func TestClaimIsExclusive(t *testing.T) {
	t.Parallel()

	queue := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, Job{ID: "solo", Name: "outboxHandle"}))

	first, err := queue.claimDue(ctx, PriorityLow, time.Now().UTC(), 10)
	require.NoError(t, err)

	second, err := queue.claimDue(ctx, PriorityLow, time.Now().UTC(), 10)
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Empty(t, second)
}

func TestLoadJobRoundTrip(t *testing.T) {
	t.Parallel()

	queue := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, Job{
		ID:       "job-42",
		Name:     "pushLogin",
		Payload:  []byte(`{"userId":"u1"}`),
		Priority: PriorityHigh,
	}))

	job, found, err := queue.loadJob(ctx, "job-42", PriorityHigh)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "pushLogin", job.Name)
	require.JSONEq(t, `{"userId":"u1"}`, string(job.Payload))
	require.Equal(t, PriorityHigh, job.Priority)

	_, found, err = queue.loadJob(ctx, "missing", PriorityHigh)
	require.NoError(t, err)
	require.False(t, found)
}

func TestReleaseAllowsReEnqueue(t *testing.T) {
	t.Parallel()

	queue := newTestQueue(t)
	ctx := context.Background()

	job := Job{ID: "repeat-me", Name: "outboxHandle"}

	require.NoError(t, queue.Enqueue(ctx, job))
	queue.release(ctx, job.ID)

	require.NoError(t, queue.Enqueue(ctx, job))

	claimed, err := queue.claimDue(ctx, PriorityLow, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Equal(t, []string{job.ID}, claimed)
}

func TestDedupMarkerCarriesTTL(t *testing.T) {
	t.Parallel()

	queue, server := newTestQueueWithServer(t, WithDedupTTL(time.Minute))
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, Job{ID: "plain", Name: "outboxHandle"}))
	require.Equal(t, time.Minute, server.TTL(queue.idKey("plain")))

	// A delayed job's marker must outlive the delay itself.
	require.NoError(t, queue.Enqueue(ctx, Job{ID: "later", Name: "outboxHandle", Delay: time.Hour}))
	require.Equal(t, time.Hour+time.Minute, server.TTL(queue.idKey("later")))
}

func TestOrphanedMarkerFromLostEnqueueExpires(t *testing.T) {
	t.Parallel()

	queue, server := newTestQueueWithServer(t, WithDedupTTL(time.Minute))
	ctx := context.Background()

	job := Job{ID: "outboxHandle-evt1", Name: "outboxHandle", Priority: PriorityMedium}

	// Residue of a producer that died after claiming the ID but before
	// scheduling the job: the marker exists, the hash and ready set do not.
	require.NoError(t, queue.client.SetNX(ctx, queue.idKey(job.ID), 1, queue.markerTTL(0)).Err())

	// Inside the dedup window the ID is still swallowed.
	require.NoError(t, queue.Enqueue(ctx, job))

	claimed, err := queue.claimDue(ctx, PriorityMedium, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Empty(t, claimed)

	server.FastForward(2 * time.Minute)

	// The marker has lapsed; the sweep's next re-enqueue goes through.
	require.NoError(t, queue.Enqueue(ctx, job))

	claimed, err = queue.claimDue(ctx, PriorityMedium, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Equal(t, []string{job.ID}, claimed)
}

func TestOrphanedMarkerFromCrashedWorkerExpires(t *testing.T) {
	t.Parallel()

	queue, server := newTestQueueWithServer(t, WithDedupTTL(time.Minute))
	ctx := context.Background()

	job := Job{ID: "outboxHandle-evt2", Name: "outboxHandle", Priority: PriorityMedium}

	require.NoError(t, queue.Enqueue(ctx, job))

	claimed, err := queue.claimDue(ctx, PriorityMedium, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Equal(t, []string{job.ID}, claimed)

	// The worker dies here: the job is claimed but never released.
	server.FastForward(2 * time.Minute)

	require.NoError(t, queue.Enqueue(ctx, job))

	claimed, err = queue.claimDue(ctx, PriorityMedium, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Equal(t, []string{job.ID}, claimed)
}

func TestRearmRenewsDedupMarker(t *testing.T) {
	t.Parallel()

	queue, server := newTestQueueWithServer(t, WithDedupTTL(time.Minute))
	ctx := context.Background()

	repeat := RepeatJob{ID: "outboxDispatch", Name: "outboxDispatch", Every: 30 * time.Second}

	require.NoError(t, queue.EnqueueRepeating(ctx, repeat))

	server.FastForward(45 * time.Second)

	require.NoError(t, queue.rearm(ctx, repeat.ID, PriorityLow, repeat.Every))

	// The renewal restores the full window, so a live repeater never
	// loses its registration guard between runs.
	require.Equal(t, repeat.Every+time.Minute, server.TTL(queue.idKey(repeat.ID)))
}

func TestEnqueueRepeatingIsIdempotentAndRearms(t *testing.T) {
	t.Parallel()

	queue := newTestQueue(t)
	ctx := context.Background()

	repeat := RepeatJob{ID: "outboxDispatch", Name: "outboxDispatch", Every: 50 * time.Millisecond}

	require.NoError(t, queue.EnqueueRepeating(ctx, repeat))
	require.NoError(t, queue.EnqueueRepeating(ctx, repeat))

	claimed, err := queue.claimDue(ctx, PriorityLow, time.Now().UTC().Add(time.Second), 10)
	require.NoError(t, err)
	require.Equal(t, []string{repeat.ID}, claimed)

	require.Equal(t, repeat.Every, queue.jobInterval(ctx, repeat.ID))

	require.NoError(t, queue.rearm(ctx, repeat.ID, PriorityLow, repeat.Every))

	claimed, err = queue.claimDue(ctx, PriorityLow, time.Now().UTC().Add(time.Second), 10)
	require.NoError(t, err)
	require.Equal(t, []string{repeat.ID}, claimed)
}
