//go:build unit

package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/andrechristikan/ack-notify/notify/queue"
)

type fakeStore struct {
	mu     sync.Mutex
	events map[uuid.UUID]*Event

	createErr error
	claimErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{events: map[uuid.UUID]*Event{}}
}

func (store *fakeStore) Create(_ context.Context, event *Event) (*Event, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.createErr != nil {
		return nil, store.createErr
	}

	clone := *event
	store.events[event.ID] = &clone

	copied := clone

	return &copied, nil
}

func (store *fakeStore) FindPending(_ context.Context, limit int, now time.Time) ([]*Event, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	pending := make([]*Event, 0)

	for _, event := range store.events {
		if len(pending) >= limit {
			break
		}

		if event.Due(now) {
			clone := *event
			pending = append(pending, &clone)
		}
	}

	return pending, nil
}

func (store *fakeStore) FindByID(_ context.Context, id uuid.UUID) (*Event, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	event, ok := store.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}

	clone := *event

	return &clone, nil
}

func (store *fakeStore) TryClaim(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	if store.claimErr != nil {
		return false, store.claimErr
	}

	event, ok := store.events[id]
	if !ok {
		return false, nil
	}

	if event.Status != StatusPending || event.NextRunAt.After(now) {
		return false, nil
	}

	event.Status = StatusProcessing
	event.UpdatedAt = now

	return true, nil
}

func (store *fakeStore) MarkProcessed(_ context.Context, id uuid.UUID, now time.Time) error {
	return store.transition(id, StatusProcessed, func(event *Event) {
		event.LastError = ""
		event.UpdatedAt = now
	})
}

func (store *fakeStore) MarkRetry(_ context.Context, id uuid.UUID, now, nextRunAt time.Time, errMsg string) error {
	return store.transition(id, StatusPending, func(event *Event) {
		event.Attempts++
		event.LastError = errMsg
		event.NextRunAt = nextRunAt
		event.UpdatedAt = now
	})
}

func (store *fakeStore) MarkFailed(_ context.Context, id uuid.UUID, now time.Time, errMsg string) error {
	return store.transition(id, StatusFailed, func(event *Event) {
		event.Attempts++
		event.LastError = errMsg
		event.UpdatedAt = now
	})
}

func (store *fakeStore) transition(id uuid.UUID, to Status, apply func(*Event)) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	event, ok := store.events[id]
	if !ok {
		return ErrEventNotFound
	}

	if !event.Status.CanTransitionTo(to) {
		return ErrTransitionInvalid
	}

	apply(event)
	event.Status = to

	return nil
}

func (store *fakeStore) get(id uuid.UUID) *Event {
	store.mu.Lock()
	defer store.mu.Unlock()

	event, ok := store.events[id]
	if !ok {
		return nil
	}

	clone := *event

	return &clone
}

type fakeQueue struct {
	mu       sync.Mutex
	jobs     []queue.Job
	repeats  []queue.RepeatJob
	enqueued map[string]int

	enqueueErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{enqueued: map[string]int{}}
}

func (fq *fakeQueue) Enqueue(_ context.Context, job queue.Job) error {
	fq.mu.Lock()
	defer fq.mu.Unlock()

	if fq.enqueueErr != nil {
		return fq.enqueueErr
	}

	// Same semantics as the Redis adapter: duplicate IDs collapse.
	if fq.enqueued[job.ID] > 0 {
		return nil
	}

	fq.enqueued[job.ID]++
	fq.jobs = append(fq.jobs, job)

	return nil
}

func (fq *fakeQueue) EnqueueRepeating(_ context.Context, job queue.RepeatJob) error {
	fq.mu.Lock()
	defer fq.mu.Unlock()

	fq.repeats = append(fq.repeats, job)

	return nil
}

func (fq *fakeQueue) jobCount() int {
	fq.mu.Lock()
	defer fq.mu.Unlock()

	return len(fq.jobs)
}

func newTestDispatcher(t *testing.T, store Store, jobs queue.Enqueuer, opts ...Option) (*Dispatcher, *HandlerRegistry) {
	t.Helper()

	registry := NewHandlerRegistry()

	dispatcher, err := NewDispatcher(store, jobs, registry, nil, nil, opts...)
	require.NoError(t, err)

	return dispatcher, registry
}

func testFanoutPayload(userIDs ...uuid.UUID) FanoutPayload {
	return FanoutPayload{
		UserIDs:   userIDs,
		Kind:      "account.login",
		Title:     "New login",
		Body:      "A new device signed in",
		CreatedBy: uuid.New(),
	}
}

func TestNewDispatcherValidation(t *testing.T) {
	t.Parallel()

	registry := NewHandlerRegistry()

	_, err := NewDispatcher(nil, newFakeQueue(), registry, nil, nil)
	require.ErrorIs(t, err, ErrStoreRequired)

	_, err = NewDispatcher(newFakeStore(), nil, registry, nil, nil)
	require.ErrorIs(t, err, ErrQueueRequired)

	_, err = NewDispatcher(newFakeStore(), newFakeQueue(), nil, nil, nil)
	require.ErrorIs(t, err, ErrHandlerRegistryRequired)
}

func TestEnqueueFanoutChunksRecipients(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	jobs := newFakeQueue()
	dispatcher, _ := newTestDispatcher(t, store, jobs, WithFanoutChunkSize(2))

	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	require.NoError(t, dispatcher.EnqueueFanout(context.Background(), testFanoutPayload(users...)))

	require.Len(t, store.events, 2)
	require.Equal(t, 2, jobs.jobCount())

	seen := make(map[uuid.UUID]int)

	for _, event := range store.events {
		require.Equal(t, EventNotificationFanout, event.EventType)
		require.Equal(t, StatusPending, event.Status)
		require.Equal(t, 0, event.Attempts)

		payload, err := DecodeFanoutPayload(event.Payload)
		require.NoError(t, err)
		require.LessOrEqual(t, len(payload.UserIDs), 2)

		for _, userID := range payload.UserIDs {
			seen[userID]++
		}
	}

	require.Len(t, seen, len(users))

	for _, count := range seen {
		require.Equal(t, 1, count)
	}
}

func TestEnqueueFanoutEmptyRecipientsIsNoOp(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	jobs := newFakeQueue()
	dispatcher, _ := newTestDispatcher(t, store, jobs)

	require.NoError(t, dispatcher.EnqueueFanout(context.Background(), testFanoutPayload()))
	require.Empty(t, store.events)
	require.Zero(t, jobs.jobCount())
}

func TestEnqueueFanoutDeduplicatesRecipients(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	jobs := newFakeQueue()
	dispatcher, _ := newTestDispatcher(t, store, jobs, WithFanoutChunkSize(10))

	userID := uuid.New()

	require.NoError(t, dispatcher.EnqueueFanout(context.Background(), testFanoutPayload(userID, userID, userID)))
	require.Len(t, store.events, 1)

	for _, event := range store.events {
		payload, err := DecodeFanoutPayload(event.Payload)
		require.NoError(t, err)
		require.Equal(t, []uuid.UUID{userID}, payload.UserIDs)
	}
}

func TestEnqueueFanoutRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	dispatcher, _ := newTestDispatcher(t, newFakeStore(), newFakeQueue())

	payload := testFanoutPayload(uuid.New())
	payload.Kind = ""

	err := dispatcher.EnqueueFanout(context.Background(), payload)
	require.ErrorIs(t, err, ErrPayloadKindRequired)
}

func TestEnqueueFanoutSurfacesStoreErrors(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.createErr = errors.New("insert refused")

	dispatcher, _ := newTestDispatcher(t, store, newFakeQueue())

	err := dispatcher.EnqueueFanout(context.Background(), testFanoutPayload(uuid.New()))
	require.ErrorContains(t, err, "insert refused")
}

func TestHandleOutboxSuccessSettlesProcessed(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	dispatcher, registry := newTestDispatcher(t, store, newFakeQueue())

	handled := 0

	require.NoError(t, registry.Register(EventNotificationFanout, func(context.Context, *Event) error {
		handled++

		return nil
	}))

	event := seedPendingEvent(t, store)

	require.NoError(t, dispatcher.HandleOutbox(context.Background(), event.ID))
	require.Equal(t, 1, handled)

	stored := store.get(event.ID)
	require.Equal(t, StatusProcessed, stored.Status)
	require.Empty(t, stored.LastError)
	require.Equal(t, 0, stored.Attempts)
}

func TestHandleOutboxConcurrentClaimsExactlyOneWinner(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	dispatcher, registry := newTestDispatcher(t, store, newFakeQueue())

	var (
		handledMu sync.Mutex
		handled   int
	)

	require.NoError(t, registry.Register(EventNotificationFanout, func(context.Context, *Event) error {
		handledMu.Lock()
		handled++
		handledMu.Unlock()

		return nil
	}))

	event := seedPendingEvent(t, store)

	const workers = 16

	var wg sync.WaitGroup

	errs := make([]error, workers)

	for index := range workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			errs[index] = dispatcher.HandleOutbox(context.Background(), event.ID)
		}()
	}

	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 1, handled)
	require.Equal(t, StatusProcessed, store.get(event.ID).Status)
}

func TestHandleOutboxFailureSchedulesLinearRetry(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	retryDelay := 30 * time.Second
	dispatcher, registry := newTestDispatcher(t, store, newFakeQueue(),
		WithMaxAttempts(3), WithRetryDelay(retryDelay),
	)

	require.NoError(t, registry.Register(EventNotificationFanout, func(context.Context, *Event) error {
		return errors.New("downstream unavailable")
	}))

	event := seedPendingEvent(t, store)
	before := time.Now().UTC()

	require.NoError(t, dispatcher.HandleOutbox(context.Background(), event.ID))

	stored := store.get(event.ID)
	require.Equal(t, StatusPending, stored.Status)
	require.Equal(t, 1, stored.Attempts)
	require.Contains(t, stored.LastError, "downstream unavailable")

	// First failure reschedules at base delay.
	require.False(t, stored.NextRunAt.Before(before.Add(retryDelay)))
	require.True(t, stored.NextRunAt.Before(before.Add(retryDelay+5*time.Second)))
}

func TestHandleOutboxRetryDelayGrowsAcrossFailures(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	retryDelay := 10 * time.Second
	dispatcher, registry := newTestDispatcher(t, store, newFakeQueue(),
		WithMaxAttempts(5), WithRetryDelay(retryDelay),
	)

	require.NoError(t, registry.Register(EventNotificationFanout, func(context.Context, *Event) error {
		return errors.New("still down")
	}))

	event := seedPendingEvent(t, store)

	var previousNextRun time.Time

	for round := 1; round <= 3; round++ {
		// Force the event due so the next claim succeeds immediately.
		store.mu.Lock()
		store.events[event.ID].NextRunAt = time.Now().UTC().Add(-time.Second)
		store.mu.Unlock()

		before := time.Now().UTC()

		require.NoError(t, dispatcher.HandleOutbox(context.Background(), event.ID))

		stored := store.get(event.ID)
		require.Equal(t, StatusPending, stored.Status)
		require.Equal(t, round, stored.Attempts)

		expectedDelay := retryDelay * time.Duration(round)
		require.False(t, stored.NextRunAt.Before(before.Add(expectedDelay)))

		if round > 1 {
			require.True(t, stored.NextRunAt.After(previousNextRun))
		}

		previousNextRun = stored.NextRunAt
	}
}

func TestHandleOutboxExhaustedAttemptsFailTerminally(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	dispatcher, registry := newTestDispatcher(t, store, newFakeQueue(),
		WithMaxAttempts(2), WithRetryDelay(time.Millisecond),
	)

	require.NoError(t, registry.Register(EventNotificationFanout, func(context.Context, *Event) error {
		return errors.New("permanent breakage")
	}))

	event := seedPendingEvent(t, store)

	// First failure: one attempt left, so retry.
	require.NoError(t, dispatcher.HandleOutbox(context.Background(), event.ID))
	require.Equal(t, StatusPending, store.get(event.ID).Status)
	require.Equal(t, 1, store.get(event.ID).Attempts)

	store.mu.Lock()
	store.events[event.ID].NextRunAt = time.Now().UTC().Add(-time.Second)
	store.mu.Unlock()

	// Second failure reaches MaxAttempts: terminal.
	require.NoError(t, dispatcher.HandleOutbox(context.Background(), event.ID))

	stored := store.get(event.ID)
	require.Equal(t, StatusFailed, stored.Status)
	require.Equal(t, 2, stored.Attempts)
	require.Contains(t, stored.LastError, "permanent breakage")

	// Terminal events are not claimable again.
	require.NoError(t, dispatcher.HandleOutbox(context.Background(), event.ID))
	require.Equal(t, StatusFailed, store.get(event.ID).Status)
	require.Equal(t, 2, store.get(event.ID).Attempts)
}

func TestHandleOutboxUnknownEventTypeSettlesProcessed(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	dispatcher, _ := newTestDispatcher(t, store, newFakeQueue())

	event := seedPendingEvent(t, store)

	require.NoError(t, dispatcher.HandleOutbox(context.Background(), event.ID))
	require.Equal(t, StatusProcessed, store.get(event.ID).Status)
}

func TestHandleOutboxMissingEventIsNoOp(t *testing.T) {
	t.Parallel()

	dispatcher, _ := newTestDispatcher(t, newFakeStore(), newFakeQueue())

	require.NoError(t, dispatcher.HandleOutbox(context.Background(), uuid.New()))
}

func TestHandleOutboxNotDueEventIsNoOp(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	dispatcher, registry := newTestDispatcher(t, store, newFakeQueue())

	handled := 0

	require.NoError(t, registry.Register(EventNotificationFanout, func(context.Context, *Event) error {
		handled++

		return nil
	}))

	event := seedPendingEvent(t, store)

	store.mu.Lock()
	store.events[event.ID].NextRunAt = time.Now().UTC().Add(time.Hour)
	store.mu.Unlock()

	require.NoError(t, dispatcher.HandleOutbox(context.Background(), event.ID))
	require.Zero(t, handled)
	require.Equal(t, StatusPending, store.get(event.ID).Status)
}

func TestDispatchPendingReenqueuesDueEvents(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	jobs := newFakeQueue()
	dispatcher, _ := newTestDispatcher(t, store, jobs)

	due := seedPendingEvent(t, store)
	notDue := seedPendingEvent(t, store)

	store.mu.Lock()
	store.events[notDue.ID].NextRunAt = time.Now().UTC().Add(time.Hour)
	store.mu.Unlock()

	swept, err := dispatcher.DispatchPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, swept)
	require.Equal(t, 1, jobs.jobCount())

	jobs.mu.Lock()
	job := jobs.jobs[0]
	jobs.mu.Unlock()

	require.Equal(t, HandleJobID(due.ID), job.ID)
	require.Equal(t, JobHandleOutbox, job.Name)
	require.Equal(t, queue.PriorityMedium, job.Priority)
}

func TestDispatchPendingDuplicateSweepsCollapseOnJobID(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	jobs := newFakeQueue()
	dispatcher, _ := newTestDispatcher(t, store, jobs)

	seedPendingEvent(t, store)

	for range 3 {
		_, err := dispatcher.DispatchPending(context.Background())
		require.NoError(t, err)
	}

	require.Equal(t, 1, jobs.jobCount())
}

func TestRegisterJobsRoutesHandlePayload(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	dispatcher, handlers := newTestDispatcher(t, store, newFakeQueue())

	handled := 0

	require.NoError(t, handlers.Register(EventNotificationFanout, func(context.Context, *Event) error {
		handled++

		return nil
	}))

	registry := queue.NewHandlerRegistry()
	require.NoError(t, dispatcher.RegisterJobs(registry))

	event := seedPendingEvent(t, store)

	raw, err := json.Marshal(handleJobPayload{EventID: event.ID})
	require.NoError(t, err)

	handler, ok := registry.Resolve(JobHandleOutbox)
	require.True(t, ok)

	require.NoError(t, handler(context.Background(), queue.Job{
		ID:      HandleJobID(event.ID),
		Name:    JobHandleOutbox,
		Payload: raw,
	}))
	require.Equal(t, 1, handled)
	require.Equal(t, StatusProcessed, store.get(event.ID).Status)
}

func TestScheduleDispatchRegistersRepeatingSweep(t *testing.T) {
	t.Parallel()

	jobs := newFakeQueue()
	dispatcher, _ := newTestDispatcher(t, newFakeStore(), jobs, WithDispatchInterval(time.Minute))

	require.NoError(t, dispatcher.ScheduleDispatch(context.Background()))

	jobs.mu.Lock()
	defer jobs.mu.Unlock()

	require.Len(t, jobs.repeats, 1)
	require.Equal(t, JobDispatchOutbox, jobs.repeats[0].ID)
	require.Equal(t, time.Minute, jobs.repeats[0].Every)
	require.Equal(t, queue.PriorityLow, jobs.repeats[0].Priority)
}

func TestRunStopsOnStop(t *testing.T) {
	t.Parallel()

	dispatcher, _ := newTestDispatcher(t, newFakeStore(), newFakeQueue(),
		WithDispatchInterval(10*time.Millisecond),
	)

	done := make(chan error, 1)

	go func() {
		done <- dispatcher.Run(context.Background())
	}()

	time.Sleep(30 * time.Millisecond)
	dispatcher.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}

	require.NoError(t, dispatcher.Shutdown(context.Background()))
}

func seedPendingEvent(t *testing.T, store *fakeStore) *Event {
	t.Helper()

	payload, err := testFanoutPayload(uuid.New()).Encode()
	require.NoError(t, err)

	event, err := NewEvent(EventNotificationFanout, payload, uuid.New())
	require.NoError(t, err)

	created, err := store.Create(context.Background(), event)
	require.NoError(t, err)

	return created
}
