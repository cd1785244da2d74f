package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines persistence operations for outbox events.
//
// Every state transition is a conditional write guarded by the current
// status (and next_run_at on claim), so the contract is safe under
// concurrent callers across process boundaries. Implementations own the
// rows exclusively; callers never mutate event fields directly.
type Store interface {
	// Create inserts a pending event with attempts 0 and next_run_at now.
	Create(ctx context.Context, event *Event) (*Event, error)

	// FindPending returns up to limit events with status PENDING and
	// next_run_at <= now. Ordering is unspecified beyond being bounded.
	FindPending(ctx context.Context, limit int, now time.Time) ([]*Event, error)

	// FindByID returns the event or ErrEventNotFound.
	FindByID(ctx context.Context, id uuid.UUID) (*Event, error)

	// TryClaim atomically transitions PENDING -> PROCESSING when the event
	// is due. It returns false without mutation when the event is already
	// claimed, terminal, missing, or not yet due. This is the sole
	// serialization point: racing claimers get exactly one true.
	TryClaim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	// MarkProcessed transitions PROCESSING -> PROCESSED and clears last_error.
	MarkProcessed(ctx context.Context, id uuid.UUID, now time.Time) error

	// MarkRetry transitions PROCESSING -> PENDING, increments attempts,
	// records errMsg, and schedules the next claim at nextRunAt.
	MarkRetry(ctx context.Context, id uuid.UUID, now, nextRunAt time.Time, errMsg string) error

	// MarkFailed transitions PROCESSING -> FAILED, increments attempts,
	// and records errMsg. Terminal.
	MarkFailed(ctx context.Context, id uuid.UUID, now time.Time, errMsg string) error
}
