package outbox

import "fmt"

const (
	StatusPendingRaw    = "PENDING"
	StatusProcessingRaw = "PROCESSING"
	StatusProcessedRaw  = "PROCESSED"
	StatusFailedRaw     = "FAILED"
)

// Status represents a valid outbox event lifecycle state.
type Status string

const (
	StatusPending    Status = StatusPendingRaw
	StatusProcessing Status = StatusProcessingRaw
	StatusProcessed  Status = StatusProcessedRaw
	StatusFailed     Status = StatusFailedRaw
)

// ParseStatus validates and converts a raw string status.
func ParseStatus(raw string) (Status, error) {
	status := Status(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status Status) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusProcessed, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status permits no further transition.
func (status Status) IsTerminal() bool {
	return status == StatusProcessed || status == StatusFailed
}

// CanTransitionTo reports whether a transition from status to next is
// allowed. PENDING only ever enters PROCESSING (the claim); PROCESSING
// exits to PROCESSED (success), back to PENDING (retry), or FAILED
// (attempts exhausted). PROCESSED and FAILED are terminal.
func (status Status) CanTransitionTo(next Status) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessed || next == StatusPending || next == StatusFailed
	case StatusProcessed, StatusFailed:
		return false
	default:
		return false
	}
}

// ValidateTransition validates a status transition using typed lifecycle rules.
func ValidateTransition(fromRaw, toRaw string) error {
	from, err := ParseStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}

	return nil
}

func (status Status) String() string {
	return string(status)
}
