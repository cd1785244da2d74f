package outbox

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// FanoutPayload is the notification.fanout event payload: one notification
// replicated to a set of recipients. By the time a payload reaches a
// handler its UserIDs list has already been chunked to a bounded size by
// the dispatcher; handlers must not rely on that and re-chunk before
// bulk writes.
type FanoutPayload struct {
	UserIDs   []uuid.UUID    `json:"userIds"`
	Kind      string         `json:"kind"`
	Title     string         `json:"title"`
	Body      string         `json:"body,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedBy uuid.UUID      `json:"createdBy"`
}

// Validate checks the payload fields that never make sense to dispatch.
// An empty UserIDs list is deliberately not an error here: fan-out to
// nobody is a valid no-op handled by the dispatcher.
func (payload FanoutPayload) Validate() error {
	if strings.TrimSpace(payload.Kind) == "" {
		return ErrPayloadKindRequired
	}

	if strings.TrimSpace(payload.Title) == "" {
		return ErrPayloadTitleRequired
	}

	return nil
}

// WithUserIDs returns a copy of the payload targeting only the given
// recipients.
func (payload FanoutPayload) WithUserIDs(userIDs []uuid.UUID) FanoutPayload {
	clone := payload
	clone.UserIDs = userIDs

	return clone
}

// Encode marshals the payload for storage in an outbox event.
func (payload FanoutPayload) Encode() (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding fanout payload: %w", err)
	}

	return raw, nil
}

// DecodeFanoutPayload unmarshals a notification.fanout event payload.
func DecodeFanoutPayload(raw json.RawMessage) (FanoutPayload, error) {
	var payload FanoutPayload

	if err := json.Unmarshal(raw, &payload); err != nil {
		return FanoutPayload{}, fmt.Errorf("decoding fanout payload: %w", err)
	}

	return payload, nil
}
