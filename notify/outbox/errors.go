package outbox

import "errors"

var (
	ErrEventRequired            = errors.New("outbox event is required")
	ErrEventNotFound            = errors.New("outbox event not found")
	ErrStoreRequired            = errors.New("outbox store is required")
	ErrQueueRequired            = errors.New("job queue is required")
	ErrDispatcherRequired       = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning        = errors.New("outbox dispatcher is already running")
	ErrEventPayloadRequired     = errors.New("outbox event payload is required")
	ErrEventPayloadTooLarge     = errors.New("outbox event payload exceeds maximum allowed size")
	ErrEventPayloadNotJSON      = errors.New("outbox event payload must be valid JSON")
	ErrHandlerRegistryRequired  = errors.New("handler registry is required")
	ErrEventTypeRequired        = errors.New("event type is required")
	ErrEventHandlerRequired     = errors.New("event handler is required")
	ErrHandlerAlreadyRegistered = errors.New("event handler already registered")
	ErrStatusInvalid            = errors.New("invalid outbox status")
	ErrTransitionInvalid        = errors.New("invalid outbox status transition")
	ErrPayloadKindRequired      = errors.New("fanout payload kind is required")
	ErrPayloadTitleRequired     = errors.New("fanout payload title is required")
)
