package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// EventHandler handles one claimed outbox event.
type EventHandler func(ctx context.Context, event *Event) error

// HandlerRegistry stores event handlers by event type. Unknown types are
// not an error at this level; the dispatcher treats them as
// forward-compatible no-ops.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[EventType]EventHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[EventType]EventHandler{}}
}

func (registry *HandlerRegistry) Register(eventType EventType, handler EventHandler) error {
	if registry == nil {
		return ErrHandlerRegistryRequired
	}

	normalizedType := EventType(strings.TrimSpace(string(eventType)))
	if normalizedType == "" {
		return ErrEventTypeRequired
	}

	if handler == nil {
		return ErrEventHandlerRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.handlers == nil {
		registry.handlers = make(map[EventType]EventHandler)
	}

	if _, exists := registry.handlers[normalizedType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, normalizedType)
	}

	registry.handlers[normalizedType] = handler

	return nil
}

// Resolve returns the handler for eventType, or false when none is
// registered.
func (registry *HandlerRegistry) Resolve(eventType EventType) (EventHandler, bool) {
	if registry == nil {
		return nil, false
	}

	normalizedType := EventType(strings.TrimSpace(string(eventType)))

	registry.mu.RLock()
	handler, ok := registry.handlers[normalizedType]
	registry.mu.RUnlock()

	return handler, ok
}
