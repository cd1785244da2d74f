package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrClientRequired     = errors.New("redis client is required")
	ErrJobIDRequired      = errors.New("job id is required")
	ErrJobNameRequired    = errors.New("job name is required")
	ErrIntervalRequired   = errors.New("repeat interval must be greater than zero")
	ErrHandlerRequired    = errors.New("job handler is required")
	ErrHandlerRegistered  = errors.New("job handler already registered")
	ErrWorkerRunning      = errors.New("queue worker is already running")
	ErrUnknownJob         = errors.New("no handler registered for job")
)

// Priority orders competing ready jobs. Higher priorities are always
// drained first within one poll cycle.
type Priority int8

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (priority Priority) String() string {
	switch priority {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Job is one unit of work handed to the queue. ID doubles as the
// deduplication key: enqueueing a second job with the same ID while the
// first is still queued or running collapses silently.
type Job struct {
	ID       string
	Name     string
	Payload  json.RawMessage
	Priority Priority
	Delay    time.Duration
}

// RepeatJob is a fixed-interval job. Registering the same ID again is a
// no-op, so callers may re-register on every boot.
type RepeatJob struct {
	ID       string
	Name     string
	Payload  json.RawMessage
	Every    time.Duration
	Priority Priority
}

// Enqueuer is the producer-facing side of the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
	EnqueueRepeating(ctx context.Context, job RepeatJob) error
}

// Handler consumes one delivered job. Errors are logged, never retried by
// the queue itself.
type Handler func(ctx context.Context, job Job) error

// HandlerRegistry stores job handlers by job name.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string]Handler{}}
}

func (registry *HandlerRegistry) Register(name string, handler Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrJobNameRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.handlers == nil {
		registry.handlers = make(map[string]Handler)
	}

	if _, exists := registry.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerRegistered, name)
	}

	registry.handlers[name] = handler

	return nil
}

func (registry *HandlerRegistry) Resolve(name string) (Handler, bool) {
	registry.mu.RLock()
	handler, ok := registry.handlers[strings.TrimSpace(name)]
	registry.mu.RUnlock()

	return handler, ok
}

func validateJob(job Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return ErrJobIDRequired
	}

	if strings.TrimSpace(job.Name) == "" {
		return ErrJobNameRequired
	}

	return nil
}

func validateRepeatJob(job RepeatJob) error {
	if strings.TrimSpace(job.ID) == "" {
		return ErrJobIDRequired
	}

	if strings.TrimSpace(job.Name) == "" {
		return ErrJobNameRequired
	}

	if job.Every <= 0 {
		return ErrIntervalRequired
	}

	return nil
}
