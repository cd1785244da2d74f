package outbox

import (
	"time"

	"go.opentelemetry.io/otel/metric"
)

const (
	defaultFanoutChunkSize  = 100
	defaultPendingBatchSize = 50
	defaultMaxAttempts      = 3
	defaultRetryDelay       = 30 * time.Second
	defaultDispatchInterval = 15 * time.Second
)

// Config controls fan-out sizing, the reconciliation sweep, and the retry
// state machine.
type Config struct {
	// FanoutChunkSize is the max recipients packed into one outbox event.
	// Bulk-insert sizing belongs to the delivery handler, not here.
	FanoutChunkSize int
	// PendingBatchSize is the max events re-enqueued per DispatchPending sweep.
	PendingBatchSize int
	// MaxAttempts is the total processing attempts before an event is
	// marked FAILED.
	MaxAttempts int
	// RetryDelay is the base retry delay; the effective delay is
	// RetryDelay scaled linearly by the attempt count.
	RetryDelay time.Duration
	// DispatchInterval is the period of the repeating reconciliation sweep.
	DispatchInterval time.Duration
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultConfig returns the baseline dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		FanoutChunkSize:  defaultFanoutChunkSize,
		PendingBatchSize: defaultPendingBatchSize,
		MaxAttempts:      defaultMaxAttempts,
		RetryDelay:       defaultRetryDelay,
		DispatchInterval: defaultDispatchInterval,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.FanoutChunkSize <= 0 {
		cfg.FanoutChunkSize = defaults.FanoutChunkSize
	}

	if cfg.PendingBatchSize <= 0 {
		cfg.PendingBatchSize = defaults.PendingBatchSize
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}

	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaults.DispatchInterval
	}
}

// Option mutates dispatcher configuration at construction.
type Option func(*Dispatcher)

// WithFanoutChunkSize sets the max recipients per outbox event.
func WithFanoutChunkSize(size int) Option {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.FanoutChunkSize = size
		}
	}
}

// WithPendingBatchSize sets the max events per reconciliation sweep.
func WithPendingBatchSize(size int) Option {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.PendingBatchSize = size
		}
	}
}

// WithMaxAttempts sets total processing attempts before terminal failure.
func WithMaxAttempts(maxAttempts int) Option {
	return func(dispatcher *Dispatcher) {
		if maxAttempts > 0 {
			dispatcher.cfg.MaxAttempts = maxAttempts
		}
	}
}

// WithRetryDelay sets the base retry delay.
func WithRetryDelay(delay time.Duration) Option {
	return func(dispatcher *Dispatcher) {
		if delay > 0 {
			dispatcher.cfg.RetryDelay = delay
		}
	}
}

// WithDispatchInterval sets the reconciliation sweep period.
func WithDispatchInterval(interval time.Duration) Option {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.DispatchInterval = interval
		}
	}
}

// WithMeterProvider injects a custom meter provider for dispatcher metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.MeterProvider = provider
	}
}
