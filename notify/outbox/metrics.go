package outbox

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	eventsCreated   metric.Int64Counter
	eventsProcessed metric.Int64Counter
	eventsRetried   metric.Int64Counter
	eventsFailed    metric.Int64Counter
	handleLatency   metric.Float64Histogram
	sweepDepth      metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("ack-notify.outbox.dispatcher")

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.eventsCreated, err = meter.Int64Counter(
		"outbox.events.created",
		metric.WithDescription("Number of outbox events persisted by fan-out"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.events.created counter: %w", err)
	}

	metrics.eventsProcessed, err = meter.Int64Counter(
		"outbox.events.processed",
		metric.WithDescription("Number of outbox events handled to terminal success"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.events.processed counter: %w", err)
	}

	metrics.eventsRetried, err = meter.Int64Counter(
		"outbox.events.retried",
		metric.WithDescription("Number of outbox events rescheduled for retry"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.events.retried counter: %w", err)
	}

	metrics.eventsFailed, err = meter.Int64Counter(
		"outbox.events.failed",
		metric.WithDescription("Number of outbox events failed after exhausting attempts"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.events.failed counter: %w", err)
	}

	metrics.handleLatency, err = meter.Float64Histogram(
		"outbox.handle.latency",
		metric.WithDescription("Time taken to handle one claimed outbox event"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.handle.latency histogram: %w", err)
	}

	metrics.sweepDepth, err = meter.Int64Gauge(
		"outbox.sweep.depth",
		metric.WithDescription("Number of due pending events found per reconciliation sweep"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.sweep.depth gauge: %w", err)
	}

	return metrics, nil
}
