package observability

import (
	"context"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsManager holds the relay's metric instruments.
type MetricsManager struct {
	meter metric.Meter

	// Relay metrics
	eventsIngestedTotal  metric.Int64Counter
	eventsBroadcastTotal metric.Int64Counter
	eventsDroppedTotal   metric.Int64Counter
	connectedClients     metric.Int64UpDownCounter

	// Dispatch metrics
	dispatchDuration metric.Float64Histogram
	dispatchErrors   metric.Int64Counter

	// System metrics
	goGoroutines         metric.Int64UpDownCounter
	goMemstatsAllocBytes metric.Int64UpDownCounter
}

func NewMetricsManager(meter metric.Meter) (*MetricsManager, error) {
	mm := &MetricsManager{meter: meter}

	var err error

	mm.eventsIngestedTotal, err = meter.Int64Counter(
		"relay_events_ingested_total",
		metric.WithDescription("Events accepted by the relay ingestion endpoint"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.eventsBroadcastTotal, err = meter.Int64Counter(
		"relay_events_broadcast_total",
		metric.WithDescription("Event deliveries fanned out to connected clients"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.eventsDroppedTotal, err = meter.Int64Counter(
		"relay_events_dropped_total",
		metric.WithDescription("Event deliveries dropped because a client could not keep up"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.connectedClients, err = meter.Int64UpDownCounter(
		"relay_connected_clients",
		metric.WithDescription("Currently connected real-time clients"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.dispatchDuration, err = meter.Float64Histogram(
		"dispatch_duration_seconds",
		metric.WithDescription("Backend dispatch round-trip duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mm.dispatchErrors, err = meter.Int64Counter(
		"dispatch_errors_total",
		metric.WithDescription("Backend dispatch failures"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.goGoroutines, err = meter.Int64UpDownCounter(
		"go_goroutines",
		metric.WithDescription("Number of goroutines that currently exist"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	mm.goMemstatsAllocBytes, err = meter.Int64UpDownCounter(
		"go_memstats_alloc_bytes",
		metric.WithDescription("Number of bytes allocated and still in use"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return mm, nil
}

func (mm *MetricsManager) IncrementEventsIngested(ctx context.Context, channel string) {
	mm.eventsIngestedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
	))
}

func (mm *MetricsManager) IncrementEventsBroadcast(ctx context.Context, channel string) {
	mm.eventsBroadcastTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
	))
}

func (mm *MetricsManager) IncrementEventsDropped(ctx context.Context, channel, reason string) {
	mm.eventsDroppedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("reason", reason),
	))
}

func (mm *MetricsManager) AddConnectedClients(ctx context.Context, delta int64) {
	mm.connectedClients.Add(ctx, delta)
}

func (mm *MetricsManager) RecordDispatchDuration(ctx context.Context, endpoint string, duration time.Duration) {
	mm.dispatchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

func (mm *MetricsManager) IncrementDispatchErrors(ctx context.Context, endpoint, reason string) {
	mm.dispatchErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("reason", reason),
	))
}

func (mm *MetricsManager) UpdateSystemMetrics(ctx context.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mm.goGoroutines.Add(ctx, int64(runtime.NumGoroutine()))
	mm.goMemstatsAllocBytes.Add(ctx, int64(m.Alloc))
}

// StartTimer returns a stop function recording dispatch duration for the
// endpoint it is given.
func (mm *MetricsManager) StartTimer() func(ctx context.Context, endpoint string) {
	start := time.Now()
	return func(ctx context.Context, endpoint string) {
		mm.RecordDispatchDuration(ctx, endpoint, time.Since(start))
	}
}

// MetricsTicker periodically samples system metrics.
type MetricsTicker struct {
	ctx            context.Context
	metricsManager *MetricsManager
	ticker         *time.Ticker
	done           chan struct{}
}

func NewMetricsTicker(ctx context.Context, metricsManager *MetricsManager) *MetricsTicker {
	return &MetricsTicker{
		ctx:            ctx,
		metricsManager: metricsManager,
		ticker:         time.NewTicker(30 * time.Second),
		done:           make(chan struct{}),
	}
}

func (m *MetricsTicker) Start() {
	go func() {
		defer m.ticker.Stop()
		for {
			select {
			case <-m.ticker.C:
				m.metricsManager.UpdateSystemMetrics(m.ctx)
			case <-m.ctx.Done():
				return
			case <-m.done:
				return
			}
		}
	}()
}

func (m *MetricsTicker) Stop() {
	close(m.done)
}
