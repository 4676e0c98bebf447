// Package metrics предоставляет систему метрик саги на основе OpenTelemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics сборщик метрик оркестратора
type Metrics struct {
	meter            metric.Meter
	transitionsTotal metric.Int64Counter
	duplicatesTotal  metric.Int64Counter
	discardedTotal   metric.Int64Counter
	conflictsTotal   metric.Int64Counter
	dispatchTotal    metric.Int64Counter
	dispatchDuration metric.Float64Histogram
	terminalTotal    metric.Int64Counter
	timeoutsTotal    metric.Int64Counter
	transportTotal   metric.Int64Counter
	parkedSagas      metric.Int64UpDownCounter
}

// NewMetrics создает сборщик метрик на глобальном MeterProvider
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter("booking-saga"))
}

// NewMetricsWithMeter создает сборщик метрик на переданном meter
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	var err error

	if m.transitionsTotal, err = meter.Int64Counter(
		"saga_transitions_total",
		metric.WithDescription("Total number of committed saga transitions"),
	); err != nil {
		return nil, err
	}

	if m.duplicatesTotal, err = meter.Int64Counter(
		"saga_duplicates_total",
		metric.WithDescription("Total number of events dropped by idempotency key"),
	); err != nil {
		return nil, err
	}

	if m.discardedTotal, err = meter.Int64Counter(
		"saga_discarded_total",
		metric.WithDescription("Total number of events without a matching transition"),
	); err != nil {
		return nil, err
	}

	if m.conflictsTotal, err = meter.Int64Counter(
		"saga_conflicts_total",
		metric.WithDescription("Total number of optimistic concurrency conflicts"),
	); err != nil {
		return nil, err
	}

	if m.dispatchTotal, err = meter.Int64Counter(
		"saga_dispatch_total",
		metric.WithDescription("Total number of side effects published"),
	); err != nil {
		return nil, err
	}

	if m.dispatchDuration, err = meter.Float64Histogram(
		"saga_dispatch_duration_seconds",
		metric.WithDescription("Side effect publish duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.terminalTotal, err = meter.Int64Counter(
		"saga_terminal_total",
		metric.WithDescription("Total number of sagas reaching a terminal state"),
	); err != nil {
		return nil, err
	}

	if m.timeoutsTotal, err = meter.Int64Counter(
		"saga_timeouts_total",
		metric.WithDescription("Total number of synthetic timeout events fired"),
	); err != nil {
		return nil, err
	}

	if m.transportTotal, err = meter.Int64Counter(
		"transport_messages_total",
		metric.WithDescription("Total number of messages handled by bus adapters"),
	); err != nil {
		return nil, err
	}

	if m.parkedSagas, err = meter.Int64UpDownCounter(
		"saga_parked",
		metric.WithDescription("Number of sagas waiting for a deadline"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordTransition записывает закоммиченный переход
func (m *Metrics) RecordTransition(ctx context.Context, from, to, event string) {
	if m == nil {
		return
	}
	m.transitionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("event", event),
	))
}

// RecordDuplicate записывает событие, отброшенное по ключу идемпотентности
func (m *Metrics) RecordDuplicate(ctx context.Context, event string) {
	if m == nil {
		return
	}
	m.duplicatesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordDiscarded записывает событие без подходящего перехода
func (m *Metrics) RecordDiscarded(ctx context.Context, state, event string) {
	if m == nil {
		return
	}
	m.discardedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", state),
		attribute.String("event", event),
	))
}

// RecordConflict записывает конфликт версий
func (m *Metrics) RecordConflict(ctx context.Context) {
	if m == nil {
		return
	}
	m.conflictsTotal.Add(ctx, 1)
}

// RecordDispatch записывает публикацию side effect
func (m *Metrics) RecordDispatch(ctx context.Context, topic string, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.Bool("success", success),
	)
	m.dispatchTotal.Add(ctx, 1, attrs)
	m.dispatchDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordTerminal записывает переход саги в терминальное состояние
func (m *Metrics) RecordTerminal(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.terminalTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordTimeout записывает срабатывание таймаута
func (m *Metrics) RecordTimeout(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.timeoutsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordTransport записывает обработку сообщения адаптером шины
func (m *Metrics) RecordTransport(ctx context.Context, transportName, direction string, success bool) {
	if m == nil {
		return
	}
	m.transportTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transportName),
		attribute.String("direction", direction),
		attribute.Bool("success", success),
	))
}

// AddParked изменяет число саг, ожидающих дедлайна
func (m *Metrics) AddParked(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.parkedSagas.Add(ctx, delta)
}
