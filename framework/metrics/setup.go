// Package metrics предоставляет функции для настройки системы метрик.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// MetricsConfig конфигурация метрик
type MetricsConfig struct {
	ExporterType  string // "prometheus", "none"
	ResourceAttrs map[string]string
}

// Setup результат настройки метрик
type Setup struct {
	Provider *metric.MeterProvider
	// Handler отдает метрики в формате Prometheus, nil для exporter "none"
	Handler http.Handler
}

// SetupMetrics настраивает экспорт метрик и регистрирует глобальный MeterProvider
func SetupMetrics(config *MetricsConfig) (*Setup, error) {
	if config == nil {
		config = &MetricsConfig{ExporterType: "prometheus"}
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(buildResourceAttributes(config.ResourceAttrs)...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	opts := []metric.Option{metric.WithResource(res)}
	setup := &Setup{}

	switch config.ExporterType {
	case "prometheus":
		registry := promclient.NewRegistry()
		exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		opts = append(opts, metric.WithReader(exporter))
		setup.Handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	case "none", "":
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", config.ExporterType)
	}

	setup.Provider = metric.NewMeterProvider(opts...)
	otel.SetMeterProvider(setup.Provider)

	return setup, nil
}

// buildResourceAttributes строит resource attributes
func buildResourceAttributes(attrs map[string]string) []attribute.KeyValue {
	result := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		result = append(result, attribute.String(k, v))
	}
	return result
}

// ShutdownMetrics корректно завершает работу метрик
func ShutdownMetrics(ctx context.Context, setup *Setup) error {
	if setup == nil || setup.Provider == nil {
		return nil
	}
	return setup.Provider.Shutdown(ctx)
}
