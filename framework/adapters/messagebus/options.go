// Package messagebus предоставляет адаптеры для различных message brokers.
package messagebus

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/YangTris/Hotel-Microservice/framework/metrics"
	"github.com/YangTris/Hotel-Microservice/framework/transport"
)

// Option настраивает общие зависимости адаптера
type Option func(*options)

type options struct {
	logger  zerolog.Logger
	metrics *metrics.Metrics
	retry   transport.RetryPolicy
}

func newOptions(name string, opts []Option) options {
	o := options{
		logger: zerolog.Nop(),
		retry:  transport.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With().Str("adapter", name).Logger()
	return o
}

// WithLogger устанавливает логгер адаптера
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics устанавливает метрики транспорта
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithHandlerRetry задает политику локальной передоставки при ошибке обработчика.
// nil отключает повторы.
func WithHandlerRetry(policy transport.RetryPolicy) Option {
	return func(o *options) { o.retry = policy }
}

// deliver вызывает обработчик и повторяет его по политике.
// Итоговая ошибка означает, что сообщение не подтверждается.
func (o *options) deliver(ctx context.Context, transportName string, handler transport.MessageHandler, msg *transport.Message) error {
	var err error
	if o.retry == nil {
		err = handler(ctx, msg)
	} else {
		err = transport.Retry(ctx, o.retry, func(ctx context.Context) error {
			return handler(ctx, msg)
		})
	}

	o.metrics.RecordTransport(ctx, transportName, "consume", err == nil)
	if err != nil {
		o.logger.Warn().
			Err(err).
			Str("subject", msg.Subject).
			Str("idempotency_key", msg.Header(transport.HeaderIdempotencyKey)).
			Msg("message handler failed, message left unacknowledged")
	}
	return err
}

func (o *options) published(ctx context.Context, transportName, subject string, err error) {
	o.metrics.RecordTransport(ctx, transportName, "publish", err == nil)
	if err != nil {
		o.logger.Debug().Err(err).Str("subject", subject).Msg("publish failed")
	}
}

// copyHeaders копирует заголовки, чтобы адаптер не делил map с вызывающим
func copyHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
