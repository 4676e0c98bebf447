// Package bus переводит сообщения саги в транспортные сообщения шины и обратно.
// Payload передается JSON телом, идентификаторы саги и ключ идемпотентности заголовками.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/YangTris/Hotel-Microservice/framework/core"
	"github.com/YangTris/Hotel-Microservice/framework/observability"
	"github.com/YangTris/Hotel-Microservice/framework/transport"
)

// Message сообщение саги на шине
type Message struct {
	SagaID         string          `json:"sagaId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     time.Time       `json:"occurredAt"`
}

// Handler обработчик сообщения саги. Ошибка оставляет сообщение неподтвержденным.
type Handler func(ctx context.Context, msg Message) error

// Bus публикация и подписка на сообщения саги
type Bus interface {
	Publish(ctx context.Context, topic string, msg Message) error
	Subscribe(ctx context.Context, topic string, handler Handler) error
}

// Option настраивает Adapter
type Option func(*Adapter)

// WithLogger устанавливает логгер
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Adapter) { a.logger = logger }
}

// WithPublishRetry задает политику повторов публикации; nil отключает повторы
func WithPublishRetry(policy transport.RetryPolicy) Option {
	return func(a *Adapter) { a.retry = policy }
}

// Adapter реализация Bus поверх transport.MessageBus
type Adapter struct {
	transport transport.MessageBus
	retry     transport.RetryPolicy
	logger    zerolog.Logger
}

// NewAdapter создает адаптер шины саги
func NewAdapter(mb transport.MessageBus, opts ...Option) *Adapter {
	a := &Adapter{
		transport: mb,
		retry:     transport.DefaultRetryPolicy(),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Publish публикует сообщение, повторяя с backoff.
// Исчерпанные повторы возвращаются как TRANSIENT ошибка.
func (a *Adapter) Publish(ctx context.Context, topic string, msg Message) error {
	if msg.SagaID == "" || msg.IdempotencyKey == "" {
		return core.NewError(core.ErrInvalidMessage, "saga id and idempotency key are required")
	}

	headers := Headers(msg)
	observability.InjectHeaders(ctx, headers)
	publish := func(ctx context.Context) error {
		return a.transport.Publish(ctx, topic, msg.Payload, headers)
	}

	var err error
	if a.retry == nil {
		err = publish(ctx)
	} else {
		err = transport.Retry(ctx, a.retry, publish)
	}
	if err != nil {
		return core.Transient(err, fmt.Sprintf("failed to publish %s to %s", msg.Type, topic))
	}
	return nil
}

// Subscribe подписывает обработчик на топик.
// Сообщения без saga id или ключа идемпотентности невозможно адресовать, они подтверждаются и отбрасываются.
func (a *Adapter) Subscribe(ctx context.Context, topic string, handler Handler) error {
	err := a.transport.Subscribe(ctx, topic, func(ctx context.Context, tm *transport.Message) error {
		msg, err := Decode(tm)
		if err != nil {
			a.logger.Warn().Err(err).Str("topic", tm.Subject).Msg("dropping unroutable message")
			return nil
		}
		return handler(observability.ExtractHeaders(ctx, tm.Headers), msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return nil
}

// Headers заголовки транспортного сообщения
func Headers(msg Message) map[string]string {
	headers := map[string]string{
		transport.HeaderSagaID:         msg.SagaID,
		transport.HeaderIdempotencyKey: msg.IdempotencyKey,
		transport.HeaderMessageType:    msg.Type,
	}
	if !msg.OccurredAt.IsZero() {
		headers[transport.HeaderOccurredAt] = msg.OccurredAt.UTC().Format(time.RFC3339Nano)
	}
	return headers
}

// Decode собирает сообщение саги из транспортного.
// Если saga id нет в заголовках, он берется из поля sagaId payload.
func Decode(tm *transport.Message) (Message, error) {
	msg := Message{
		SagaID:         tm.Header(transport.HeaderSagaID),
		IdempotencyKey: tm.Header(transport.HeaderIdempotencyKey),
		Type:           tm.Header(transport.HeaderMessageType),
		Payload:        json.RawMessage(tm.Data),
	}

	if msg.SagaID == "" && len(tm.Data) > 0 {
		var body struct {
			SagaID string `json:"sagaId"`
		}
		if err := json.Unmarshal(tm.Data, &body); err == nil {
			msg.SagaID = body.SagaID
		}
	}
	if msg.SagaID == "" {
		return Message{}, fmt.Errorf("message on %s has no saga id", tm.Subject)
	}
	if msg.IdempotencyKey == "" {
		return Message{}, fmt.Errorf("message on %s for saga %s has no idempotency key", tm.Subject, msg.SagaID)
	}

	if at := tm.Header(transport.HeaderOccurredAt); at != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, at); err == nil {
			msg.OccurredAt = parsed
		}
	}
	return msg, nil
}
