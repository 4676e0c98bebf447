package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/YangTris/Hotel-Microservice/framework/core"
	"github.com/YangTris/Hotel-Microservice/internal/bus"
	"github.com/YangTris/Hotel-Microservice/internal/saga"
)

// Subscribe подписывает оркестратор на все входящие топики участников
func (o *Orchestrator) Subscribe(ctx context.Context) error {
	topics := make([]string, 0, len(saga.InboundTopics))
	for topic := range saga.InboundTopics {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	for _, topic := range topics {
		if err := o.bus.Subscribe(ctx, topic, o.inboundHandler(saga.InboundTopics[topic])); err != nil {
			return fmt.Errorf("failed to subscribe orchestrator: %w", err)
		}
	}
	return nil
}

// inboundHandler декодирует payload события и передает его в Handle
func (o *Orchestrator) inboundHandler(kind saga.EventKind) bus.Handler {
	return func(ctx context.Context, msg bus.Message) error {
		ev, err := saga.DecodeEvent(kind, msg.Payload)
		if err != nil {
			o.logger.Error().
				Err(err).
				Str("saga_id", msg.SagaID).
				Str("key", msg.IdempotencyKey).
				Msg("failed to decode inbound event")
			return err
		}
		err = o.Handle(ctx, saga.Inbound{
			SagaID: msg.SagaID,
			Key:    msg.IdempotencyKey,
			At:     o.clock.Now(),
			Event:  ev,
		})
		if core.CodeOf(err) == core.ErrNotFound {
			// повторная доставка не создаст сагу, сообщение подтверждается
			o.logger.Warn().Err(err).Str("saga_id", msg.SagaID).Msg("event for unknown saga dropped")
			return nil
		}
		return err
	}
}
