package orchestrator

import (
	"context"
	"time"

	"github.com/YangTris/Hotel-Microservice/framework/core"
	"github.com/YangTris/Hotel-Microservice/framework/observability"
	"github.com/YangTris/Hotel-Microservice/internal/bus"
	"github.com/YangTris/Hotel-Microservice/internal/saga"
)

// dispatch публикует намерения outbox по порядку и отмечает опубликованные.
// Публикация останавливается на первой ошибке, чтобы не нарушать порядок.
func (o *Orchestrator) dispatch(ctx context.Context, s *saga.BookingSaga) error {
	if len(s.Outbox) == 0 {
		return nil
	}

	sent := make([]string, 0, len(s.Outbox))
	var failure error

	for _, intent := range s.Outbox {
		slot := s.ID + "|" + intent.Key
		if _, busy := o.inflight.LoadOrStore(slot, struct{}{}); busy {
			continue
		}

		started := time.Now()
		msg := bus.Message{
			SagaID:         s.ID,
			IdempotencyKey: intent.Key,
			Type:           intent.Type,
			Payload:        intent.Payload,
			OccurredAt:     o.clock.Now(),
		}
		err := observability.TraceDispatch(ctx, s.ID, intent.Topic, func(ctx context.Context) error {
			return o.bus.Publish(ctx, intent.Topic, msg)
		})
		o.inflight.Delete(slot)
		o.metrics.RecordDispatch(ctx, intent.Topic, time.Since(started), err == nil)

		if err != nil {
			failure = err
			o.sagaLogger(s).Warn().
				Err(err).
				Str("topic", intent.Topic).
				Str("key", intent.Key).
				Msg("publish failed, intent stays in outbox")
			break
		}
		sent = append(sent, intent.Key)
	}

	if len(sent) > 0 {
		if err := o.store.MarkDispatched(ctx, s.ID, sent); err != nil {
			// намерения уже опубликованы; повторная публикация идемпотентна
			o.sagaLogger(s).Warn().Err(err).Strs("keys", sent).Msg("failed to mark intents dispatched")
		}
	}

	if failure != nil {
		return core.Transient(failure, "failed to dispatch saga outbox")
	}
	return nil
}

// RedispatchPending публикует намерения, оставшиеся в outbox после сбоя.
// Возвращает число саг, outbox которых опубликован полностью.
func (o *Orchestrator) RedispatchPending(ctx context.Context) (int, error) {
	pending, err := o.store.ListUndispatched(ctx, o.config.ScanLimit)
	if err != nil {
		return 0, core.Transient(err, "failed to list undispatched sagas")
	}

	done := 0
	var first error
	for _, s := range pending {
		if err := o.dispatch(ctx, s); err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		done++
	}
	if len(pending) > 0 {
		o.logger.Info().Int("sagas", len(pending)).Int("dispatched", done).Msg("outbox scan finished")
	}
	return done, first
}

// RearmTimeouts перевзводит дедлайны ожидающих саг.
// Уже просроченные дедлайны сразу доставляются как Timeout.
func (o *Orchestrator) RearmTimeouts(ctx context.Context) (int, error) {
	parked, err := o.store.ListParked(ctx, o.config.ScanLimit)
	if err != nil {
		return 0, core.Transient(err, "failed to list parked sagas")
	}

	now := o.clock.Now()
	rearmed := 0
	var first error
	for _, s := range parked {
		if s.Deadline.After(now) {
			o.timeouts.Schedule(s.ID, s.State, s.Deadline)
			rearmed++
			continue
		}
		if err := o.FireTimeout(ctx, s.ID, saga.Timeout{State: s.State, Deadline: s.Deadline}); err != nil {
			o.sagaLogger(s).Warn().Err(err).Msg("overdue timeout delivery failed")
			if first == nil {
				first = err
			}
			continue
		}
		rearmed++
	}
	return rearmed, first
}
