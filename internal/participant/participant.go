// Package participant содержит упрощенные сервисы Room и Payment,
// которые отвечают на команды саги через шину. Используется для локального
// запуска и сквозных тестов.
package participant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/YangTris/Hotel-Microservice/framework/core"
	"github.com/YangTris/Hotel-Microservice/internal/bus"
	"github.com/YangTris/Hotel-Microservice/internal/pkg/clock"
	"github.com/YangTris/Hotel-Microservice/internal/saga"
)

// Config поведение симулятора
type Config struct {
	// UnavailableRooms комнаты, резерв которых всегда отклоняется
	UnavailableRooms []string
	// DeclineAbove платежи больше этой суммы отклоняются; 0 принимает все
	DeclineAbove int64
}

// Option настраивает Simulator
type Option func(*Simulator)

// WithLogger устанавливает логгер
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Simulator) { s.logger = logger }
}

// WithClock устанавливает источник времени
func WithClock(c clock.Clock) Option {
	return func(s *Simulator) { s.clock = c }
}

// WithIDGenerator устанавливает генератор идентификаторов резервов и платежей
func WithIDGenerator(next func() string) Option {
	return func(s *Simulator) { s.newID = next }
}

type reply struct {
	topic string
	msg   bus.Message
}

type stay struct {
	sagaID   string
	checkIn  time.Time
	checkOut time.Time
}

// Simulator отвечает на команды саги как сервисы Room и Payment.
// Повторная команда с тем же ключом получает тот же ответ.
type Simulator struct {
	bus    bus.Bus
	config Config
	logger zerolog.Logger
	clock  clock.Clock
	newID  func() string

	mu          sync.Mutex
	unavailable map[string]struct{}
	replies     map[string]reply
	// reservations активные резервы по комнате, ключ reservation id
	reservations map[string]map[string]stay
	// released саги, резерв которых отменен без известного reservation id
	released map[string]struct{}
	running  bool
}

// New создает симулятор
func New(b bus.Bus, cfg Config, opts ...Option) *Simulator {
	s := &Simulator{
		bus:          b,
		config:       cfg,
		logger:       zerolog.Nop(),
		clock:        clock.NewRealClock(),
		newID:        uuid.NewString,
		unavailable:  make(map[string]struct{}),
		replies:      make(map[string]reply),
		reservations: make(map[string]map[string]stay),
		released:     make(map[string]struct{}),
	}
	for _, room := range cfg.UnavailableRooms {
		if room = strings.TrimSpace(room); room != "" {
			s.unavailable[room] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start подписывает симулятор на командные топики (реализация core.Lifecycle)
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	subscriptions := []struct {
		topic   string
		handler bus.Handler
	}{
		{saga.TopicReserveRoom, s.handleReserve},
		{saga.TopicCancelReservation, s.handleCancel},
		{saga.TopicChargePayment, s.handleCharge},
	}
	for _, sub := range subscriptions {
		if err := s.bus.Subscribe(ctx, sub.topic, sub.handler); err != nil {
			return fmt.Errorf("failed to subscribe simulator: %w", err)
		}
	}
	return nil
}

// Stop останавливает симулятор (реализация core.Lifecycle)
func (s *Simulator) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	return nil
}

// IsRunning проверяет, запущен ли симулятор (реализация core.Lifecycle)
func (s *Simulator) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Name возвращает имя компонента (реализация core.Component)
func (s *Simulator) Name() string {
	return "participant-simulator"
}

// Type возвращает тип компонента (реализация core.Component)
func (s *Simulator) Type() core.ComponentType {
	return core.ComponentTypeWorker
}

// Reservations возвращает число активных резервов комнаты
func (s *Simulator) Reservations(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reservations[roomID])
}

func (s *Simulator) handleReserve(ctx context.Context, msg bus.Message) error {
	var cmd saga.ReserveRoomCommand
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return fmt.Errorf("failed to decode %s: %w", msg.Type, err)
	}

	return s.respond(ctx, msg, func() (string, any) {
		if _, gone := s.released[msg.SagaID]; gone {
			return saga.TopicRoomRejected, saga.RoomReservationRejected{
				SagaID: msg.SagaID,
				Reason: "booking already cancelled",
			}
		}
		if _, closed := s.unavailable[cmd.RoomID]; closed {
			return saga.TopicRoomRejected, saga.RoomReservationRejected{
				SagaID: msg.SagaID,
				Reason: fmt.Sprintf("room %s is unavailable", cmd.RoomID),
			}
		}
		for id, st := range s.reservations[cmd.RoomID] {
			if st.checkIn.Before(cmd.CheckOut) && cmd.CheckIn.Before(st.checkOut) {
				return saga.TopicRoomRejected, saga.RoomReservationRejected{
					SagaID: msg.SagaID,
					Reason: fmt.Sprintf("room %s is already reserved (%s)", cmd.RoomID, id),
				}
			}
		}

		reservationID := "RZ-" + s.newID()
		if s.reservations[cmd.RoomID] == nil {
			s.reservations[cmd.RoomID] = make(map[string]stay)
		}
		s.reservations[cmd.RoomID][reservationID] = stay{sagaID: msg.SagaID, checkIn: cmd.CheckIn, checkOut: cmd.CheckOut}
		return saga.TopicRoomReserved, saga.RoomReservedEvent{SagaID: msg.SagaID, ReservationID: reservationID}
	})
}

func (s *Simulator) handleCancel(ctx context.Context, msg bus.Message) error {
	var cmd saga.CancelReservationCommand
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return fmt.Errorf("failed to decode %s: %w", msg.Type, err)
	}

	return s.respond(ctx, msg, func() (string, any) {
		// отмена несуществующего резерва тоже подтверждается
		if cmd.ReservationID == "" {
			s.releaseSaga(msg.SagaID)
		} else {
			s.releaseReservation(cmd.ReservationID)
		}
		return saga.TopicReservationCancelled, saga.ReservationCancelledEvent{
			SagaID:        msg.SagaID,
			ReservationID: cmd.ReservationID,
		}
	})
}

// releaseReservation снимает резерв по id. Вызывается под s.mu.
func (s *Simulator) releaseReservation(reservationID string) {
	for room, stays := range s.reservations {
		if _, ok := stays[reservationID]; ok {
			delete(stays, reservationID)
			if len(stays) == 0 {
				delete(s.reservations, room)
			}
			return
		}
	}
}

// releaseSaga снимает все резервы саги и запрещает новые. Вызывается под s.mu.
func (s *Simulator) releaseSaga(sagaID string) {
	s.released[sagaID] = struct{}{}
	for room, stays := range s.reservations {
		for id, st := range stays {
			if st.sagaID == sagaID {
				delete(stays, id)
			}
		}
		if len(stays) == 0 {
			delete(s.reservations, room)
		}
	}
}

func (s *Simulator) handleCharge(ctx context.Context, msg bus.Message) error {
	var cmd saga.ChargePaymentCommand
	if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
		return fmt.Errorf("failed to decode %s: %w", msg.Type, err)
	}

	return s.respond(ctx, msg, func() (string, any) {
		if s.config.DeclineAbove > 0 && cmd.Amount > s.config.DeclineAbove {
			return saga.TopicPaymentDeclined, saga.PaymentDeclinedEvent{
				SagaID: msg.SagaID,
				Reason: fmt.Sprintf("amount %d %s exceeds limit %d", cmd.Amount, cmd.Currency, s.config.DeclineAbove),
			}
		}
		return saga.TopicPaymentConfirmed, saga.PaymentConfirmedEvent{
			SagaID:    msg.SagaID,
			PaymentID: "PZ-" + s.newID(),
		}
	})
}

// respond вычисляет ответ один раз на ключ команды и публикует его.
// Ответ публикуется без удержания блокировки: синхронная шина может
// доставить следующую команду в этот же симулятор.
func (s *Simulator) respond(ctx context.Context, cmd bus.Message, decide func() (string, any)) error {
	s.mu.Lock()
	r, seen := s.replies[cmd.IdempotencyKey]
	if !seen {
		topic, body := decide()
		payload, err := json.Marshal(body)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("failed to encode reply to %s: %w", cmd.Type, err)
		}
		r = reply{
			topic: topic,
			msg: bus.Message{
				SagaID:         cmd.SagaID,
				IdempotencyKey: cmd.IdempotencyKey + ":reply",
				Type:           replyType(body),
				Payload:        payload,
				OccurredAt:     s.clock.Now(),
			},
		}
		s.replies[cmd.IdempotencyKey] = r
	}
	s.mu.Unlock()

	log := s.logger.With().
		Str("saga_id", cmd.SagaID).
		Str("command", cmd.Type).
		Str("reply", r.topic).
		Logger()
	if seen {
		log.Debug().Msg("repeating reply to duplicate command")
	} else {
		log.Info().Msg("participant replied")
	}

	return s.bus.Publish(ctx, r.topic, r.msg)
}

func replyType(body any) string {
	if ev, ok := body.(saga.Event); ok {
		return string(ev.Kind())
	}
	return fmt.Sprintf("%T", body)
}
