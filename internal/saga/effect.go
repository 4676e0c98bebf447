package saga

import (
	"encoding/json"
	"fmt"
	"time"
)

// Топики исходящих команд и событий
const (
	TopicReserveRoom       = "booking.room.reserve"
	TopicCancelReservation = "booking.room.cancel"
	TopicChargePayment     = "booking.payment.charge"
	TopicBookingConfirmed  = "booking.confirmed"
	TopicBookingFailed     = "booking.failed"
	TopicAlertOperator     = "booking.alert"
)

// Топики входящих событий от Room и Payment сервисов
const (
	TopicRoomReserved         = "room.reserved"
	TopicRoomRejected         = "room.rejected"
	TopicReservationCancelled = "room.cancelled"
	TopicCancellationFailed   = "room.cancel_failed"
	TopicPaymentConfirmed     = "payment.confirmed"
	TopicPaymentDeclined      = "payment.declined"
)

// InboundTopics сопоставляет входящие топики с типом события
var InboundTopics = map[string]EventKind{
	TopicRoomReserved:         KindRoomReserved,
	TopicRoomRejected:         KindRoomReservationRejected,
	TopicReservationCancelled: KindReservationCancelled,
	TopicCancellationFailed:   KindCompensationFailed,
	TopicPaymentConfirmed:     KindPaymentConfirmed,
	TopicPaymentDeclined:      KindPaymentDeclined,
}

// SideEffect исходящая команда или событие, порожденное переходом
type SideEffect interface {
	// Topic куда публикуется сообщение
	Topic() string
	// Type имя типа на проводе
	Type() string
	// Key детерминированный ключ идемпотентности внутри саги
	Key() string
	sealedEffect()
}

// ReserveRoomCommand запрос резерва номера
type ReserveRoomCommand struct {
	SagaID   string    `json:"sagaId"`
	RoomID   string    `json:"roomId"`
	CheckIn  time.Time `json:"checkIn"`
	CheckOut time.Time `json:"checkOut"`
}

// CancelReservationCommand компенсация резерва. ReservationID может быть пустым,
// если резерв не был подтвержден к моменту отмены.
// Retry номер повторной попытки, 0 для первой отправки.
type CancelReservationCommand struct {
	SagaID        string `json:"sagaId"`
	ReservationID string `json:"reservationId"`
	Retry         int    `json:"retry,omitempty"`
}

// ChargePaymentCommand запрос списания оплаты
type ChargePaymentCommand struct {
	SagaID     string `json:"sagaId"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	BookingRef string `json:"bookingRef"`
}

// BookingConfirmedEvent бронирование подтверждено
type BookingConfirmedEvent struct {
	SagaID        string `json:"sagaId"`
	ReservationID string `json:"reservationId"`
	PaymentID     string `json:"paymentId"`
}

// BookingFailedEvent бронирование не состоялось
type BookingFailedEvent struct {
	SagaID string `json:"sagaId"`
	Reason string `json:"reason"`
}

// AlertOperatorEvent требуется ручное вмешательство
type AlertOperatorEvent struct {
	SagaID string `json:"sagaId"`
	Reason string `json:"reason"`
}

func (ReserveRoomCommand) Topic() string       { return TopicReserveRoom }
func (CancelReservationCommand) Topic() string { return TopicCancelReservation }
func (ChargePaymentCommand) Topic() string     { return TopicChargePayment }
func (BookingConfirmedEvent) Topic() string    { return TopicBookingConfirmed }
func (BookingFailedEvent) Topic() string       { return TopicBookingFailed }
func (AlertOperatorEvent) Topic() string       { return TopicAlertOperator }

func (ReserveRoomCommand) Type() string       { return "ReserveRoomCommand" }
func (CancelReservationCommand) Type() string { return "CancelReservationCommand" }
func (ChargePaymentCommand) Type() string     { return "ChargePaymentCommand" }
func (BookingConfirmedEvent) Type() string    { return "BookingConfirmedEvent" }
func (BookingFailedEvent) Type() string       { return "BookingFailedEvent" }
func (AlertOperatorEvent) Type() string       { return "AlertOperatorEvent" }

func (c ReserveRoomCommand) Key() string { return c.SagaID + ":reserve-room" }

// StepKey ключ шага компенсации, общий для всех попыток
func (c CancelReservationCommand) StepKey() string {
	return fmt.Sprintf("%s:cancel-reservation:%s", c.SagaID, c.ReservationID)
}

// Key ключ конкретной попытки: повтор получает свой ключ, иначе участник
// с дедупликацией вернет прошлый ответ вместо новой попытки
func (c CancelReservationCommand) Key() string {
	if c.Retry == 0 {
		return c.StepKey()
	}
	return fmt.Sprintf("%s:retry-%d", c.StepKey(), c.Retry)
}

func (c ChargePaymentCommand) Key() string  { return c.SagaID + ":charge-payment" }
func (e BookingConfirmedEvent) Key() string { return e.SagaID + ":booking-confirmed" }
func (e BookingFailedEvent) Key() string    { return e.SagaID + ":booking-failed" }
func (e AlertOperatorEvent) Key() string    { return e.SagaID + ":alert-operator" }

func (ReserveRoomCommand) sealedEffect()       {}
func (CancelReservationCommand) sealedEffect() {}
func (ChargePaymentCommand) sealedEffect()     {}
func (BookingConfirmedEvent) sealedEffect()    {}
func (BookingFailedEvent) sealedEffect()       {}
func (AlertOperatorEvent) sealedEffect()       {}

// Intent намерение опубликовать side effect, сохраняемое вместе с состоянием (outbox)
type Intent struct {
	Key     string          `json:"key"`
	Topic   string          `json:"topic"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewIntent сериализует side effect в outbox запись
func NewIntent(effect SideEffect) (Intent, error) {
	payload, err := json.Marshal(effect)
	if err != nil {
		return Intent{}, fmt.Errorf("failed to marshal %s: %w", effect.Type(), err)
	}
	return Intent{
		Key:     effect.Key(),
		Topic:   effect.Topic(),
		Type:    effect.Type(),
		Payload: payload,
	}, nil
}
