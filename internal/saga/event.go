package saga

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEvent событие не проходит проверку и не может быть применено
var ErrInvalidEvent = errors.New("invalid saga event")

// EventKind тег варианта входящего события
type EventKind string

const (
	KindBookingStarted          EventKind = "BookingStarted"
	KindRoomReserved            EventKind = "RoomReservedEvent"
	KindRoomReservationRejected EventKind = "RoomReservationRejected"
	KindPaymentConfirmed        EventKind = "PaymentConfirmedEvent"
	KindPaymentDeclined         EventKind = "PaymentDeclinedEvent"
	KindReservationCancelled    EventKind = "ReservationCancelledEvent"
	KindCompensationFailed      EventKind = "CompensationFailed"
	KindTimeout                 EventKind = "Timeout"
	KindCancelRequested         EventKind = "CancelRequested"
)

// Event входящее событие саги. Набор вариантов закрыт: реализации есть только в этом пакете.
type Event interface {
	Kind() EventKind
	Validate() error
	sealedEvent()
}

// BookingStarted запускает сагу из Initiated
type BookingStarted struct{}

// RoomReservedEvent номер зарезервирован
type RoomReservedEvent struct {
	SagaID        string `json:"sagaId"`
	ReservationID string `json:"reservationId"`
}

// RoomReservationRejected Room сервис отказал в резерве
type RoomReservationRejected struct {
	SagaID string `json:"sagaId"`
	Reason string `json:"reason"`
}

// PaymentConfirmedEvent оплата списана
type PaymentConfirmedEvent struct {
	SagaID    string `json:"sagaId"`
	PaymentID string `json:"paymentId"`
}

// PaymentDeclinedEvent оплата отклонена
type PaymentDeclinedEvent struct {
	SagaID string `json:"sagaId"`
	Reason string `json:"reason"`
}

// ReservationCancelledEvent подтверждение отмены резерва (CancelAck)
type ReservationCancelledEvent struct {
	SagaID        string `json:"sagaId"`
	ReservationID string `json:"reservationId"`
}

// CompensationFailed Room сервис не смог отменить резерв
type CompensationFailed struct {
	SagaID string `json:"sagaId"`
	Reason string `json:"reason"`
}

// Timeout синтетическое событие истечения дедлайна.
// State и Deadline фиксируют, для какого ожидания таймер был взведен.
type Timeout struct {
	State    State     `json:"state"`
	Deadline time.Time `json:"deadline"`
}

// CancelRequested отмена бронирования пользователем
type CancelRequested struct {
	Reason string `json:"reason"`
}

func (BookingStarted) Kind() EventKind            { return KindBookingStarted }
func (RoomReservedEvent) Kind() EventKind         { return KindRoomReserved }
func (RoomReservationRejected) Kind() EventKind   { return KindRoomReservationRejected }
func (PaymentConfirmedEvent) Kind() EventKind     { return KindPaymentConfirmed }
func (PaymentDeclinedEvent) Kind() EventKind      { return KindPaymentDeclined }
func (ReservationCancelledEvent) Kind() EventKind { return KindReservationCancelled }
func (CompensationFailed) Kind() EventKind        { return KindCompensationFailed }
func (Timeout) Kind() EventKind                   { return KindTimeout }
func (CancelRequested) Kind() EventKind           { return KindCancelRequested }

func (BookingStarted) sealedEvent()            {}
func (RoomReservedEvent) sealedEvent()         {}
func (RoomReservationRejected) sealedEvent()   {}
func (PaymentConfirmedEvent) sealedEvent()     {}
func (PaymentDeclinedEvent) sealedEvent()      {}
func (ReservationCancelledEvent) sealedEvent() {}
func (CompensationFailed) sealedEvent()        {}
func (Timeout) sealedEvent()                   {}
func (CancelRequested) sealedEvent()           {}

func (BookingStarted) Validate() error { return nil }

func (e RoomReservedEvent) Validate() error {
	if e.ReservationID == "" {
		return fmt.Errorf("%w: %s without reservationId", ErrInvalidEvent, e.Kind())
	}
	return nil
}

func (RoomReservationRejected) Validate() error { return nil }

func (e PaymentConfirmedEvent) Validate() error {
	if e.PaymentID == "" {
		return fmt.Errorf("%w: %s without paymentId", ErrInvalidEvent, e.Kind())
	}
	return nil
}

func (PaymentDeclinedEvent) Validate() error      { return nil }
func (ReservationCancelledEvent) Validate() error { return nil }
func (CompensationFailed) Validate() error        { return nil }

func (e Timeout) Validate() error {
	if !e.State.IsValid() || e.Deadline.IsZero() {
		return fmt.Errorf("%w: timeout without state or deadline", ErrInvalidEvent)
	}
	return nil
}

func (CancelRequested) Validate() error { return nil }

// Inbound событие, адресованное конкретной саге
type Inbound struct {
	SagaID string
	// Key ключ идемпотентности; пустой ключ недопустим
	Key   string
	At    time.Time
	Event Event
}

// TimeoutKey детерминированный ключ идемпотентности синтетического таймаута
func TimeoutKey(state State, deadline time.Time) string {
	return fmt.Sprintf("timeout:%s:%d", state, deadline.UnixNano())
}

// StartKey ключ идемпотентности события запуска саги
func StartKey(sagaID string) string {
	return sagaID + ":start"
}

// DecodeEvent разбирает payload входящего события по его типу
func DecodeEvent(kind EventKind, payload []byte) (Event, error) {
	var ev Event
	var err error

	switch kind {
	case KindRoomReserved:
		var e RoomReservedEvent
		err = json.Unmarshal(payload, &e)
		ev = e
	case KindRoomReservationRejected:
		var e RoomReservationRejected
		err = json.Unmarshal(payload, &e)
		ev = e
	case KindPaymentConfirmed:
		var e PaymentConfirmedEvent
		err = json.Unmarshal(payload, &e)
		ev = e
	case KindPaymentDeclined:
		var e PaymentDeclinedEvent
		err = json.Unmarshal(payload, &e)
		ev = e
	case KindReservationCancelled:
		var e ReservationCancelledEvent
		err = json.Unmarshal(payload, &e)
		ev = e
	case KindCompensationFailed:
		var e CompensationFailed
		err = json.Unmarshal(payload, &e)
		ev = e
	case KindCancelRequested:
		var e CancelRequested
		err = json.Unmarshal(payload, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, kind)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode %s: %v", ErrInvalidEvent, kind, err)
	}
	return ev, nil
}

// normalize приводит указатели на варианты к значениям
func normalize(ev Event) Event {
	switch e := ev.(type) {
	case *BookingStarted:
		return *e
	case *RoomReservedEvent:
		return *e
	case *RoomReservationRejected:
		return *e
	case *PaymentConfirmedEvent:
		return *e
	case *PaymentDeclinedEvent:
		return *e
	case *ReservationCancelledEvent:
		return *e
	case *CompensationFailed:
		return *e
	case *Timeout:
		return *e
	case *CancelRequested:
		return *e
	}
	return ev
}
