package saga

import (
	"errors"
	"fmt"
	"time"
)

// Policy настраиваемые лимиты машины состояний
type Policy struct {
	ReserveTimeout          time.Duration
	PaymentTimeout          time.Duration
	CompensationTimeout     time.Duration
	MaxCompensationAttempts int
}

// DefaultPolicy возвращает консервативные значения по умолчанию
func DefaultPolicy() Policy {
	return Policy{
		ReserveTimeout:          30 * time.Second,
		PaymentTimeout:          60 * time.Second,
		CompensationTimeout:     30 * time.Second,
		MaxCompensationAttempts: 3,
	}
}

// Validate проверяет корректность политики
func (p Policy) Validate() error {
	if p.ReserveTimeout <= 0 || p.PaymentTimeout <= 0 || p.CompensationTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if p.MaxCompensationAttempts < 1 {
		return errors.New("MaxCompensationAttempts must be at least 1")
	}
	return nil
}

// Result итог применения события
type Result string

const (
	ResultApplied   Result = "applied"
	ResultDuplicate Result = "duplicate"
	ResultDiscarded Result = "discarded"
)

// Outcome результат перехода
type Outcome struct {
	// Saga следующий снимок; для Duplicate и Discarded совпадает с текущим
	Saga *BookingSaga
	// From состояние до перехода
	From    State
	Effects []SideEffect
	Result  Result
	// Reason причина отбрасывания события
	Reason string
}

// Applied переход изменил состояние и должен быть сохранен
func (o Outcome) Applied() bool {
	return o.Result == ResultApplied
}

const actionCancelReservation = "cancel-reservation"

type transitionKey struct {
	from  State
	event EventKind
}

func (k transitionKey) String() string {
	return fmt.Sprintf("%s:%s", k.from, k.event)
}

// handler меняет копию саги и возвращает side effects.
// Непустая причина означает, что событие отбрасывается, а изменения копии теряются.
type handler func(s *BookingSaga, in Inbound) (effects []SideEffect, discard string)

// Machine чистая машина состояний саги бронирования
type Machine struct {
	policy Policy
	table  map[transitionKey]handler
}

// NewMachine создает машину состояний с таблицей переходов
func NewMachine(policy Policy) *Machine {
	m := &Machine{
		policy: policy,
		table:  make(map[transitionKey]handler),
	}

	m.on(StateInitiated, KindBookingStarted, m.startReservation)
	m.on(StateInitiated, KindCancelRequested, m.cancelBeforeStart)

	m.on(StateRoomReserving, KindRoomReserved, m.chargePayment)
	m.on(StateRoomReserving, KindRoomReservationRejected, m.rejectReservation)
	m.on(StateRoomReserving, KindTimeout, m.compensateOnTimeout("room reservation timed out"))
	m.on(StateRoomReserving, KindCancelRequested, m.compensateOnCancel)

	m.on(StatePaymentProcessing, KindPaymentConfirmed, m.confirmBooking)
	m.on(StatePaymentProcessing, KindPaymentDeclined, m.compensateOnDecline)
	m.on(StatePaymentProcessing, KindTimeout, m.compensateOnTimeout("payment timed out"))
	m.on(StatePaymentProcessing, KindCancelRequested, m.compensateOnCancel)

	m.on(StateCompensating, KindReservationCancelled, m.finishCompensation)
	m.on(StateCompensating, KindCompensationFailed, m.retryCompensationOnFailure)
	m.on(StateCompensating, KindTimeout, m.retryCompensationOnTimeout)
	m.on(StateCompensating, KindRoomReserved, m.cancelLateReservation)
	m.on(StateCompensating, KindPaymentConfirmed, m.failOnLateCharge)

	return m
}

func (m *Machine) on(from State, event EventKind, h handler) {
	m.table[transitionKey{from: from, event: event}] = h
}

// Policy возвращает политику машины
func (m *Machine) Policy() Policy {
	return m.policy
}

// Handles проверяет, есть ли переход для пары (состояние, событие)
func (m *Machine) Handles(from State, event EventKind) bool {
	_, ok := m.table[transitionKey{from: from, event: event}]
	return ok
}

// Transition применяет событие к снимку саги. Входной снимок не изменяется.
// Ошибка возвращается только для некорректного входа; неподходящие события
// дают ResultDiscarded.
func (m *Machine) Transition(current *BookingSaga, in Inbound) (Outcome, error) {
	if current == nil {
		return Outcome{}, fmt.Errorf("%w: nil saga", ErrInvalidEvent)
	}
	if in.Event == nil {
		return Outcome{}, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	in.Event = normalize(in.Event)
	if in.Key == "" {
		return Outcome{}, fmt.Errorf("%w: %s without idempotency key", ErrInvalidEvent, in.Event.Kind())
	}
	if in.SagaID != "" && in.SagaID != current.ID {
		return Outcome{}, fmt.Errorf("%w: event for saga %s routed to %s", ErrInvalidEvent, in.SagaID, current.ID)
	}

	unchanged := Outcome{Saga: current.Clone(), From: current.State}

	if current.HasApplied(in.Key) {
		unchanged.Result = ResultDuplicate
		return unchanged, nil
	}
	if current.State.IsTerminal() {
		unchanged.Result = ResultDiscarded
		unchanged.Reason = fmt.Sprintf("saga is terminal (%s)", current.State)
		return unchanged, nil
	}

	key := transitionKey{from: current.State, event: in.Event.Kind()}
	h, ok := m.table[key]
	if !ok {
		unchanged.Result = ResultDiscarded
		unchanged.Reason = fmt.Sprintf("no transition for %s", key)
		return unchanged, nil
	}

	if err := in.Event.Validate(); err != nil {
		return Outcome{}, err
	}

	next := current.Clone()
	effects, discard := h(next, in)
	if discard != "" {
		unchanged.Result = ResultDiscarded
		unchanged.Reason = discard
		return unchanged, nil
	}

	next.Applied = append(next.Applied, in.Key)
	next.UpdatedAt = in.At
	if next.State.IsTerminal() || !next.State.HasDeadline() {
		next.Deadline = time.Time{}
	}

	for _, effect := range effects {
		intent, err := NewIntent(effect)
		if err != nil {
			return Outcome{}, err
		}
		next.Outbox = append(next.Outbox, intent)
	}

	if err := next.CheckInvariants(); err != nil {
		return Outcome{}, fmt.Errorf("transition %s broke invariants: %w", key, err)
	}

	return Outcome{
		Saga:    next,
		From:    current.State,
		Effects: effects,
		Result:  ResultApplied,
	}, nil
}

func (m *Machine) startReservation(s *BookingSaga, in Inbound) ([]SideEffect, string) {
	s.State = StateRoomReserving
	s.Deadline = in.At.Add(m.policy.ReserveTimeout)
	s.LastError = ""
	return []SideEffect{ReserveRoomCommand{
		SagaID:   s.ID,
		RoomID:   s.RoomID,
		CheckIn:  s.CheckIn,
		CheckOut: s.CheckOut,
	}}, ""
}

func (m *Machine) cancelBeforeStart(s *BookingSaga, in Inbound) ([]SideEffect, string) {
	e := in.Event.(CancelRequested)
	s.State = StateCancelled
	s.LastError = withDetail("cancelled by user", e.Reason)
	return []SideEffect{BookingFailedEvent{SagaID: s.ID, Reason: s.LastError}}, ""
}

func (m *Machine) chargePayment(s *BookingSaga, in Inbound) ([]SideEffect, string) {
	e := in.Event.(RoomReservedEvent)
	s.ReservationID = e.ReservationID

	// RoomReserved не сохраняется: сага сразу переходит к списанию оплаты
	s.State = StatePaymentProcessing
	s.Deadline = in.At.Add(m.policy.PaymentTimeout)
	s.LastError = ""
	return []SideEffect{ChargePaymentCommand{
		SagaID:     s.ID,
		Amount:     s.Amount,
		Currency:   s.Currency,
		BookingRef: s.BookingRef,
	}}, ""
}

func (m *Machine) rejectReservation(s *BookingSaga, in Inbound) ([]SideEffect, string) {
	e := in.Event.(RoomReservationRejected)
	s.State = StateCancelled
	s.LastError = withDetail("room reservation rejected", e.Reason)
	return []SideEffect{BookingFailedEvent{SagaID: s.ID, Reason: s.LastError}}, ""
}

func (m *Machine) confirmBooking(s *BookingSaga, in Inbound) ([]SideEffect, string) {
	e := in.Event.(PaymentConfirmedEvent)
	s.PaymentID = e.PaymentID
	// PaymentConfirmed проходится без остановки
	s.State = StateCompleted
	s.LastError = ""
	return []SideEffect{BookingConfirmedEvent{
		SagaID:        s.ID,
		ReservationID: s.ReservationID,
		PaymentID:     s.PaymentID,
	}}, ""
}

func (m *Machine) compensateOnDecline(s *BookingSaga, in Inbound) ([]SideEffect, string) {
	e := in.Event.(PaymentDeclinedEvent)
	return m.beginCompensation(s, in.At, withDetail("payment declined", e.Reason)), ""
}

func (m *Machine) compensateOnCancel(s *BookingSaga, in Inbound) ([]SideEffect, string) {
	e := in.Event.(CancelRequested)
	return m.beginCompensation(s, in.At, withDetail("cancelled by user", e.Reason)), ""
}

func (m *Machine) compensateOnTimeout(reason string) handler {
	return func(s *BookingSaga, in Inbound) ([]SideEffect, string) {
		if stale := staleTimeout(s, in.Event.(Timeout)); stale != "" {
			return nil, stale
		}
		return m.beginCompensation(s, in.At, reason), ""
	}
}

func (m *Machine) beginCompensation(s *BookingSaga, at time.Time, reason string) []SideEffect {
	s.State = StateCompensating
	s.LastError = reason
	s.CompensationAttempts = 0
	s.Deadline = at.Add(m.policy.CompensationTimeout)
	return issueCancellation(s, at)
}

func (m *Machine) finishCompensation(s *BookingSaga, in Inbound) ([]SideEffect, string) {
	e := in.Event.(ReservationCancelledEvent)
	if e.ReservationID != "" && s.ReservationID != "" && e.ReservationID != s.ReservationID {
		return nil, fmt.Sprintf("ack for reservation %s while cancelling %s", e.ReservationID, s.ReservationID)
	}
	s.State = StateCancelled
	reason := s.LastError
	if reason == "" {
		reason = "booking cancelled"
	}
	return []SideEffect{BookingFailedEvent{SagaID: s.ID, Reason: reason}}, ""
}

func (m *Machine) retryCompensationOnFailure(s *BookingSaga, in Inbound) ([]SideEffect, string) {
	e := in.Event.(CompensationFailed)
	return m.retryCompensation(s, in.At, withDetail("reservation cancellation failed", e.Reason)), ""
}

func (m *Machine) retryCompensationOnTimeout(s *BookingSaga, in Inbound) ([]SideEffect, string) {
	if stale := staleTimeout(s, in.Event.(Timeout)); stale != "" {
		return nil, stale
	}
	return m.retryCompensation(s, in.At, "reservation cancellation timed out"), ""
}

// retryCompensation повторяет тот же шаг компенсации под новым ключом попытки
// или переводит сагу в Failed, когда попытки исчерпаны
func (m *Machine) retryCompensation(s *BookingSaga, at time.Time, reason string) []SideEffect {
	s.CompensationAttempts++
	if s.CompensationAttempts >= m.policy.MaxCompensationAttempts {
		s.State = StateFailed
		s.LastError = fmt.Sprintf("compensation failed after %d attempts: %s", s.CompensationAttempts, reason)
		return []SideEffect{AlertOperatorEvent{SagaID: s.ID, Reason: s.LastError}}
	}

	s.Deadline = at.Add(m.policy.CompensationTimeout)
	return []SideEffect{CancelReservationCommand{
		SagaID:        s.ID,
		ReservationID: s.ReservationID,
		Retry:         s.CompensationAttempts,
	}}
}

func (m *Machine) cancelLateReservation(s *BookingSaga, in Inbound) ([]SideEffect, string) {
	e := in.Event.(RoomReservedEvent)
	if s.ReservationID != "" {
		return nil, fmt.Sprintf("reservation %s already known", s.ReservationID)
	}
	s.ReservationID = e.ReservationID
	s.Deadline = in.At.Add(m.policy.CompensationTimeout)
	return issueCancellation(s, in.At), ""
}

func (m *Machine) failOnLateCharge(s *BookingSaga, in Inbound) ([]SideEffect, string) {
	e := in.Event.(PaymentConfirmedEvent)
	s.PaymentID = e.PaymentID
	s.State = StateFailed
	s.LastError = fmt.Sprintf("payment %s confirmed during compensation, refund required", e.PaymentID)
	return []SideEffect{AlertOperatorEvent{SagaID: s.ID, Reason: s.LastError}}, ""
}

// issueCancellation выдает отмену резерва не более одного раза на резерв
func issueCancellation(s *BookingSaga, at time.Time) []SideEffect {
	cmd := CancelReservationCommand{SagaID: s.ID, ReservationID: s.ReservationID}
	if s.HasCompensation(cmd.StepKey()) {
		return nil
	}
	s.Compensations = append(s.Compensations, Compensation{
		Action:   actionCancelReservation,
		Target:   s.ReservationID,
		Key:      cmd.StepKey(),
		IssuedAt: at,
	})
	return []SideEffect{cmd}
}

func staleTimeout(s *BookingSaga, t Timeout) string {
	if t.State != s.State || !t.Deadline.Equal(s.Deadline) {
		return fmt.Sprintf("stale timeout for %s at %s", t.State, t.Deadline.Format(time.RFC3339Nano))
	}
	return ""
}

func withDetail(reason, detail string) string {
	if detail == "" {
		return reason
	}
	return reason + ": " + detail
}
