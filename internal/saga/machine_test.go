package saga

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 4, 20, 9, 0, 0, 0, time.UTC)

func newTestSaga() *BookingSaga {
	return NewBookingSaga("7f1c2a9e-5b1d-4c4e-9d1e-2f6a0c3b8d11", CreateBookingRequest{
		RoomID:   "R1",
		CheckIn:  time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		CheckOut: time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC),
		Amount:   20000,
		Currency: "USD",
	}, t0)
}

func apply(t *testing.T, m *Machine, s *BookingSaga, key string, at time.Time, ev Event) Outcome {
	t.Helper()
	out, err := m.Transition(s, Inbound{SagaID: s.ID, Key: key, At: at, Event: ev})
	require.NoError(t, err)
	return out
}

func started(t *testing.T, m *Machine) *BookingSaga {
	t.Helper()
	s := newTestSaga()
	out := apply(t, m, s, StartKey(s.ID), t0, BookingStarted{})
	require.Equal(t, ResultApplied, out.Result)
	return out.Saga
}

func TestTransition_ScenarioA_HappyPath(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	s := newTestSaga()

	out := apply(t, m, s, StartKey(s.ID), t0, BookingStarted{})
	require.Equal(t, StateRoomReserving, out.Saga.State)
	want := []SideEffect{ReserveRoomCommand{SagaID: s.ID, RoomID: "R1", CheckIn: s.CheckIn, CheckOut: s.CheckOut}}
	if diff := cmp.Diff(want, out.Effects); diff != "" {
		t.Fatalf("unexpected effects (-want +got):\n%s", diff)
	}
	assert.Equal(t, t0.Add(30*time.Second), out.Saga.Deadline)

	out = apply(t, m, out.Saga, "room-1", t0.Add(time.Second), RoomReservedEvent{SagaID: s.ID, ReservationID: "RZ1"})
	require.Equal(t, StatePaymentProcessing, out.Saga.State)
	assert.Equal(t, "RZ1", out.Saga.ReservationID)
	want = []SideEffect{ChargePaymentCommand{SagaID: s.ID, Amount: 20000, Currency: "USD", BookingRef: s.BookingRef}}
	if diff := cmp.Diff(want, out.Effects); diff != "" {
		t.Fatalf("unexpected effects (-want +got):\n%s", diff)
	}

	out = apply(t, m, out.Saga, "pay-1", t0.Add(2*time.Second), PaymentConfirmedEvent{SagaID: s.ID, PaymentID: "PZ1"})
	require.Equal(t, StateCompleted, out.Saga.State)
	want = []SideEffect{BookingConfirmedEvent{SagaID: s.ID, ReservationID: "RZ1", PaymentID: "PZ1"}}
	if diff := cmp.Diff(want, out.Effects); diff != "" {
		t.Fatalf("unexpected effects (-want +got):\n%s", diff)
	}
	assert.True(t, out.Saga.Deadline.IsZero())
	assert.Len(t, out.Saga.Outbox, 3)
	assert.Equal(t, []string{StartKey(s.ID), "room-1", "pay-1"}, out.Saga.Applied)
}

func TestTransition_PassThroughStatesAreNeverStored(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	for key := range m.table {
		assert.NotEqual(t, StateRoomReserved, key.from, "row %s", key)
		assert.NotEqual(t, StatePaymentConfirmed, key.from, "row %s", key)
	}

	s := started(t, m)
	out := apply(t, m, s, "room-1", t0, RoomReservedEvent{SagaID: s.ID, ReservationID: "RZ1"})
	assert.Equal(t, StateRoomReserving, out.From)
	assert.Equal(t, StatePaymentProcessing, out.Saga.State)
	out = apply(t, m, out.Saga, "pay-1", t0, PaymentConfirmedEvent{SagaID: s.ID, PaymentID: "PZ1"})
	assert.Equal(t, StatePaymentProcessing, out.From)
	assert.Equal(t, StateCompleted, out.Saga.State)
}

func TestTransition_ScenarioB_PaymentDeclined(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	s := started(t, m)

	out := apply(t, m, s, "room-1", t0, RoomReservedEvent{SagaID: s.ID, ReservationID: "RZ1"})
	out = apply(t, m, out.Saga, "pay-1", t0, PaymentDeclinedEvent{SagaID: s.ID})
	require.Equal(t, StateCompensating, out.Saga.State)
	if diff := cmp.Diff([]SideEffect{CancelReservationCommand{SagaID: s.ID, ReservationID: "RZ1"}}, out.Effects); diff != "" {
		t.Fatalf("unexpected effects (-want +got):\n%s", diff)
	}
	require.Len(t, out.Saga.Compensations, 1)
	assert.Equal(t, "RZ1", out.Saga.Compensations[0].Target)

	out = apply(t, m, out.Saga, "cancel-1", t0, ReservationCancelledEvent{SagaID: s.ID, ReservationID: "RZ1"})
	require.Equal(t, StateCancelled, out.Saga.State)
	if diff := cmp.Diff([]SideEffect{BookingFailedEvent{SagaID: s.ID, Reason: "payment declined"}}, out.Effects); diff != "" {
		t.Fatalf("unexpected effects (-want +got):\n%s", diff)
	}
}

func TestTransition_ScenarioC_ReserveTimeout(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	s := started(t, m)

	timeout := Timeout{State: StateRoomReserving, Deadline: s.Deadline}
	out := apply(t, m, s, TimeoutKey(timeout.State, timeout.Deadline), s.Deadline, timeout)
	require.Equal(t, StateCompensating, out.Saga.State)
	assert.Equal(t, "room reservation timed out", out.Saga.LastError)
	if diff := cmp.Diff([]SideEffect{CancelReservationCommand{SagaID: s.ID}}, out.Effects); diff != "" {
		t.Fatalf("unexpected effects (-want +got):\n%s", diff)
	}

	out = apply(t, m, out.Saga, "ack-1", s.Deadline.Add(time.Second), ReservationCancelledEvent{SagaID: s.ID})
	require.Equal(t, StateCancelled, out.Saga.State)
	if diff := cmp.Diff([]SideEffect{BookingFailedEvent{SagaID: s.ID, Reason: "room reservation timed out"}}, out.Effects); diff != "" {
		t.Fatalf("unexpected effects (-want +got):\n%s", diff)
	}
}

func TestTransition_ScenarioD_DuplicateRoomReserved(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	s := started(t, m)

	ev := RoomReservedEvent{SagaID: s.ID, ReservationID: "RZ1"}
	first := apply(t, m, s, "room-1", t0, ev)
	require.Equal(t, ResultApplied, first.Result)

	second := apply(t, m, first.Saga, "room-1", t0.Add(time.Second), ev)
	assert.Equal(t, ResultDuplicate, second.Result)
	assert.Empty(t, second.Effects)
	assert.Equal(t, first.Saga, second.Saga)
}

func TestTransition_RejectedReservation(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	s := started(t, m)

	out := apply(t, m, s, "rej-1", t0, RoomReservationRejected{SagaID: s.ID, Reason: "room unavailable"})
	require.Equal(t, StateCancelled, out.Saga.State)
	assert.Empty(t, out.Saga.Compensations)
	assert.Equal(t, []SideEffect{BookingFailedEvent{SagaID: s.ID, Reason: "room reservation rejected: room unavailable"}}, out.Effects)
}

func TestTransition_CompensationRetriesThenFails(t *testing.T) {
	m := NewMachine(Policy{
		ReserveTimeout:          time.Second,
		PaymentTimeout:          time.Second,
		CompensationTimeout:     time.Second,
		MaxCompensationAttempts: 3,
	})
	s := started(t, m)
	out := apply(t, m, s, "room-1", t0, RoomReservedEvent{SagaID: s.ID, ReservationID: "RZ1"})
	out = apply(t, m, out.Saga, "pay-1", t0, PaymentDeclinedEvent{SagaID: s.ID})
	step := CancelReservationCommand{SagaID: s.ID, ReservationID: "RZ1"}

	out = apply(t, m, out.Saga, "cf-1", t0, CompensationFailed{SagaID: s.ID, Reason: "db down"})
	require.Equal(t, StateCompensating, out.Saga.State)
	if diff := cmp.Diff([]SideEffect{CancelReservationCommand{SagaID: s.ID, ReservationID: "RZ1", Retry: 1}}, out.Effects); diff != "" {
		t.Fatalf("retry effects mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, s.ID+":cancel-reservation:RZ1:retry-1", out.Effects[0].Key())

	deadline := out.Saga.Deadline
	out = apply(t, m, out.Saga, TimeoutKey(StateCompensating, deadline), deadline, Timeout{State: StateCompensating, Deadline: deadline})
	require.Equal(t, StateCompensating, out.Saga.State)
	assert.Equal(t, 2, out.Saga.CompensationAttempts)

	out = apply(t, m, out.Saga, "cf-3", t0, CompensationFailed{SagaID: s.ID})
	require.Equal(t, StateFailed, out.Saga.State)
	require.Len(t, out.Effects, 1)
	alert, ok := out.Effects[0].(AlertOperatorEvent)
	require.True(t, ok)
	assert.Contains(t, alert.Reason, "compensation failed after 3 attempts")

	// шаг компенсации записан один раз, каждая попытка ушла под своим ключом
	require.Len(t, out.Saga.Compensations, 1)
	assert.Equal(t, step.StepKey(), out.Saga.Compensations[0].Key)
	var keys []string
	for _, in := range out.Saga.Outbox {
		if in.Topic == TopicCancelReservation {
			keys = append(keys, in.Key)
		}
	}
	assert.Equal(t, []string{step.Key(), step.StepKey() + ":retry-1", step.StepKey() + ":retry-2"}, keys)
}

func TestTransition_CancelRequested(t *testing.T) {
	m := NewMachine(DefaultPolicy())

	t.Run("before start", func(t *testing.T) {
		s := newTestSaga()
		out := apply(t, m, s, "c-1", t0, CancelRequested{})
		assert.Equal(t, StateCancelled, out.Saga.State)
		assert.Empty(t, out.Saga.Compensations)
	})

	t.Run("during payment routes through compensation", func(t *testing.T) {
		s := started(t, m)
		out := apply(t, m, s, "room-1", t0, RoomReservedEvent{SagaID: s.ID, ReservationID: "RZ1"})
		out = apply(t, m, out.Saga, "c-1", t0, CancelRequested{Reason: "changed plans"})
		assert.Equal(t, StateCompensating, out.Saga.State)
		assert.Equal(t, "cancelled by user: changed plans", out.Saga.LastError)
		assert.Equal(t, []SideEffect{CancelReservationCommand{SagaID: s.ID, ReservationID: "RZ1"}}, out.Effects)
	})

	t.Run("while compensating is discarded", func(t *testing.T) {
		s := started(t, m)
		out := apply(t, m, s, "c-1", t0, CancelRequested{})
		out = apply(t, m, out.Saga, "c-2", t0, CancelRequested{})
		assert.Equal(t, ResultDiscarded, out.Result)
	})
}

func TestTransition_LateReservationDuringCompensation(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	s := started(t, m)

	out := apply(t, m, s, TimeoutKey(StateRoomReserving, s.Deadline), s.Deadline, Timeout{State: StateRoomReserving, Deadline: s.Deadline})
	require.Equal(t, StateCompensating, out.Saga.State)

	out = apply(t, m, out.Saga, "room-late", s.Deadline, RoomReservedEvent{SagaID: s.ID, ReservationID: "RZ9"})
	require.Equal(t, ResultApplied, out.Result)
	assert.Equal(t, "RZ9", out.Saga.ReservationID)
	assert.Equal(t, []SideEffect{CancelReservationCommand{SagaID: s.ID, ReservationID: "RZ9"}}, out.Effects)
	assert.Len(t, out.Saga.Compensations, 2)

	again := apply(t, m, out.Saga, "room-late-2", s.Deadline, RoomReservedEvent{SagaID: s.ID, ReservationID: "RZ9"})
	assert.Equal(t, ResultDiscarded, again.Result)

	ackOther := apply(t, m, out.Saga, "ack-x", s.Deadline, ReservationCancelledEvent{SagaID: s.ID, ReservationID: "RZ0"})
	assert.Equal(t, ResultDiscarded, ackOther.Result)
}

func TestTransition_LateChargeDuringCompensationFails(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	s := started(t, m)
	out := apply(t, m, s, "room-1", t0, RoomReservedEvent{SagaID: s.ID, ReservationID: "RZ1"})
	out = apply(t, m, out.Saga, "c-1", t0, CancelRequested{})

	out = apply(t, m, out.Saga, "pay-late", t0, PaymentConfirmedEvent{SagaID: s.ID, PaymentID: "PZ1"})
	assert.Equal(t, StateFailed, out.Saga.State)
	require.Len(t, out.Effects, 1)
	_, isAlert := out.Effects[0].(AlertOperatorEvent)
	assert.True(t, isAlert)
}

func TestTransition_StaleTimeoutDiscarded(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	s := started(t, m)
	reserveDeadline := s.Deadline

	out := apply(t, m, s, "room-1", t0, RoomReservedEvent{SagaID: s.ID, ReservationID: "RZ1"})
	stale := Timeout{State: StateRoomReserving, Deadline: reserveDeadline}
	out = apply(t, m, out.Saga, TimeoutKey(stale.State, stale.Deadline), reserveDeadline, stale)

	assert.Equal(t, ResultDiscarded, out.Result)
	assert.Equal(t, StatePaymentProcessing, out.Saga.State)

	wrongDeadline := Timeout{State: StatePaymentProcessing, Deadline: out.Saga.Deadline.Add(-time.Second)}
	out = apply(t, m, out.Saga, "t-x", t0, wrongDeadline)
	assert.Equal(t, ResultDiscarded, out.Result)
}

func TestTransition_UnmatchedPairsAreDiscarded(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	events := []Event{
		BookingStarted{},
		RoomReservedEvent{ReservationID: "RZ1"},
		RoomReservationRejected{},
		PaymentConfirmedEvent{PaymentID: "PZ1"},
		PaymentDeclinedEvent{},
		ReservationCancelledEvent{},
		CompensationFailed{},
		Timeout{State: StateInitiated, Deadline: t0},
		CancelRequested{},
	}

	for _, st := range AllStates() {
		for _, ev := range events {
			if m.Handles(st, ev.Kind()) {
				continue
			}
			s := newTestSaga()
			s.State = st
			if st.AtLeast(StateRoomReserved) {
				s.ReservationID = "RZ1"
			}
			if st.AtLeast(StatePaymentConfirmed) {
				s.PaymentID = "PZ1"
			}

			out, err := m.Transition(s, Inbound{SagaID: s.ID, Key: "k", At: t0, Event: ev})
			require.NoError(t, err, "%s on %s", ev.Kind(), st)
			assert.Equal(t, ResultDiscarded, out.Result, "%s on %s", ev.Kind(), st)
			assert.Equal(t, s, out.Saga, "%s on %s", ev.Kind(), st)
			assert.Empty(t, out.Effects)
		}
	}
}

func TestTransition_TerminalIsImmutable(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	for _, st := range []State{StateCompleted, StateCancelled, StateFailed} {
		s := newTestSaga()
		s.State = st
		s.ReservationID = "RZ1"
		s.PaymentID = "PZ1"

		out, err := m.Transition(s, Inbound{SagaID: s.ID, Key: "late", At: t0, Event: CancelRequested{}})
		require.NoError(t, err)
		assert.Equal(t, ResultDiscarded, out.Result)
		assert.Equal(t, st, out.Saga.State)
	}
}

func TestTransition_InvalidInput(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	s := started(t, m)

	_, err := m.Transition(s, Inbound{SagaID: s.ID, At: t0, Event: CancelRequested{}})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = m.Transition(s, Inbound{SagaID: "other", Key: "k", At: t0, Event: CancelRequested{}})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = m.Transition(s, Inbound{SagaID: s.ID, Key: "k", At: t0, Event: RoomReservedEvent{}})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = m.Transition(nil, Inbound{Key: "k", Event: CancelRequested{}})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestTransition_PointerEventsAccepted(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	s := started(t, m)

	out, err := m.Transition(s, Inbound{SagaID: s.ID, Key: "room-1", At: t0, Event: &RoomReservedEvent{ReservationID: "RZ1"}})
	require.NoError(t, err)
	assert.Equal(t, StatePaymentProcessing, out.Saga.State)
}

func TestTransition_DoesNotMutateInput(t *testing.T) {
	m := NewMachine(DefaultPolicy())
	s := started(t, m)
	before := s.Clone()

	_ = apply(t, m, s, "room-1", t0, RoomReservedEvent{SagaID: s.ID, ReservationID: "RZ1"})
	assert.Equal(t, before, s)
}

func TestNewIntent_PayloadShape(t *testing.T) {
	intent, err := NewIntent(ChargePaymentCommand{SagaID: "s1", Amount: 500, Currency: "EUR", BookingRef: "BK-1"})
	require.NoError(t, err)

	assert.Equal(t, TopicChargePayment, intent.Topic)
	assert.Equal(t, "ChargePaymentCommand", intent.Type)
	assert.Equal(t, "s1:charge-payment", intent.Key)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(intent.Payload, &decoded))
	assert.Equal(t, "BK-1", decoded["bookingRef"])
	assert.EqualValues(t, 500, decoded["amount"])
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent(KindRoomReserved, []byte(`{"sagaId":"s1","reservationId":"RZ1"}`))
	require.NoError(t, err)
	assert.Equal(t, RoomReservedEvent{SagaID: "s1", ReservationID: "RZ1"}, ev)

	_, err = DecodeEvent("Nope", []byte(`{}`))
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = DecodeEvent(KindPaymentDeclined, []byte(`{`))
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestCreateBookingRequest_Validate(t *testing.T) {
	ok := CreateBookingRequest{RoomID: "R1", CheckIn: t0, CheckOut: t0.Add(48 * time.Hour)}
	assert.NoError(t, ok.Validate())
	assert.EqualValues(t, 2, ok.Nights())

	bad := CreateBookingRequest{RoomID: " ", CheckIn: t0, CheckOut: t0}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "roomId is required")
	assert.Contains(t, err.Error(), "checkOut must be after checkIn")
}

func TestBookingRefFor(t *testing.T) {
	assert.Equal(t, "BK-7F1C2A9E", BookingRefFor("7f1c2a9e-5b1d-4c4e-9d1e-2f6a0c3b8d11"))
	assert.Equal(t, "BK-AB", BookingRefFor("ab"))
}
