package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YangTris/Hotel-Microservice/internal/pkg/clock"
	"github.com/YangTris/Hotel-Microservice/internal/saga"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fired struct {
	sagaID  string
	timeout saga.Timeout
}

func newTestScheduler(t *testing.T, fire FireFunc) (*Scheduler, *clock.MockClock) {
	t.Helper()
	clk := clock.NewMockClock(t0)
	s, err := New(Config{MaxFireAttempts: 3, RetryDelay: time.Second}, clk)
	require.NoError(t, err)
	s.SetFireFunc(fire)
	require.NoError(t, s.Start(context.Background()))
	return s, clk
}

func TestScheduler_FiresAtDeadline(t *testing.T) {
	var got []fired
	s, clk := newTestScheduler(t, func(ctx context.Context, id string, to saga.Timeout) error {
		got = append(got, fired{id, to})
		return nil
	})

	deadline := t0.Add(30 * time.Second)
	s.Schedule("s-1", saga.StateRoomReserving, deadline)

	clk.Add(29 * time.Second)
	assert.Empty(t, got)

	clk.Add(time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, "s-1", got[0].sagaID)
	assert.Equal(t, saga.Timeout{State: saga.StateRoomReserving, Deadline: deadline}, got[0].timeout)
	assert.Empty(t, s.Pending())
}

func TestScheduler_ScheduleReplaces(t *testing.T) {
	var got []fired
	s, clk := newTestScheduler(t, func(ctx context.Context, id string, to saga.Timeout) error {
		got = append(got, fired{id, to})
		return nil
	})

	s.Schedule("s-1", saga.StateRoomReserving, t0.Add(30*time.Second))
	s.Schedule("s-1", saga.StatePaymentProcessing, t0.Add(90*time.Second))
	require.Len(t, s.Pending(), 1)

	clk.Add(60 * time.Second)
	assert.Empty(t, got)

	clk.Add(30 * time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, saga.StatePaymentProcessing, got[0].timeout.State)
}

func TestScheduler_Cancel(t *testing.T) {
	calls := 0
	s, clk := newTestScheduler(t, func(ctx context.Context, id string, to saga.Timeout) error {
		calls++
		return nil
	})

	s.Schedule("s-1", saga.StateRoomReserving, t0.Add(time.Second))
	s.Cancel("s-1")
	s.Cancel("unknown")

	clk.Add(time.Minute)
	assert.Zero(t, calls)
	_, ok := s.Lookup("s-1")
	assert.False(t, ok)
}

func TestScheduler_RetriesFailedFire(t *testing.T) {
	calls := 0
	s, clk := newTestScheduler(t, func(ctx context.Context, id string, to saga.Timeout) error {
		calls++
		if calls < 3 {
			return errors.New("store unavailable")
		}
		return nil
	})

	s.Schedule("s-1", saga.StateCompensating, t0.Add(time.Second))
	clk.Add(time.Second)
	assert.Equal(t, 1, calls)

	clk.Add(time.Second)
	assert.Equal(t, 2, calls)

	clk.Add(time.Second)
	assert.Equal(t, 3, calls)
	assert.Empty(t, s.Pending())
}

func TestScheduler_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	s, clk := newTestScheduler(t, func(ctx context.Context, id string, to saga.Timeout) error {
		calls++
		return errors.New("still down")
	})

	s.Schedule("s-1", saga.StatePaymentProcessing, t0.Add(time.Second))
	for i := 0; i < 10; i++ {
		clk.Add(time.Second)
	}

	assert.Equal(t, 3, calls)
	assert.Empty(t, s.Pending())
	assert.Zero(t, clk.PendingTimers())
}

func TestScheduler_RescheduleFromFireIsKept(t *testing.T) {
	var s *Scheduler
	s, clk := newTestScheduler(t, func(ctx context.Context, id string, to saga.Timeout) error {
		// обработка таймаута переводит сагу в Compensating со своим дедлайном
		s.Schedule(id, saga.StateCompensating, to.Deadline.Add(30*time.Second))
		return nil
	})

	s.Schedule("s-1", saga.StateRoomReserving, t0.Add(10*time.Second))
	clk.Add(10 * time.Second)

	e, ok := s.Lookup("s-1")
	require.True(t, ok)
	assert.Equal(t, saga.StateCompensating, e.State)
	assert.Equal(t, t0.Add(40*time.Second), e.Deadline)
}

func TestScheduler_PendingOrderedByDeadline(t *testing.T) {
	s, _ := newTestScheduler(t, func(ctx context.Context, id string, to saga.Timeout) error { return nil })

	s.Schedule("late", saga.StatePaymentProcessing, t0.Add(time.Minute))
	s.Schedule("early", saga.StateRoomReserving, t0.Add(time.Second))
	s.Schedule("mid", saga.StateCompensating, t0.Add(30*time.Second))

	pending := s.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, []string{"early", "mid", "late"}, []string{pending[0].SagaID, pending[1].SagaID, pending[2].SagaID})
}

func TestScheduler_StopClearsTimers(t *testing.T) {
	calls := 0
	s, clk := newTestScheduler(t, func(ctx context.Context, id string, to saga.Timeout) error {
		calls++
		return nil
	})
	s.Schedule("s-1", saga.StateRoomReserving, t0.Add(time.Second))

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())

	clk.Add(time.Minute)
	assert.Zero(t, calls)
	assert.Empty(t, s.Pending())
}

func TestScheduler_StartRequiresFireFunc(t *testing.T) {
	s, err := New(DefaultConfig(), clock.NewMockClock(t0))
	require.NoError(t, err)
	assert.Error(t, s.Start(context.Background()))

	_, err = New(Config{MaxFireAttempts: 0}, nil)
	assert.Error(t, err)
}
