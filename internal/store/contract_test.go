package store

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YangTris/Hotel-Microservice/internal/saga"
)

var base = time.Date(2024, 4, 20, 9, 0, 0, 0, time.UTC)

// sagaDiff сравнивает снимки, считая JSON payload равным по содержимому
var sagaDiff = []cmp.Option{
	cmpopts.EquateEmpty(),
	cmp.Comparer(func(a, b json.RawMessage) bool {
		var x, y any
		if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
			return string(a) == string(b)
		}
		return reflect.DeepEqual(x, y)
	}),
}

func fixture(id string) *saga.BookingSaga {
	s := saga.NewBookingSaga(id, saga.CreateBookingRequest{
		RoomID:   "R1",
		CheckIn:  time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		CheckOut: time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC),
		Amount:   20000,
		Currency: "USD",
	}, base)
	s.Version = 1
	s.State = saga.StateRoomReserving
	s.Deadline = base.Add(30 * time.Second)
	s.Applied = []string{saga.StartKey(id)}
	intent, err := saga.NewIntent(saga.ReserveRoomCommand{SagaID: id, RoomID: "R1", CheckIn: s.CheckIn, CheckOut: s.CheckOut})
	if err != nil {
		panic(err)
	}
	s.Outbox = []saga.Intent{intent}
	return s
}

// advance возвращает следующий снимок с версией +1
func advance(s *saga.BookingSaga, state saga.State, mutate func(*saga.BookingSaga)) *saga.BookingSaga {
	next := s.Clone()
	next.Version++
	next.State = state
	next.UpdatedAt = s.UpdatedAt.Add(time.Second)
	if mutate != nil {
		mutate(next)
	}
	return next
}

// runStoreContract общие проверки для всех реализаций Store
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("load missing", func(t *testing.T) {
		st := newStore(t)
		_, _, err := st.Load(ctx, "missing")
		assert.ErrorIs(t, err, ErrSagaNotFound)
	})

	t.Run("create and load", func(t *testing.T) {
		st := newStore(t)
		s := fixture("s-create")
		require.NoError(t, st.Save(ctx, s, 0))

		got, version, err := st.Load(ctx, s.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 1, version)
		if diff := cmp.Diff(s, got, sagaDiff...); diff != "" {
			t.Fatalf("loaded saga differs (-want +got):\n%s", diff)
		}
	})

	t.Run("second create conflicts", func(t *testing.T) {
		st := newStore(t)
		s := fixture("s-dup")
		require.NoError(t, st.Save(ctx, s, 0))
		assert.ErrorIs(t, st.Save(ctx, s, 0), ErrVersionConflict)
	})

	t.Run("update with stale version conflicts", func(t *testing.T) {
		st := newStore(t)
		s := fixture("s-stale")
		require.NoError(t, st.Save(ctx, s, 0))

		v2 := advance(s, saga.StatePaymentProcessing, func(n *saga.BookingSaga) { n.ReservationID = "RZ1" })
		require.NoError(t, st.Save(ctx, v2, 1))

		other := advance(s, saga.StateCompensating, nil)
		assert.ErrorIs(t, st.Save(ctx, other, 1), ErrVersionConflict)

		_, version, err := st.Load(ctx, s.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 2, version)
	})

	t.Run("update of missing saga conflicts", func(t *testing.T) {
		st := newStore(t)
		s := advance(fixture("s-ghost"), saga.StatePaymentProcessing, nil)
		assert.ErrorIs(t, st.Save(ctx, s, 1), ErrVersionConflict)
	})

	t.Run("version must be expected plus one", func(t *testing.T) {
		st := newStore(t)
		s := fixture("s-skip")
		s.Version = 3
		err := st.Save(ctx, s, 0)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrVersionConflict)
	})

	t.Run("terminal rows are immutable", func(t *testing.T) {
		st := newStore(t)
		s := fixture("s-term")
		require.NoError(t, st.Save(ctx, s, 0))
		done := advance(s, saga.StateCancelled, func(n *saga.BookingSaga) { n.Deadline = time.Time{} })
		require.NoError(t, st.Save(ctx, done, 1))

		again := advance(done, saga.StateFailed, nil)
		assert.ErrorIs(t, st.Save(ctx, again, 2), ErrTerminal)
	})

	t.Run("mark dispatched keeps version", func(t *testing.T) {
		st := newStore(t)
		s := fixture("s-outbox")
		require.NoError(t, st.Save(ctx, s, 0))

		pending, err := st.ListUndispatched(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, s.ID, pending[0].ID)

		require.NoError(t, st.MarkDispatched(ctx, s.ID, []string{s.Outbox[0].Key}))

		got, version, err := st.Load(ctx, s.ID)
		require.NoError(t, err)
		assert.EqualValues(t, 1, version)
		assert.Empty(t, got.Outbox)

		pending, err = st.ListUndispatched(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)

		assert.NoError(t, st.MarkDispatched(ctx, s.ID, nil))
	})

	t.Run("mark dispatched unknown saga", func(t *testing.T) {
		st := newStore(t)
		assert.ErrorIs(t, st.MarkDispatched(ctx, "missing", []string{"k"}), ErrSagaNotFound)
	})

	t.Run("list parked", func(t *testing.T) {
		st := newStore(t)
		parked := fixture("s-parked")
		require.NoError(t, st.Save(ctx, parked, 0))

		finished := fixture("s-finished")
		require.NoError(t, st.Save(ctx, finished, 0))
		require.NoError(t, st.Save(ctx, advance(finished, saga.StateCancelled, func(n *saga.BookingSaga) {
			n.Deadline = time.Time{}
		}), 1))

		list, err := st.ListParked(ctx, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, parked.ID, list[0].ID)
		assert.True(t, list[0].Deadline.Equal(parked.Deadline))
	})

	t.Run("list respects limit", func(t *testing.T) {
		st := newStore(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, st.Save(ctx, fixture(fmt.Sprintf("s-limit-%d", i)), 0))
		}
		list, err := st.ListParked(ctx, 3)
		require.NoError(t, err)
		assert.Len(t, list, 3)
	})

	t.Run("concurrent writers serialize on version", func(t *testing.T) {
		st := newStore(t)
		s := fixture("s-race")
		require.NoError(t, st.Save(ctx, s, 0))

		const writers = 8
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				next := advance(s, saga.StatePaymentProcessing, func(n *saga.BookingSaga) {
					n.ReservationID = fmt.Sprintf("RZ%d", i)
				})
				errs[i] = st.Save(ctx, next, 1)
			}(i)
		}
		wg.Wait()

		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			assert.ErrorIs(t, err, ErrVersionConflict)
		}
		assert.Equal(t, 1, ok)
	})
}
