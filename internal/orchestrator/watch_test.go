package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YangTris/Hotel-Microservice/internal/saga"
)

func TestHub_DeliversOnlyToWatchersOfSaga(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Watch("s1")
	defer cancel()
	other, cancelOther := hub.Watch("s2")
	defer cancelOther()

	hub.Observe(&saga.BookingSaga{ID: "s1", State: saga.StateRoomReserving, Version: 1})

	got := <-ch
	assert.Equal(t, int64(1), got.Version)
	assert.Empty(t, other)
}

func TestHub_SlowWatcherKeepsLatest(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Watch("s1")
	defer cancel()

	for v := int64(1); v <= watchBuffer+5; v++ {
		hub.Observe(&saga.BookingSaga{ID: "s1", Version: v})
	}

	var last *saga.BookingSaga
	for len(ch) > 0 {
		last = <-ch
	}
	require.NotNil(t, last)
	assert.Equal(t, int64(watchBuffer+5), last.Version)
}

func TestHub_CancelClosesChannel(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Watch("s1")
	assert.Equal(t, 1, hub.Watchers("s1"))

	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, hub.Watchers("s1"))

	hub.Observe(&saga.BookingSaga{ID: "s1"})
}

func TestHub_SnapshotsAreCopies(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Watch("s1")
	defer cancel()

	s := &saga.BookingSaga{ID: "s1", Applied: []string{"k1"}}
	hub.Observe(s)
	s.Applied[0] = "changed"

	got := <-ch
	assert.Equal(t, []string{"k1"}, got.Applied)
}
