package store

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YangTris/Hotel-Microservice/internal/saga"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		_, client := newTestRedis(t)
		return NewRedisStoreFromClient(client, DefaultRedisConfig())
	})
}

func TestRedisStore_MaintainsIndexes(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	st := NewRedisStoreFromClient(client, RedisConfig{KeyPrefix: "t:"})

	s := fixture("s-idx")
	require.NoError(t, st.Save(ctx, s, 0))

	members, err := mr.Members("t:sagas:undispatched")
	require.NoError(t, err)
	assert.Equal(t, []string{s.ID}, members)
	parked, err := mr.ZMembers("t:sagas:parked")
	require.NoError(t, err)
	assert.Equal(t, []string{s.ID}, parked)

	done := advance(s, saga.StateCancelled, func(n *saga.BookingSaga) {
		n.Deadline = time.Time{}
		n.Outbox = nil
	})
	require.NoError(t, st.Save(ctx, done, 1))

	assert.Zero(t, client.SCard(ctx, "t:sagas:undispatched").Val())
	assert.Zero(t, client.ZCard(ctx, "t:sagas:parked").Val())
}

func TestRedisStore_MarkDispatchedPartial(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	st := NewRedisStoreFromClient(client, DefaultRedisConfig())

	s := fixture("s-partial")
	extra, err := saga.NewIntent(saga.CancelReservationCommand{SagaID: s.ID})
	require.NoError(t, err)
	s.Outbox = append(s.Outbox, extra)
	require.NoError(t, st.Save(ctx, s, 0))

	require.NoError(t, st.MarkDispatched(ctx, s.ID, []string{s.Outbox[0].Key}))

	got, _, err := st.Load(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, got.Outbox, 1)
	assert.Equal(t, extra.Key, got.Outbox[0].Key)

	pending, err := st.ListUndispatched(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
