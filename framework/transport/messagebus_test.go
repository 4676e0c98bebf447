package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoffRetryPolicy_GetDelay(t *testing.T) {
	p := &ExponentialBackoffRetryPolicy{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     50 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  5,
	}

	assert.Equal(t, 10*time.Millisecond, p.GetDelay(1))
	assert.Equal(t, 20*time.Millisecond, p.GetDelay(2))
	assert.Equal(t, 40*time.Millisecond, p.GetDelay(3))
	assert.Equal(t, 50*time.Millisecond, p.GetDelay(4))
	assert.Equal(t, 10*time.Millisecond, p.GetDelay(0))
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	p := &ExponentialBackoffRetryPolicy{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, MaxAttempts: 3}

	calls := 0
	err := Retry(context.Background(), p, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_GivesUp(t *testing.T) {
	p := &ExponentialBackoffRetryPolicy{InitialDelay: time.Millisecond, Multiplier: 1, MaxAttempts: 2}
	boom := errors.New("down")

	calls := 0
	err := Retry(context.Background(), p, func(ctx context.Context) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestRetry_StopsOnContextCancel(t *testing.T) {
	p := &ExponentialBackoffRetryPolicy{InitialDelay: time.Hour, Multiplier: 1, MaxAttempts: 10}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, p, func(ctx context.Context) error { return errors.New("down") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMessage_Header(t *testing.T) {
	var empty Message
	assert.Equal(t, "", empty.Header(HeaderSagaID))

	msg := Message{Headers: map[string]string{HeaderSagaID: "s-1"}}
	assert.Equal(t, "s-1", msg.Header(HeaderSagaID))
}
