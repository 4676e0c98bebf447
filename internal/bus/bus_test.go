package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/YangTris/Hotel-Microservice/framework/adapters/messagebus"
	"github.com/YangTris/Hotel-Microservice/framework/core"
	"github.com/YangTris/Hotel-Microservice/framework/transport"
)

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	args := m.Called(ctx, subject, data, headers)
	return args.Error(0)
}

func (m *mockTransport) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	args := m.Called(ctx, subject, handler)
	return args.Error(0)
}

func (m *mockTransport) Unsubscribe(subject string) error {
	return m.Called(subject).Error(0)
}

func quickRetry() transport.RetryPolicy {
	return &transport.ExponentialBackoffRetryPolicy{
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
		MaxAttempts:  3,
	}
}

func TestAdapter_PublishEncodesHeaders(t *testing.T) {
	mt := new(mockTransport)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := Message{
		SagaID:         "s-1",
		IdempotencyKey: "s-1:reserve-room",
		Type:           "ReserveRoomCommand",
		Payload:        json.RawMessage(`{"sagaId":"s-1","roomId":"R1"}`),
		OccurredAt:     at,
	}

	mt.On("Publish", mock.Anything, "booking.room.reserve", []byte(msg.Payload), map[string]string{
		transport.HeaderSagaID:         "s-1",
		transport.HeaderIdempotencyKey: "s-1:reserve-room",
		transport.HeaderMessageType:    "ReserveRoomCommand",
		transport.HeaderOccurredAt:     "2024-05-01T12:00:00Z",
	}).Return(nil).Once()

	a := NewAdapter(mt)
	require.NoError(t, a.Publish(context.Background(), "booking.room.reserve", msg))
	mt.AssertExpectations(t)
}

func TestAdapter_PublishRetriesThenTransient(t *testing.T) {
	mt := new(mockTransport)
	mt.On("Publish", mock.Anything, "booking.payment.charge", mock.Anything, mock.Anything).
		Return(errors.New("connection refused")).Times(3)

	a := NewAdapter(mt, WithPublishRetry(quickRetry()))
	err := a.Publish(context.Background(), "booking.payment.charge", Message{
		SagaID:         "s-1",
		IdempotencyKey: "s-1:charge-payment",
		Type:           "ChargePaymentCommand",
	})

	require.Error(t, err)
	assert.True(t, core.IsTransient(err))
	mt.AssertExpectations(t)
}

func TestAdapter_PublishRecoversAfterFailure(t *testing.T) {
	mt := new(mockTransport)
	mt.On("Publish", mock.Anything, "booking.confirmed", mock.Anything, mock.Anything).
		Return(errors.New("broker restarting")).Once()
	mt.On("Publish", mock.Anything, "booking.confirmed", mock.Anything, mock.Anything).
		Return(nil).Once()

	a := NewAdapter(mt, WithPublishRetry(quickRetry()))
	require.NoError(t, a.Publish(context.Background(), "booking.confirmed", Message{
		SagaID:         "s-1",
		IdempotencyKey: "s-1:booking-confirmed",
	}))
	mt.AssertNumberOfCalls(t, "Publish", 2)
}

func TestAdapter_PublishRequiresIdentity(t *testing.T) {
	a := NewAdapter(new(mockTransport))
	err := a.Publish(context.Background(), "booking.failed", Message{SagaID: "s-1"})
	assert.Error(t, err)
	assert.False(t, core.IsTransient(err))
}

func TestAdapter_RoundTripOverInMemory(t *testing.T) {
	ctx := context.Background()
	mb := messagebus.NewInMemoryAdapter(messagebus.InMemoryConfig{Synchronous: true})
	a := NewAdapter(mb)

	var got []Message
	require.NoError(t, a.Subscribe(ctx, "room.reserved", func(ctx context.Context, msg Message) error {
		got = append(got, msg)
		return nil
	}))

	at := time.Date(2024, 5, 1, 9, 30, 0, 123, time.UTC)
	sent := Message{
		SagaID:         "s-9",
		IdempotencyKey: "room:RZ1",
		Type:           "RoomReservedEvent",
		Payload:        json.RawMessage(`{"sagaId":"s-9","reservationId":"RZ1"}`),
		OccurredAt:     at,
	}
	require.NoError(t, a.Publish(ctx, "room.reserved", sent))

	require.Len(t, got, 1)
	assert.Equal(t, sent.SagaID, got[0].SagaID)
	assert.Equal(t, sent.IdempotencyKey, got[0].IdempotencyKey)
	assert.Equal(t, sent.Type, got[0].Type)
	assert.JSONEq(t, string(sent.Payload), string(got[0].Payload))
	assert.True(t, at.Equal(got[0].OccurredAt))
}

func TestAdapter_SubscribeDropsUnroutable(t *testing.T) {
	ctx := context.Background()
	mb := messagebus.NewInMemoryAdapter(messagebus.InMemoryConfig{Synchronous: true})
	a := NewAdapter(mb)

	calls := 0
	require.NoError(t, a.Subscribe(ctx, "payment.confirmed", func(ctx context.Context, msg Message) error {
		calls++
		return nil
	}))

	// без ключа идемпотентности
	require.NoError(t, mb.Publish(ctx, "payment.confirmed", []byte(`{"sagaId":"s-1"}`), nil))
	assert.Zero(t, calls)
}

func TestDecode_SagaIDFromPayload(t *testing.T) {
	msg, err := Decode(&transport.Message{
		Subject: "room.rejected",
		Data:    []byte(`{"sagaId":"s-2","reason":"sold out"}`),
		Headers: map[string]string{transport.HeaderIdempotencyKey: "room:reject:s-2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "s-2", msg.SagaID)
	assert.True(t, msg.OccurredAt.IsZero())

	_, err = Decode(&transport.Message{Subject: "room.rejected", Data: []byte(`not json`)})
	assert.Error(t, err)
}
