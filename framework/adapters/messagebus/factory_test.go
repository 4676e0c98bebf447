package messagebus

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YangTris/Hotel-Microservice/framework/core"
	"github.com/YangTris/Hotel-Microservice/framework/transport"
)

func TestMessageBusFactory_Builtins(t *testing.T) {
	f := NewMessageBusFactory()
	assert.Equal(t, []string{TypeInMemory, TypeKafka, TypeNATS, TypeRedis}, f.ListRegistered())

	bus, err := f.Create(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "inmemory-adapter", bus.Name())
	assert.Equal(t, core.ComponentTypeAdapter, bus.Type())

	_, err = f.Create(Config{Type: "rabbitmq"})
	assert.Error(t, err)

	assert.Error(t, f.Register(TypeInMemory, func(cfg Config, opts ...Option) (Bus, error) { return nil, nil }))
	assert.Error(t, f.Register("", nil))
}

func TestValidateConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, ValidateConfig(cfg))

	cfg.Type = TypeNATS
	cfg.NATS.URL = "http://localhost:4222"
	assert.Error(t, ValidateConfig(cfg))

	cfg.Type = TypeKafka
	cfg.Kafka.Brokers = []string{"localhost"}
	assert.Error(t, ValidateConfig(cfg))

	cfg.Type = "unknown"
	assert.Error(t, ValidateConfig(cfg))
}

func TestNew_KafkaDoesNotDial(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Type = TypeKafka

	bus, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "kafka-adapter", bus.Name())
	assert.False(t, bus.IsRunning())
}

func TestKafkaMessageConversion(t *testing.T) {
	headers := map[string]string{
		transport.HeaderSagaID:         "s-1",
		transport.HeaderIdempotencyKey: "s-1:charge",
	}
	msg := toKafka("booking.payment.charge", []byte("{}"), headers)
	assert.Equal(t, []byte("s-1"), msg.Key)
	assert.Len(t, msg.Headers, 2)

	back := fromKafka(kafka.Message{Topic: msg.Topic, Value: msg.Value, Headers: msg.Headers})
	assert.Equal(t, "booking.payment.charge", back.Subject)
	assert.Equal(t, headers, back.Headers)
}

func TestDurableName(t *testing.T) {
	assert.Equal(t, "booking-saga_room_reserved", durableName("booking-saga", "room.reserved"))
	assert.Equal(t, "g_room_any", durableName("g", "room.*"))
	assert.NotContains(t, durableName("g", "booking.>"), ".")
}
