package messagebus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/YangTris/Hotel-Microservice/framework/core"
	"github.com/YangTris/Hotel-Microservice/framework/transport"
)

// KafkaConfig конфигурация для Kafka адаптера
type KafkaConfig struct {
	Brokers        []string
	GroupID        string
	Compression    string // none, gzip, snappy, lz4, zstd
	BatchSize      int
	FlushInterval  time.Duration
	ConsumerConfig KafkaConsumerConfig
	ProducerConfig KafkaProducerConfig
	// DeadLetterSuffix если задан, сообщение после исчерпания повторов
	// перекладывается в топик <topic><suffix> и его offset фиксируется
	DeadLetterSuffix string
}

// Validate проверяет корректность конфигурации
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty")
	}
	for i, broker := range c.Brokers {
		if broker == "" {
			return fmt.Errorf("broker[%d] cannot be empty", i)
		}
		if !strings.Contains(broker, ":") {
			return fmt.Errorf("broker[%d] must be in format host:port", i)
		}
	}
	if c.GroupID == "" {
		return fmt.Errorf("group id cannot be empty")
	}
	return nil
}

// KafkaConsumerConfig конфигурация для Kafka consumer
type KafkaConsumerConfig struct {
	MinBytes    int
	MaxBytes    int
	MaxWait     time.Duration
	StartOffset int64 // -2 (earliest), -1 (latest)
}

// KafkaProducerConfig конфигурация для Kafka producer
type KafkaProducerConfig struct {
	RequiredAcks int // 0, 1, -1 (all)
	MaxAttempts  int
}

// DefaultKafkaConfig возвращает конфигурацию Kafka по умолчанию
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:       []string{"localhost:9092"},
		GroupID:       "booking-saga",
		Compression:   "snappy",
		BatchSize:     100,
		FlushInterval: 10 * time.Millisecond,
		ConsumerConfig: KafkaConsumerConfig{
			MinBytes:    1,
			MaxBytes:    10e6, // 10MB
			MaxWait:     1 * time.Second,
			StartOffset: kafka.FirstOffset,
		},
		ProducerConfig: KafkaProducerConfig{
			RequiredAcks: -1, // all
			MaxAttempts:  3,
		},
		DeadLetterSuffix: ".dlq",
	}
}

// KafkaAdapter реализация MessageBus через Kafka
type KafkaAdapter struct {
	config  KafkaConfig
	opts    options
	writer  *kafka.Writer
	subs    map[string]*kafka.Reader
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewKafkaAdapter создает новый Kafka адаптер
func NewKafkaAdapter(config KafkaConfig, opts ...Option) (*KafkaAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}

	return &KafkaAdapter{
		config: config,
		opts:   newOptions("kafka", opts),
		subs:   make(map[string]*kafka.Reader),
		writer: &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequiredAcks(config.ProducerConfig.RequiredAcks),
			MaxAttempts:  config.ProducerConfig.MaxAttempts,
			Async:        false,
			BatchSize:    config.BatchSize,
			BatchTimeout: config.FlushInterval,
			Compression:  getCompression(config.Compression),
			// топики саги создаются по первому сообщению
			AllowAutoTopicCreation: true,
		},
	}, nil
}

// getCompression преобразует строку в kafka.Compression
func getCompression(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0)
	}
}

// Start запускает адаптер (реализация core.Lifecycle)
func (k *KafkaAdapter) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.running = true
	return nil
}

// Stop закрывает readers, дожидается циклов чтения и закрывает writer
func (k *KafkaAdapter) Stop(ctx context.Context) error {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return nil
	}
	for topic, reader := range k.subs {
		_ = reader.Close()
		delete(k.subs, topic)
	}
	k.running = false
	k.mu.Unlock()

	k.wg.Wait()
	return k.writer.Close()
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (k *KafkaAdapter) IsRunning() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.running
}

// Name возвращает имя компонента (реализация core.Component)
func (k *KafkaAdapter) Name() string {
	return "kafka-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (k *KafkaAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish публикует сообщение в топик. Ключ партиционирования - saga id.
func (k *KafkaAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	err := k.writer.WriteMessages(ctx, toKafka(subject, data, headers))
	k.opts.published(ctx, "kafka", subject, err)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe подписывается на топик.
// Offset фиксируется только после успешной обработки или переноса в DLQ.
func (k *KafkaAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		Topic:       subject,
		GroupID:     k.config.GroupID,
		MinBytes:    k.config.ConsumerConfig.MinBytes,
		MaxBytes:    k.config.ConsumerConfig.MaxBytes,
		MaxWait:     k.config.ConsumerConfig.MaxWait,
		StartOffset: k.config.ConsumerConfig.StartOffset,
	})

	k.mu.Lock()
	if old, exists := k.subs[subject]; exists {
		_ = old.Close()
	}
	k.subs[subject] = reader
	k.mu.Unlock()

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		k.consume(ctx, reader, handler)
	}()
	return nil
}

func (k *KafkaAdapter) consume(ctx context.Context, reader *kafka.Reader, handler transport.MessageHandler) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			// закрытый reader возвращает io.EOF
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			k.opts.logger.Error().Err(err).Str("topic", reader.Config().Topic).Msg("failed to fetch message")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := k.opts.deliver(ctx, "kafka", handler, fromKafka(msg)); err != nil {
			if k.config.DeadLetterSuffix == "" {
				// без DLQ offset не фиксируется, сообщение придет заново после ребаланса
				continue
			}
			if dlqErr := k.deadLetter(ctx, msg, err); dlqErr != nil {
				k.opts.logger.Error().Err(dlqErr).Str("topic", msg.Topic).Msg("failed to move message to dead letter topic")
				continue
			}
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			k.opts.logger.Warn().Err(err).Str("topic", msg.Topic).Int64("offset", msg.Offset).Msg("failed to commit offset")
		}
	}
}

func (k *KafkaAdapter) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	headers := make(map[string]string, len(msg.Headers)+1)
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	headers["dlq-error"] = cause.Error()
	return k.writer.WriteMessages(ctx, toKafka(msg.Topic+k.config.DeadLetterSuffix, msg.Value, headers))
}

// Unsubscribe отписывается от топика
func (k *KafkaAdapter) Unsubscribe(subject string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	reader, exists := k.subs[subject]
	if !exists {
		return nil
	}
	if err := reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}
	delete(k.subs, subject)
	return nil
}

func toKafka(topic string, data []byte, headers map[string]string) kafka.Message {
	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(headers[transport.HeaderSagaID]),
		Value:   data,
		Headers: make([]kafka.Header, 0, len(headers)),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return msg
}

func fromKafka(msg kafka.Message) *transport.Message {
	out := &transport.Message{
		Subject: msg.Topic,
		Data:    msg.Value,
		Headers: make(map[string]string, len(msg.Headers)),
	}
	for _, h := range msg.Headers {
		out.Headers[h.Key] = string(h.Value)
	}
	return out
}
