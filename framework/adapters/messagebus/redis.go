package messagebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/YangTris/Hotel-Microservice/framework/core"
	"github.com/YangTris/Hotel-Microservice/framework/transport"
)

// RedisConfig конфигурация для Redis адаптера
type RedisConfig struct {
	Addr          string
	Password      string
	DB            int
	PoolSize      int
	MaxRetries    int
	StreamMaxLen  int64 // Максимальная длина stream (0 = без ограничений)
	ConsumerGroup string
	ConsumerName  string
	BlockTimeout  time.Duration
	StreamName    string // Префикс stream для публикации сообщений
	// ClaimMinIdle сколько сообщение должно провисеть в pending, чтобы его перехватить
	ClaimMinIdle  time.Duration
	ClaimInterval time.Duration
}

// Validate проверяет корректность конфигурации
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if c.StreamName == "" {
		return fmt.Errorf("StreamName cannot be empty")
	}
	if c.ConsumerGroup == "" {
		return fmt.Errorf("ConsumerGroup cannot be empty")
	}
	return nil
}

// DefaultRedisConfig возвращает конфигурацию Redis по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		PoolSize:      10,
		MaxRetries:    3,
		StreamMaxLen:  10000,
		ConsumerGroup: "booking-saga",
		BlockTimeout:  5 * time.Second,
		StreamName:    "booking",
		ClaimMinIdle:  time.Minute,
		ClaimInterval: 30 * time.Second,
	}
}

// RedisAdapter реализация MessageBus через Redis Streams
type RedisAdapter struct {
	config     RedisConfig
	opts       options
	client     redis.UniversalClient
	ownsClient bool
	consumer   string
	subs       map[string]context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.RWMutex
	running    bool
}

// NewRedisAdapter создает новый Redis адаптер и проверяет подключение
func NewRedisAdapter(config RedisConfig, opts ...Option) (*RedisAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:       config.Addr,
		Password:   config.Password,
		DB:         config.DB,
		PoolSize:   config.PoolSize,
		MaxRetries: config.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	adapter, err := NewRedisAdapterFromClient(client, config, opts...)
	if err != nil {
		return nil, err
	}
	adapter.ownsClient = true
	return adapter, nil
}

// NewRedisAdapterFromClient создает адаптер поверх существующего клиента
func NewRedisAdapterFromClient(client redis.UniversalClient, config RedisConfig, opts ...Option) (*RedisAdapter, error) {
	if config.StreamName == "" || config.ConsumerGroup == "" {
		return nil, fmt.Errorf("invalid redis config: stream name and consumer group are required")
	}
	consumer := config.ConsumerName
	if consumer == "" {
		consumer = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	return &RedisAdapter{
		config:   config,
		opts:     newOptions("redis", opts),
		client:   client,
		consumer: consumer,
		subs:     make(map[string]context.CancelFunc),
	}, nil
}

// Start запускает адаптер (реализация core.Lifecycle)
func (r *RedisAdapter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = true
	return nil
}

// Stop останавливает циклы чтения (реализация core.Lifecycle)
func (r *RedisAdapter) Stop(ctx context.Context) error {
	r.mu.Lock()
	for stream, cancel := range r.subs {
		cancel()
		delete(r.subs, stream)
	}
	wasRunning := r.running
	r.running = false
	r.mu.Unlock()

	r.wg.Wait()

	if wasRunning && r.ownsClient {
		return r.client.Close()
	}
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (r *RedisAdapter) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Name возвращает имя компонента (реализация core.Component)
func (r *RedisAdapter) Name() string {
	return "redis-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (r *RedisAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish публикует сообщение в stream (XADD)
func (r *RedisAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	values := map[string]interface{}{
		"data": string(data),
	}
	if len(headers) > 0 {
		headersJSON, err := json.Marshal(headers)
		if err != nil {
			return fmt.Errorf("failed to encode headers: %w", err)
		}
		values["headers"] = string(headersJSON)
	}

	args := redis.XAddArgs{
		Stream: r.streamName(subject),
		Values: values,
	}
	if r.config.StreamMaxLen > 0 {
		args.MaxLen = r.config.StreamMaxLen
		args.Approx = true
	}

	err := r.client.XAdd(ctx, &args).Err()
	r.opts.published(ctx, "redis", subject, err)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe подписывается на stream (XREADGROUP).
// Сообщение подтверждается XACK только после успешной обработки,
// неподтвержденные периодически перехватываются из pending.
func (r *RedisAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	stream := r.streamName(subject)

	err := r.client.XGroupCreateMkStream(ctx, stream, r.config.ConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if old, exists := r.subs[stream]; exists {
		old()
	}
	r.subs[stream] = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.readLoop(subCtx, subject, stream, handler)
	}()
	return nil
}

func (r *RedisAdapter) readLoop(ctx context.Context, subject, stream string, handler transport.MessageHandler) {
	lastClaim := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}

		if r.config.ClaimInterval > 0 && time.Since(lastClaim) >= r.config.ClaimInterval {
			if err := r.ProcessPendingMessages(ctx, subject, handler); err != nil && ctx.Err() == nil {
				r.opts.logger.Warn().Err(err).Str("stream", stream).Msg("failed to process pending messages")
			}
			lastClaim = time.Now()
		}

		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.config.ConsumerGroup,
			Consumer: r.consumer,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    r.config.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			r.opts.logger.Error().Err(err).Str("stream", stream).Msg("failed to read stream")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				r.handle(ctx, subject, stream, msg, handler)
			}
		}
	}
}

func (r *RedisAdapter) handle(ctx context.Context, subject, stream string, msg redis.XMessage, handler transport.MessageHandler) {
	if err := r.opts.deliver(ctx, "redis", handler, fromStream(subject, msg)); err != nil {
		return
	}
	if err := r.client.XAck(ctx, stream, r.config.ConsumerGroup, msg.ID).Err(); err != nil {
		r.opts.logger.Warn().Err(err).Str("stream", stream).Str("id", msg.ID).Msg("failed to ack message")
	}
}

// Unsubscribe отписывается от stream
func (r *RedisAdapter) Unsubscribe(subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream := r.streamName(subject)
	if cancel, exists := r.subs[stream]; exists {
		cancel()
		delete(r.subs, stream)
	}
	return nil
}

// ProcessPendingMessages перехватывает и обрабатывает зависшие pending сообщения группы
func (r *RedisAdapter) ProcessPendingMessages(ctx context.Context, subject string, handler transport.MessageHandler) error {
	stream := r.streamName(subject)

	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  r.config.ConsumerGroup,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to get pending messages: %w", err)
	}

	for _, p := range pending {
		if p.Idle < r.config.ClaimMinIdle {
			continue
		}
		msgs, err := r.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    r.config.ConsumerGroup,
			Consumer: r.consumer,
			MinIdle:  r.config.ClaimMinIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			continue
		}
		for _, msg := range msgs {
			r.handle(ctx, subject, stream, msg, handler)
		}
	}
	return nil
}

// streamName преобразует subject в имя stream
func (r *RedisAdapter) streamName(subject string) string {
	return fmt.Sprintf("%s:%s", r.config.StreamName, subject)
}

func fromStream(subject string, msg redis.XMessage) *transport.Message {
	out := &transport.Message{
		Subject: subject,
		Headers: make(map[string]string),
	}
	if data, ok := msg.Values["data"].(string); ok {
		out.Data = []byte(data)
	}
	if headersStr, ok := msg.Values["headers"].(string); ok {
		_ = json.Unmarshal([]byte(headersStr), &out.Headers)
	}
	return out
}
