package messagebus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/YangTris/Hotel-Microservice/framework/core"
	"github.com/YangTris/Hotel-Microservice/framework/transport"
)

// Поддерживаемые типы шины
const (
	TypeInMemory = "inmemory"
	TypeNATS     = "nats"
	TypeKafka    = "kafka"
	TypeRedis    = "redis"
)

// Bus шина сообщений с управляемым жизненным циклом
type Bus interface {
	transport.MessageBus
	core.Lifecycle
	core.Component
}

// Config выбирает адаптер и хранит настройки каждого из них
type Config struct {
	Type     string
	InMemory InMemoryConfig
	NATS     NATSConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
}

// DefaultConfig возвращает конфигурацию с in-memory шиной
func DefaultConfig() Config {
	return Config{
		Type:     TypeInMemory,
		InMemory: DefaultInMemoryConfig(),
		NATS:     DefaultNATSConfig(),
		Kafka:    DefaultKafkaConfig(),
		Redis:    DefaultRedisConfig(),
	}
}

// Creator создает адаптер по конфигурации
type Creator func(cfg Config, opts ...Option) (Bus, error)

// MessageBusFactory реестр адаптеров MessageBus
type MessageBusFactory struct {
	creators map[string]Creator
	mu       sync.RWMutex
}

// NewMessageBusFactory создает фабрику со встроенными адаптерами
func NewMessageBusFactory() *MessageBusFactory {
	factory := &MessageBusFactory{
		creators: make(map[string]Creator),
	}

	_ = factory.Register(TypeInMemory, func(cfg Config, opts ...Option) (Bus, error) {
		return NewInMemoryAdapter(cfg.InMemory, opts...), nil
	})
	_ = factory.Register(TypeNATS, func(cfg Config, opts ...Option) (Bus, error) {
		return NewNATSAdapter(cfg.NATS, opts...)
	})
	_ = factory.Register(TypeKafka, func(cfg Config, opts ...Option) (Bus, error) {
		return NewKafkaAdapter(cfg.Kafka, opts...)
	})
	_ = factory.Register(TypeRedis, func(cfg Config, opts ...Option) (Bus, error) {
		return NewRedisAdapter(cfg.Redis, opts...)
	})

	return factory
}

// Create создает адаптер типа cfg.Type
func (f *MessageBusFactory) Create(cfg Config, opts ...Option) (Bus, error) {
	f.mu.RLock()
	creator, exists := f.creators[cfg.Type]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown message bus type: %s", cfg.Type)
	}

	adapter, err := creator(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s adapter: %w", cfg.Type, err)
	}
	return adapter, nil
}

// Register регистрирует адаптер
func (f *MessageBusFactory) Register(name string, creator Creator) error {
	if name == "" {
		return fmt.Errorf("adapter name cannot be empty")
	}
	if creator == nil {
		return fmt.Errorf("creator function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.creators[name]; exists {
		return fmt.Errorf("adapter %s already registered", name)
	}
	f.creators[name] = creator
	return nil
}

// ListRegistered возвращает отсортированный список зарегистрированных адаптеров
func (f *MessageBusFactory) ListRegistered() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.creators))
	for name := range f.creators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateConfig валидирует конфигурацию выбранного адаптера
func ValidateConfig(cfg Config) error {
	switch cfg.Type {
	case TypeInMemory:
		return nil
	case TypeNATS:
		return cfg.NATS.Validate()
	case TypeKafka:
		return cfg.Kafka.Validate()
	case TypeRedis:
		return cfg.Redis.Validate()
	default:
		return fmt.Errorf("unknown message bus type: %s", cfg.Type)
	}
}

// New создает адаптер встроенной фабрикой
func New(cfg Config, opts ...Option) (Bus, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid message bus config: %w", err)
	}
	return NewMessageBusFactory().Create(cfg, opts...)
}
