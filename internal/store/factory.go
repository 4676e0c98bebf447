package store

import (
	"context"
	"fmt"

	"github.com/YangTris/Hotel-Microservice/framework/core"
)

// Driver тип хранилища
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverPostgres Driver = "postgres"
	DriverRedis    Driver = "redis"
	DriverMongo    Driver = "mongodb"
)

// Backend хранилище вместе с жизненным циклом
type Backend interface {
	Store
	core.Lifecycle
	core.Component
}

// Config выбор и настройки хранилища
type Config struct {
	Driver   Driver
	Postgres PostgresConfig
	Redis    RedisConfig
	Mongo    MongoConfig
}

// DefaultConfig возвращает конфигурацию по умолчанию (in-memory)
func DefaultConfig() Config {
	return Config{
		Driver:   DriverMemory,
		Postgres: DefaultPostgresConfig(),
		Redis:    DefaultRedisConfig(),
		Mongo:    DefaultMongoConfig(),
	}
}

// Validate проверяет секцию выбранного драйвера
func (c Config) Validate() error {
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverPostgres:
		return c.Postgres.Validate()
	case DriverRedis:
		return c.Redis.Validate()
	case DriverMongo:
		return c.Mongo.Validate()
	default:
		return fmt.Errorf("unsupported store driver: %s", c.Driver)
	}
}

// New создает хранилище по драйверу
func New(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Driver {
	case DriverMemory, "":
		return NewMemoryStore(), nil
	case DriverPostgres:
		return NewPostgresStore(ctx, cfg.Postgres)
	case DriverRedis:
		return NewRedisStore(ctx, cfg.Redis)
	case DriverMongo:
		return NewMongoStore(ctx, cfg.Mongo)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}
