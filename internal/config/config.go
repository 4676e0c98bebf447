// Package config загружает конфигурацию сервиса из переменных окружения.
//
// Имена переменных строятся из префикса BOOKING, имени секции и тега поля,
// например BOOKING_BUS_NATS_URL или BOOKING_SAGA_RESERVE_TIMEOUT.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/YangTris/Hotel-Microservice/framework/adapters/messagebus"
	"github.com/YangTris/Hotel-Microservice/framework/metrics"
	"github.com/YangTris/Hotel-Microservice/framework/observability"
	"github.com/YangTris/Hotel-Microservice/internal/httpapi"
	"github.com/YangTris/Hotel-Microservice/internal/orchestrator"
	"github.com/YangTris/Hotel-Microservice/internal/participant"
	"github.com/YangTris/Hotel-Microservice/internal/saga"
	"github.com/YangTris/Hotel-Microservice/internal/scheduler"
	"github.com/YangTris/Hotel-Microservice/internal/store"
)

// Prefix префикс переменных окружения
const Prefix = "BOOKING"

// -----------------------------------------------------------------------------
// required: значения, которые различаются между окружениями
// default: значения, общие для всех окружений
// -----------------------------------------------------------------------------

type Config struct {
	Service   string `envconfig:"SERVICE" default:"booking-saga"`
	Version   string `envconfig:"VERSION" default:"dev"`
	HTTP      HTTPConfig
	Log       LogConfig
	Bus       BusConfig
	Store     StoreConfig
	Saga      SagaConfig
	Scheduler SchedulerConfig
	Metrics   MetricsConfig
	Tracing   TracingConfig
	Debug     DebugConfig
	Simulator SimulatorConfig
}

type HTTPConfig struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
	// Mode режим gin: debug, release или test
	Mode string `envconfig:"MODE" default:"release"`
}

type LogConfig struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Format string `envconfig:"FORMAT" default:"json"`
}

type BusConfig struct {
	Driver string `envconfig:"DRIVER" default:"inmemory"`
	NATS   NATSConfig
	Kafka  KafkaConfig
	Redis  BusRedisConfig
}

type NATSConfig struct {
	URL            string        `envconfig:"URL" default:"nats://localhost:4222"`
	QueueGroup     string        `envconfig:"QUEUE_GROUP" default:"booking-saga"`
	MaxReconnects  int           `envconfig:"MAX_RECONNECTS" default:"10"`
	ReconnectWait  time.Duration `envconfig:"RECONNECT_WAIT" default:"2s"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s"`
	Token          string        `envconfig:"TOKEN"`
	Username       string        `envconfig:"USERNAME"`
	Password       string        `envconfig:"PASSWORD"`
	JetStream      bool          `envconfig:"JETSTREAM" default:"false"`
	Stream         string        `envconfig:"STREAM" default:"BOOKING"`
	AckWait        time.Duration `envconfig:"ACK_WAIT" default:"30s"`
}

type KafkaConfig struct {
	Brokers          []string      `envconfig:"BROKERS" default:"localhost:9092"`
	GroupID          string        `envconfig:"GROUP_ID" default:"booking-saga"`
	Compression      string        `envconfig:"COMPRESSION" default:"snappy"`
	BatchSize        int           `envconfig:"BATCH_SIZE" default:"100"`
	FlushInterval    time.Duration `envconfig:"FLUSH_INTERVAL" default:"100ms"`
	RequiredAcks     int           `envconfig:"REQUIRED_ACKS" default:"-1"`
	StartOffset      int64         `envconfig:"START_OFFSET" default:"-2"`
	DeadLetterSuffix string        `envconfig:"DEAD_LETTER_SUFFIX" default:".dlq"`
}

type BusRedisConfig struct {
	Addr          string        `envconfig:"ADDR" default:"localhost:6379"`
	Password      string        `envconfig:"PASSWORD"`
	DB            int           `envconfig:"DB" default:"0"`
	StreamName    string        `envconfig:"STREAM" default:"booking"`
	ConsumerGroup string        `envconfig:"CONSUMER_GROUP" default:"booking-saga"`
	ConsumerName  string        `envconfig:"CONSUMER_NAME"`
	StreamMaxLen  int64         `envconfig:"STREAM_MAX_LEN" default:"100000"`
	ClaimMinIdle  time.Duration `envconfig:"CLAIM_MIN_IDLE" default:"1m"`
}

type StoreConfig struct {
	Driver   string `envconfig:"DRIVER" default:"memory"`
	Postgres PostgresConfig
	Redis    StoreRedisConfig
	Mongo    MongoConfig
}

type PostgresConfig struct {
	DSN            string        `envconfig:"DSN"`
	Schema         string        `envconfig:"SCHEMA" default:"public"`
	Table          string        `envconfig:"TABLE" default:"booking_sagas"`
	MaxConns       int32         `envconfig:"MAX_CONNS" default:"10"`
	MinConns       int32         `envconfig:"MIN_CONNS" default:"1"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"5s"`
}

type StoreRedisConfig struct {
	Addr      string `envconfig:"ADDR" default:"localhost:6379"`
	Password  string `envconfig:"PASSWORD"`
	DB        int    `envconfig:"DB" default:"0"`
	KeyPrefix string `envconfig:"KEY_PREFIX" default:"booking:saga:"`
}

type MongoConfig struct {
	URI         string        `envconfig:"URI" default:"mongodb://localhost:27017"`
	Database    string        `envconfig:"DATABASE" default:"booking"`
	Collection  string        `envconfig:"COLLECTION" default:"sagas"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"10s"`
	MaxPoolSize uint64        `envconfig:"MAX_POOL_SIZE" default:"50"`
}

type SagaConfig struct {
	ReserveTimeout          time.Duration `envconfig:"RESERVE_TIMEOUT" default:"30s"`
	PaymentTimeout          time.Duration `envconfig:"PAYMENT_TIMEOUT" default:"60s"`
	CompensationTimeout     time.Duration `envconfig:"COMPENSATION_TIMEOUT" default:"30s"`
	MaxCompensationAttempts int           `envconfig:"MAX_COMPENSATION_ATTEMPTS" default:"3"`
	ConflictRetries         int           `envconfig:"CONFLICT_RETRIES" default:"5"`
	NightlyRate             int64         `envconfig:"NIGHTLY_RATE" default:"10000"`
	Currency                string        `envconfig:"CURRENCY" default:"USD"`
	ScanLimit               int           `envconfig:"SCAN_LIMIT" default:"100"`
}

type SchedulerConfig struct {
	MaxFireAttempts int           `envconfig:"MAX_FIRE_ATTEMPTS" default:"3"`
	RetryDelay      time.Duration `envconfig:"RETRY_DELAY" default:"1s"`
	MaintenanceSpec string        `envconfig:"MAINTENANCE_SPEC" default:"@every 30s"`
}

type MetricsConfig struct {
	Exporter string `envconfig:"EXPORTER" default:"prometheus"`
}

type TracingConfig struct {
	Enabled      bool    `envconfig:"ENABLED" default:"false"`
	Exporter     string  `envconfig:"EXPORTER" default:"stdout"`
	Endpoint     string  `envconfig:"ENDPOINT"`
	SamplingRate float64 `envconfig:"SAMPLING_RATE" default:"1.0"`
	Environment  string  `envconfig:"ENVIRONMENT" default:"development"`
}

type DebugConfig struct {
	PprofAddr     string `envconfig:"PPROF_ADDR"`
	MaxGoroutines int    `envconfig:"MAX_GOROUTINES" default:"10000"`
}

type SimulatorConfig struct {
	Enabled          bool     `envconfig:"ENABLED" default:"false"`
	UnavailableRooms []string `envconfig:"UNAVAILABLE_ROOMS"`
	DeclineAbove     int64    `envconfig:"DECLINE_ABOVE" default:"0"`
}

// Load читает конфигурацию из окружения и проверяет ее
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate проверяет секции, выбранные драйверами
func (c Config) Validate() error {
	var errs []error

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log format must be json or console, got %q", c.Log.Format))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http addr cannot be empty"))
	}
	if err := messagebus.ValidateConfig(c.BusConfig()); err != nil {
		errs = append(errs, fmt.Errorf("bus: %w", err))
	}
	if err := c.StoreConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if err := c.OrchestratorConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("saga: %w", err))
	}
	if err := c.SchedulerConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if err := c.TracingConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	if c.Simulator.DeclineAbove < 0 {
		errs = append(errs, errors.New("simulator decline threshold must not be negative"))
	}
	return errors.Join(errs...)
}

// ServerConfig конфигурация HTTP сервера
func (c Config) ServerConfig() httpapi.Config {
	cfg := httpapi.DefaultConfig()
	cfg.Addr = c.HTTP.Addr
	cfg.ReadTimeout = c.HTTP.ReadTimeout
	cfg.WriteTimeout = c.HTTP.WriteTimeout
	cfg.ShutdownTimeout = c.HTTP.ShutdownTimeout
	cfg.Mode = c.HTTP.Mode
	return cfg
}

// BusConfig конфигурация фабрики message bus
func (c Config) BusConfig() messagebus.Config {
	cfg := messagebus.DefaultConfig()
	cfg.Type = strings.ToLower(c.Bus.Driver)

	cfg.NATS.URL = c.Bus.NATS.URL
	cfg.NATS.Name = c.Service
	cfg.NATS.QueueGroup = c.Bus.NATS.QueueGroup
	cfg.NATS.MaxReconnects = c.Bus.NATS.MaxReconnects
	cfg.NATS.ReconnectWait = c.Bus.NATS.ReconnectWait
	cfg.NATS.ConnectionTimeout = c.Bus.NATS.ConnectTimeout
	cfg.NATS.Token = c.Bus.NATS.Token
	cfg.NATS.Username = c.Bus.NATS.Username
	cfg.NATS.Password = c.Bus.NATS.Password
	cfg.NATS.JetStream = c.Bus.NATS.JetStream
	cfg.NATS.Stream = c.Bus.NATS.Stream
	cfg.NATS.AckWait = c.Bus.NATS.AckWait

	cfg.Kafka.Brokers = c.Bus.Kafka.Brokers
	cfg.Kafka.GroupID = c.Bus.Kafka.GroupID
	cfg.Kafka.Compression = c.Bus.Kafka.Compression
	cfg.Kafka.BatchSize = c.Bus.Kafka.BatchSize
	cfg.Kafka.FlushInterval = c.Bus.Kafka.FlushInterval
	cfg.Kafka.ProducerConfig.RequiredAcks = c.Bus.Kafka.RequiredAcks
	cfg.Kafka.ConsumerConfig.StartOffset = c.Bus.Kafka.StartOffset
	cfg.Kafka.DeadLetterSuffix = c.Bus.Kafka.DeadLetterSuffix

	cfg.Redis.Addr = c.Bus.Redis.Addr
	cfg.Redis.Password = c.Bus.Redis.Password
	cfg.Redis.DB = c.Bus.Redis.DB
	cfg.Redis.StreamName = c.Bus.Redis.StreamName
	cfg.Redis.ConsumerGroup = c.Bus.Redis.ConsumerGroup
	if c.Bus.Redis.ConsumerName != "" {
		cfg.Redis.ConsumerName = c.Bus.Redis.ConsumerName
	}
	cfg.Redis.StreamMaxLen = c.Bus.Redis.StreamMaxLen
	cfg.Redis.ClaimMinIdle = c.Bus.Redis.ClaimMinIdle

	return cfg
}

// StoreConfig конфигурация хранилища саг
func (c Config) StoreConfig() store.Config {
	cfg := store.DefaultConfig()
	cfg.Driver = store.Driver(strings.ToLower(c.Store.Driver))

	cfg.Postgres.DSN = c.Store.Postgres.DSN
	cfg.Postgres.Schema = c.Store.Postgres.Schema
	cfg.Postgres.Table = c.Store.Postgres.Table
	cfg.Postgres.MaxConns = c.Store.Postgres.MaxConns
	cfg.Postgres.MinConns = c.Store.Postgres.MinConns
	cfg.Postgres.ConnectTimeout = c.Store.Postgres.ConnectTimeout

	cfg.Redis.Addr = c.Store.Redis.Addr
	cfg.Redis.Password = c.Store.Redis.Password
	cfg.Redis.DB = c.Store.Redis.DB
	cfg.Redis.KeyPrefix = c.Store.Redis.KeyPrefix

	cfg.Mongo.URI = c.Store.Mongo.URI
	cfg.Mongo.Database = c.Store.Mongo.Database
	cfg.Mongo.Collection = c.Store.Mongo.Collection
	cfg.Mongo.Timeout = c.Store.Mongo.Timeout
	cfg.Mongo.MaxPoolSize = c.Store.Mongo.MaxPoolSize

	return cfg
}

// OrchestratorConfig конфигурация оркестратора и политики саги
func (c Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		Policy: saga.Policy{
			ReserveTimeout:          c.Saga.ReserveTimeout,
			PaymentTimeout:          c.Saga.PaymentTimeout,
			CompensationTimeout:     c.Saga.CompensationTimeout,
			MaxCompensationAttempts: c.Saga.MaxCompensationAttempts,
		},
		ConflictRetries: c.Saga.ConflictRetries,
		NightlyRate:     c.Saga.NightlyRate,
		Currency:        strings.ToUpper(c.Saga.Currency),
		ScanLimit:       c.Saga.ScanLimit,
		MaintenanceSpec: c.Scheduler.MaintenanceSpec,
	}
}

// SchedulerConfig конфигурация планировщика таймаутов
func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		MaxFireAttempts: c.Scheduler.MaxFireAttempts,
		RetryDelay:      c.Scheduler.RetryDelay,
	}
}

// MetricsConfig конфигурация экспорта метрик
func (c Config) MetricsConfig() *metrics.MetricsConfig {
	return &metrics.MetricsConfig{
		ExporterType: c.Metrics.Exporter,
		ResourceAttrs: map[string]string{
			"service.name": c.Service,
		},
	}
}

// TracingConfig конфигурация трассировки
func (c Config) TracingConfig() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:          c.Tracing.Enabled,
		ServiceName:      c.Service,
		ServiceVersion:   c.Version,
		Exporter:         c.Tracing.Exporter,
		ExporterEndpoint: c.Tracing.Endpoint,
		SamplingRate:     c.Tracing.SamplingRate,
		Environment:      c.Tracing.Environment,
	}
}

// DebugConfig конфигурация pprof и runtime проверки
func (c Config) DebugConfig() observability.DebugConfig {
	return observability.DebugConfig{
		PprofAddr:     c.Debug.PprofAddr,
		MaxGoroutines: c.Debug.MaxGoroutines,
	}
}

// ParticipantConfig конфигурация симулятора участников
func (c Config) ParticipantConfig() participant.Config {
	return participant.Config{
		UnavailableRooms: c.Simulator.UnavailableRooms,
		DeclineAbove:     c.Simulator.DeclineAbove,
	}
}

// NewTestConfig возвращает конфигурацию для тестов: все в памяти
func NewTestConfig() Config {
	return Config{
		Service: "booking-saga-test",
		Version: "test",
		HTTP:    HTTPConfig{Addr: ":0", ReadTimeout: time.Second, WriteTimeout: time.Second, ShutdownTimeout: time.Second, Mode: "test"},
		Log:     LogConfig{Level: "error", Format: "json"},
		Bus:     BusConfig{Driver: messagebus.TypeInMemory},
		Store:   StoreConfig{Driver: string(store.DriverMemory)},
		Saga: SagaConfig{
			ReserveTimeout:          30 * time.Second,
			PaymentTimeout:          60 * time.Second,
			CompensationTimeout:     30 * time.Second,
			MaxCompensationAttempts: 3,
			ConflictRetries:         5,
			NightlyRate:             10000,
			Currency:                "USD",
			ScanLimit:               store.DefaultListLimit,
		},
		Scheduler: SchedulerConfig{MaxFireAttempts: 3, RetryDelay: time.Second, MaintenanceSpec: scheduler.DefaultMaintenanceSpec},
		Metrics:   MetricsConfig{Exporter: "none"},
		Tracing:   TracingConfig{Exporter: "stdout", SamplingRate: 1},
		Simulator: SimulatorConfig{Enabled: true},
	}
}
