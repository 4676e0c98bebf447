package orchestrator

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/YangTris/Hotel-Microservice/framework/metrics"
	"github.com/YangTris/Hotel-Microservice/internal/pkg/clock"
	"github.com/YangTris/Hotel-Microservice/internal/saga"
	"github.com/YangTris/Hotel-Microservice/internal/scheduler"
	"github.com/YangTris/Hotel-Microservice/internal/store"
)

// Config конфигурация оркестратора
type Config struct {
	Policy saga.Policy
	// ConflictRetries сколько раз перечитывать сагу при конфликте версий
	ConflictRetries int
	// NightlyRate цена ночи в минорных единицах, если в запросе нет суммы
	NightlyRate int64
	Currency    string
	// ScanLimit размер страницы при сканировании outbox и дедлайнов
	ScanLimit int
	// MaintenanceSpec cron расписание повторной публикации и проверки дедлайнов
	MaintenanceSpec string
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if c.ConflictRetries < 1 {
		return fmt.Errorf("conflict retries must be at least 1")
	}
	if c.NightlyRate <= 0 {
		return fmt.Errorf("nightly rate must be positive")
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter code, got %q", c.Currency)
	}
	return nil
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Policy:          saga.DefaultPolicy(),
		ConflictRetries: 5,
		NightlyRate:     10000,
		Currency:        "USD",
		ScanLimit:       store.DefaultListLimit,
		MaintenanceSpec: scheduler.DefaultMaintenanceSpec,
	}
}

// Timeouts планировщик дедлайнов саг
type Timeouts interface {
	Schedule(sagaID string, state saga.State, deadline time.Time)
	Cancel(sagaID string)
}

// Observer получает каждый сохраненный снимок саги
type Observer interface {
	Observe(s *saga.BookingSaga)
}

// ObserverFunc адаптер функции к Observer
type ObserverFunc func(s *saga.BookingSaga)

// Observe вызывает f(s)
func (f ObserverFunc) Observe(s *saga.BookingSaga) { f(s) }

// Option настраивает Orchestrator
type Option func(*Orchestrator)

// WithLogger устанавливает логгер
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics устанавливает метрики
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock устанавливает источник времени
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithIDGenerator устанавливает генератор идентификаторов саг
func WithIDGenerator(next func() string) Option {
	return func(o *Orchestrator) { o.newID = next }
}

// WithObserver добавляет наблюдателя снимков
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, obs) }
}

func defaultID() string {
	return uuid.NewString()
}
