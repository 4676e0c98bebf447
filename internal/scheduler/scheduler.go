// Package scheduler хранит дедлайны саг и поднимает синтетические Timeout события.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/YangTris/Hotel-Microservice/framework/core"
	"github.com/YangTris/Hotel-Microservice/framework/metrics"
	"github.com/YangTris/Hotel-Microservice/internal/pkg/clock"
	"github.com/YangTris/Hotel-Microservice/internal/saga"
)

// FireFunc доставляет таймаут саги в оркестратор
type FireFunc func(ctx context.Context, sagaID string, timeout saga.Timeout) error

// Config конфигурация планировщика таймаутов
type Config struct {
	// MaxFireAttempts сколько раз повторять срабатывание, вернувшее ошибку
	MaxFireAttempts int
	RetryDelay      time.Duration
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.MaxFireAttempts < 1 {
		return fmt.Errorf("max fire attempts must be at least 1")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative")
	}
	return nil
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		MaxFireAttempts: 3,
		RetryDelay:      time.Second,
	}
}

// Entry взведенный таймаут саги
type Entry struct {
	SagaID   string
	State    saga.State
	Deadline time.Time
}

type entry struct {
	Entry
	timer    clock.Timer
	attempts int
}

// Option настраивает Scheduler
type Option func(*Scheduler)

// WithLogger устанавливает логгер
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics устанавливает метрики
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler держит один таймер на сагу
type Scheduler struct {
	config  Config
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	fire    FireFunc
	entries map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// New создает планировщик
func New(config Config, clk clock.Clock, opts ...Option) (*Scheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		config:  config,
		clock:   clk,
		logger:  zerolog.Nop(),
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SetFireFunc задает получателя срабатываний
func (s *Scheduler) SetFireFunc(fire FireFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fire = fire
}

// Schedule взводит таймаут саги, заменяя предыдущий
func (s *Scheduler) Schedule(sagaID string, state saga.State, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[sagaID]; ok {
		old.timer.Stop()
	}
	e := &entry{Entry: Entry{SagaID: sagaID, State: state, Deadline: deadline}}
	e.timer = s.clock.AfterFunc(s.untilLocked(deadline), func() { s.onFire(e) })
	s.entries[sagaID] = e
}

// Cancel снимает таймаут саги
func (s *Scheduler) Cancel(sagaID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[sagaID]; ok {
		e.timer.Stop()
		delete(s.entries, sagaID)
	}
}

// Pending возвращает взведенные таймауты в порядке дедлайнов
func (s *Scheduler) Pending() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].SagaID < out[j].SagaID
		}
		return out[i].Deadline.Before(out[j].Deadline)
	})
	return out
}

// Lookup возвращает таймаут саги, если он взведен
func (s *Scheduler) Lookup(sagaID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sagaID]
	if !ok {
		return Entry{}, false
	}
	return e.Entry, true
}

func (s *Scheduler) untilLocked(deadline time.Time) time.Duration {
	d := deadline.Sub(s.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// onFire вызывается таймером; устаревший или замененный таймер ничего не делает
func (s *Scheduler) onFire(e *entry) {
	s.mu.Lock()
	if s.entries[e.SagaID] != e || s.fire == nil {
		s.mu.Unlock()
		return
	}
	fire, ctx := s.fire, s.ctx
	s.mu.Unlock()

	s.metrics.RecordTimeout(ctx, string(e.State))
	err := fire(ctx, e.SagaID, saga.Timeout{State: e.State, Deadline: e.Deadline})

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries[e.SagaID] != e {
		// обработка таймаута уже перевзвела или сняла таймер саги
		return
	}
	if err == nil {
		delete(s.entries, e.SagaID)
		return
	}

	e.attempts++
	log := s.logger.With().
		Str("saga_id", e.SagaID).
		Str("state", string(e.State)).
		Int("attempt", e.attempts).
		Logger()

	if e.attempts >= s.config.MaxFireAttempts || ctx.Err() != nil {
		log.Error().Err(err).Msg("timeout delivery failed, leaving it to the maintenance sweep")
		delete(s.entries, e.SagaID)
		return
	}
	log.Warn().Err(err).Dur("retry_in", s.config.RetryDelay).Msg("timeout delivery failed, retrying")
	e.timer = s.clock.AfterFunc(s.config.RetryDelay, func() { s.onFire(e) })
}

// Start запускает планировщик (реализация core.Lifecycle)
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fire == nil {
		return fmt.Errorf("scheduler has no fire function")
	}
	if s.ctx.Err() != nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.running = true
	return nil
}

// Stop снимает все таймеры (реализация core.Lifecycle)
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, id)
	}
	s.cancel()
	s.running = false
	return nil
}

// IsRunning проверяет, запущен ли планировщик (реализация core.Lifecycle)
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Name возвращает имя компонента (реализация core.Component)
func (s *Scheduler) Name() string {
	return "timeout-scheduler"
}

// Type возвращает тип компонента (реализация core.Component)
func (s *Scheduler) Type() core.ComponentType {
	return core.ComponentTypeWorker
}
