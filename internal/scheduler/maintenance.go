package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/YangTris/Hotel-Microservice/framework/core"
)

// DefaultMaintenanceSpec расписание обслуживания по умолчанию
const DefaultMaintenanceSpec = "@every 30s"

// Job задача периодического обслуживания
type Job func(ctx context.Context) error

type namedJob struct {
	name string
	job  Job
}

// Maintenance периодически выполняет задачи обслуживания по cron расписанию
type Maintenance struct {
	spec     string
	schedule cron.Schedule
	logger   zerolog.Logger
	timeout  time.Duration

	mu      sync.Mutex
	jobs    []namedJob
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// MaintenanceOption настраивает Maintenance
type MaintenanceOption func(*Maintenance)

// WithMaintenanceLogger устанавливает логгер
func WithMaintenanceLogger(logger zerolog.Logger) MaintenanceOption {
	return func(m *Maintenance) { m.logger = logger }
}

// WithJobTimeout ограничивает время одного прогона задач
func WithJobTimeout(d time.Duration) MaintenanceOption {
	return func(m *Maintenance) { m.timeout = d }
}

// Parser понимает стандартные cron выражения и дескрипторы вида @every 30s
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewMaintenance создает планировщик обслуживания
func NewMaintenance(spec string, opts ...MaintenanceOption) (*Maintenance, error) {
	if spec == "" {
		spec = DefaultMaintenanceSpec
	}
	schedule, err := Parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", spec, err)
	}
	m := &Maintenance{
		spec:     spec,
		schedule: schedule,
		logger:   zerolog.Nop(),
		timeout:  time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// AddJob добавляет задачу; задачи выполняются в порядке добавления
func (m *Maintenance) AddJob(name string, job Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, namedJob{name: name, job: job})
}

// RunNow синхронно выполняет все задачи и возвращает первую ошибку
func (m *Maintenance) RunNow(ctx context.Context) error {
	m.mu.Lock()
	jobs := append([]namedJob(nil), m.jobs...)
	m.mu.Unlock()

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	var first error
	for _, j := range jobs {
		started := time.Now()
		if err := j.job(ctx); err != nil {
			m.logger.Error().Err(err).Str("job", j.name).Msg("maintenance job failed")
			if first == nil {
				first = fmt.Errorf("maintenance job %s: %w", j.name, err)
			}
			continue
		}
		m.logger.Debug().Str("job", j.name).Dur("took", time.Since(started)).Msg("maintenance job done")
	}
	return first
}

// Start запускает cron (реализация core.Lifecycle)
func (m *Maintenance) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	m.ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.cron = cron.New(
		cron.WithParser(Parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	runCtx := m.ctx
	m.cron.Schedule(m.schedule, cron.FuncJob(func() {
		if runCtx.Err() != nil {
			return
		}
		_ = m.RunNow(runCtx)
	}))
	m.cron.Start()
	m.running = true
	return nil
}

// Stop останавливает cron и дожидается текущего прогона (реализация core.Lifecycle)
func (m *Maintenance) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.cancel()
	done := m.cron.Stop()
	m.running = false
	m.mu.Unlock()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning проверяет, запущен ли cron (реализация core.Lifecycle)
func (m *Maintenance) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Name возвращает имя компонента (реализация core.Component)
func (m *Maintenance) Name() string {
	return "maintenance"
}

// Type возвращает тип компонента (реализация core.Component)
func (m *Maintenance) Type() core.ComponentType {
	return core.ComponentTypeWorker
}

// Next время следующего прогона после t
func (m *Maintenance) Next(t time.Time) time.Time {
	return m.schedule.Next(t)
}
