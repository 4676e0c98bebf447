// Package orchestrator исполняет машину состояний саги бронирования:
// загружает экземпляр, применяет переход, сохраняет с проверкой версии
// и только после фиксации публикует намерения из outbox.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/YangTris/Hotel-Microservice/framework/core"
	"github.com/YangTris/Hotel-Microservice/framework/metrics"
	"github.com/YangTris/Hotel-Microservice/framework/observability"
	"github.com/YangTris/Hotel-Microservice/internal/bus"
	"github.com/YangTris/Hotel-Microservice/internal/pkg/clock"
	"github.com/YangTris/Hotel-Microservice/internal/saga"
	"github.com/YangTris/Hotel-Microservice/internal/scheduler"
	"github.com/YangTris/Hotel-Microservice/internal/store"
)

var (
	// ErrInvalidRequest запрос на бронирование не прошел проверку
	ErrInvalidRequest = errors.New("invalid booking request")
	// ErrSagaTerminal сага уже завершена и не принимает команды
	ErrSagaTerminal = errors.New("saga already finished")
)

// Orchestrator рантайм саги бронирования
type Orchestrator struct {
	config    Config
	machine   *saga.Machine
	store     store.Store
	bus       bus.Bus
	timeouts  Timeouts
	clock     clock.Clock
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	newID     func() string
	observers []Observer

	// inflight намерения, публикуемые прямо сейчас; вложенная синхронная
	// доставка не публикует их повторно
	inflight sync.Map

	mu          sync.Mutex
	maintenance *scheduler.Maintenance
	running     bool
}

// NewOrchestrator создает оркестратор с явными зависимостями
func NewOrchestrator(st store.Store, b bus.Bus, timeouts Timeouts, config Config, opts ...Option) (*Orchestrator, error) {
	if st == nil || b == nil || timeouts == nil {
		return nil, fmt.Errorf("store, bus and timeouts are required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	if config.ScanLimit <= 0 {
		config.ScanLimit = store.DefaultListLimit
	}

	o := &Orchestrator{
		config:   config,
		machine:  saga.NewMachine(config.Policy),
		store:    st,
		bus:      b,
		timeouts: timeouts,
		clock:    clock.NewRealClock(),
		logger:   zerolog.Nop(),
		newID:    defaultID,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Machine возвращает машину состояний
func (o *Orchestrator) Machine() *saga.Machine {
	return o.machine
}

// StartSaga создает сагу, применяет BookingStarted и публикует ReserveRoomCommand.
// Ошибка публикации после фиксации не возвращается: намерение остается в outbox
// и будет опубликовано сканированием.
func (o *Orchestrator) StartSaga(ctx context.Context, req saga.CreateBookingRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Amount == 0 {
		req.Amount = req.Nights() * o.config.NightlyRate
	}
	if req.Currency == "" {
		req.Currency = o.config.Currency
	}

	now := o.clock.Now()
	id := o.newID()
	initial := saga.NewBookingSaga(id, req, now)

	out, err := o.machine.Transition(initial, saga.Inbound{
		SagaID: id,
		Key:    saga.StartKey(id),
		At:     now,
		Event:  saga.BookingStarted{},
	})
	if err != nil {
		return "", fmt.Errorf("failed to start saga: %w", err)
	}

	next := out.Saga
	next.Version = 1
	if err := o.store.Save(ctx, next, 0); err != nil {
		return "", core.Transient(err, "failed to create saga")
	}

	o.committed(ctx, out, saga.KindBookingStarted)
	if err := o.afterCommit(ctx, next); err != nil {
		o.sagaLogger(next).Warn().Err(err).Msg("saga created, initial dispatch deferred to outbox scan")
	}
	return id, nil
}

// Handle применяет входящее событие к саге.
// Ошибка означает, что сообщение не должно подтверждаться.
func (o *Orchestrator) Handle(ctx context.Context, in saga.Inbound) error {
	if in.SagaID == "" {
		return fmt.Errorf("%w: event without saga id", saga.ErrInvalidEvent)
	}
	if in.Event == nil {
		return fmt.Errorf("%w: nil event", saga.ErrInvalidEvent)
	}
	if in.At.IsZero() {
		in.At = o.clock.Now()
	}
	kind := in.Event.Kind()

	return observability.TraceSagaEvent(ctx, in.SagaID, string(kind), func(ctx context.Context) error {
		return o.handle(ctx, in, kind)
	})
}

// handle цикл загрузка, переход, сохранение с повтором при конфликте версий
func (o *Orchestrator) handle(ctx context.Context, in saga.Inbound, kind saga.EventKind) error {
	for attempt := 1; ; attempt++ {
		current, version, err := o.store.Load(ctx, in.SagaID)
		if err != nil {
			if errors.Is(err, store.ErrSagaNotFound) {
				return core.Wrap(err, core.ErrNotFound, fmt.Sprintf("%s for unknown saga", kind))
			}
			return core.Transient(err, "failed to load saga")
		}

		log := o.sagaLogger(current).With().Str("event", string(kind)).Str("key", in.Key).Logger()

		out, err := o.machine.Transition(current, in)
		if err != nil {
			log.Error().Err(err).Msg("event rejected by state machine")
			o.metrics.RecordDiscarded(ctx, string(current.State), string(kind))
			return err
		}

		switch out.Result {
		case saga.ResultDuplicate:
			o.metrics.RecordDuplicate(ctx, string(kind))
			log.Debug().Msg("duplicate event")
			if len(current.Outbox) > 0 {
				return o.dispatch(ctx, current)
			}
			return nil
		case saga.ResultDiscarded:
			o.metrics.RecordDiscarded(ctx, string(current.State), string(kind))
			log.Warn().Str("reason", out.Reason).Msg("event discarded")
			return nil
		}

		next := out.Saga
		next.Version = version + 1
		err = o.store.Save(ctx, next, version)
		if err == nil {
			o.committed(ctx, out, kind)
			return o.afterCommit(ctx, next)
		}

		if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrTerminal) {
			o.metrics.RecordConflict(ctx)
			if attempt >= o.config.ConflictRetries {
				log.Warn().Err(err).Int("attempts", attempt).Msg("giving up after version conflicts")
				return core.Conflict(err, fmt.Sprintf("saga %s changed concurrently", in.SagaID))
			}
			log.Debug().Err(err).Int("attempt", attempt).Msg("version conflict, reloading")
			continue
		}
		return core.Transient(err, "failed to save saga")
	}
}

// Cancel передает в сагу запрос отмены от пользователя.
// Повторная отмена той же саги является дубликатом.
func (o *Orchestrator) Cancel(ctx context.Context, sagaID, reason string) error {
	current, _, err := o.store.Load(ctx, sagaID)
	if err != nil {
		return err
	}
	if current.State.IsTerminal() {
		return errors.Wrapf(ErrSagaTerminal, "saga %s is %s", sagaID, current.State)
	}
	return o.Handle(ctx, saga.Inbound{
		SagaID: sagaID,
		Key:    sagaID + ":cancel-requested",
		At:     o.clock.Now(),
		Event:  saga.CancelRequested{Reason: reason},
	})
}

// Get возвращает текущий снимок саги
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (*saga.BookingSaga, error) {
	s, _, err := o.store.Load(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// FireTimeout доставляет синтетический таймаут с детерминированным ключом
func (o *Orchestrator) FireTimeout(ctx context.Context, sagaID string, t saga.Timeout) error {
	return o.Handle(ctx, saga.Inbound{
		SagaID: sagaID,
		Key:    saga.TimeoutKey(t.State, t.Deadline),
		At:     o.clock.Now(),
		Event:  t,
	})
}

// committed пишет метрики и лог зафиксированного перехода
func (o *Orchestrator) committed(ctx context.Context, out saga.Outcome, kind saga.EventKind) {
	next := out.Saga
	o.metrics.RecordTransition(ctx, string(out.From), string(next.State), string(kind))
	if next.State.IsTerminal() {
		o.metrics.RecordTerminal(ctx, string(next.State))
	}

	var parked int64
	if next.IsParked() {
		parked++
	}
	if out.From.HasDeadline() {
		parked--
	}
	if parked != 0 {
		o.metrics.AddParked(ctx, parked)
	}

	ev := o.sagaLogger(next).Info()
	if next.State.IsTerminal() && next.LastError != "" {
		ev = ev.Str("last_error", next.LastError)
	}
	ev.Str("from", string(out.From)).
		Str("event", string(kind)).
		Int64("version", next.Version).
		Int("effects", len(out.Effects)).
		Msg("saga transition committed")
}

// afterCommit перевзводит таймаут, уведомляет наблюдателей и публикует outbox
func (o *Orchestrator) afterCommit(ctx context.Context, s *saga.BookingSaga) error {
	if s.IsParked() {
		o.timeouts.Schedule(s.ID, s.State, s.Deadline)
	} else {
		o.timeouts.Cancel(s.ID)
	}
	for _, obs := range o.observers {
		obs.Observe(s.Clone())
	}
	return o.dispatch(ctx, s)
}

func (o *Orchestrator) sagaLogger(s *saga.BookingSaga) *zerolog.Logger {
	l := o.logger.With().
		Str("saga_id", s.ID).
		Str("state", string(s.State)).
		Logger()
	return &l
}

// Start подписывается на входящие топики, публикует зависшие намерения,
// перевзводит дедлайны и запускает периодическое обслуживание
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return nil
	}

	if err := o.Subscribe(ctx); err != nil {
		return err
	}
	if n, err := o.RedispatchPending(ctx); err != nil {
		o.logger.Warn().Err(err).Int("published", n).Msg("startup redispatch incomplete")
	}
	if n, err := o.RearmTimeouts(ctx); err != nil {
		o.logger.Warn().Err(err).Int("rearmed", n).Msg("startup rearm incomplete")
	}

	m, err := scheduler.NewMaintenance(o.config.MaintenanceSpec, scheduler.WithMaintenanceLogger(o.logger))
	if err != nil {
		return err
	}
	m.AddJob("redispatch-outbox", func(ctx context.Context) error {
		_, err := o.RedispatchPending(ctx)
		return err
	})
	m.AddJob("sweep-deadlines", func(ctx context.Context) error {
		_, err := o.RearmTimeouts(ctx)
		return err
	})
	if err := m.Start(ctx); err != nil {
		return err
	}

	o.maintenance = m
	o.running = true
	return nil
}

// Stop останавливает периодическое обслуживание (реализация core.Lifecycle)
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.running {
		return nil
	}
	o.running = false
	if o.maintenance != nil {
		return o.maintenance.Stop(ctx)
	}
	return nil
}

// IsRunning проверяет, запущен ли оркестратор (реализация core.Lifecycle)
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Name возвращает имя компонента (реализация core.Component)
func (o *Orchestrator) Name() string {
	return "booking-saga-orchestrator"
}

// Type возвращает тип компонента (реализация core.Component)
func (o *Orchestrator) Type() core.ComponentType {
	return core.ComponentTypeWorker
}
