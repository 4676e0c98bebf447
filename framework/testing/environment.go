// Package testing предоставляет тестовую среду саги бронирования на in-memory компонентах.
package testing

import (
	"context"
	"testing"
	"time"

	"github.com/YangTris/Hotel-Microservice/framework/adapters/messagebus"
	"github.com/YangTris/Hotel-Microservice/internal/bus"
	"github.com/YangTris/Hotel-Microservice/internal/pkg/clock"
	"github.com/YangTris/Hotel-Microservice/internal/scheduler"
	"github.com/YangTris/Hotel-Microservice/internal/store"
)

// RecordedTopics шаблон топиков, которые пишет Recorder среды
const RecordedTopics = "booking.>"

// InMemoryTestEnvironment тестовая среда с готовыми in-memory компонентами.
// Шина синхронная и без повторов, поэтому вся цепочка сообщений
// отрабатывает внутри вызова Publish.
type InMemoryTestEnvironment struct {
	MessageBus *messagebus.InMemoryAdapter
	Bus        *bus.Adapter
	Store      *store.MemoryStore
	Clock      *clock.MockClock
	Scheduler  *scheduler.Scheduler
	Recorder   *Recorder
}

// NewInMemoryTestEnvironment создает новую тестовую среду с часами, выставленными на start.
// Если сборка завершается с ошибкой, тест завершается с t.Fatalf
func NewInMemoryTestEnvironment(t testing.TB, start time.Time) *InMemoryTestEnvironment {
	t.Helper()
	ctx := context.Background()

	mb := messagebus.NewInMemoryAdapter(messagebus.InMemoryConfig{Synchronous: true}, messagebus.WithHandlerRetry(nil))
	clk := clock.NewMockClock(start)

	sched, err := scheduler.New(scheduler.Config{MaxFireAttempts: 1, RetryDelay: time.Second}, clk)
	if err != nil {
		t.Fatalf("failed to create scheduler: %v", err)
	}

	env := &InMemoryTestEnvironment{
		MessageBus: mb,
		Bus:        bus.NewAdapter(mb, bus.WithPublishRetry(nil)),
		Store:      store.NewMemoryStore(),
		Clock:      clk,
		Scheduler:  sched,
		Recorder:   NewRecorder(),
	}
	if err := mb.Subscribe(ctx, RecordedTopics, env.Recorder.Handle); err != nil {
		t.Fatalf("failed to subscribe recorder: %v", err)
	}

	t.Cleanup(func() {
		if err := env.Shutdown(context.Background()); err != nil {
			t.Errorf("failed to shutdown test environment: %v", err)
		}
	})
	return env
}

// Shutdown корректно завершает работу тестовой среды
func (e *InMemoryTestEnvironment) Shutdown(ctx context.Context) error {
	if e.Scheduler.IsRunning() {
		if err := e.Scheduler.Stop(ctx); err != nil {
			return err
		}
	}
	if e.MessageBus.IsRunning() {
		return e.MessageBus.Stop(ctx)
	}
	return nil
}
