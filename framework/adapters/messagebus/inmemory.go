package messagebus

import (
	"context"
	"strings"
	"sync"

	"github.com/YangTris/Hotel-Microservice/framework/core"
	"github.com/YangTris/Hotel-Microservice/framework/transport"
)

// InMemoryConfig конфигурация для InMemory адаптера
type InMemoryConfig struct {
	// Synchronous доставляет сообщение в горутине Publish (детерминированно для тестов)
	Synchronous bool
}

// DefaultInMemoryConfig возвращает конфигурацию InMemory по умолчанию
func DefaultInMemoryConfig() InMemoryConfig {
	return InMemoryConfig{
		Synchronous: false,
	}
}

// InMemoryAdapter реализация MessageBus в памяти
type InMemoryAdapter struct {
	config      InMemoryConfig
	opts        options
	subscribers map[string][]transport.MessageHandler
	mu          sync.RWMutex
	running     bool
	inflight    sync.WaitGroup
}

// NewInMemoryAdapter создает новый InMemory адаптер
func NewInMemoryAdapter(config InMemoryConfig, opts ...Option) *InMemoryAdapter {
	return &InMemoryAdapter{
		config:      config,
		opts:        newOptions("inmemory", opts),
		subscribers: make(map[string][]transport.MessageHandler),
	}
}

// Start запускает адаптер (реализация core.Lifecycle)
func (i *InMemoryAdapter) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.running = true
	return nil
}

// Stop дожидается доставки сообщений в полете
func (i *InMemoryAdapter) Stop(ctx context.Context) error {
	i.mu.Lock()
	i.running = false
	i.mu.Unlock()

	done := make(chan struct{})
	go func() {
		i.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (i *InMemoryAdapter) IsRunning() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.running
}

// Name возвращает имя компонента (реализация core.Component)
func (i *InMemoryAdapter) Name() string {
	return "inmemory-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (i *InMemoryAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish публикует сообщение в subject.
// В синхронном режиме возвращает первую ошибку обработчика.
func (i *InMemoryAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	i.mu.RLock()
	var handlers []transport.MessageHandler
	for pattern, h := range i.subscribers {
		if matchSubject(subject, pattern) {
			handlers = append(handlers, h...)
		}
	}
	i.mu.RUnlock()

	i.opts.published(ctx, "inmemory", subject, nil)

	var first error
	for _, handler := range handlers {
		// каждый подписчик получает свою копию
		msg := &transport.Message{
			Subject: subject,
			Data:    append([]byte(nil), data...),
			Headers: copyHeaders(headers),
		}

		if i.config.Synchronous {
			if err := i.opts.deliver(ctx, "inmemory", handler, msg); err != nil && first == nil {
				first = err
			}
			continue
		}

		i.inflight.Add(1)
		go func(h transport.MessageHandler) {
			defer i.inflight.Done()
			_ = i.opts.deliver(context.WithoutCancel(ctx), "inmemory", h, msg)
		}(handler)
	}

	return first
}

// Subscribe подписывается на subject; поддерживаются wildcard * и >
func (i *InMemoryAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.subscribers[subject] = append(i.subscribers[subject], handler)
	return nil
}

// Unsubscribe отписывается от subject
func (i *InMemoryAdapter) Unsubscribe(subject string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.subscribers, subject)
	return nil
}

// Wait дожидается завершения асинхронных доставок
func (i *InMemoryAdapter) Wait() {
	i.inflight.Wait()
}

// GetSubscriberCount возвращает количество подписчиков для subject (для тестирования)
func (i *InMemoryAdapter) GetSubscriberCount(subject string) int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.subscribers[subject])
}

// matchSubject проверяет соответствие subject с wildcard паттерном
// Поддерживает NATS-style wildcards: * (один токен) и > (все токены)
func matchSubject(subject, pattern string) bool {
	if subject == pattern {
		return true
	}
	subjectParts := strings.Split(subject, ".")
	patternParts := strings.Split(pattern, ".")

	for i, part := range patternParts {
		if part == ">" {
			return i < len(subjectParts)
		}
		if i >= len(subjectParts) {
			return false
		}
		if part != "*" && part != subjectParts[i] {
			return false
		}
	}
	return len(patternParts) == len(subjectParts)
}
