package store

import (
	"context"
	"sort"
	"sync"

	"github.com/YangTris/Hotel-Microservice/framework/core"
	"github.com/YangTris/Hotel-Microservice/internal/saga"
)

// MemoryStore хранилище в памяти для тестов и локального запуска
type MemoryStore struct {
	mu    sync.RWMutex
	sagas map[string]*saga.BookingSaga
}

// NewMemoryStore создает новое in-memory хранилище
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas: make(map[string]*saga.BookingSaga),
	}
}

func (m *MemoryStore) Load(ctx context.Context, sagaID string) (*saga.BookingSaga, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sagas[sagaID]
	if !ok {
		return nil, 0, notFound(sagaID)
	}
	return s.Clone(), s.Version, nil
}

func (m *MemoryStore) Save(ctx context.Context, s *saga.BookingSaga, expectedVersion int64) error {
	if err := checkSave(s, expectedVersion); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.sagas[s.ID]
	switch {
	case !exists && expectedVersion != 0:
		return conflict(s.ID, expectedVersion, 0)
	case exists && stored.State.IsTerminal():
		return terminal(s.ID, stored.State)
	case exists && stored.Version != expectedVersion:
		return conflict(s.ID, expectedVersion, stored.Version)
	}

	m.sagas[s.ID] = s.Clone()
	return nil
}

func (m *MemoryStore) MarkDispatched(ctx context.Context, sagaID string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sagas[sagaID]
	if !ok {
		return notFound(sagaID)
	}
	s.Outbox = withoutKeys(s.Outbox, keys)
	return nil
}

func (m *MemoryStore) ListUndispatched(ctx context.Context, limit int) ([]*saga.BookingSaga, error) {
	return m.list(limit, func(s *saga.BookingSaga) bool { return len(s.Outbox) > 0 }), nil
}

func (m *MemoryStore) ListParked(ctx context.Context, limit int) ([]*saga.BookingSaga, error) {
	return m.list(limit, (*saga.BookingSaga).IsParked), nil
}

func (m *MemoryStore) list(limit int, match func(*saga.BookingSaga) bool) []*saga.BookingSaga {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*saga.BookingSaga
	for _, s := range m.sagas {
		if match(s) {
			result = append(result, s.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	if limit = normalizeLimit(limit); len(result) > limit {
		result = result[:limit]
	}
	return result
}

// Len количество сохраненных саг
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sagas)
}

func (m *MemoryStore) Start(ctx context.Context) error { return nil }
func (m *MemoryStore) Stop(ctx context.Context) error  { return nil }
func (m *MemoryStore) IsRunning() bool                 { return true }

// Name возвращает имя компонента (реализация core.Component)
func (m *MemoryStore) Name() string {
	return "memory-store"
}

// Type возвращает тип компонента (реализация core.Component)
func (m *MemoryStore) Type() core.ComponentType {
	return core.ComponentTypeStore
}
