// Package store предоставляет хранилища состояния саг бронирования с
// оптимистичной конкурентностью по (sagaId, version).
package store

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/YangTris/Hotel-Microservice/internal/saga"
)

var (
	// ErrSagaNotFound сага с таким идентификатором не сохранялась
	ErrSagaNotFound = errors.New("saga not found")
	// ErrVersionConflict ожидаемая версия не совпала с сохраненной
	ErrVersionConflict = errors.New("saga version conflict")
	// ErrTerminal сохраненная сага уже в конечном состоянии
	ErrTerminal = errors.New("saga is terminal")
)

// DefaultListLimit размер страницы сканирования по умолчанию
const DefaultListLimit = 100

// Store хранилище экземпляров саги
type Store interface {
	// Load возвращает сагу и ее текущую версию
	Load(ctx context.Context, sagaID string) (*saga.BookingSaga, int64, error)
	// Save сохраняет снимок, если сохраненная версия равна expectedVersion.
	// Снимок должен нести версию expectedVersion+1.
	Save(ctx context.Context, s *saga.BookingSaga, expectedVersion int64) error
	// MarkDispatched удаляет опубликованные намерения из outbox без изменения версии
	MarkDispatched(ctx context.Context, sagaID string, keys []string) error
	// ListUndispatched возвращает саги с неопубликованными намерениями
	ListUndispatched(ctx context.Context, limit int) ([]*saga.BookingSaga, error)
	// ListParked возвращает незавершенные саги с дедлайном
	ListParked(ctx context.Context, limit int) ([]*saga.BookingSaga, error)
}

func checkSave(s *saga.BookingSaga, expectedVersion int64) error {
	if s == nil {
		return errors.New("nil saga")
	}
	if s.ID == "" {
		return errors.New("saga without id")
	}
	if expectedVersion < 0 {
		return errors.Newf("negative expected version %d", expectedVersion)
	}
	if s.Version != expectedVersion+1 {
		return errors.Newf("saga %s carries version %d, want %d", s.ID, s.Version, expectedVersion+1)
	}
	return nil
}

func conflict(sagaID string, expected, actual int64) error {
	return errors.Wrapf(ErrVersionConflict, "saga %s: expected version %d, stored %d", sagaID, expected, actual)
}

func terminal(sagaID string, state saga.State) error {
	return errors.Wrapf(ErrTerminal, "saga %s is %s", sagaID, state)
}

func notFound(sagaID string) error {
	return errors.Wrapf(ErrSagaNotFound, "saga %s", sagaID)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

// withoutKeys возвращает outbox без намерений с указанными ключами
func withoutKeys(outbox []saga.Intent, keys []string) []saga.Intent {
	if len(keys) == 0 {
		return outbox
	}
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	var kept []saga.Intent
	for _, in := range outbox {
		if _, ok := drop[in.Key]; !ok {
			kept = append(kept, in)
		}
	}
	return kept
}
