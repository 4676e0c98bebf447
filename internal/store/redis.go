package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/YangTris/Hotel-Microservice/framework/core"
	"github.com/YangTris/Hotel-Microservice/internal/saga"
)

// RedisConfig конфигурация Redis хранилища
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// MaxCASRetries попытки MarkDispatched при конкурентной записи
	MaxCASRetries int
}

// Validate проверяет корректность конфигурации
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if c.MaxCASRetries <= 0 {
		return fmt.Errorf("MaxCASRetries must be greater than 0")
	}
	return nil
}

// DefaultRedisConfig возвращает конфигурацию Redis по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		KeyPrefix:     "booking:",
		MaxCASRetries: 5,
	}
}

// RedisStore хранилище саг в Redis. Версия проверяется в WATCH/MULTI,
// индексы outbox и дедлайнов ведутся в той же транзакции.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	retries int
	owned   bool
}

// NewRedisStore подключается к Redis и создает хранилище
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "failed to connect to redis")
	}

	s := NewRedisStoreFromClient(client, cfg)
	s.owned = true
	return s, nil
}

// NewRedisStoreFromClient создает хранилище поверх существующего клиента
func NewRedisStoreFromClient(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	retries := cfg.MaxCASRetries
	if retries <= 0 {
		retries = DefaultRedisConfig().MaxCASRetries
	}
	return &RedisStore{
		client:  client,
		prefix:  cfg.KeyPrefix,
		retries: retries,
	}
}

func (r *RedisStore) sagaKey(id string) string { return r.prefix + "saga:" + id }
func (r *RedisStore) undispatchedKey() string  { return r.prefix + "sagas:undispatched" }
func (r *RedisStore) parkedKey() string        { return r.prefix + "sagas:parked" }

func (r *RedisStore) Load(ctx context.Context, sagaID string) (*saga.BookingSaga, int64, error) {
	s, err := r.get(ctx, r.client, sagaID)
	if err != nil {
		return nil, 0, err
	}
	return s, s.Version, nil
}

func (r *RedisStore) get(ctx context.Context, c redis.Cmdable, sagaID string) (*saga.BookingSaga, error) {
	raw, err := c.Get(ctx, r.sagaKey(sagaID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(sagaID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load saga %s", sagaID)
	}
	var s saga.BookingSaga
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errors.Wrapf(err, "failed to decode saga %s", sagaID)
	}
	return &s, nil
}

func (r *RedisStore) Save(ctx context.Context, s *saga.BookingSaga, expectedVersion int64) error {
	if err := checkSave(s, expectedVersion); err != nil {
		return err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return errors.Wrapf(err, "failed to encode saga %s", s.ID)
	}

	key := r.sagaKey(s.ID)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := r.get(ctx, tx, s.ID)
		switch {
		case errors.Is(err, ErrSagaNotFound):
			if expectedVersion != 0 {
				return conflict(s.ID, expectedVersion, 0)
			}
		case err != nil:
			return err
		case stored.State.IsTerminal():
			return terminal(s.ID, stored.State)
		case stored.Version != expectedVersion:
			return conflict(s.ID, expectedVersion, stored.Version)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			r.index(ctx, pipe, s)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		// причина драйвера сохраняется вторичной, чтобы errors.Is видел только sentinel
		return errors.WithSecondaryError(errors.Wrapf(ErrVersionConflict, "saga %s changed concurrently", s.ID), err)
	}
	return err
}

// index обновляет множества outbox и дедлайнов для снимка
func (r *RedisStore) index(ctx context.Context, pipe redis.Pipeliner, s *saga.BookingSaga) {
	if len(s.Outbox) > 0 {
		pipe.SAdd(ctx, r.undispatchedKey(), s.ID)
	} else {
		pipe.SRem(ctx, r.undispatchedKey(), s.ID)
	}
	if s.IsParked() {
		pipe.ZAdd(ctx, r.parkedKey(), redis.Z{Score: float64(s.Deadline.UnixMilli()), Member: s.ID})
	} else {
		pipe.ZRem(ctx, r.parkedKey(), s.ID)
	}
}

func (r *RedisStore) MarkDispatched(ctx context.Context, sagaID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	key := r.sagaKey(sagaID)

	var err error
	for attempt := 0; attempt < r.retries; attempt++ {
		err = r.client.Watch(ctx, func(tx *redis.Tx) error {
			s, err := r.get(ctx, tx, sagaID)
			if err != nil {
				return err
			}
			s.Outbox = withoutKeys(s.Outbox, keys)
			raw, err := json.Marshal(s)
			if err != nil {
				return errors.Wrapf(err, "failed to encode saga %s", sagaID)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, raw, 0)
				if len(s.Outbox) == 0 {
					pipe.SRem(ctx, r.undispatchedKey(), sagaID)
				}
				return nil
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return errors.Wrapf(err, "failed to mark outbox of saga %s after %d attempts", sagaID, r.retries)
}

func (r *RedisStore) ListUndispatched(ctx context.Context, limit int) ([]*saga.BookingSaga, error) {
	limit = normalizeLimit(limit)
	ids, _, err := r.client.SScan(ctx, r.undispatchedKey(), 0, "", int64(limit)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan undispatched sagas")
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return r.getMany(ctx, ids)
}

func (r *RedisStore) ListParked(ctx context.Context, limit int) ([]*saga.BookingSaga, error) {
	limit = normalizeLimit(limit)
	ids, err := r.client.ZRange(ctx, r.parkedKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list parked sagas")
	}
	return r.getMany(ctx, ids)
}

func (r *RedisStore) getMany(ctx context.Context, ids []string) ([]*saga.BookingSaga, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.sagaKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load sagas")
	}

	result := make([]*saga.BookingSaga, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// индекс пережил запись; пропускаем
			continue
		}
		var s saga.BookingSaga
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, errors.Wrapf(err, "failed to decode saga %s", ids[i])
		}
		result = append(result, &s)
	}
	return result, nil
}

// Start запускает адаптер (реализация core.Lifecycle)
func (r *RedisStore) Start(ctx context.Context) error {
	return nil
}

// Stop закрывает клиент, если хранилище им владеет
func (r *RedisStore) Stop(ctx context.Context) error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (r *RedisStore) IsRunning() bool {
	return r.client != nil
}

// Name возвращает имя компонента (реализация core.Component)
func (r *RedisStore) Name() string {
	return "redis-store"
}

// Type возвращает тип компонента (реализация core.Component)
func (r *RedisStore) Type() core.ComponentType {
	return core.ComponentTypeStore
}

