package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/YangTris/Hotel-Microservice/framework/core"
	"github.com/YangTris/Hotel-Microservice/internal/saga"
)

// PostgresConfig конфигурация PostgreSQL хранилища
type PostgresConfig struct {
	DSN            string
	Schema         string
	Table          string
	MaxConns       int32
	MinConns       int32
	ConnectTimeout time.Duration
}

// Validate проверяет корректность конфигурации
func (c PostgresConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("DSN cannot be empty")
	}
	if c.Table == "" {
		return fmt.Errorf("table cannot be empty")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("MaxConns must be greater than 0")
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		return fmt.Errorf("MinConns must be between 0 and MaxConns")
	}
	return nil
}

// DefaultPostgresConfig возвращает конфигурацию PostgreSQL по умолчанию
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Schema:         "public",
		Table:          "booking_sagas",
		MaxConns:       20,
		MinConns:       2,
		ConnectTimeout: 10 * time.Second,
	}
}

// PostgresStore хранилище саг на PostgreSQL. Снимок лежит в JSONB колонке,
// outbox отдельно, чтобы MarkDispatched не трогал версию.
type PostgresStore struct {
	pool   *pgxpool.Pool
	table  string
	owned  bool
	closed bool
}

// NewPostgresStore подключается к PostgreSQL и создает хранилище.
// Схема создается миграциями (framework/migrations).
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid postgres config: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse postgres DSN")
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns

	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create postgres pool")
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping postgres")
	}

	s := NewPostgresStoreFromPool(pool, cfg.Schema, cfg.Table)
	s.owned = true
	return s, nil
}

// NewPostgresStoreFromPool создает хранилище поверх существующего пула.
// Пул не закрывается при Stop.
func NewPostgresStoreFromPool(pool *pgxpool.Pool, schema, table string) *PostgresStore {
	ident := pgx.Identifier{table}
	if schema != "" {
		ident = pgx.Identifier{schema, table}
	}
	return &PostgresStore{
		pool:  pool,
		table: ident.Sanitize(),
	}
}

const terminalStates = `('Completed', 'Cancelled', 'Failed')`

func (p *PostgresStore) Load(ctx context.Context, sagaID string) (*saga.BookingSaga, int64, error) {
	query := fmt.Sprintf(`SELECT snapshot, outbox FROM %s WHERE saga_id = $1`, p.table)

	var snapshot, outbox []byte
	err := p.pool.QueryRow(ctx, query, sagaID).Scan(&snapshot, &outbox)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, notFound(sagaID)
	}
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to load saga %s", sagaID)
	}

	s, err := decodeRow(snapshot, outbox)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to decode saga %s", sagaID)
	}
	return s, s.Version, nil
}

func (p *PostgresStore) Save(ctx context.Context, s *saga.BookingSaga, expectedVersion int64) error {
	if err := checkSave(s, expectedVersion); err != nil {
		return err
	}

	row, err := encodeRow(s)
	if err != nil {
		return errors.Wrapf(err, "failed to encode saga %s", s.ID)
	}

	var query string
	var args []any
	if expectedVersion == 0 {
		query = fmt.Sprintf(`
			INSERT INTO %s (saga_id, state, version, deadline, snapshot, outbox, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (saga_id) DO NOTHING`, p.table)
		args = []any{s.ID, string(s.State), s.Version, row.deadline, row.snapshot, row.outbox, s.CreatedAt, s.UpdatedAt}
	} else {
		query = fmt.Sprintf(`
			UPDATE %s
			SET state = $2, version = $3, deadline = $4, snapshot = $5, outbox = $6, updated_at = $7
			WHERE saga_id = $1 AND version = $8 AND state NOT IN %s`, p.table, terminalStates)
		args = []any{s.ID, string(s.State), s.Version, row.deadline, row.snapshot, row.outbox, s.UpdatedAt, expectedVersion}
	}

	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(err, "failed to save saga %s", s.ID)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return p.classifyRejectedSave(ctx, s.ID, expectedVersion)
}

// classifyRejectedSave определяет, почему запись не прошла условие версии
func (p *PostgresStore) classifyRejectedSave(ctx context.Context, sagaID string, expected int64) error {
	query := fmt.Sprintf(`SELECT state, version FROM %s WHERE saga_id = $1`, p.table)

	var state string
	var version int64
	err := p.pool.QueryRow(ctx, query, sagaID).Scan(&state, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return conflict(sagaID, expected, 0)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to inspect saga %s", sagaID)
	}
	if st := saga.State(state); st.IsTerminal() {
		return terminal(sagaID, st)
	}
	return conflict(sagaID, expected, version)
}

func (p *PostgresStore) MarkDispatched(ctx context.Context, sagaID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET outbox = COALESCE(
			(SELECT jsonb_agg(intent) FROM jsonb_array_elements(outbox) AS intent
			 WHERE NOT (intent->>'key' = ANY($2))),
			'[]'::jsonb)
		WHERE saga_id = $1`, p.table)

	tag, err := p.pool.Exec(ctx, query, sagaID, keys)
	if err != nil {
		return errors.Wrapf(err, "failed to mark outbox of saga %s", sagaID)
	}
	if tag.RowsAffected() == 0 {
		return notFound(sagaID)
	}
	return nil
}

func (p *PostgresStore) ListUndispatched(ctx context.Context, limit int) ([]*saga.BookingSaga, error) {
	query := fmt.Sprintf(`
		SELECT snapshot, outbox FROM %s
		WHERE jsonb_array_length(outbox) > 0
		ORDER BY updated_at
		LIMIT $1`, p.table)
	return p.list(ctx, query, normalizeLimit(limit))
}

func (p *PostgresStore) ListParked(ctx context.Context, limit int) ([]*saga.BookingSaga, error) {
	query := fmt.Sprintf(`
		SELECT snapshot, outbox FROM %s
		WHERE deadline IS NOT NULL AND state NOT IN %s
		ORDER BY deadline
		LIMIT $1`, p.table, terminalStates)
	return p.list(ctx, query, normalizeLimit(limit))
}

func (p *PostgresStore) list(ctx context.Context, query string, limit int) ([]*saga.BookingSaga, error) {
	rows, err := p.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query sagas")
	}
	defer rows.Close()

	var result []*saga.BookingSaga
	for rows.Next() {
		var snapshot, outbox []byte
		if err := rows.Scan(&snapshot, &outbox); err != nil {
			return nil, errors.Wrap(err, "failed to scan saga row")
		}
		s, err := decodeRow(snapshot, outbox)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode saga row")
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate saga rows")
	}
	return result, nil
}

// Start запускает адаптер (реализация core.Lifecycle)
func (p *PostgresStore) Start(ctx context.Context) error {
	return nil
}

// Stop закрывает пул, если хранилище им владеет
func (p *PostgresStore) Stop(ctx context.Context) error {
	if p.owned && !p.closed {
		p.pool.Close()
		p.closed = true
	}
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (p *PostgresStore) IsRunning() bool {
	return p.pool != nil && !p.closed
}

// Name возвращает имя компонента (реализация core.Component)
func (p *PostgresStore) Name() string {
	return "postgres-store"
}

// Type возвращает тип компонента (реализация core.Component)
func (p *PostgresStore) Type() core.ComponentType {
	return core.ComponentTypeStore
}

type sagaRow struct {
	deadline *time.Time
	snapshot []byte
	outbox   []byte
}

func encodeRow(s *saga.BookingSaga) (sagaRow, error) {
	body := s.Clone()
	outbox := body.Outbox
	body.Outbox = nil

	snapshot, err := json.Marshal(body)
	if err != nil {
		return sagaRow{}, err
	}
	if outbox == nil {
		outbox = []saga.Intent{}
	}
	rawOutbox, err := json.Marshal(outbox)
	if err != nil {
		return sagaRow{}, err
	}

	row := sagaRow{snapshot: snapshot, outbox: rawOutbox}
	if !s.Deadline.IsZero() {
		d := s.Deadline.UTC()
		row.deadline = &d
	}
	return row, nil
}

func decodeRow(snapshot, outbox []byte) (*saga.BookingSaga, error) {
	var s saga.BookingSaga
	if err := json.Unmarshal(snapshot, &s); err != nil {
		return nil, err
	}
	s.Outbox = nil
	if len(outbox) > 0 {
		var intents []saga.Intent
		if err := json.Unmarshal(outbox, &intents); err != nil {
			return nil, err
		}
		if len(intents) > 0 {
			s.Outbox = intents
		}
	}
	return &s, nil
}
