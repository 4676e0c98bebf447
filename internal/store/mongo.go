package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/YangTris/Hotel-Microservice/framework/core"
	"github.com/YangTris/Hotel-Microservice/internal/saga"
)

// MongoConfig конфигурация MongoDB хранилища
type MongoConfig struct {
	URI         string
	Database    string
	Collection  string
	Timeout     time.Duration
	MaxPoolSize uint64
}

// Validate проверяет корректность конфигурации
func (c MongoConfig) Validate() error {
	if c.URI == "" {
		return fmt.Errorf("URI cannot be empty")
	}
	if c.Database == "" {
		return fmt.Errorf("database cannot be empty")
	}
	if c.Collection == "" {
		return fmt.Errorf("collection cannot be empty")
	}
	if c.MaxPoolSize == 0 {
		return fmt.Errorf("MaxPoolSize must be greater than 0")
	}
	return nil
}

// DefaultMongoConfig возвращает конфигурацию MongoDB по умолчанию
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:         "mongodb://localhost:27017",
		Database:    "booking",
		Collection:  "booking_sagas",
		Timeout:     10 * time.Second,
		MaxPoolSize: 100,
	}
}

// MongoStore хранилище саг в MongoDB с условным обновлением по версии
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// NewMongoStore подключается к MongoDB и создает индексы для сканирования
func NewMongoStore(ctx context.Context, cfg MongoConfig) (*MongoStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mongodb config: %w", err)
	}

	connectCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize)

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to MongoDB")
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "failed to ping MongoDB")
	}

	collection := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = collection.Indexes().CreateMany(connectCtx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "deadline", Value: 1}}},
		{Keys: bson.D{{Key: "updatedAt", Value: 1}}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, errors.Wrap(err, "failed to create saga indexes")
	}

	return &MongoStore{client: client, collection: collection}, nil
}

var terminalStateNames = bson.A{
	string(saga.StateCompleted),
	string(saga.StateCancelled),
	string(saga.StateFailed),
}

func (m *MongoStore) Load(ctx context.Context, sagaID string) (*saga.BookingSaga, int64, error) {
	var doc sagaDocument
	err := m.collection.FindOne(ctx, bson.M{"_id": sagaID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, 0, notFound(sagaID)
	}
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to load saga %s", sagaID)
	}

	s, err := doc.toSaga()
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to decode saga %s", sagaID)
	}
	return s, s.Version, nil
}

func (m *MongoStore) Save(ctx context.Context, s *saga.BookingSaga, expectedVersion int64) error {
	if err := checkSave(s, expectedVersion); err != nil {
		return err
	}
	doc, err := newSagaDocument(s)
	if err != nil {
		return errors.Wrapf(err, "failed to encode saga %s", s.ID)
	}

	if expectedVersion == 0 {
		_, err := m.collection.InsertOne(ctx, doc)
		if mongo.IsDuplicateKeyError(err) {
			return m.classifyRejectedSave(ctx, s.ID, expectedVersion)
		}
		if err != nil {
			return errors.Wrapf(err, "failed to insert saga %s", s.ID)
		}
		return nil
	}

	filter := bson.M{
		"_id":     s.ID,
		"version": expectedVersion,
		"state":   bson.M{"$nin": terminalStateNames},
	}
	res, err := m.collection.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return errors.Wrapf(err, "failed to update saga %s", s.ID)
	}
	if res.MatchedCount == 0 {
		return m.classifyRejectedSave(ctx, s.ID, expectedVersion)
	}
	return nil
}

func (m *MongoStore) classifyRejectedSave(ctx context.Context, sagaID string, expected int64) error {
	var head struct {
		State   string `bson:"state"`
		Version int64  `bson:"version"`
	}
	opts := options.FindOne().SetProjection(bson.M{"state": 1, "version": 1})
	err := m.collection.FindOne(ctx, bson.M{"_id": sagaID}, opts).Decode(&head)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return conflict(sagaID, expected, 0)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to inspect saga %s", sagaID)
	}
	if st := saga.State(head.State); st.IsTerminal() {
		return terminal(sagaID, st)
	}
	return conflict(sagaID, expected, head.Version)
}

func (m *MongoStore) MarkDispatched(ctx context.Context, sagaID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	update := bson.M{"$pull": bson.M{"outbox": bson.M{"key": bson.M{"$in": keys}}}}
	res, err := m.collection.UpdateOne(ctx, bson.M{"_id": sagaID}, update)
	if err != nil {
		return errors.Wrapf(err, "failed to mark outbox of saga %s", sagaID)
	}
	if res.MatchedCount == 0 {
		return notFound(sagaID)
	}
	return nil
}

func (m *MongoStore) ListUndispatched(ctx context.Context, limit int) ([]*saga.BookingSaga, error) {
	filter := bson.M{"outbox.0": bson.M{"$exists": true}}
	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: 1}}).
		SetLimit(int64(normalizeLimit(limit)))
	return m.find(ctx, filter, opts)
}

func (m *MongoStore) ListParked(ctx context.Context, limit int) ([]*saga.BookingSaga, error) {
	filter := bson.M{
		"deadline": bson.M{"$ne": nil},
		"state":    bson.M{"$nin": terminalStateNames},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "deadline", Value: 1}}).
		SetLimit(int64(normalizeLimit(limit)))
	return m.find(ctx, filter, opts)
}

func (m *MongoStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*saga.BookingSaga, error) {
	cursor, err := m.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query sagas")
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()

	var docs []sagaDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "failed to decode sagas")
	}

	result := make([]*saga.BookingSaga, 0, len(docs))
	for _, doc := range docs {
		s, err := doc.toSaga()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode saga %s", doc.ID)
		}
		result = append(result, s)
	}
	return result, nil
}

// Start запускает адаптер (реализация core.Lifecycle)
func (m *MongoStore) Start(ctx context.Context) error {
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (m *MongoStore) Stop(ctx context.Context) error {
	if m.client != nil {
		return m.client.Disconnect(ctx)
	}
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (m *MongoStore) IsRunning() bool {
	return m.client != nil
}

// Name возвращает имя компонента (реализация core.Component)
func (m *MongoStore) Name() string {
	return "mongodb-store"
}

// Type возвращает тип компонента (реализация core.Component)
func (m *MongoStore) Type() core.ComponentType {
	return core.ComponentTypeStore
}

// sagaDocument документ саги. Поля для фильтров лежат на верхнем уровне,
// остальное в JSON снимке.
type sagaDocument struct {
	ID        string        `bson:"_id"`
	State     string        `bson:"state"`
	Version   int64         `bson:"version"`
	Deadline  *time.Time    `bson:"deadline"`
	UpdatedAt time.Time     `bson:"updatedAt"`
	Snapshot  string        `bson:"snapshot"`
	Outbox    []outboxEntry `bson:"outbox"`
}

type outboxEntry struct {
	Key     string `bson:"key"`
	Topic   string `bson:"topic"`
	Type    string `bson:"type"`
	Payload string `bson:"payload"`
}

func newSagaDocument(s *saga.BookingSaga) (sagaDocument, error) {
	body := s.Clone()
	body.Outbox = nil
	snapshot, err := json.Marshal(body)
	if err != nil {
		return sagaDocument{}, err
	}

	doc := sagaDocument{
		ID:        s.ID,
		State:     string(s.State),
		Version:   s.Version,
		UpdatedAt: s.UpdatedAt,
		Snapshot:  string(snapshot),
		Outbox:    make([]outboxEntry, 0, len(s.Outbox)),
	}
	if s.IsParked() {
		d := s.Deadline.UTC()
		doc.Deadline = &d
	}
	for _, in := range s.Outbox {
		doc.Outbox = append(doc.Outbox, outboxEntry{
			Key:     in.Key,
			Topic:   in.Topic,
			Type:    in.Type,
			Payload: string(in.Payload),
		})
	}
	return doc, nil
}

func (d sagaDocument) toSaga() (*saga.BookingSaga, error) {
	var s saga.BookingSaga
	if err := json.Unmarshal([]byte(d.Snapshot), &s); err != nil {
		return nil, err
	}
	s.Outbox = nil
	for _, e := range d.Outbox {
		s.Outbox = append(s.Outbox, saga.Intent{
			Key:     e.Key,
			Topic:   e.Topic,
			Type:    e.Type,
			Payload: json.RawMessage(e.Payload),
		})
	}
	return &s, nil
}
