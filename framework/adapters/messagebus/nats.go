package messagebus

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/YangTris/Hotel-Microservice/framework/core"
	"github.com/YangTris/Hotel-Microservice/framework/transport"
)

// NATSConfig конфигурация для NATS адаптера
type NATSConfig struct {
	URL               string
	Name              string
	MaxReconnects     int
	ReconnectWait     time.Duration
	DrainTimeout      time.Duration
	ConnectionTimeout time.Duration
	TLS               *tls.Config
	Token             string
	Username          string
	Password          string
	// QueueGroup распределяет сообщения между экземплярами сервиса
	QueueGroup string
	// JetStream включает персистентную доставку с ack/nak
	JetStream bool
	Stream    string
	AckWait   time.Duration
}

// Validate проверяет корректность конфигурации
func (c NATSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("URL cannot be empty")
	}
	if !strings.HasPrefix(c.URL, "nats://") && !strings.HasPrefix(c.URL, "tls://") {
		return fmt.Errorf("URL must start with nats:// or tls://")
	}
	if c.JetStream && c.Stream == "" {
		return fmt.Errorf("stream is required when JetStream is enabled")
	}
	return nil
}

// DefaultNATSConfig возвращает конфигурацию NATS по умолчанию
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:               "nats://localhost:4222",
		Name:              "booking-saga",
		MaxReconnects:     10,
		ReconnectWait:     2 * time.Second,
		DrainTimeout:      30 * time.Second,
		ConnectionTimeout: 5 * time.Second,
		QueueGroup:        "booking-saga",
		Stream:            "BOOKING",
		AckWait:           30 * time.Second,
	}
}

// NATSAdapter реализация MessageBus через NATS (core или JetStream)
type NATSAdapter struct {
	config  NATSConfig
	opts    options
	conn    *nats.Conn
	js      nats.JetStreamContext
	subs    map[string]*nats.Subscription
	mu      sync.RWMutex
	running bool
}

// NATSAdapterBuilder построитель для NATS адаптера
type NATSAdapterBuilder struct {
	config NATSConfig
	opts   []Option
}

// NewNATSAdapterBuilder создает новый построитель NATS адаптера
func NewNATSAdapterBuilder() *NATSAdapterBuilder {
	return &NATSAdapterBuilder{
		config: DefaultNATSConfig(),
	}
}

// WithConfig заменяет конфигурацию целиком
func (b *NATSAdapterBuilder) WithConfig(config NATSConfig) *NATSAdapterBuilder {
	b.config = config
	return b
}

// WithURL устанавливает URL NATS сервера
func (b *NATSAdapterBuilder) WithURL(url string) *NATSAdapterBuilder {
	b.config.URL = url
	return b
}

// WithQueueGroup устанавливает queue group подписок
func (b *NATSAdapterBuilder) WithQueueGroup(group string) *NATSAdapterBuilder {
	b.config.QueueGroup = group
	return b
}

// WithJetStream включает JetStream с указанным stream
func (b *NATSAdapterBuilder) WithJetStream(stream string) *NATSAdapterBuilder {
	b.config.JetStream = true
	b.config.Stream = stream
	return b
}

// WithCredentials устанавливает username и password
func (b *NATSAdapterBuilder) WithCredentials(username, password string) *NATSAdapterBuilder {
	b.config.Username = username
	b.config.Password = password
	return b
}

// WithOptions добавляет общие опции адаптера
func (b *NATSAdapterBuilder) WithOptions(opts ...Option) *NATSAdapterBuilder {
	b.opts = append(b.opts, opts...)
	return b
}

// Build создает NATS адаптер. Подключение происходит в Start.
func (b *NATSAdapterBuilder) Build() (*NATSAdapter, error) {
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid nats config: %w", err)
	}
	return &NATSAdapter{
		config: b.config,
		opts:   newOptions("nats", b.opts),
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// NewNATSAdapter создает NATS адаптер из конфигурации
func NewNATSAdapter(config NATSConfig, opts ...Option) (*NATSAdapter, error) {
	return NewNATSAdapterBuilder().WithConfig(config).WithOptions(opts...).Build()
}

// Start подключается к NATS и готовит stream для JetStream режима
func (n *NATSAdapter) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return nil
	}

	logger := n.opts.logger
	natsOpts := []nats.Option{
		nats.Name(n.config.Name),
		nats.MaxReconnects(n.config.MaxReconnects),
		nats.ReconnectWait(n.config.ReconnectWait),
		nats.Timeout(n.config.ConnectionTimeout),
		nats.DrainTimeout(n.config.DrainTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	if n.config.TLS != nil {
		natsOpts = append(natsOpts, nats.Secure(n.config.TLS))
	}
	if n.config.Token != "" {
		natsOpts = append(natsOpts, nats.Token(n.config.Token))
	}
	if n.config.Username != "" && n.config.Password != "" {
		natsOpts = append(natsOpts, nats.UserInfo(n.config.Username, n.config.Password))
	}

	conn, err := nats.Connect(n.config.URL, natsOpts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if n.config.JetStream {
		js, err := conn.JetStream(nats.Context(ctx))
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to open JetStream context: %w", err)
		}
		if err := ensureStream(js, n.config.Stream); err != nil {
			conn.Close()
			return err
		}
		n.js = js
	}

	n.conn = conn
	n.running = true
	return nil
}

// ensureStream создает stream, покрывающий все subjects саги
func ensureStream(js nats.JetStreamContext, name string) error {
	if _, err := js.StreamInfo(name); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{"booking.>", "room.>", "payment.>"},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", name, err)
	}
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (n *NATSAdapter) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil
	}

	for subject, sub := range n.subs {
		_ = sub.Unsubscribe()
		delete(n.subs, subject)
	}

	var err error
	if n.conn != nil && n.conn.IsConnected() {
		err = n.conn.Drain()
	}
	n.running = false
	return err
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (n *NATSAdapter) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

// Name возвращает имя компонента (реализация core.Component)
func (n *NATSAdapter) Name() string {
	return "nats-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (n *NATSAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// Publish публикует сообщение в subject
func (n *NATSAdapter) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	n.mu.RLock()
	conn, js := n.conn, n.js
	n.mu.RUnlock()
	if conn == nil {
		return ErrNATSNotConnected
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	var err error
	if js != nil {
		// Nats-Msg-Id включает дедупликацию на стороне JetStream
		if key := headers[transport.HeaderIdempotencyKey]; key != "" {
			msg.Header.Set(nats.MsgIdHdr, key)
		}
		_, err = js.PublishMsg(msg, nats.Context(ctx))
	} else {
		err = conn.PublishMsg(msg)
	}
	n.opts.published(ctx, "nats", subject, err)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subscribe подписывается на subject.
// В JetStream режиме сообщение подтверждается только после успешной обработки.
func (n *NATSAdapter) Subscribe(ctx context.Context, subject string, handler transport.MessageHandler) error {
	n.mu.RLock()
	conn, js := n.conn, n.js
	n.mu.RUnlock()
	if conn == nil {
		return ErrNATSNotConnected
	}

	callback := func(msg *nats.Msg) {
		err := n.opts.deliver(ctx, "nats", handler, fromNATS(msg))
		if js == nil {
			return
		}
		if err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}

	var sub *nats.Subscription
	var err error
	switch {
	case js != nil:
		sub, err = js.QueueSubscribe(subject, n.config.QueueGroup, callback,
			nats.Durable(durableName(n.config.QueueGroup, subject)),
			nats.ManualAck(),
			nats.AckWait(n.config.AckWait),
			nats.DeliverAll(),
		)
	case n.config.QueueGroup != "":
		sub, err = conn.QueueSubscribe(subject, n.config.QueueGroup, callback)
	default:
		sub, err = conn.Subscribe(subject, callback)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	n.mu.Lock()
	n.subs[subject] = sub
	n.mu.Unlock()
	return nil
}

// Unsubscribe отписывается от subject
func (n *NATSAdapter) Unsubscribe(subject string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub, exists := n.subs[subject]
	if !exists {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	delete(n.subs, subject)
	return nil
}

// Conn возвращает NATS соединение
func (n *NATSAdapter) Conn() *nats.Conn {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.conn
}

func fromNATS(msg *nats.Msg) *transport.Message {
	out := &transport.Message{
		Subject: msg.Subject,
		Data:    msg.Data,
		Headers: make(map[string]string, len(msg.Header)),
	}
	for k, vals := range msg.Header {
		if len(vals) > 0 {
			out.Headers[strings.ToLower(k)] = vals[0]
		}
	}
	return out
}

// durableName имя durable consumer; точки и wildcard в нем недопустимы
func durableName(group, subject string) string {
	r := strings.NewReplacer(".", "_", "*", "any", ">", "all")
	return r.Replace(group + "_" + subject)
}

// ErrNATSNotConnected адаптер не запущен
var ErrNATSNotConnected = fmt.Errorf("nats adapter is not connected")
