// Package httpapi HTTP интерфейс саги бронирования на gin.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/YangTris/Hotel-Microservice/framework/core"
	"github.com/YangTris/Hotel-Microservice/framework/observability"
	"github.com/YangTris/Hotel-Microservice/internal/saga"
)

// Service операции саги, доступные через HTTP
type Service interface {
	StartSaga(ctx context.Context, req saga.CreateBookingRequest) (string, error)
	Get(ctx context.Context, sagaID string) (*saga.BookingSaga, error)
	Cancel(ctx context.Context, sagaID, reason string) error
}

// Watcher поток снимков саги
type Watcher interface {
	Watch(sagaID string) (<-chan *saga.BookingSaga, func())
}

// HealthCheck проверка зависимости для /healthz
type HealthCheck func(ctx context.Context) error

// Config конфигурация HTTP сервера
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// Mode режим gin: debug, release или test
	Mode string
	// PingInterval период ping в websocket потоке
	PingInterval time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		Mode:            gin.ReleaseMode,
		PingInterval:    30 * time.Second,
	}
}

// Option настраивает Server
type Option func(*Server)

// WithLogger устанавливает логгер
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithWatcher включает GET /bookings/:id/watch
func WithWatcher(w Watcher) Option {
	return func(s *Server) { s.watcher = w }
}

// WithMetricsHandler включает GET /metrics
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHealthCheck добавляет именованную проверку в /healthz
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// Server HTTP сервер саги
type Server struct {
	config  Config
	service Service
	watcher Watcher
	metrics http.Handler
	checks  map[string]HealthCheck
	logger  zerolog.Logger
	router  *gin.Engine

	mu      sync.Mutex
	server  *http.Server
	running bool
}

// NewServer создает сервер и регистрирует маршруты
func NewServer(config Config, service Service, opts ...Option) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("service is required")
	}
	if config.Addr == "" {
		return nil, fmt.Errorf("addr cannot be empty")
	}
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultConfig().PingInterval
	}

	s := &Server{
		config:  config,
		service: service,
		checks:  make(map[string]HealthCheck),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}
	s.router = gin.New()
	s.router.Use(recovery(s.logger), observability.HTTPTracingMiddleware("http-api"), requestLogger(s.logger))
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.health)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}

	bookings := s.router.Group("/bookings")
	bookings.POST("", s.createBooking)
	bookings.GET("/:id", s.getBooking)
	bookings.POST("/:id/cancel", s.cancelBooking)
	if s.watcher != nil {
		bookings.GET("/:id/watch", s.watchBooking)
	}
}

// Handler возвращает http.Handler со всеми маршрутами
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start начинает принимать соединения (реализация core.Lifecycle)
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.running = true

	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("http server stopped")
		}
	}(s.server)

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("http server listening")
	return nil
}

// Stop завершает сервер, дожидаясь активных запросов (реализация core.Lifecycle)
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// IsRunning проверяет, запущен ли сервер (реализация core.Lifecycle)
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Name возвращает имя компонента (реализация core.Component)
func (s *Server) Name() string {
	return "http-api"
}

// Type возвращает тип компонента (реализация core.Component)
func (s *Server) Type() core.ComponentType {
	return core.ComponentTypeTransport
}
