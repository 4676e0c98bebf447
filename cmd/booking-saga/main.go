// booking-saga запускает оркестратор саги бронирования с HTTP интерфейсом.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/YangTris/Hotel-Microservice/framework/adapters/messagebus"
	"github.com/YangTris/Hotel-Microservice/framework/core"
	"github.com/YangTris/Hotel-Microservice/framework/metrics"
	"github.com/YangTris/Hotel-Microservice/framework/observability"
	"github.com/YangTris/Hotel-Microservice/internal/bus"
	"github.com/YangTris/Hotel-Microservice/internal/config"
	"github.com/YangTris/Hotel-Microservice/internal/httpapi"
	"github.com/YangTris/Hotel-Microservice/internal/logger"
	"github.com/YangTris/Hotel-Microservice/internal/orchestrator"
	"github.com/YangTris/Hotel-Microservice/internal/participant"
	"github.com/YangTris/Hotel-Microservice/internal/pkg/clock"
	"github.com/YangTris/Hotel-Microservice/internal/scheduler"
	"github.com/YangTris/Hotel-Microservice/internal/store"
)

const stopTimeout = 20 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewFromConfig(cfg.Service, cfg.Log.Level, cfg.Log.Format, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log.Zerolog()); err != nil {
		log.WithError(err).Error("service stopped with error")
		stop()
		os.Exit(1)
	}
}

// run собирает компоненты, запускает их по порядку и останавливает в обратном
func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	setup, err := metrics.SetupMetrics(cfg.MetricsConfig())
	if err != nil {
		return fmt.Errorf("failed to setup metrics: %w", err)
	}
	defer func() {
		if err := metrics.ShutdownMetrics(context.Background(), setup); err != nil {
			log.Warn().Err(err).Msg("failed to shutdown metrics")
		}
	}()
	m, err := metrics.NewMetrics()
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	tracing, err := observability.NewTracingManager(cfg.TracingConfig())
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}

	mb, err := messagebus.New(cfg.BusConfig(),
		messagebus.WithLogger(log.With().Str("component", "messagebus").Logger()),
		messagebus.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("failed to create message bus: %w", err)
	}

	st, err := store.New(ctx, cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to create saga store: %w", err)
	}

	sagaBus := bus.NewAdapter(mb, bus.WithLogger(log.With().Str("component", "bus").Logger()))

	sched, err := scheduler.New(cfg.SchedulerConfig(), clock.NewRealClock(),
		scheduler.WithLogger(log.With().Str("component", "scheduler").Logger()),
		scheduler.WithMetrics(m),
	)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	hub := orchestrator.NewHub()
	orch, err := orchestrator.NewOrchestrator(st, sagaBus, sched, cfg.OrchestratorConfig(),
		orchestrator.WithLogger(log.With().Str("component", "orchestrator").Logger()),
		orchestrator.WithMetrics(m),
		orchestrator.WithObserver(hub),
	)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	sched.SetFireFunc(orch.FireTimeout)

	debug := observability.NewDebugServer(cfg.DebugConfig(), log.With().Str("component", "debug").Logger())

	server, err := httpapi.NewServer(cfg.ServerConfig(), orch,
		httpapi.WithLogger(log.With().Str("component", "http").Logger()),
		httpapi.WithWatcher(hub),
		httpapi.WithMetricsHandler(setup.Handler),
		httpapi.WithHealthCheck("bus", runningCheck(mb)),
		httpapi.WithHealthCheck("store", runningCheck(st)),
		httpapi.WithHealthCheck("orchestrator", runningCheck(orch)),
		httpapi.WithHealthCheck("runtime", observability.RuntimeHealthCheck(cfg.DebugConfig().MaxGoroutines)),
	)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	// порядок запуска: транспорт и хранилище, затем участники и оркестратор, HTTP последним
	components := []core.Lifecycle{tracing, mb, st, sched}
	if cfg.Simulator.Enabled {
		sim := participant.New(sagaBus, cfg.ParticipantConfig(),
			participant.WithLogger(log.With().Str("component", "participant").Logger()),
		)
		components = append(components, sim)
	}
	components = append(components, orch, debug, server)

	if err := core.StartAll(ctx, components...); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := core.StopAll(stopCtx, components...); err != nil {
			log.Warn().Err(err).Msg("failed to stop components cleanly")
		}
		log.Info().Msg("booking saga stopped")
	}()

	log.Info().
		Str("addr", cfg.HTTP.Addr).
		Str("bus", cfg.Bus.Driver).
		Str("store", cfg.Store.Driver).
		Bool("simulator", cfg.Simulator.Enabled).
		Msg("booking saga started")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
	return nil
}

// runningCheck проверка здоровья по состоянию жизненного цикла компонента
func runningCheck(c core.Lifecycle) httpapi.HealthCheck {
	return func(ctx context.Context) error {
		if !c.IsRunning() {
			return fmt.Errorf("not running")
		}
		return nil
	}
}
