// Copyright 2024 Potter Framework Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DebugConfig конфигурация для debugging utilities
type DebugConfig struct {
	// PprofAddr адрес pprof сервера; пустой адрес выключает его
	PprofAddr string
	// MaxGoroutines порог для RuntimeHealthCheck; 0 выключает проверку
	MaxGoroutines int
}

// DefaultDebugConfig возвращает конфигурацию по умолчанию
func DefaultDebugConfig() DebugConfig {
	return DebugConfig{
		MaxGoroutines: 10000,
	}
}

// DebugServer отдает pprof endpoints на отдельном адресе
type DebugServer struct {
	config DebugConfig
	logger zerolog.Logger
	server *http.Server
	addr   string
	mu     sync.RWMutex
}

// NewDebugServer создает новый DebugServer
func NewDebugServer(config DebugConfig, logger zerolog.Logger) *DebugServer {
	return &DebugServer{config: config, logger: logger}
}

// Start запускает debug server с pprof endpoints
func (ds *DebugServer) Start(ctx context.Context) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.config.PprofAddr == "" || ds.server != nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	ln, err := net.Listen("tcp", ds.config.PprofAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ds.config.PprofAddr, err)
	}

	ds.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	ds.addr = ln.Addr().String()
	server := ds.server
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ds.logger.Error().Err(err).Msg("pprof server stopped")
		}
	}()
	ds.logger.Info().Str("addr", ds.addr).Msg("pprof server started")
	return nil
}

// Stop останавливает debug server
func (ds *DebugServer) Stop(ctx context.Context) error {
	ds.mu.Lock()
	server := ds.server
	ds.server = nil
	ds.mu.Unlock()

	if server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// IsRunning проверяет статус
func (ds *DebugServer) IsRunning() bool {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.server != nil
}

// Name имя компонента
func (ds *DebugServer) Name() string {
	return "debug-server"
}

// Addr фактический адрес после Start
func (ds *DebugServer) Addr() string {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.addr
}

// RuntimeHealthCheck проверка памяти и числа goroutines процесса
func RuntimeHealthCheck(maxGoroutines int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if maxGoroutines > 0 {
			if n := runtime.NumGoroutine(); n > maxGoroutines {
				return fmt.Errorf("too many goroutines: %d > %d", n, maxGoroutines)
			}
		}

		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		if m.Sys > 0 {
			if used := float64(m.HeapAlloc) / float64(m.Sys) * 100; used > 95 {
				return fmt.Errorf("memory usage too high: %.2f%%", used)
			}
		}
		return nil
	}
}
