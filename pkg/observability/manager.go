// Copyright 2025 Magpie Labs
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

// Package observability wires OpenTelemetry tracing (OTLP gRPC) and
// Prometheus metrics behind one Manager. Both are off by default; an
// uninitialized or disabled Manager hands out no-op tracers and
// recorders so instrumented code never branches on configuration.
package observability

import (
	"context"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Manager owns the tracer provider and metrics recorder.
type Manager struct {
	config         Config
	tracerProvider trace.TracerProvider
	metrics        Metrics
	metricsHandler http.Handler
	mu             sync.RWMutex
}

// NewManager builds a manager that is safe to use before Initialize.
func NewManager(cfg Config) *Manager {
	return &Manager{
		config:         cfg,
		tracerProvider: noop.NewTracerProvider(),
		metrics:        NoopMetrics{},
	}
}

// Initialize stands up the configured exporters and installs the global
// metrics recorder.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := InitTracer(ctx, m.config.Tracing)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	metrics, handler, err := InitMetrics(m.config.Metrics)
	if err != nil {
		return err
	}
	m.metrics = metrics
	m.metricsHandler = handler

	SetGlobalMetrics(m.metrics)
	return nil
}

// Tracer returns a named tracer from the manager's provider.
func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracerProvider.Tracer(name)
}

// Metrics returns the metrics recorder.
func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// MetricsHandler returns the scrape endpoint handler, nil when metrics
// are disabled.
func (m *Manager) MetricsHandler() http.Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metricsHandler
}

// MetricsPath returns the configured scrape endpoint path.
func (m *Manager) MetricsPath() string {
	if m.config.Metrics.Endpoint != "" {
		return m.config.Metrics.Endpoint
	}
	return DefaultMetricsPath
}

// Shutdown flushes and stops the tracer provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tp, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return tp.Shutdown(ctx)
	}
	return nil
}
