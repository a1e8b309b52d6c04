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

package observability

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics records the domain measurements the collector emits.
type Metrics interface {
	RecordBatch(ctx context.Context, source string, duration time.Duration, documents int, err error)
	RecordSearch(ctx context.Context, mode string, duration time.Duration, err error)
	RecordEmbedding(ctx context.Context, provider string, duration time.Duration, texts int, err error)
	RecordHTTPRequest(method, path string, status int, duration time.Duration)
}

// PrometheusMetrics records measurements on OpenTelemetry instruments
// backed by a prometheus exporter. The zero value is a safe no-op, which
// is what disabled metrics hand out.
type PrometheusMetrics struct {
	batchDuration    metric.Float64Histogram
	batchesTotal     metric.Int64Counter
	batchErrorsTotal metric.Int64Counter
	documentsTotal   metric.Int64Counter

	searchDuration    metric.Float64Histogram
	searchesTotal     metric.Int64Counter
	searchErrorsTotal metric.Int64Counter

	embeddingDuration    metric.Float64Histogram
	embeddingTextsTotal  metric.Int64Counter
	embeddingErrorsTotal metric.Int64Counter

	httpDuration      metric.Float64Histogram
	httpRequestsTotal metric.Int64Counter
}

func NewPrometheusMetrics(
	batchDuration metric.Float64Histogram,
	batchesTotal metric.Int64Counter,
	batchErrorsTotal metric.Int64Counter,
	documentsTotal metric.Int64Counter,
	searchDuration metric.Float64Histogram,
	searchesTotal metric.Int64Counter,
	searchErrorsTotal metric.Int64Counter,
	embeddingDuration metric.Float64Histogram,
	embeddingTextsTotal metric.Int64Counter,
	embeddingErrorsTotal metric.Int64Counter,
	httpDuration metric.Float64Histogram,
	httpRequestsTotal metric.Int64Counter,
) *PrometheusMetrics {
	return &PrometheusMetrics{
		batchDuration:        batchDuration,
		batchesTotal:         batchesTotal,
		batchErrorsTotal:     batchErrorsTotal,
		documentsTotal:       documentsTotal,
		searchDuration:       searchDuration,
		searchesTotal:        searchesTotal,
		searchErrorsTotal:    searchErrorsTotal,
		embeddingDuration:    embeddingDuration,
		embeddingTextsTotal:  embeddingTextsTotal,
		embeddingErrorsTotal: embeddingErrorsTotal,
		httpDuration:         httpDuration,
		httpRequestsTotal:    httpRequestsTotal,
	}
}

func (m *PrometheusMetrics) RecordBatch(ctx context.Context, source string, duration time.Duration, documents int, err error) {
	if m == nil || m.batchDuration == nil || m.batchesTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(AttrSource, source),
	}

	m.batchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.batchesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if documents > 0 && m.documentsTotal != nil {
		m.documentsTotal.Add(ctx, int64(documents), metric.WithAttributes(attrs...))
	}
	if err != nil && m.batchErrorsTotal != nil {
		m.batchErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordSearch(ctx context.Context, mode string, duration time.Duration, err error) {
	if m == nil || m.searchDuration == nil || m.searchesTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(AttrSearchMode, mode),
	}

	m.searchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.searchesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil && m.searchErrorsTotal != nil {
		m.searchErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordEmbedding(ctx context.Context, provider string, duration time.Duration, texts int, err error) {
	if m == nil || m.embeddingDuration == nil || m.embeddingTextsTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String(AttrEmbedderProvider, provider),
	}

	m.embeddingDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.embeddingTextsTotal.Add(ctx, int64(texts), metric.WithAttributes(attrs...))

	if err != nil && m.embeddingErrorsTotal != nil {
		m.embeddingErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil || m.httpDuration == nil || m.httpRequestsTotal == nil {
		return
	}

	ctx := context.Background()
	attrs := []attribute.KeyValue{
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPPath, path),
		attribute.String(AttrHTTPStatusCode, strconv.Itoa(status)),
	}

	m.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

func (NoopMetrics) RecordBatch(context.Context, string, time.Duration, int, error)     {}
func (NoopMetrics) RecordSearch(context.Context, string, time.Duration, error)         {}
func (NoopMetrics) RecordEmbedding(context.Context, string, time.Duration, int, error) {}
func (NoopMetrics) RecordHTTPRequest(string, string, int, time.Duration)               {}

// SetGlobalMetrics installs the process-wide metrics recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide metrics recorder, nil until
// a manager initializes one.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
