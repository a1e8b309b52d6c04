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
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics builds the meter provider, its instruments and the HTTP
// handler that serves the scrape endpoint. With metrics disabled it
// returns an empty recorder and a nil handler.
func InitMetrics(cfg MetricsConfig) (*PrometheusMetrics, http.Handler, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil, nil
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	meter := meterProvider.Meter(cfg.Namespace)
	name := func(suffix string) string { return cfg.Namespace + "_" + suffix }

	batchDuration, err := meter.Float64Histogram(
		name("index_batch_duration_seconds"),
		metric.WithDescription("Indexing batch duration in seconds"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create batch duration histogram: %w", err)
	}

	batches, err := meter.Int64Counter(
		name("index_batches_total"),
		metric.WithDescription("Total indexing batches"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create batches counter: %w", err)
	}

	batchErrors, err := meter.Int64Counter(
		name("index_batch_errors_total"),
		metric.WithDescription("Total failed indexing batches"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create batch errors counter: %w", err)
	}

	documents, err := meter.Int64Counter(
		name("index_documents_total"),
		metric.WithDescription("Total documents written to the vector store"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create documents counter: %w", err)
	}

	searchDuration, err := meter.Float64Histogram(
		name("search_duration_seconds"),
		metric.WithDescription("Search request duration in seconds"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create search duration histogram: %w", err)
	}

	searches, err := meter.Int64Counter(
		name("searches_total"),
		metric.WithDescription("Total search requests"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create searches counter: %w", err)
	}

	searchErrors, err := meter.Int64Counter(
		name("search_errors_total"),
		metric.WithDescription("Total failed search requests"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create search errors counter: %w", err)
	}

	embeddingDuration, err := meter.Float64Histogram(
		name("embedding_duration_seconds"),
		metric.WithDescription("Embedding request duration in seconds"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create embedding duration histogram: %w", err)
	}

	embeddingTexts, err := meter.Int64Counter(
		name("embedding_texts_total"),
		metric.WithDescription("Total texts embedded"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create embedding texts counter: %w", err)
	}

	embeddingErrors, err := meter.Int64Counter(
		name("embedding_errors_total"),
		metric.WithDescription("Total failed embedding requests"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create embedding errors counter: %w", err)
	}

	httpDuration, err := meter.Float64Histogram(
		name("http_request_duration_seconds"),
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create http duration histogram: %w", err)
	}

	httpRequests, err := meter.Int64Counter(
		name("http_requests_total"),
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create http requests counter: %w", err)
	}

	recorder := NewPrometheusMetrics(
		batchDuration,
		batches,
		batchErrors,
		documents,
		searchDuration,
		searches,
		searchErrors,
		embeddingDuration,
		embeddingTexts,
		embeddingErrors,
		httpDuration,
		httpRequests,
	)
	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return recorder, handler, nil
}
