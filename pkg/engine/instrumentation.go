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

package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/magpielabs/magpie/pkg/document"
	"github.com/magpielabs/magpie/pkg/observability"
)

func startBatchSpan(ctx context.Context, source document.Source) (context.Context, trace.Span) {
	tracer := observability.GetTracer("magpie.engine")

	return tracer.Start(ctx, observability.SpanIndexBatch,
		trace.WithAttributes(
			attribute.String(observability.AttrSource, string(source)),
		),
	)
}

func finishBatchSpan(span trace.Span, res *BatchResult, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if res != nil {
		span.SetAttributes(attribute.Int("documents", res.DocumentsProcessed))
	}
	span.End()
}

func recordBatchMetrics(ctx context.Context, source document.Source, duration time.Duration, res *BatchResult, err error) {
	metrics := observability.GetGlobalMetrics()
	if metrics == nil {
		return
	}

	documents := 0
	if res != nil {
		documents = res.DocumentsProcessed
	}
	metrics.RecordBatch(ctx, string(source), duration, documents, err)
}
