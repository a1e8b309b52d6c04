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

package search

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/magpielabs/magpie/pkg/observability"
)

func startSearchSpan(ctx context.Context, mode string) (context.Context, trace.Span) {
	tracer := observability.GetTracer("magpie.search")

	return tracer.Start(ctx, observability.SpanSearch,
		trace.WithAttributes(
			attribute.String(observability.AttrSearchMode, mode),
		),
	)
}

func finishSearchSpan(span trace.Span, resp *Response, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if resp != nil {
		span.SetAttributes(attribute.Int("results", resp.Total))
	}
	span.End()
}

func recordSearchMetrics(ctx context.Context, mode string, duration time.Duration, err error) {
	metrics := observability.GetGlobalMetrics()
	if metrics == nil {
		return
	}

	metrics.RecordSearch(ctx, mode, duration, err)
}
