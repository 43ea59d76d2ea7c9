// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package lagwrap

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	skipDisabled = "zero_delay"
	skipNoOp     = "unblock_noop"
)

var (
	tracer = otel.Tracer("github.com/cardinalhq/lagrunner/internal/lagwrap")

	delaysInjected metric.Int64Counter
	delayDuration  metric.Float64Histogram
	delaysSkipped  metric.Int64Counter
)

func init() {
	meter := otel.Meter("github.com/cardinalhq/lagrunner/internal/lagwrap")

	var err error
	delaysInjected, err = meter.Int64Counter(
		"lagrunner.delay.injected",
		metric.WithDescription("Number of invocations that were delayed"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create delay.injected counter: %w", err))
	}

	delayDuration, err = meter.Float64Histogram(
		"lagrunner.delay.duration",
		metric.WithDescription("Injected delay per invocation"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create delay.duration histogram: %w", err))
	}

	delaysSkipped, err = meter.Int64Counter(
		"lagrunner.delay.skipped",
		metric.WithDescription("Number of invocations that ran without delay"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create delay.skipped counter: %w", err))
	}
}

func recordInjected(ctx context.Context, category string, d time.Duration, unblocked bool) {
	attrs := metric.WithAttributes(
		attribute.String("category", category),
		attribute.Bool("unblocked", unblocked),
	)
	delaysInjected.Add(ctx, 1, attrs)
	delayDuration.Record(ctx, float64(d.Milliseconds()), attrs)
}

func recordSkipped(ctx context.Context, category, reason string) {
	delaysSkipped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
		attribute.String("reason", reason),
	))
}

// startDelaySpan covers the time a call spends suspended.
func startDelaySpan(ctx context.Context, category, target string, d time.Duration, unblocked bool) trace.Span {
	_, span := tracer.Start(ctx, "lagrunner.delay", trace.WithAttributes(
		attribute.String("category", category),
		attribute.String("target", target),
		attribute.Int64("delay_ms", d.Milliseconds()),
		attribute.Bool("unblocked", unblocked),
	))
	return span
}
