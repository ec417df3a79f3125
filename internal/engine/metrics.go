package engine

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "signal-autopilot/internal/engine"

type metrics struct {
	evaluations metric.Int64Counter
	runs        metric.Int64Counter
	dispatches  metric.Int64Counter
	duration    metric.Float64Histogram
}

func newMetrics(mp metric.MeterProvider) *metrics {
	meter := mp.Meter(instrumentationName)
	m := &metrics{}
	// Instrument constructors only fail on invalid names; the returned
	// instrument is a usable no-op in that case.
	m.evaluations, _ = meter.Int64Counter("autopilot.evaluations",
		metric.WithDescription("Signal evaluations by disposition"))
	m.runs, _ = meter.Int64Counter("autopilot.runs",
		metric.WithDescription("Finalized runs by status and reason"))
	m.dispatches, _ = meter.Int64Counter("autopilot.dispatches",
		metric.WithDescription("Live action dispatches by action and result"))
	m.duration, _ = meter.Float64Histogram("autopilot.evaluation.duration",
		metric.WithDescription("Evaluation latency"),
		metric.WithUnit("s"))
	return m
}

func (m *metrics) evaluated(ctx context.Context, d Disposition, dryRun bool, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("disposition", string(d)),
		attribute.Bool("dry_run", dryRun),
	)
	m.evaluations.Add(ctx, 1, attrs)
	m.duration.Record(ctx, seconds, attrs)
}

func (m *metrics) finalized(ctx context.Context, status, reason string) {
	// node_disabled:<id> is reported without the id.
	if i := strings.IndexByte(reason, ':'); i >= 0 {
		reason = reason[:i]
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("reason", reason),
	))
}

func (m *metrics) dispatched(ctx context.Context, action string, success bool) {
	m.dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Bool("success", success),
	))
}
