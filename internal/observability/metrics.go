package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the service's instruments. Construction never fails:
// without a configured meter provider the instruments are no-ops.
type Metrics struct {
	apiRequests  metric.Int64Counter
	apiLatency   metric.Float64Histogram
	apiInflight  metric.Int64UpDownCounter
	turns        metric.Int64Counter
	stageLatency metric.Float64Histogram
	funcFailures metric.Int64Counter
}

func NewMetrics() *Metrics {
	meter := otel.Meter("ipsibridge")
	m := &Metrics{}
	m.apiRequests, _ = meter.Int64Counter("http.server.requests",
		metric.WithDescription("HTTP requests by method, route and status"))
	m.apiLatency, _ = meter.Float64Histogram("http.server.duration",
		metric.WithDescription("HTTP request duration"), metric.WithUnit("ms"))
	m.apiInflight, _ = meter.Int64UpDownCounter("http.server.inflight",
		metric.WithDescription("HTTP requests currently being served"))
	m.turns, _ = meter.Int64Counter("chat.turns",
		metric.WithDescription("Chat turns by outcome"))
	m.stageLatency, _ = meter.Float64Histogram("chat.stage.duration",
		metric.WithDescription("Per-stage turn latency"), metric.WithUnit("ms"))
	m.funcFailures, _ = meter.Int64Counter("chat.function.failures",
		metric.WithDescription("Failed function calls by function name"))
	return m
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Add(context.Background(), 1)
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Add(context.Background(), -1)
}

func (m *Metrics) ObserveAPI(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", status),
	)
	m.apiRequests.Add(context.Background(), 1, attrs)
	m.apiLatency.Record(context.Background(), float64(d.Milliseconds()), attrs)
}

// ObserveTurn records one completed chat turn. outcome is "done",
// "error" or "denied".
func (m *Metrics) ObserveTurn(outcome string) {
	if m == nil {
		return
	}
	m.turns.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageLatency.Record(context.Background(), float64(d.Milliseconds()),
		metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *Metrics) FunctionFailure(name string) {
	if m == nil {
		return
	}
	m.funcFailures.Add(context.Background(), 1, metric.WithAttributes(attribute.String("function", name)))
}
