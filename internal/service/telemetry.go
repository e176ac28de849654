package service

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Sentinel-Gate/agentguard/internal/service"

// telemetry bundles the OpenTelemetry instruments shared by the services.
// The zero providers fall back to the global ones, which are no-ops until
// the host installs an SDK.
type telemetry struct {
	tracer    trace.Tracer
	decisions metric.Int64Counter
	approvals metric.Int64Counter
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (telemetry, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	t := telemetry{
		tracer:    tp.Tracer(instrumentationName),
		decisions: noop.Int64Counter{},
		approvals: noop.Int64Counter{},
	}
	decisions, err := meter.Int64Counter("agentguard.decisions",
		metric.WithDescription("Permission check decisions"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return t, err
	}
	approvals, err := meter.Int64Counter("agentguard.approvals.resolved",
		metric.WithDescription("Approval requests that reached a terminal state"),
		metric.WithUnit("{request}"))
	if err != nil {
		return t, err
	}
	t.decisions, t.approvals = decisions, approvals
	return t, nil
}
