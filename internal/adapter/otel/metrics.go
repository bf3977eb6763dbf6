package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "webpilot"

// Metrics holds all WebPilot metric instruments.
type Metrics struct {
	RunsStarted    metric.Int64Counter
	RunsCompleted  metric.Int64Counter
	RunsFailed     metric.Int64Counter
	StepsExecuted  metric.Int64Counter
	LoopSignals    metric.Int64Counter
	ApprovalsAsked metric.Int64Counter
	RunDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("webpilot.runs.started",
		metric.WithDescription("Number of runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("webpilot.runs.completed",
		metric.WithDescription("Number of runs completed"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("webpilot.runs.failed",
		metric.WithDescription("Number of runs failed"))
	if err != nil {
		return nil, err
	}

	m.StepsExecuted, err = meter.Int64Counter("webpilot.steps.executed",
		metric.WithDescription("Number of plan steps executed"))
	if err != nil {
		return nil, err
	}

	m.LoopSignals, err = meter.Int64Counter("webpilot.loop.signals",
		metric.WithDescription("Number of loop patterns detected"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsAsked, err = meter.Int64Counter("webpilot.approvals.requested",
		metric.WithDescription("Number of human approval requests"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("webpilot.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
