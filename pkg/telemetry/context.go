package telemetry

import (
	"context"
	"errors"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Nop returns telemetry that records nothing.
func Nop() *Telemetry {
	return &Telemetry{
		Logger: NewNopLogger(),
		Config: DefaultConfig(),
	}
}

// Shutdown flushes pending events and spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}

// RecordTargetOperation runs fn inside a target span and records its outcome
// in the operation counter.
func (t *Telemetry) RecordTargetOperation(ctx context.Context, kind, operation, name string, fn func(context.Context) error) error {
	spanCtx, span := t.Tracer.StartTargetSpan(ctx, operation, kind, name)

	err := fn(spanCtx)

	status := "success"
	if err != nil {
		status = "failure"
	}
	t.Metrics.RecordOperation(kind, operation, status)
	EndSpan(span, err)
	return err
}
