package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Expected default config to be valid: %v", err)
	}
	if err := DevelopmentConfig().Validate(); err != nil {
		t.Fatalf("Expected development config to be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no service name", func(c *Config) { c.ServiceName = "" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }},
		{"otlp without endpoint", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "otlp" }},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }},
		{"metrics without address", func(c *Config) { c.Metrics.ListenAddress = "" }},
		{"zero buffer", func(c *Config) { c.Events.BufferSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	zlog := logger.Zerolog()
	zlog.Info().Str("run_id", "run-1").Msg("cycle started")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON log line, got %q: %v", buf.String(), err)
	}
	for key, want := range map[string]string{
		"run_id":  "run-1",
		"message": "cycle started",
		"level":   "info",
	} {
		if entry[key] != want {
			t.Errorf("Expected %s=%q, got %v", key, want, entry[key])
		}
	}
	if _, ok := entry["time"]; !ok {
		t.Error("Expected a timestamp field")
	}
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)
	zlog := logger.Zerolog()

	zlog.Info().Msg("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected info to be filtered at warn level, got %q", buf.String())
	}
	zlog.Warn().Msg("shown")
	if buf.Len() == 0 {
		t.Error("Expected warn to be written")
	}
}

func TestTraceID(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("Expected no trace ID outside a span, got %q", got)
	}

	cfg := TracingConfig{Enabled: true, Exporter: "none", SamplingRate: 1.0}
	tracer, err := NewTracer(cfg, "artisync-test", "test", "test")
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	defer tracer.Shutdown(context.Background())

	ctx, span := tracer.StartCycleSpan(context.Background(), "run-1", "tables")
	defer span.End()

	got := TraceID(ctx)
	if got != span.SpanContext().TraceID().String() {
		t.Errorf("Expected trace ID %s, got %q", span.SpanContext().TraceID(), got)
	}
	if len(got) != 32 {
		t.Errorf("Expected a 32 character trace ID, got %q", got)
	}

	disabled, err := NewTracer(TracingConfig{}, "artisync-test", "test", "test")
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}
	ctx, span = disabled.StartCycleSpan(context.Background(), "run-2", "tables")
	defer span.End()
	if got := TraceID(ctx); got != "" {
		t.Errorf("Expected no trace ID with tracing disabled, got %q", got)
	}
}

func TestMetrics_Recorders(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordCycleStarted("tables")
	m.RecordCycleCompleted("tables", "completed", 150*time.Millisecond)
	m.RecordOperation("table", "create", "success")
	m.RecordOperation("table", "create", "success")
	m.RecordClassification("view", "NEW")
	m.SetManagedArtifacts("table", 3)
	m.RecordError("APPLY_FAILED")

	if got := testutil.ToFloat64(m.cyclesCompleted.WithLabelValues("tables", "completed")); got != 1 {
		t.Errorf("Expected 1 completed cycle, got %v", got)
	}
	if got := testutil.ToFloat64(m.artifactOperations.WithLabelValues("table", "create", "success")); got != 2 {
		t.Errorf("Expected 2 create operations, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeCycles); got != 0 {
		t.Errorf("Expected no active cycles, got %v", got)
	}
	if got := testutil.ToFloat64(m.managedArtifacts.WithLabelValues("table")); got != 3 {
		t.Errorf("Expected 3 managed tables, got %v", got)
	}
	if got := testutil.ToFloat64(m.errorsByCode.WithLabelValues("APPLY_FAILED")); got != 1 {
		t.Errorf("Expected 1 error, got %v", got)
	}
}

func TestMetrics_DisabledAndNil(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordCycleStarted("tables")
	m.RecordOperation("table", "create", "success")

	var nilMetrics *Metrics
	nilMetrics.RecordCycleStarted("tables")
	nilMetrics.RecordError("X")
	if nilMetrics.Registry() != nil {
		t.Error("Expected nil registry")
	}
	if err := nilMetrics.Serve(context.Background()); err != nil {
		t.Errorf("Expected disabled Serve to return nil, got %v", err)
	}
}

func TestEventPublisher_Sync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByType(EventTypeCycleStarted, EventTypeCycleFailed))

	_ = ep.PublishCycleStarted("run-1", "tables")
	_ = ep.PublishStateChanged("run-1", "a.table", "UNSYNCED", "SYNCHRONIZING")
	_ = ep.PublishCycleFailed("run-1", "tables", "boom")

	if len(got) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(got))
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("Expected ID and timestamp to be set")
	}
	if got[1].Level != EventLevelError {
		t.Errorf("Expected error level, got %s", got[1].Level)
	}
}

func TestEventPublisher_AsyncFlushOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{
		Enabled:       true,
		BufferSize:    100,
		MaxBatchSize:  50,
		FlushInterval: time.Hour,
		EnableAsync:   true,
	})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}

	var mu sync.Mutex
	count := 0
	ep.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	}, FilterByGroup("tables"))

	for i := 0; i < 5; i++ {
		if err := ep.PublishCycleStarted("run", "tables"); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	_ = ep.PublishCycleStarted("run", "jobs")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Errorf("Expected 5 delivered events, got %d", count)
	}
	if err := ep.PublishCycleStarted("run", "tables"); err == nil {
		t.Error("Expected publish after shutdown to fail")
	}
}

func TestEventPublisher_Filters(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	ep.AddFilter(FilterByLevel(EventLevelWarning))

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, nil)

	_ = ep.PublishCycleStarted("run-1", "tables")
	_ = ep.PublishPolicyViolation("run-1", "a.table", "naming", "bad name")

	if len(got) != 1 || got[0].Type != EventTypePolicyViolation {
		t.Errorf("Expected only the policy violation, got %+v", got)
	}

	filtered := FilterByRunID("run-2")
	if filtered(got[0]) {
		t.Error("Expected run filter to reject other runs")
	}
}

func TestTelemetry_RecordTargetOperation(t *testing.T) {
	cfg := DefaultConfig()
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	defer tel.Shutdown(context.Background())

	boom := errors.New("boom")
	err = tel.RecordTargetOperation(context.Background(), "table", "drop", "orders", func(context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Expected operation error to be returned, got %v", err)
	}
	if got := testutil.ToFloat64(tel.Metrics.artifactOperations.WithLabelValues("table", "drop", "failure")); got != 1 {
		t.Errorf("Expected 1 failed drop, got %v", got)
	}
}

func TestNop(t *testing.T) {
	tel := Nop()
	err := tel.RecordTargetOperation(context.Background(), "job", "create", "nightly", func(context.Context) error {
		return nil
	})
	if err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
	_ = tel.Events.PublishCycleStarted("run", "jobs")
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected nop shutdown to succeed, got %v", err)
	}
}
