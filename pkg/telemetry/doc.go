// Package telemetry provides logging, metrics, tracing and an in-process
// event bus for the synchronization daemon.
//
// Logging uses zerolog. Metrics are Prometheus collectors on a private
// registry and every recorder is a no-op when metrics are disabled, so
// callers never need to check. Tracing uses OpenTelemetry with an OTLP gRPC
// or stdout exporter. Events describe cycle and artifact transitions and can
// be consumed by in-process subscribers.
//
// Typical setup:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//		fmt.Println(e.Type, e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
