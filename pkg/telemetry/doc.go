// Package telemetry provides structured logging, distributed tracing,
// and metrics collection for the Loom engine.
//
// Logging is built on zerolog with console and JSON output, child
// loggers per component, and plan/step/run field helpers:
//
//	logger, _ := telemetry.NewLogger(cfg.Logging)
//	log := logger.NewComponentLogger("scheduler").WithPlanID(plan.ID)
//	log.Info("plan admitted")
//
// Tracing uses OpenTelemetry with OTLP gRPC or stdout exporters and
// span helpers for runs, steps, and rollbacks. Metrics are Prometheus
// collectors on a private registry, exposed via Handler or
// StartMetricsServer. Metrics.ObserveEvent maps engine progress events
// onto the collectors, so wiring metrics is a matter of subscribing it
// to the engine event bus.
//
// The Telemetry aggregate bundles all three and travels on the
// context:
//
//	tel, _ := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	defer tel.Shutdown(ctx)
//	ctx = tel.WithContext(ctx)
package telemetry
