// Package telemetry provides logging, tracing, metrics and events for kindle.
//
// Initialize telemetry at application startup:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
// Logger wraps zerolog. Library packages take a zerolog.Logger, obtained with
// Logger.Zerolog, so they can be tested with zerolog.Nop().
//
// # Tracing
//
// NewTracer installs an OpenTelemetry provider exporting to stdout or OTLP/gRPC.
// Packages that start spans use the global provider, so spans are no-ops until
// tracing is enabled. StartOperation opens a span and a timer for one unit of
// work and tags failures with their engine.ErrorClass.
//
// # Metrics
//
// Metrics owns a private Prometheus registry. It implements the activation
// controller's observer interface and exports the tiered cache counters
// through RegisterCacheCounters:
//
//	kindle_activations_total{resource,status}
//	kindle_activation_duration_seconds{resource}
//	kindle_acquires_total{resource}
//	kindle_active_resources
//	kindle_tasks_total{strategy,status}
//	kindle_task_duration_seconds{strategy}
//	kindle_store_entries{namespace}
//	kindle_store_swept_records_total
//	kindle_cache_events_total{outcome}
//	kindle_errors_by_class_total{class}
//	kindle_events_total{type,level}
//
// A Metrics built with metrics disabled records nothing.
//
// # Events
//
// EventPublisher delivers lifecycle events (resource state changes, activation
// failures, policy violations, degraded cache writes, completed tasks) to
// subscribers. NewTelemetry subscribes a logger and the events counter.
package telemetry
