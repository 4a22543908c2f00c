// Package instrumentation provides OpenTelemetry metrics and tracing for
// the lending backend. It exposes no-op providers by default so telemetry
// has zero overhead until a deployment attaches real exporters.
package instrumentation
