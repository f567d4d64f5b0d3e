// Package telemetry provides structured logging (zerolog), distributed
// tracing (OpenTelemetry) and metrics (Prometheus) for lgc.
//
// The CLI runs with console logging on stderr by default; tracing and metrics
// activate through configuration and never change command behavior.
package telemetry
