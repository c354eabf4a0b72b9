// Package observe wires OpenTelemetry tracing and trace-aware logging.
package observe
