// Package monitor defines the core domain types, ports, and error taxonomy
// shared across the harvesting pipeline.
package monitor
