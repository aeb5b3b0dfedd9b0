// Package progress provides the event primitives, non-blocking hub, and
// emitter interfaces the pipeline uses to report harvest progress. Events
// batch on a background goroutine and fan out to pluggable sinks such as
// Prometheus collectors or structured logs. Durable run accounting does not
// flow through here; the run store is written synchronously so cursor
// advancement can depend on it.
package progress
