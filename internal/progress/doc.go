// Package progress provides the activity record type, a non-blocking hub and
// the emitter interface workers use to report what they did with each
// identifier. Records are batched on a background goroutine and fanned out to
// pluggable sinks such as logs, Prometheus metrics or a persistent store.
package progress
