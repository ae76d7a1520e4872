// Package sinks holds the activity record consumers the hub fans out to:
// a log sink, Prometheus counters, and a sink that persists records through
// store.ActivityRepository.
package sinks
