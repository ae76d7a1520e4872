package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawlcore/internal/progress"
)

// PrometheusSink exports document activity via Prometheus. It owns its
// collectors and registers them on the supplied registerer.
type PrometheusSink struct {
	records  *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlcore_activity_records_total",
			Help: "Processed identifiers partitioned by activity and result code.",
		}, []string{"connection", "activity", "code"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlcore_ingested_bytes_total",
			Help: "Bytes handed to the ingester per connection.",
		}, []string{"connection"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawlcore_activity_duration_seconds",
			Help:    "Per-identifier processing time partitioned by activity.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"activity"}),
	}
	for _, collector := range []prometheus.Collector{s.records, s.bytes, s.duration} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register activity collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. It is safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Record) error {
	for _, rec := range batch {
		conn := rec.ConnectionID
		if conn == "" {
			conn = "unknown"
		}
		s.records.WithLabelValues(conn, string(rec.Activity), string(rec.Code)).Inc()
		if rec.Bytes > 0 {
			s.bytes.WithLabelValues(conn).Add(float64(rec.Bytes))
		}
		if rec.Elapsed > 0 {
			s.duration.WithLabelValues(string(rec.Activity)).Observe(rec.Elapsed.Seconds())
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
