// Package metrics holds the pipeline's operational counters.
//
// All fields are updated atomically so they can be read concurrently from
// the status server without holding any additional lock. Handler serves them
// in the Prometheus text exposition format:
//
//	m := metrics.New()
//	router.Handle("/metrics", m.Handler())
//
// # Metric catalogue
//
//	docwatch_events_added_total         – counter: change events accepted into the store
//	docwatch_events_ignored_total       – counter: events dropped because their kind was Ignore
//	docwatch_routing_misses_total       – counter: events dropped because no directory matched
//	docwatch_pending                    – gauge:   messages currently waiting in the store
//	docwatch_ticks_total                – counter: dispatch ticks executed
//	docwatch_uploads_total              – counter: uploads accepted by the ingestion API
//	docwatch_deletes_total              – counter: deletes accepted by the ingestion API
//	docwatch_retries_total              – counter: request retries after a transient failure
//	docwatch_failures_total             – counter: messages that failed for the tick
//	docwatch_missing_source_total       – counter: uploads dropped because the file was gone
//	docwatch_watch_errors_total         – counter: errors reported by the watch mechanism
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
)

// Metrics holds all counters and gauges for the pipeline. The zero value is
// ready to use. Every method is safe on a nil receiver so components can take
// an optional *Metrics.
type Metrics struct {
	EventsAdded   atomic.Int64
	EventsIgnored atomic.Int64
	RoutingMisses atomic.Int64
	Ticks         atomic.Int64
	Uploads       atomic.Int64
	Deletes       atomic.Int64
	Retries       atomic.Int64
	Failures      atomic.Int64
	MissingSource atomic.Int64
	WatchErrors   atomic.Int64

	// Gauge
	Pending atomic.Int64
}

// New allocates a Metrics value with all counters at zero.
func New() *Metrics {
	return &Metrics{}
}

// EventAdded records an event accepted into the store.
func (m *Metrics) EventAdded() {
	if m != nil {
		m.EventsAdded.Add(1)
	}
}

// EventIgnored records an event dropped for its kind.
func (m *Metrics) EventIgnored() {
	if m != nil {
		m.EventsIgnored.Add(1)
	}
}

// RoutingMiss records an event dropped because no directory matched.
func (m *Metrics) RoutingMiss() {
	if m != nil {
		m.RoutingMisses.Add(1)
	}
}

// SetPending stores the current store size.
func (m *Metrics) SetPending(n int) {
	if m != nil {
		m.Pending.Store(int64(n))
	}
}

// Tick records one dispatch tick.
func (m *Metrics) Tick() {
	if m != nil {
		m.Ticks.Add(1)
	}
}

// Uploaded records a successful upload.
func (m *Metrics) Uploaded() {
	if m != nil {
		m.Uploads.Add(1)
	}
}

// Deleted records a successful delete.
func (m *Metrics) Deleted() {
	if m != nil {
		m.Deletes.Add(1)
	}
}

// Retried records one retry.
func (m *Metrics) Retried() {
	if m != nil {
		m.Retries.Add(1)
	}
}

// Failed records a message that failed for the tick.
func (m *Metrics) Failed() {
	if m != nil {
		m.Failures.Add(1)
	}
}

// SourceMissing records an upload whose file had disappeared.
func (m *Metrics) SourceMissing() {
	if m != nil {
		m.MissingSource.Add(1)
	}
}

// WatchError records an error callback from a watcher.
func (m *Metrics) WatchError() {
	if m != nil {
		m.WatchErrors.Add(1)
	}
}

// metricLine is a single metric family descriptor plus its current value.
type metricLine struct {
	help  string
	kind  string // "counter" or "gauge"
	name  string
	value int64
}

// snapshot captures the current values of all metrics in a consistent order.
func (m *Metrics) snapshot() []metricLine {
	return []metricLine{
		{"Change events accepted into the coalescing store.", "counter", "docwatch_events_added_total", m.EventsAdded.Load()},
		{"Change events dropped because their kind carries no ingestion meaning.", "counter", "docwatch_events_ignored_total", m.EventsIgnored.Load()},
		{"Change events dropped because no watched directory contains the path.", "counter", "docwatch_routing_misses_total", m.RoutingMisses.Load()},
		{"Messages currently waiting in the coalescing store.", "gauge", "docwatch_pending", m.Pending.Load()},
		{"Dispatch ticks executed.", "counter", "docwatch_ticks_total", m.Ticks.Load()},
		{"Uploads accepted by the ingestion API.", "counter", "docwatch_uploads_total", m.Uploads.Load()},
		{"Deletes accepted by the ingestion API.", "counter", "docwatch_deletes_total", m.Deletes.Load()},
		{"Request retries after a transient failure.", "counter", "docwatch_retries_total", m.Retries.Load()},
		{"Messages that failed and were dropped for the tick.", "counter", "docwatch_failures_total", m.Failures.Load()},
		{"Uploads dropped because the source file no longer existed.", "counter", "docwatch_missing_source_total", m.MissingSource.Load()},
		{"Errors reported by the filesystem watch mechanism.", "counter", "docwatch_watch_errors_total", m.WatchErrors.Load()},
	}
}

// Handler returns an http.Handler that writes all metrics in the Prometheus
// text exposition format.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		writeMetrics(w, m.snapshot())
	})
}

// writeMetrics serialises lines into Prometheus text exposition format.
func writeMetrics(w io.Writer, lines []metricLine) {
	for _, l := range lines {
		fmt.Fprintf(w, "# HELP %s %s\n", l.name, l.help)
		fmt.Fprintf(w, "# TYPE %s %s\n", l.name, l.kind)
		fmt.Fprintf(w, "%s %d\n", l.name, l.value)
	}
}
