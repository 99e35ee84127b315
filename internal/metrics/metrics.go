// Package metrics defines the prometheus collectors of one environment.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cedar"

// Source exposes counters kept elsewhere so they can be read at scrape time.
type Source struct {
	LockRequests  func() uint64
	LockWaits     func() uint64
	LockTimeouts  func() uint64
	Deadlocks     func() uint64
	CacheHits     func() uint64
	CacheMisses   func() uint64
	CacheSize     func() int
	LogSize       func() int64
	OpenDatabases func() int
}

// Metrics holds the collectors of an environment. Each environment owns its
// registry so that several environments can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	CursorOps          *prometheus.CounterVec
	SearchRestarts     prometheus.Counter
	IntegrityFailures  prometheus.Counter
	CompressedSlots    prometheus.Counter
	TransactionResults *prometheus.CounterVec
}

// New creates and registers the collectors.
func New(src Source) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		CursorOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cursor",
				Name:      "operations_total",
				Help:      "Counter of cursor operations by kind and outcome.",
			}, []string{"op", "result"}),

		SearchRestarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cursor",
				Name:      "search_restarts_total",
				Help:      "Counter of range searches restarted after a concurrent insert.",
			}),

		IntegrityFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "secondary",
				Name:      "integrity_failures_total",
				Help:      "Counter of secondary records without a matching primary record.",
			}),

		CompressedSlots: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tree",
				Name:      "compressed_slots_total",
				Help:      "Counter of deleted slots removed from the tree.",
			}),

		TransactionResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "txn",
				Name:      "finished_total",
				Help:      "Counter of finished transactions by result.",
			}, []string{"result"}),
	}

	m.Registry.MustRegister(
		m.CursorOps,
		m.SearchRestarts,
		m.IntegrityFailures,
		m.CompressedSlots,
		m.TransactionResults,
	)

	counter := func(subsystem, name, help string, fn func() uint64) {
		if fn == nil {
			return
		}
		m.Registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help},
			func() float64 { return float64(fn()) }))
	}
	gauge := func(subsystem, name, help string, fn func() float64) {
		m.Registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}, fn))
	}

	counter("lock", "requests_total", "Counter of record lock requests.", src.LockRequests)
	counter("lock", "waits_total", "Counter of record lock requests that had to wait.", src.LockWaits)
	counter("lock", "timeouts_total", "Counter of record lock waits that timed out.", src.LockTimeouts)
	counter("lock", "deadlocks_total", "Counter of detected deadlocks.", src.Deadlocks)
	counter("cache", "hits_total", "Counter of record cache hits.", src.CacheHits)
	counter("cache", "misses_total", "Counter of record cache misses.", src.CacheMisses)

	if src.CacheSize != nil {
		gauge("cache", "entries", "Number of cached records.", func() float64 { return float64(src.CacheSize()) })
	}
	if src.LogSize != nil {
		gauge("log", "size_bytes", "Size of the record log.", func() float64 { return float64(src.LogSize()) })
	}
	if src.OpenDatabases != nil {
		gauge("env", "open_databases", "Number of open database handles.", func() float64 { return float64(src.OpenDatabases()) })
	}
	return m
}

// Op records one cursor operation.
func (m *Metrics) Op(op string, ok bool) {
	result := "success"
	if !ok {
		result = "notfound"
	}
	m.CursorOps.WithLabelValues(op, result).Inc()
}

// OpError records a cursor operation that failed with an error.
func (m *Metrics) OpError(op string) {
	m.CursorOps.WithLabelValues(op, "error").Inc()
}
