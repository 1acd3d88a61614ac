// Package telemetry provides a one-stop-shop for the engine's Prometheus
// metrics: page cache traffic, checkpoint activity, and transaction
// outcomes. Metrics are optional; a nil *Metrics is safe to use and
// records nothing.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Config holds all the configuration for the telemetry system.
type Config struct {
	// Enabled toggles metric collection on or off.
	Enabled bool `yaml:"enabled"`
	// Namespace is prefixed to every metric name. Defaults to "quartzdb".
	Namespace string `yaml:"namespace"`
}

// Metrics bundles the engine's Prometheus collectors.
type Metrics struct {
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	PagesRead       prometheus.Counter
	PagesWritten    prometheus.Counter
	PagesAllocated  prometheus.Counter
	PagesFreed      prometheus.Counter
	Checkpoints     prometheus.Counter
	CheckpointPages prometheus.Histogram
	Commits         prometheus.Counter
	Rollbacks       prometheus.Counter
	BusyRejections  prometheus.Counter
	ActiveReaders   prometheus.Gauge
}

// New creates the engine metric set and registers it with the provided
// registerer. Returns nil when disabled; every recording method on
// *Metrics tolerates a nil receiver.
func New(config Config, reg prometheus.Registerer) (*Metrics, error) {
	if !config.Enabled {
		return nil, nil
	}
	ns := config.Namespace
	if ns == "" {
		ns = "quartzdb"
	}

	m := &Metrics{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pager", Name: "cache_hits_total",
			Help: "Page reads served from the in-memory page cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pager", Name: "cache_misses_total",
			Help: "Page reads that had to go to disk.",
		}),
		PagesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pager", Name: "pages_read_total",
			Help: "Pages read from the database file.",
		}),
		PagesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pager", Name: "pages_written_total",
			Help: "Pages written to the database file.",
		}),
		PagesAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pager", Name: "pages_allocated_total",
			Help: "Pages allocated from the freelist or by file extension.",
		}),
		PagesFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pager", Name: "pages_freed_total",
			Help: "Pages pushed onto the freelist.",
		}),
		Checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "pager", Name: "checkpoints_total",
			Help: "Completed checkpoints.",
		}),
		CheckpointPages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: "pager", Name: "checkpoint_pages",
			Help:    "Dirty pages flushed per checkpoint.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "txn", Name: "commits_total",
			Help: "Committed transactions.",
		}),
		Rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "txn", Name: "rollbacks_total",
			Help: "Rolled back transactions.",
		}),
		BusyRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: "txn", Name: "busy_rejections_total",
			Help: "Write transactions rejected because the writer token was held.",
		}),
		ActiveReaders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: "txn", Name: "active_readers",
			Help: "Currently active read transactions.",
		}),
	}

	if reg != nil {
		collectors := []prometheus.Collector{
			m.CacheHits, m.CacheMisses, m.PagesRead, m.PagesWritten,
			m.PagesAllocated, m.PagesFreed, m.Checkpoints, m.CheckpointPages,
			m.Commits, m.Rollbacks, m.BusyRejections, m.ActiveReaders,
		}
		for _, c := range collectors {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// IncCacheHit records a page cache hit.
func (m *Metrics) IncCacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

// IncCacheMiss records a page cache miss.
func (m *Metrics) IncCacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

// IncPagesRead records a page read from disk.
func (m *Metrics) IncPagesRead() {
	if m != nil {
		m.PagesRead.Inc()
	}
}

// AddPagesWritten records n pages written to disk.
func (m *Metrics) AddPagesWritten(n int) {
	if m != nil {
		m.PagesWritten.Add(float64(n))
	}
}

// IncPagesAllocated records a page allocation.
func (m *Metrics) IncPagesAllocated() {
	if m != nil {
		m.PagesAllocated.Inc()
	}
}

// IncPagesFreed records a page pushed onto the freelist.
func (m *Metrics) IncPagesFreed() {
	if m != nil {
		m.PagesFreed.Inc()
	}
}

// ObserveCheckpoint records a completed checkpoint of n flushed pages.
func (m *Metrics) ObserveCheckpoint(n int) {
	if m != nil {
		m.Checkpoints.Inc()
		m.CheckpointPages.Observe(float64(n))
	}
}

// IncCommit records a committed transaction.
func (m *Metrics) IncCommit() {
	if m != nil {
		m.Commits.Inc()
	}
}

// IncRollback records a rolled back transaction.
func (m *Metrics) IncRollback() {
	if m != nil {
		m.Rollbacks.Inc()
	}
}

// IncBusyRejection records a begin(WRITE) rejected with ErrBusy.
func (m *Metrics) IncBusyRejection() {
	if m != nil {
		m.BusyRejections.Inc()
	}
}

// ReaderStarted records a read transaction beginning.
func (m *Metrics) ReaderStarted() {
	if m != nil {
		m.ActiveReaders.Inc()
	}
}

// ReaderFinished records a read transaction ending.
func (m *Metrics) ReaderFinished() {
	if m != nil {
		m.ActiveReaders.Dec()
	}
}
