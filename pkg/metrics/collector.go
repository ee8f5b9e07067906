package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Op labels a write operation kind.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Collector receives process-wide write metrics. Calls are made after the
// write unit of work commits.
type Collector interface {
	// RecordWrite counts n documents written by op.
	RecordWrite(op Op, n int)
	// RecordKeys counts index keys inserted and deleted.
	RecordKeys(inserted, deleted int64)
	// RecordCappedDeletes counts documents trimmed from capped collections.
	RecordCappedDeletes(n int)
	RecordWriteConflict()
	RecordValidationWarning()
	// ObserveLatency records the duration of a whole write request,
	// including retries.
	ObserveLatency(op Op, d time.Duration, err error)
}

// NoopCollector discards everything.
type NoopCollector struct{}

func (NoopCollector) RecordWrite(Op, int)                     {}
func (NoopCollector) RecordKeys(int64, int64)                 {}
func (NoopCollector) RecordCappedDeletes(int)                 {}
func (NoopCollector) RecordWriteConflict()                    {}
func (NoopCollector) RecordValidationWarning()                {}
func (NoopCollector) ObserveLatency(Op, time.Duration, error) {}

// Prometheus exports write metrics through client_golang.
type Prometheus struct {
	documents          *prometheus.CounterVec
	keys               *prometheus.CounterVec
	cappedDeletes      prometheus.Counter
	writeConflicts     prometheus.Counter
	validationWarnings prometheus.Counter
	latency            *prometheus.HistogramVec
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collwrite",
			Name:      "documents_written_total",
			Help:      "Documents written by committed operations.",
		}, []string{"op"}),
		keys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collwrite",
			Name:      "index_keys_total",
			Help:      "Index keys inserted and deleted by committed operations.",
		}, []string{"kind"}),
		cappedDeletes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collwrite",
			Name:      "capped_deletes_total",
			Help:      "Documents removed from capped collections to stay within bounds.",
		}),
		writeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collwrite",
			Name:      "write_conflicts_total",
			Help:      "Write conflicts that caused a retry.",
		}),
		validationWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collwrite",
			Name:      "validation_warnings_total",
			Help:      "Documents written despite failing validation with validationAction warn.",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "collwrite",
			Name:      "write_duration_seconds",
			Help:      "Duration of write requests including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "status"}),
	}
	reg.MustRegister(p.documents, p.keys, p.cappedDeletes, p.writeConflicts, p.validationWarnings, p.latency)
	return p
}

func (p *Prometheus) RecordWrite(op Op, n int) {
	p.documents.WithLabelValues(string(op)).Add(float64(n))
}

func (p *Prometheus) RecordKeys(inserted, deleted int64) {
	if inserted > 0 {
		p.keys.WithLabelValues("inserted").Add(float64(inserted))
	}
	if deleted > 0 {
		p.keys.WithLabelValues("deleted").Add(float64(deleted))
	}
}

func (p *Prometheus) RecordCappedDeletes(n int) {
	p.cappedDeletes.Add(float64(n))
}

func (p *Prometheus) RecordWriteConflict() { p.writeConflicts.Inc() }

func (p *Prometheus) RecordValidationWarning() { p.validationWarnings.Inc() }

func (p *Prometheus) ObserveLatency(op Op, d time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.latency.WithLabelValues(string(op), status).Observe(d.Seconds())
}

// Documents returns the written-documents counter for op.
func (p *Prometheus) Documents(op Op) prometheus.Counter {
	return p.documents.WithLabelValues(string(op))
}

func (p *Prometheus) CappedDeletes() prometheus.Counter { return p.cappedDeletes }

func (p *Prometheus) WriteConflicts() prometheus.Counter { return p.writeConflicts }

func (p *Prometheus) ValidationWarnings() prometheus.Counter { return p.validationWarnings }

// OrNoop returns c, or a NoopCollector when c is nil.
func OrNoop(c Collector) Collector {
	if c == nil {
		return NoopCollector{}
	}
	return c
}
