package report

import (
	"fmt"
	"io"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

// Exporter publishes folded iterations and stage outcomes as Prometheus
// metrics.
type Exporter struct {
	set    *metrics.Set
	prefix string
}

type ExporterOption func(*Exporter)

// WithPrefix sets the metric name prefix. Defaults to "conductor".
func WithPrefix(prefix string) ExporterOption {
	return func(e *Exporter) { e.prefix = prefix }
}

// WithMetricsSet publishes into set instead of a newly registered one.
func WithMetricsSet(set *metrics.Set) ExporterOption {
	return func(e *Exporter) { e.set = set }
}

func NewExporter(opts ...ExporterOption) *Exporter {
	e := &Exporter{prefix: "conductor"}
	for _, opt := range opts {
		opt(e)
	}
	if e.set == nil {
		e.set = metrics.NewSet()
		metrics.RegisterSet(e.set)
	}
	return e
}

// Iteration adds the aggregate of it to the per-test counters.
func (e *Exporter) Iteration(test string, it Iteration) {
	p := e.prefix
	e.set.GetOrCreateCounter(fmt.Sprintf(`%s_iterations_total{test=%q}`, p, test)).Inc()
	e.set.GetOrCreateGauge(fmt.Sprintf(`%s_iteration_workers{test=%q}`, p, test), nil).Set(float64(len(it.PerWorker)))
	for _, op := range it.Aggregate.Operations() {
		os, _ := it.Aggregate.Get(op)
		labels := fmt.Sprintf(`{test=%q,operation=%q}`, test, op)
		e.set.GetOrCreateCounter(p + "_requests_total" + labels).Add(int(os.Requests))
		e.set.GetOrCreateCounter(p + "_errors_total" + labels).Add(int(os.Errors))
		e.set.GetOrCreateFloatCounter(p + "_latency_seconds_total" + labels).Add(os.TotalLatency.Seconds())
	}
}

// Stage counts one stage outcome.
func (e *Exporter) Stage(name, result string) {
	e.set.GetOrCreateCounter(fmt.Sprintf(`%s_stages_total{stage=%q,result=%q}`, e.prefix, name, result)).Inc()
}

// Set returns the underlying metrics set.
func (e *Exporter) Set() *metrics.Set { return e.set }

// Handler serves the metrics in Prometheus text format.
func (e *Exporter) Handler(w http.ResponseWriter, _ *http.Request) {
	e.set.WritePrometheus(w)
}

func (e *Exporter) WritePrometheus(w io.Writer) {
	e.set.WritePrometheus(w)
}
